package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/exp/slices"
)

// shape names one training target. Exactly one of Name (fixed-list variant)
// or DataDir/FileName (dataset-glob variant) is populated.
type shape struct {
	ID       string
	Name     string
	DataDir  string
	FileName string
}

// shapeSource enumerates the training targets of a run, in invocation order.
type shapeSource interface {
	Shapes() ([]shape, error)
}

type fixedList struct {
	names []string
}

func (f fixedList) Shapes() ([]shape, error) {
	shapes := make([]shape, 0, len(f.names))
	for _, name := range f.names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		shapes = append(shapes, shape{ID: name, Name: name})
	}
	return shapes, nil
}

type datasetGlob struct {
	root       string
	categories []string
	pattern    string
}

// Shapes walks the declared categories in order and matches pattern inside
// each category directory. Matches are sorted so invocation order is stable
// across platforms. A category with no matches contributes zero shapes.
func (d datasetGlob) Shapes() ([]shape, error) {
	pattern := d.pattern
	if pattern == "" {
		pattern = defaultShapePattern
	}
	var shapes []shape
	for _, cat := range d.categories {
		cat = strings.TrimSpace(cat)
		if cat == "" {
			continue
		}
		catDir := filepath.Join(d.root, cat)
		matches, err := filepath.Glob(filepath.Join(catDir, pattern))
		if err != nil {
			return nil, fmt.Errorf("glob %s in %s: %w", pattern, catDir, err)
		}
		slices.Sort(matches)
		for _, m := range matches {
			base := filepath.Base(m)
			shapes = append(shapes, shape{
				ID:       strings.TrimSuffix(base, filepath.Ext(base)),
				DataDir:  catDir + string(filepath.Separator),
				FileName: base,
			})
		}
	}
	return shapes, nil
}
