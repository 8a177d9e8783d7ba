package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/exp/maps"
	"gopkg.in/yaml.v3"
)

const (
	defaultTimestampFormat = "%Y-%m-%d-%H-%M-%S"
	defaultShapePattern    = "*.ply"
)

// LaunchSpec describes a single run: which trainer config to use, which
// shapes to iterate, and where logs and models go. Loaded from the file
// passed to "shaperun run --spec".
type LaunchSpec struct {
	Profile         string       `yaml:"profile" json:"profile"`
	Name            string       `yaml:"name" json:"name"`
	Config          string       `yaml:"config" json:"config"`
	Root            string       `yaml:"root" json:"root"`
	LogRoot         string       `yaml:"log_root" json:"log_root"`
	ModelDir        string       `yaml:"model_dir" json:"model_dir"`
	Trainer         []string     `yaml:"trainer" json:"trainer"`
	Shapes          []string     `yaml:"shapes" json:"shapes"`
	Dataset         *DatasetSpec `yaml:"dataset" json:"dataset"`
	SavedModelDir   string       `yaml:"saved_model_dir" json:"saved_model_dir"`
	OnFailure       string       `yaml:"on_failure" json:"on_failure"`
	TimestampFormat string       `yaml:"timestamp_format" json:"timestamp_format"`
	Args            []string     `yaml:"args" json:"args"`
}

// DatasetSpec selects the glob variant: one training invocation per matched
// file under <root>/<category>/.
type DatasetSpec struct {
	Root       string   `yaml:"root" json:"root"`
	Categories []string `yaml:"categories" json:"categories"`
	Pattern    string   `yaml:"pattern" json:"pattern"`
}

type Config struct {
	Defaults RunProfile            `yaml:"defaults" json:"defaults"`
	Profiles map[string]RunProfile `yaml:"profiles" json:"profiles"`
	path     string
}

type RunProfile struct {
	LogRoot         string   `yaml:"log_root" json:"log_root"`
	ModelDir        string   `yaml:"model_dir" json:"model_dir"`
	Trainer         []string `yaml:"trainer" json:"trainer"`
	DatasetRoot     string   `yaml:"dataset_root" json:"dataset_root"`
	SavedModelDir   string   `yaml:"saved_model_dir" json:"saved_model_dir"`
	OnFailure       string   `yaml:"on_failure" json:"on_failure"`
	TimestampFormat string   `yaml:"timestamp_format" json:"timestamp_format"`
}

func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".shaperun")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func defaultConfigPaths() ([]string, error) {
	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	return []string{
		filepath.Join(dir, "config.yaml"),
		filepath.Join(dir, "config.yml"),
		filepath.Join(dir, "config.json"),
	}, nil
}

func loadConfig() (*Config, error) {
	paths, err := defaultConfigPaths()
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		cfg := &Config{
			Profiles: make(map[string]RunProfile),
			path:     path,
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return cfg, nil
		}
		if err := unmarshalConfigData(data, filepath.Ext(path), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if cfg.Profiles == nil {
			cfg.Profiles = make(map[string]RunProfile)
		}
		return cfg, nil
	}
	return nil, nil
}

func (c *Config) profile(name string) (RunProfile, error) {
	prof, ok := c.Profiles[name]
	if !ok {
		known := maps.Keys(c.Profiles)
		sort.Strings(known)
		if len(known) == 0 {
			return RunProfile{}, fmt.Errorf("profile %q not found in %s (no profiles defined)", name, c.path)
		}
		return RunProfile{}, fmt.Errorf("profile %q not found in %s (have: %s)", name, c.path, strings.Join(known, ", "))
	}
	return prof, nil
}

func loadLaunchSpec(path string) (*LaunchSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var spec LaunchSpec
	if err := unmarshalConfigData(data, filepath.Ext(path), &spec); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &spec, nil
}

func configPathHint() string {
	dir, err := configDir()
	if err != nil {
		return "~/.shaperun/config.(yaml|json)"
	}
	return fmt.Sprintf("%s/config.(yaml|json)", dir)
}

func unmarshalConfigData(data []byte, ext string, target interface{}) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(trimmed, target)
	case ".json":
		return json.Unmarshal(trimmed, target)
	default:
		if err := json.Unmarshal(trimmed, target); err == nil {
			return nil
		}
		return yaml.Unmarshal(trimmed, target)
	}
}
