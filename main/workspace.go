package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"
)

// resolveSpecPath turns the launch spec path into an absolute, symlink-free
// path. The workspace root is derived from it, so a broken symlink here is
// fatal before any work starts.
func resolveSpecPath(path string) (string, error) {
	abs, err := expandLocalPath(path)
	if err != nil {
		return "", fmt.Errorf("resolve spec path %s: %w", path, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve spec path %s: %w", abs, err)
	}
	return real, nil
}

// workspaceRoot is two directory levels above the launch spec, matching a
// <root>/scripts/<spec> layout.
func workspaceRoot(specPath string) string {
	return filepath.Dir(filepath.Dir(specPath))
}

// experimentName builds "<identifier>-<timestamp>" with second precision.
// Two runs inside the same clock second collide; that is a documented
// limitation, not handled here.
func experimentName(identifier, format string, now time.Time) (string, error) {
	if strings.TrimSpace(identifier) == "" {
		return "", fmt.Errorf("experiment identifier is required")
	}
	if format == "" {
		format = defaultTimestampFormat
	}
	return identifier + "-" + strftime.Format(format, now), nil
}

// archiveArtifacts creates the experiment directory (with parents) and copies
// each source file into it under its base name, so the exact launcher input
// that produced a run can be reproduced later.
func archiveArtifacts(dir string, sources ...string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create experiment directory %s: %w", dir, err)
	}
	for _, src := range sources {
		if src == "" {
			continue
		}
		if err := copyFile(src, filepath.Join(dir, filepath.Base(src))); err != nil {
			return fmt.Errorf("archive %s: %w", src, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func expandLocalPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		rest := strings.TrimPrefix(p, "~")
		rest = strings.TrimPrefix(rest, "/")
		if rest == "" {
			p = home
		} else {
			p = filepath.Join(home, rest)
		}
	}
	return filepath.Abs(p)
}
