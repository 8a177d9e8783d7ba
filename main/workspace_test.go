package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestExperimentName(t *testing.T) {
	now := time.Date(2024, 3, 9, 17, 41, 5, 0, time.UTC)

	got, err := experimentName("starAndHexagon", "", now)
	if err != nil {
		t.Fatalf("experimentName: %v", err)
	}
	if want := "starAndHexagon-2024-03-09-17-41-05"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	got, err = experimentName("chairs", "%Y%m%d", now)
	if err != nil {
		t.Fatalf("experimentName with custom format: %v", err)
	}
	if want := "chairs-20240309"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	if _, err := experimentName("", "", now); err == nil {
		t.Error("expected error for empty identifier")
	}
	if _, err := experimentName("  ", "", now); err == nil {
		t.Error("expected error for blank identifier")
	}
}

func TestExperimentNameDistinctAcrossSeconds(t *testing.T) {
	base := time.Date(2024, 3, 9, 17, 41, 5, 0, time.UTC)
	a, err := experimentName("run", "", base)
	if err != nil {
		t.Fatal(err)
	}
	b, err := experimentName("run", "", base.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Errorf("names should differ across seconds, both %q", a)
	}
}

func TestWorkspaceRoot(t *testing.T) {
	got := workspaceRoot("/pv/recon/scripts/curves.yaml")
	if want := "/pv/recon"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveSpecPathFollowsSymlinks(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "curves.yaml")
	if err := os.WriteFile(target, []byte("name: test\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link.yaml")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	got, err := resolveSpecPath(link)
	if err != nil {
		t.Fatalf("resolveSpecPath: %v", err)
	}
	want, err := filepath.EvalSymlinks(target)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveSpecPathBrokenSymlink(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "broken.yaml")
	if err := os.Symlink(filepath.Join(dir, "missing.yaml"), link); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}
	if _, err := resolveSpecPath(link); err == nil {
		t.Error("expected error for broken symlink")
	}
}

func TestArchiveArtifacts(t *testing.T) {
	dir := t.TempDir()
	spec := filepath.Join(dir, "curves.yaml")
	config := filepath.Join(dir, "curv_recon.toml")
	specData := []byte("name: starAndHexagon\nshapes: [starAndHexagon]\n")
	configData := []byte("[train]\niters = 1000\n")
	if err := os.WriteFile(spec, specData, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(config, configData, 0o644); err != nil {
		t.Fatal(err)
	}

	// Experiment dir does not exist yet; parents must be created too.
	expDir := filepath.Join(dir, "log", "starAndHexagon-2024-03-09-17-41-05")
	if err := archiveArtifacts(expDir, spec, config); err != nil {
		t.Fatalf("archiveArtifacts: %v", err)
	}

	for name, want := range map[string][]byte{
		"curves.yaml":     specData,
		"curv_recon.toml": configData,
	} {
		got, err := os.ReadFile(filepath.Join(expDir, name))
		if err != nil {
			t.Fatalf("read archived %s: %v", name, err)
		}
		if string(got) != string(want) {
			t.Errorf("archived %s differs from source", name)
		}
	}
}

func TestArchiveArtifactsMissingSource(t *testing.T) {
	dir := t.TempDir()
	err := archiveArtifacts(filepath.Join(dir, "exp"), filepath.Join(dir, "nope.yaml"))
	if err == nil {
		t.Error("expected error for missing source file")
	}
}
