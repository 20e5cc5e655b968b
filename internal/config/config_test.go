package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Tree.ChunkSize != 256*1024 {
		t.Fatalf("unexpected default chunk size: %d", cfg.Tree.ChunkSize)
	}
	if cfg.Tree.MaxLinks != 174 {
		t.Fatalf("unexpected default max links: %d", cfg.Tree.MaxLinks)
	}
}

func TestSaveRepoAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg := DefaultConfig()
	cfg.Tree.MaxLinks = 42
	if err := SaveRepo(cfg); err != nil {
		t.Fatalf("save repo: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".hashtree", "config")); err != nil {
		t.Fatalf("expected repo config file to exist: %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Tree.MaxLinks != 42 {
		t.Fatalf("expected repo-local override to win, got %d", loaded.Tree.MaxLinks)
	}
}

func TestGetSetValue(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	if err := SetValue("tree.max_links", "99", false); err != nil {
		t.Fatalf("set value: %v", err)
	}
	got, err := GetValue("tree.max_links")
	if err != nil {
		t.Fatalf("get value: %v", err)
	}
	if got != "99" {
		t.Fatalf("expected 99, got %q", got)
	}
}

func TestGetValueRejectsUnknownKey(t *testing.T) {
	if _, err := GetValue("nope.nope"); err == nil {
		t.Fatal("expected error for unknown config key")
	}
}
