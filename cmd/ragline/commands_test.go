package main

import (
	"strings"
	"testing"
)

func TestBuildPipeline_UnknownBackend(t *testing.T) {
	t.Setenv("RAGLINE_DATA_DIR", t.TempDir())
	old := flagBackend
	flagBackend = "bogus"
	defer func() { flagBackend = old }()

	_, _, _, err := buildPipeline()
	if err == nil || !strings.Contains(err.Error(), "unknown backend") {
		t.Errorf("err = %v, want unknown backend error", err)
	}
}

func TestBuildPipeline_SQLite(t *testing.T) {
	t.Setenv("RAGLINE_DATA_DIR", t.TempDir())

	p, cfg, closeStore, err := buildPipeline()
	if err != nil {
		t.Fatalf("buildPipeline: %v", err)
	}
	defer closeStore()

	if p == nil {
		t.Fatal("nil pipeline")
	}
	if _, err := cfg.ResolveModel(""); err != nil {
		t.Errorf("default profile missing: %v", err)
	}
}

func TestCommands_RequireArgs(t *testing.T) {
	t.Setenv("RAGLINE_DATA_DIR", t.TempDir())
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"versions"})
	if err := rootCmd.Execute(); err == nil {
		t.Error("versions without a collection should fail")
	}

	rootCmd.SetArgs([]string{"index"})
	if err := rootCmd.Execute(); err == nil {
		t.Error("index without a directory should fail")
	}
}
