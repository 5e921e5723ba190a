package config

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.BlocksInMemory != 15000 {
		t.Errorf("BlocksInMemory = %d, want 15000", cfg.BlocksInMemory)
	}
	if cfg.SortedTreeSplitFrac != 0.8 {
		t.Errorf("SortedTreeSplitFrac = %v, want 0.8", cfg.SortedTreeSplitFrac)
	}
	if !cfg.EnableLazyMove {
		t.Errorf("EnableLazyMove = false, want true")
	}
	if cfg.DetectorType() != DetectorNone {
		t.Errorf("DetectorType() = %v, want DetectorNone for an empty raw value", cfg.DetectorType())
	}
}

func TestLoad_EmptyPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg != Default() {
		t.Errorf("Load(\"\") = %+v, want Default()", cfg)
	}
}

func TestParseReader_OverridesAndDefaults(t *testing.T) {
	contents := `
BLOCKS_IN_MEMORY = 500
SORTED_TREE_SPLIT_FRAC = 0.9
ENABLE_LAZY_MOVE = false
OUTLIER_DETECTOR_TYPE = "DIST"
`
	cfg, err := ParseReader(contents)
	if err != nil {
		t.Fatalf("ParseReader() error = %v", err)
	}
	if cfg.BlocksInMemory != 500 {
		t.Errorf("BlocksInMemory = %d, want 500", cfg.BlocksInMemory)
	}
	if cfg.SortedTreeSplitFrac != 0.9 {
		t.Errorf("SortedTreeSplitFrac = %v, want 0.9", cfg.SortedTreeSplitFrac)
	}
	if cfg.EnableLazyMove {
		t.Errorf("EnableLazyMove = true, want false")
	}
	if cfg.DetectorType() != DetectorDist {
		t.Errorf("DetectorType() = %v, want DetectorDist", cfg.DetectorType())
	}
	// Untouched keys keep Default()'s values.
	if cfg.MinToleranceFactor != Default().MinToleranceFactor {
		t.Errorf("MinToleranceFactor = %v, want default %v", cfg.MinToleranceFactor, Default().MinToleranceFactor)
	}
}

func TestParseReader_UnknownKeyIsIgnoredNotFatal(t *testing.T) {
	contents := `
BLOCKS_IN_MEMORY = 42
SOME_MADE_UP_KEY = 7
`
	cfg, err := ParseReader(contents)
	if err != nil {
		t.Fatalf("ParseReader() error = %v", err)
	}
	if cfg.BlocksInMemory != 42 {
		t.Errorf("BlocksInMemory = %d, want 42", cfg.BlocksInMemory)
	}
}

func TestDetectorType(t *testing.T) {
	tests := []struct {
		raw  string
		want DetectorType
	}{
		{"DIST", DetectorDist},
		{"dist", DetectorDist},
		{`"DIST"`, DetectorDist},
		{"STDEV", DetectorStdev},
		{"", DetectorNone},
		{"bogus", DetectorNone},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			cfg := Config{OutlierDetectorTypeRaw: tt.raw}
			if got := cfg.DetectorType(); got != tt.want {
				t.Errorf("DetectorType() with raw %q = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/path/does/not/exist.properties")
	if err == nil {
		t.Fatal("Load() with a missing file: error = nil, want non-nil")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want errors.Is(err, os.ErrNotExist)", err)
	}
	if !strings.Contains(err.Error(), "config:") {
		t.Errorf("Load() error = %v, want it wrapped with a config: prefix", err)
	}
}
