// Package config loads the engine's plain-text `KEY = VALUE` configuration
// file described in spec.md §6, via viper's "properties" codec.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// ErrParse reports a malformed configuration file (spec.md §7's
// ConfigParseError): a line viper's properties codec or the mapstructure
// decode step rejects.
var ErrParse = errors.New("config: parse error")

// DetectorType selects which outlier detector OUTLIER_DETECTOR_TYPE
// names, or None if the config omits or misspells it.
type DetectorType int

const (
	DetectorNone DetectorType = iota
	DetectorDist
	DetectorStdev
)

// Config holds every KEY spec.md §6's table names, with the defaults
// config.h's Config constructor uses when a config file is absent or a
// key is unset.
type Config struct {
	BlocksInMemory         uint32  `mapstructure:"blocks_in_memory"`
	SortedTreeSplitFrac    float64 `mapstructure:"sorted_tree_split_frac"`
	UnsortedTreeSplitFrac  float64 `mapstructure:"unsorted_tree_split_frac"`
	EnableLazyMove         bool    `mapstructure:"enable_lazy_move"`
	HeapSize               int     `mapstructure:"heap_size"`
	OutlierDetectorTypeRaw string  `mapstructure:"outlier_detector_type"`

	InitToleranceFactor float64 `mapstructure:"init_tolerance_factor"`
	MinToleranceFactor  float64 `mapstructure:"min_tolerance_factor"`
	ExpectedAvgDistance float64 `mapstructure:"expected_avg_distance"`

	NumStdev   float64 `mapstructure:"num_stdev"`
	LastKStdev int     `mapstructure:"last_k_stdev"`
}

// Default returns the configuration config.h's Config() ships when no
// file is supplied.
func Default() Config {
	return Config{
		BlocksInMemory:        15000,
		SortedTreeSplitFrac:   0.8,
		UnsortedTreeSplitFrac: 0.5,
		EnableLazyMove:        true,
		HeapSize:              0,
		InitToleranceFactor:   100,
		MinToleranceFactor:    20,
		ExpectedAvgDistance:   2.5,
		NumStdev:              3,
		LastKStdev:            0,
	}
}

// recognizedKeys mirrors spec.md §6's table, lower-cased to match viper's
// key normalization.
var recognizedKeys = map[string]struct{}{
	"blocks_in_memory":         {},
	"sorted_tree_split_frac":   {},
	"unsorted_tree_split_frac": {},
	"enable_lazy_move":         {},
	"heap_size":                {},
	"outlier_detector_type":    {},
	"init_tolerance_factor":    {},
	"min_tolerance_factor":     {},
	"expected_avg_distance":    {},
	"num_stdev":                {},
	"last_k_stdev":             {},
}

// Load reads and parses the `KEY = VALUE` file at path, falling back to
// Default()'s values for anything the file doesn't set. A nil path
// (empty string) returns Default() unchanged, matching config.h's
// `Config(nullptr)` constructor.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return Default(), fmt.Errorf("config: open %s: %w", path, err)
	}
	return ParseReader(string(contents))
}

// warnUnknownKeys logs (and otherwise ignores) any key the config file
// sets that spec.md §6's table doesn't recognize, per its "unknown keys
// emit a diagnostic and are ignored" rule.
func warnUnknownKeys(keys []string) {
	for _, k := range keys {
		if _, ok := recognizedKeys[strings.ToLower(k)]; !ok {
			log.Printf("config: unrecognized key %q, ignoring", k)
		}
	}
}

// DetectorType parses OutlierDetectorTypeRaw into a DetectorType. An empty
// value yields DetectorNone silently; any other value than "DIST" or
// "STDEV" yields DetectorNone with a warning via the standard logger --
// config.h's parser does the same for an unrecognized
// OUTLIER_DETECTOR_TYPE value.
func (c Config) DetectorType() DetectorType {
	switch strings.ToUpper(strings.Trim(c.OutlierDetectorTypeRaw, `"`)) {
	case "DIST":
		return DetectorDist
	case "STDEV":
		return DetectorStdev
	case "":
		return DetectorNone
	default:
		log.Printf("config: invalid OUTLIER_DETECTOR_TYPE %q, disabling outlier detection", c.OutlierDetectorTypeRaw)
		return DetectorNone
	}
}

// ParseReader parses contents directly, the logic Load delegates to once
// it has the file's bytes in hand -- split out so tests don't need to
// write a temp file to disk.
func ParseReader(contents string) (Config, error) {
	cfg := Default()
	v := viper.New()
	v.SetConfigType("properties")
	if err := v.ReadConfig(bytes.NewBufferString(contents)); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrParse, err)
	}
	warnUnknownKeys(v.AllKeys())
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return cfg, nil
}
