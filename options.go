package mjit

import (
	"fmt"
	"log"
	"os"

	"github.com/BurntSushi/toml"
)

// Compiler selects which C compiler family the engine resolves its
// executable path from.
type Compiler int

const (
	// CompilerPrimary resolves to "cc" (or $CC / $MJIT_CC if set).
	CompilerPrimary Compiler = iota
	// CompilerAlternative resolves to "clang" (or $CC / $MJIT_CC if set).
	CompilerAlternative
)

// Options is the engine's startup configuration, fixed for the lifetime of
// an Engine once Init has returned.
type Options struct {
	On           bool
	CC           Compiler
	SaveTemps    bool
	Warnings     bool
	Debug        bool
	Verbose      int
	MaxCacheSize int

	// Logger receives the engine's diagnostic lines; defaults to a
	// "mjit: "-prefixed logger over os.Stderr when left nil.
	Logger *log.Logger
}

// optionsFile is the TOML-unmarshalable shape of Options, using the same
// snake_case key convention as the rest of this codebase's config files.
type optionsFile struct {
	Enabled      bool   `toml:"enabled"`
	Compiler     string `toml:"compiler"`
	SaveTemps    bool   `toml:"save_temps"`
	Warnings     bool   `toml:"warnings"`
	Debug        bool   `toml:"debug"`
	Verbose      int    `toml:"verbose"`
	MaxCacheSize int    `toml:"max_cache_size"`
}

// LoadOptions reads and validates an mjit.toml-shaped configuration file.
func LoadOptions(path string) (Options, error) {
	var f optionsFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return Options{}, fmt.Errorf("mjit: loading options from %s: %w", path, err)
	}

	var cc Compiler
	switch f.Compiler {
	case "", "primary":
		cc = CompilerPrimary
	case "alternative":
		cc = CompilerAlternative
	default:
		return Options{}, fmt.Errorf("mjit: unknown compiler selector %q", f.Compiler)
	}

	return Options{
		On:           f.Enabled,
		CC:           cc,
		SaveTemps:    f.SaveTemps,
		Warnings:     f.Warnings,
		Debug:        f.Debug,
		Verbose:      f.Verbose,
		MaxCacheSize: f.MaxCacheSize,
	}, nil
}

// resolveCompiler returns the executable name to spawn, honoring the
// $CC / $MJIT_CC overrides ahead of the selector's default.
func (o Options) resolveCompiler() string {
	if v := os.Getenv("MJIT_CC"); v != "" {
		return v
	}
	if v := os.Getenv("CC"); v != "" {
		return v
	}
	switch o.CC {
	case CompilerAlternative:
		return "clang"
	default:
		return "cc"
	}
}

func (o Options) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.New(os.Stderr, "mjit: ", log.LstdFlags)
}

// logf emits a diagnostic line if level is within the configured verbosity.
// Level 0 is the distinguished warnings level, used for the per-unit
// translate, compile and load failure diagnostics: it logs when Warnings is
// on (even at Verbose 0) or when Verbose is at least 3, and not otherwise.
func (o Options) logf(level int, format string, args ...any) {
	if level == 0 {
		if o.Warnings || o.Verbose >= 3 {
			o.logger().Printf(format, args...)
		}
		return
	}
	if o.Verbose >= level {
		o.logger().Printf(format, args...)
	}
}
