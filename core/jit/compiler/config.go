package compiler

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"unicode"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/naoina/toml"

	"github.com/vmjit/bcjit/core/jit/bytecode"
)

// Config holds the per-compilation knobs. It is passed by value into every
// translation so concurrent compilations with different settings never
// observe each other.
type Config struct {
	// DumpIR logs the module listing and attaches it to broker results.
	DumpIR bool
	// DebugLogs enables per-block trace logging.
	DebugLogs bool
	// AllowedOpcodes restricts translation to the named mnemonics; empty
	// allows every supported opcode.
	AllowedOpcodes []string
	// ElideConstantGuards drops runtime checks whose outcome is known at
	// translation time.
	ElideConstantGuards bool
	// MaxCleanupNesting bounds how many cleanup regions one exit may leave.
	MaxCleanupNesting int
	// Workers is the broker pool size.
	Workers int
	// CacheSize is the number of modules kept by the translation cache.
	CacheSize int
}

const (
	defaultCleanupNesting = 16
	defaultCacheSize      = 1024
)

// DefaultConfig returns the stock settings. BCJIT_DEBUG=1 turns on debug
// logging.
func DefaultConfig() Config {
	debug := os.Getenv("BCJIT_DEBUG")
	return Config{
		DebugLogs:           debug == "1" || debug == "true",
		ElideConstantGuards: true,
		MaxCleanupNesting:   defaultCleanupNesting,
		Workers:             runtime.NumCPU(),
		CacheSize:           defaultCacheSize,
	}
}

// Validate checks ranges and opcode names.
func (c Config) Validate() error {
	if c.MaxCleanupNesting < 1 {
		return fmt.Errorf("MaxCleanupNesting must be positive, have %d", c.MaxCleanupNesting)
	}
	if c.Workers < 1 {
		return fmt.Errorf("Workers must be positive, have %d", c.Workers)
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("CacheSize must not be negative, have %d", c.CacheSize)
	}
	for _, name := range c.AllowedOpcodes {
		if _, ok := bytecode.LookupOpcode(name); !ok {
			return fmt.Errorf("unknown opcode %q in AllowedOpcodes", name)
		}
	}
	return nil
}

// allowSet builds the opcode allow-list; nil allows everything.
func (c Config) allowSet() mapset.Set[bytecode.Opcode] {
	if len(c.AllowedOpcodes) == 0 {
		return nil
	}
	set := mapset.NewThreadUnsafeSet[bytecode.Opcode]()
	for _, name := range c.AllowedOpcodes {
		if op, ok := bytecode.LookupOpcode(name); ok {
			set.Add(op)
		}
	}
	return set
}

// fingerprint identifies the settings that change translation output.
func (c Config) fingerprint() string {
	ops := append([]string(nil), c.AllowedOpcodes...)
	sort.Strings(ops)
	return fmt.Sprintf("dump=%t elide=%t nest=%d allow=%s", c.DumpIR, c.ElideConstantGuards, c.MaxCleanupNesting, strings.Join(ops, ","))
}

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		var link string
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://godoc.org/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

type fileConfig struct {
	Compiler Config
}

// LoadConfig reads the [Compiler] section of a TOML file on top of the
// defaults.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	cfg := fileConfig{Compiler: DefaultConfig()}
	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(path + ", " + err.Error())
	}
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Compiler.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg.Compiler, nil
}

// MarshalConfig renders cfg in the format LoadConfig reads.
func MarshalConfig(cfg Config) ([]byte, error) {
	return tomlSettings.Marshal(&fileConfig{Compiler: cfg})
}
