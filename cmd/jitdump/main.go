// jitdump translates bytecode methods and prints the resulting IR, its block
// graph or a batch compilation summary.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/vmjit/bcjit/core/jit/bytecode"
	"github.com/vmjit/bcjit/core/jit/compiler"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file with a [Compiler] section",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	allowFlag = &cli.StringSliceFlag{
		Name:  "allow",
		Usage: "Restrict translation to these opcode mnemonics",
	}
	noElideFlag = &cli.BoolFlag{
		Name:  "no-elide",
		Usage: "Keep runtime guards whose outcome is known at translation time",
	}
	workersFlag = &cli.IntFlag{
		Name:  "workers",
		Usage: "Number of concurrent translations (0 keeps the configured value)",
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "jitdump",
		Usage: "inspect the bytecode to IR translator",
		Flags: []cli.Flag{configFlag, verbosityFlag, allowFlag, noElideFlag, workersFlag},
		Before: func(ctx *cli.Context) error {
			setupLogging(ctx.App.ErrWriter, ctx.Int(verbosityFlag.Name))
			return nil
		},
		Commands: []*cli.Command{
			irCommand,
			dotCommand,
			blocksCommand,
			batchCommand,
			runCommand,
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(w io.Writer, verbosity int) {
	if w == nil {
		w = os.Stderr
	}
	useColor := false
	if w == os.Stderr {
		fd := os.Stderr.Fd()
		useColor = (isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)) && os.Getenv("TERM") != "dumb"
		if useColor {
			w = colorable.NewColorableStderr()
		}
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(w, log.FromLegacyLevel(verbosity), useColor)))
}

// loadConfig builds the compiler configuration from the config file and the
// command line overrides.
func loadConfig(ctx *cli.Context) (compiler.Config, error) {
	cfg := compiler.DefaultConfig()
	if path := ctx.String(configFlag.Name); path != "" {
		var err error
		if cfg, err = compiler.LoadConfig(path); err != nil {
			return cfg, err
		}
	}
	if allow := ctx.StringSlice(allowFlag.Name); len(allow) > 0 {
		cfg.AllowedOpcodes = allow
	}
	if ctx.Bool(noElideFlag.Name) {
		cfg.ElideConstantGuards = false
	}
	if n := ctx.Int(workersFlag.Name); n > 0 {
		cfg.Workers = n
	}
	return cfg, cfg.Validate()
}

// loadProgram reads a YAML method bundle or a text assembly file.
func loadProgram(path string) (*bytecode.Program, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return bytecode.LoadYAMLFile(path)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	prog, err := bytecode.ParseText(string(src))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return prog, nil
}

// selectMethods returns the methods named by keys, or all of them.
func selectMethods(prog *bytecode.Program, keys []string) ([]*bytecode.Method, error) {
	if len(keys) == 0 {
		return prog.Methods, nil
	}
	out := make([]*bytecode.Method, 0, len(keys))
	for _, key := range keys {
		m := prog.Method(key)
		if m == nil {
			return nil, fmt.Errorf("no method %q", key)
		}
		out = append(out, m)
	}
	return out, nil
}

// programArgs loads the program named by the first argument and selects the
// methods named by the rest.
func programArgs(ctx *cli.Context) (*bytecode.Program, []*bytecode.Method, error) {
	if ctx.NArg() < 1 {
		return nil, nil, fmt.Errorf("required arguments: %v", ctx.Command.ArgsUsage)
	}
	prog, err := loadProgram(ctx.Args().First())
	if err != nil {
		return nil, nil, err
	}
	methods, err := selectMethods(prog, ctx.Args().Tail())
	return prog, methods, err
}
