package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/vmjit/bcjit/core/jit/bytecode"
	"github.com/vmjit/bcjit/core/jit/compiler"
)

var (
	irCommand = &cli.Command{
		Name:      "ir",
		Usage:     "Print the IR of methods",
		ArgsUsage: "<file> [method...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "topology", Usage: "Print only the landingpad topology"},
		},
		Action: irCmd,
	}
	dotCommand = &cli.Command{
		Name:      "dot",
		Usage:     "Render the block graph of one method as DOT or SVG",
		ArgsUsage: "<file> <method>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Usage: "Output file (.dot or .svg); stdout when empty"},
			&cli.StringFlag{Name: "format", Usage: "dot or svg (inferred from --out when omitted)"},
		},
		Action: dotCmd,
	}
	blocksCommand = &cli.Command{
		Name:      "blocks",
		Usage:     "List the blocks of one method",
		ArgsUsage: "<file> <method>",
		Action:    blocksCmd,
	}
	batchCommand = &cli.Command{
		Name:      "batch",
		Usage:     "Compile every method concurrently and summarize the results",
		ArgsUsage: "<file> [method...]",
		Action:    batchCmd,
	}
	runCommand = &cli.Command{
		Name:      "run",
		Usage:     "Translate and execute a method with numeric arguments",
		ArgsUsage: "<file> <method> [arg...]",
		Action:    runCmd,
	}
)

func irCmd(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	_, methods, err := programArgs(ctx)
	if err != nil {
		return err
	}
	out := ctx.App.Writer
	failed := 0
	for _, m := range methods {
		mod, err := compiler.GenerateModule(m, cfg)
		if err != nil {
			failed++
			fmt.Fprintf(out, "; %v\n\n", err)
			continue
		}
		if ctx.Bool("topology") {
			writeTopology(ctx, mod)
			continue
		}
		fmt.Fprintln(out, mod.Dump())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d methods not translated", failed, len(methods))
	}
	return nil
}

func writeTopology(ctx *cli.Context, mod *compiler.Module) {
	topo := mod.Topology()
	table := tablewriter.NewWriter(ctx.App.Writer)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Method", "Pad", "Cleanup", "Clauses"})
	var data [][]string
	for _, pad := range mod.Landingpads() {
		pt := topo.Pads[pad.Pad.BCI]
		data = append(data, []string{mod.Method, pt.Label, strconv.FormatBool(pt.Cleanup), strings.Join(pt.Clauses, "; ")})
	}
	table.AppendBulk(data)
	table.Render()
}

func singleModule(ctx *cli.Context) (*compiler.Module, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	_, methods, err := programArgs(ctx)
	if err != nil {
		return nil, err
	}
	if len(methods) != 1 || ctx.NArg() < 2 {
		return nil, fmt.Errorf("required arguments: %v", ctx.Command.ArgsUsage)
	}
	return compiler.GenerateModule(methods[0], cfg)
}

func dotCmd(ctx *cli.Context) error {
	mod, err := singleModule(ctx)
	if err != nil {
		return err
	}
	return writeGraph(ctx.App.Writer, buildDOT(mod), ctx.String("out"), ctx.String("format"))
}

func blocksCmd(ctx *cli.Context) error {
	mod, err := singleModule(ctx)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(ctx.App.Writer)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Block", "Kind", "BCI", "Insts", "Terminator", "Succs", "Unwind"})
	var data [][]string
	for _, b := range mod.Blocks {
		succs := make([]string, len(b.Succs))
		for i, s := range b.Succs {
			succs[i] = mod.Block(s).Label
		}
		unwind := ""
		if u := b.UnwindTarget(); u != compiler.NoBlock {
			unwind = mod.Block(u).Label
		}
		data = append(data, []string{
			b.Label, b.Kind.String(), strconv.Itoa(b.StartBCI), strconv.Itoa(len(b.Insts)),
			termName(b.Term.Kind), strings.Join(succs, " "), unwind,
		})
	}
	table.AppendBulk(data)
	table.Render()
	return nil
}

var termNames = map[compiler.TermKind]string{
	compiler.TermGoto:        "goto",
	compiler.TermFallthrough: "fallthrough",
	compiler.TermCondBr:      "condbr",
	compiler.TermSwitch:      "switch",
	compiler.TermReturn:      "return",
	compiler.TermThrow:       "throw",
	compiler.TermMayUnwind:   "may-unwind",
	compiler.TermResume:      "resume",
	compiler.TermUnreachable: "unreachable",
}

func termName(k compiler.TermKind) string {
	if n, ok := termNames[k]; ok {
		return n
	}
	return "none"
}

func batchCmd(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	_, methods, err := programArgs(ctx)
	if err != nil {
		return err
	}
	broker, err := compiler.NewBroker(cfg)
	if err != nil {
		return err
	}
	defer broker.Close()

	results := broker.CompileAll(context.Background(), methods)
	table := tablewriter.NewWriter(ctx.App.Writer)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Method", "Status", "Blocks", "Landingpads", "Elapsed"})
	var data [][]string
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			status := "error"
			if b, ok := compiler.AsBailout(r.Err); ok {
				status = b.Kind.String()
			}
			log.Debug("Translation failed", "method", r.Method, "err", r.Err)
			data = append(data, []string{r.Method, status, "-", "-", r.Elapsed.String()})
			continue
		}
		data = append(data, []string{
			r.Method, "ok", strconv.Itoa(len(r.Module.Blocks)),
			strconv.Itoa(len(r.Module.Landingpads())), r.Elapsed.String(),
		})
	}
	table.AppendBulk(data)
	table.SetFooter([]string{"", fmt.Sprintf("%d failed", failed), "", "", ""})
	table.Render()
	return nil
}

func runCmd(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if ctx.NArg() < 2 {
		return fmt.Errorf("required arguments: %v", ctx.Command.ArgsUsage)
	}
	prog, err := loadProgram(ctx.Args().First())
	if err != nil {
		return err
	}
	key := ctx.Args().Get(1)
	m := prog.Method(key)
	if m == nil {
		return fmt.Errorf("no method %q", key)
	}
	mt, err := m.Type()
	if err != nil {
		return err
	}
	raw := ctx.Args().Slice()[2:]
	if len(raw) != len(mt.Params) {
		return fmt.Errorf("%s takes %d arguments, have %d", key, len(mt.Params), len(raw))
	}
	args := make([]compiler.Value, len(raw))
	for i, s := range raw {
		switch mt.Params[i].Kind {
		case bytecode.KindFloat, bytecode.KindDouble:
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("argument %d: %w", i, err)
			}
			args[i] = compiler.Double(f)
		case bytecode.KindReference:
			return fmt.Errorf("argument %d: reference parameters cannot be given on the command line", i)
		default:
			v, err := strconv.ParseInt(s, 0, 64)
			if err != nil {
				return fmt.Errorf("argument %d: %w", i, err)
			}
			args[i] = compiler.Long(v)
		}
	}

	env := compiler.NewEnv(cfg)
	env.AddProgram(prog)
	it := compiler.NewInterpreter(env)
	v, err := it.Invoke(key, args...)
	if err != nil {
		return err
	}
	switch mt.Return.Kind {
	case bytecode.KindVoid:
	case bytecode.KindFloat, bytecode.KindDouble:
		fmt.Fprintln(ctx.App.Writer, v.F)
	case bytecode.KindReference:
		if v.Ref == nil {
			fmt.Fprintln(ctx.App.Writer, "null")
		} else {
			fmt.Fprintln(ctx.App.Writer, v.Ref.Class)
		}
	default:
		fmt.Fprintln(ctx.App.Writer, v.I)
	}
	return nil
}
