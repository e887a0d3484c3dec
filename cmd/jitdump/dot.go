package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/vmjit/bcjit/core/jit/compiler"
)

var dotKindStyle = map[compiler.BlockKind]string{
	compiler.BlockLandingpad: ", style=filled, fillcolor=\"#f4cccc\"",
	compiler.BlockDispatch:   ", style=filled, fillcolor=\"#fce5cd\"",
	compiler.BlockResume:     ", style=filled, fillcolor=\"#ead1dc\"",
	compiler.BlockLeave:      ", style=filled, fillcolor=\"#d9ead3\"",
}

func buildDOT(mod *compiler.Module) []byte {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	fmt.Fprintln(w, "digraph IR {")
	fmt.Fprintln(w, "  node [shape=box, fontname=\"monospace\"];")
	fmt.Fprintf(w, "  labelloc=\"t\";\n  label=\"%s\";\n", escapeDOT(mod.Method))

	for _, b := range mod.Blocks {
		label := fmt.Sprintf("%s\\n%s insts=%d", b.Label, b.Kind, len(b.Insts))
		if b.Pad != nil && b.Pad.Cleanup {
			label += "\\ncleanup"
		}
		fmt.Fprintf(w, "  n%d [label=\"%s\"%s];\n", b.ID, escapeDOT(label), dotKindStyle[b.Kind])
	}
	for _, b := range mod.Blocks {
		unwind := b.UnwindTarget()
		for _, s := range b.Succs {
			if s == unwind {
				fmt.Fprintf(w, "  n%d -> n%d [style=dashed, label=\"unwind\"];\n", b.ID, s)
				continue
			}
			fmt.Fprintf(w, "  n%d -> n%d;\n", b.ID, s)
		}
	}
	fmt.Fprintln(w, "}")
	w.Flush()
	return buf.Bytes()
}

func escapeDOT(s string) string {
	// Keep \n sequences so Graphviz breaks lines; quote everything else.
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}

// writeGraph writes dot to out or stdout, rendering SVG through Graphviz
// when asked.
func writeGraph(stdout io.Writer, dot []byte, out, format string) error {
	if format == "" {
		format = "dot"
		if strings.ToLower(filepath.Ext(out)) == ".svg" {
			format = "svg"
		}
	}
	data := dot
	switch format {
	case "dot":
	case "svg":
		if _, err := exec.LookPath("dot"); err != nil {
			return errors.New("dot not found in PATH; install graphviz or choose --format=dot")
		}
		var svg bytes.Buffer
		cmd := exec.Command("dot", "-Tsvg")
		cmd.Stdin = bytes.NewReader(dot)
		cmd.Stdout = &svg
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("dot render: %w", err)
		}
		data = svg.Bytes()
	default:
		return fmt.Errorf("unknown format %q (use dot or svg)", format)
	}
	if out == "" {
		_, err := stdout.Write(data)
		return err
	}
	return os.WriteFile(out, data, 0o644)
}
