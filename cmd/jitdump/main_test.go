package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const textProgram = `
.method static T.add (II)I
    iload_0
    iload_1
    iadd
    ireturn
.end
.method static T.safe (II)I
start:
    iload_0
    iload_1
    idiv
    ireturn
end:
handler:
    pop
    iconst_0
    ireturn
    .try start end handler java/lang/ArithmeticException
.end
.method static T.sub ()V
    jsr s
    return
s:
    return
.end
`

const yamlProgram = `
methods:
  - class: T
    name: twice
    desc: (J)J
    static: true
    code: |
      lload_0
      lload_0
      ladd
      lreturn
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &errOut
	err := app.Run(append([]string{"jitdump", "--verbosity", "0"}, args...))
	return out.String(), err
}

func TestIRCommand(t *testing.T) {
	path := writeFile(t, "prog.j", textProgram)
	out, err := runApp(t, "ir", path, "T.safe:(II)I")
	require.NoError(t, err)
	require.Contains(t, out, "define i32 @T.safe:(II)I(i32, i32) {")
	require.Contains(t, out, "_unwind_dest:")
	require.Contains(t, out, "    catch java/lang/ArithmeticException label %")

	out, err = runApp(t, "ir", "--topology", path, "T.safe:(II)I")
	require.NoError(t, err)
	require.Contains(t, out, "CLEANUP")
	require.Contains(t, out, "catch java/lang/ArithmeticException")

	out, err = runApp(t, "ir", path)
	require.Error(t, err, "T.sub fails to translate")
	require.Contains(t, out, "unsupported construct")

	_, err = runApp(t, "ir", path, "T.nope:()V")
	require.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	path := writeFile(t, "prog.j", textProgram)
	out, err := runApp(t, "run", path, "T.add:(II)I", "40", "2")
	require.NoError(t, err)
	require.Equal(t, "42\n", out)

	out, err = runApp(t, "run", path, "T.safe:(II)I", "1", "0")
	require.NoError(t, err)
	require.Equal(t, "0\n", out)

	_, err = runApp(t, "run", path, "T.add:(II)I", "1")
	require.Error(t, err)

	yml := writeFile(t, "prog.yaml", yamlProgram)
	out, err = runApp(t, "run", yml, "T.twice:(J)J", "0x100000000")
	require.NoError(t, err)
	require.Equal(t, "8589934592\n", out)
}

func TestGraphCommands(t *testing.T) {
	path := writeFile(t, "prog.j", textProgram)
	out, err := runApp(t, "dot", path, "T.safe:(II)I")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "digraph IR {"))
	require.Contains(t, out, "[style=dashed, label=\"unwind\"]")

	dotPath := filepath.Join(t.TempDir(), "g.dot")
	_, err = runApp(t, "dot", "--out", dotPath, path, "T.add:(II)I")
	require.NoError(t, err)
	data, err := os.ReadFile(dotPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "bci_0")

	_, err = runApp(t, "dot", "--format", "png", path, "T.add:(II)I")
	require.Error(t, err)

	out, err = runApp(t, "blocks", path, "T.safe:(II)I")
	require.NoError(t, err)
	require.Contains(t, out, "may-unwind")
	require.Contains(t, out, "landingpad")

	_, err = runApp(t, "blocks", path)
	require.Error(t, err, "blocks needs a method")
}

func TestBatchCommand(t *testing.T) {
	path := writeFile(t, "prog.j", textProgram)
	out, err := runApp(t, "--workers", "2", "batch", path)
	require.NoError(t, err)
	require.Contains(t, out, "T.add:(II)I")
	require.Contains(t, out, "unsupported")
	require.Contains(t, out, "1 FAILED")

	cfg := writeFile(t, "jit.toml", "[Compiler]\nAllowedOpcodes = [\"iload_0\", \"iload_1\", \"ireturn\"]\n")
	out, err = runApp(t, "--config", cfg, "batch", path, "T.add:(II)I")
	require.NoError(t, err)
	require.Contains(t, out, "unsupported")

	bad := writeFile(t, "bad.toml", "[Compiler]\nWorkers = 0\n")
	_, err = runApp(t, "--config", bad, "batch", path)
	require.Error(t, err)
}
