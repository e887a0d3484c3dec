package compiler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmjit/bcjit/core/jit/bytecode"
)

func assemble(t *testing.T, src string) *bytecode.Program {
	t.Helper()
	prog, err := bytecode.ParseText(src)
	require.NoError(t, err)
	return prog
}

func method(t *testing.T, src, key string) *bytecode.Method {
	t.Helper()
	m := assemble(t, src).Method(key)
	require.NotNil(t, m, "method %s", key)
	return m
}

func translate(t *testing.T, src, key string) *Module {
	t.Helper()
	mod, err := GenerateModule(method(t, src, key), DefaultConfig())
	require.NoError(t, err)
	return mod
}

func newEnv(t *testing.T, src string) (*Env, *Interpreter) {
	t.Helper()
	env := NewEnv(DefaultConfig())
	env.AddProgram(assemble(t, src))
	return env, NewInterpreter(env)
}

// throwing registers natives that raise the given exception classes.
func throwing(env *Env, natives map[string]string) {
	for key, class := range natives {
		class := class
		env.AddNative(key, func(it *Interpreter, _ []Value) (Value, error) {
			return Value{}, it.Env().Throwable(class)
		})
	}
}

func requireThrows(t *testing.T, err error, class string) {
	t.Helper()
	require.Error(t, err)
	thr, ok := err.(*Throw)
	require.True(t, ok, "want a Java exception, have %v", err)
	require.Equal(t, class, thr.Obj.Class)
}

func instsOf(m *Module, op Op) []*Inst {
	var out []*Inst
	for _, in := range m.Insts {
		if in.Op == op {
			out = append(out, in)
		}
	}
	return out
}
