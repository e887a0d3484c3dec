package compiler

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// cleanupSource exits its protected range four ways depending on the
// argument: normally, through a caught exception, through an uncaught
// exception and by returning. The cleanup code counts its runs in T.count.
const cleanupSource = `
.method static T.run (I)I
start:
    iload_0
    ifne notzero
    goto after
notzero:
    iload_0
    iconst_1
    if_icmpne notone
    invokestatic T.boom ()V
    goto after
notone:
    iload_0
    iconst_2
    if_icmpne nottwo
    invokestatic T.fail ()V
    goto after
nottwo:
    iconst_3
    ireturn
end:
fin:
    getstatic T.count I
    iconst_1
    iadd
    putstatic T.count I
    endfinally
handler:
    pop
    bipush 7
    ireturn
after:
    iconst_0
    ireturn
    .finally start end fin
    .try start end handler java/lang/RuntimeException
.end
`

var cleanupNatives = map[string]string{
	"T.boom:()V": "java/lang/RuntimeException",
	"T.fail:()V": "java/lang/Error",
}

func TestCleanupRunsOncePerExit(t *testing.T) {
	env, it := newEnv(t, cleanupSource)
	throwing(env, cleanupNatives)

	for i, tc := range []struct {
		arg    int32
		want   int64
		throws string
	}{
		{arg: 0, want: 0},
		{arg: 1, want: 7},
		{arg: 2, throws: "java/lang/Error"},
		{arg: 3, want: 3},
	} {
		v, err := it.Invoke("T.run:(I)I", Int(tc.arg))
		if tc.throws != "" {
			requireThrows(t, err, tc.throws)
		} else {
			require.NoError(t, err, "arg %d", tc.arg)
			require.Equal(t, tc.want, v.I, "arg %d", tc.arg)
		}
		require.Equal(t, int64(i+1), env.Statics["T.count"].I, "cleanup runs after arg %d", tc.arg)
	}
}

func TestCleanupLandingpadDump(t *testing.T) {
	mod := translate(t, cleanupSource, "T.run:(I)I")
	pads := mod.Landingpads()
	require.Len(t, pads, 2, "one pad per throwing bci")

	dump := mod.Dump()
	lines := strings.Split(dump, "\n")
	for _, pad := range pads {
		header := fmt.Sprintf("bci_%d_unwind_dest:", pad.Pad.BCI)
		idx := -1
		for i, line := range lines {
			if line == header {
				idx = i
			}
		}
		require.GreaterOrEqual(t, idx, 0, "missing %s in\n%s", header, dump)
		require.Contains(t, lines[idx+1], "landingpad token")
		require.Equal(t, "    cleanup", lines[idx+2])
		require.True(t, strings.HasPrefix(lines[idx+3], "    cleanup label %"), lines[idx+3])
		require.True(t, strings.HasPrefix(lines[idx+4], "    catch java/lang/RuntimeException label %"), lines[idx+4])

		require.True(t, pad.Pad.Cleanup)
		require.Equal(t, []ClauseKind{ClauseCleanup, ClauseCatch}, clauseKinds(pad.Pad))
	}
	require.Contains(t, mod.Temps, "finally_"+fmt.Sprint(cleanupHandler(t, mod))+"_sel")
}

func cleanupHandler(t *testing.T, mod *Module) int {
	t.Helper()
	for _, c := range mod.Landingpads()[0].Pad.Clauses {
		if c.Kind == ClauseCleanup {
			return mod.Block(c.Target).StartBCI
		}
	}
	t.Fatal("no cleanup clause")
	return -1
}

func clauseKinds(p *Landingpad) []ClauseKind {
	out := make([]ClauseKind, len(p.Clauses))
	for i, c := range p.Clauses {
		out[i] = c.Kind
	}
	return out
}

const presenceSource = `
.method static T.p ()I
    .locals 1
    invokestatic T.a ()V
start:
    invokestatic T.b ()V
    aconst_null
    arraylength
    istore_0
    iconst_4
    iload_0
    idiv
    istore_0
end:
    invokestatic T.c ()V
    iload_0
    iconst_2
    idiv
    ireturn
handler:
    pop
    iconst_m1
    ireturn
    .try start end handler any
.end
`

func TestLandingpadsExactlyForProtectedSites(t *testing.T) {
	m := method(t, presenceSource, "T.p:()I")
	mod, err := GenerateModule(m, DefaultConfig())
	require.NoError(t, err)
	table := NewHandlerTable(m.Exceptions)
	topo := mod.Topology()

	protected, unprotected := 0, 0
	for _, in := range mod.Insts {
		if !in.Op.MayThrow() {
			continue
		}
		b := mod.Block(in.Block)
		if table.IsProtected(in.BCI) {
			protected++
			require.Equal(t, in.ID, b.Last(), "%s at bci %d must end its block", in.Op, in.BCI)
			require.Equal(t, TermMayUnwind, b.Term.Kind)
			pad := mod.Block(b.UnwindTarget())
			require.Equal(t, fmt.Sprintf("bci_%d_unwind_dest", in.BCI), pad.Label)
			// The normal path is a fresh continuation, or the next bytecode
			// block when the faulting instruction ended its bytecode block.
			next := mod.Block(b.Term.Target)
			require.Contains(t, []BlockKind{BlockContinue, BlockCode}, next.Kind)
			require.Len(t, next.Preds, 1)
			require.Contains(t, topo.Pads, in.BCI)
		} else {
			unprotected++
			require.NotContains(t, topo.Pads, in.BCI)
			if b.Last() == in.ID {
				require.Equal(t, NoBlock, b.UnwindTarget())
			}
		}
	}
	// call b, check_null, check_divzero inside; call a, call c outside. The
	// divisor of the second idiv is constant.
	require.Equal(t, 3, protected)
	require.Equal(t, 2, unprotected)
	require.Len(t, topo.Pads, 3)
	for _, pt := range topo.Pads {
		require.False(t, pt.Cleanup)
		require.Len(t, pt.Clauses, 1)
		require.True(t, strings.HasPrefix(pt.Clauses[0], "catch any "), pt.Clauses[0])
	}

	env, it := newEnv(t, presenceSource)
	env.AddNative("T.a:()V", func(*Interpreter, []Value) (Value, error) { return Value{}, nil })
	env.AddNative("T.b:()V", func(*Interpreter, []Value) (Value, error) { return Value{}, nil })
	env.AddNative("T.c:()V", func(*Interpreter, []Value) (Value, error) { return Value{}, nil })
	v, err := it.Invoke("T.p:()I")
	require.NoError(t, err)
	require.Equal(t, int64(-1), v.I, "null arraylength is caught")
}

func orderSource(first, second string) string {
	return fmt.Sprintf(`
.method static T.order ()I
start:
    invokestatic T.boom ()V
end:
    iconst_0
    ireturn
h1:
    pop
    iconst_1
    ireturn
h2:
    pop
    iconst_2
    ireturn
    .try start end h1 %s
    .try start end h2 %s
.end
`, first, second)
}

func TestDispatchFollowsTableOrder(t *testing.T) {
	for _, tc := range []struct {
		first, second string
		thrown        string
		want          int64
		clauses       []ClauseKind
		cleanup       bool
	}{
		{"java/lang/Exception", "java/lang/RuntimeException", "java/lang/RuntimeException", 1, []ClauseKind{ClauseCatch, ClauseCatch}, true},
		{"java/lang/RuntimeException", "java/lang/Exception", "java/lang/RuntimeException", 1, []ClauseKind{ClauseCatch, ClauseCatch}, true},
		{"java/lang/ArithmeticException", "java/lang/Exception", "java/lang/RuntimeException", 2, []ClauseKind{ClauseCatch, ClauseCatch}, true},
		{"any", "java/lang/RuntimeException", "java/lang/RuntimeException", 1, []ClauseKind{ClauseCatchAny}, false},
		{"java/lang/Error", "any", "java/lang/RuntimeException", 2, []ClauseKind{ClauseCatch, ClauseCatchAny}, false},
	} {
		src := orderSource(tc.first, tc.second)
		env, it := newEnv(t, src)
		throwing(env, map[string]string{"T.boom:()V": tc.thrown})
		v, err := it.Invoke("T.order:()I")
		require.NoError(t, err)
		require.Equal(t, tc.want, v.I, "%s then %s", tc.first, tc.second)

		mod := translate(t, src, "T.order:()I")
		pads := mod.Landingpads()
		require.Len(t, pads, 1)
		require.Equal(t, tc.clauses, clauseKinds(pads[0].Pad))
		require.Equal(t, tc.cleanup, pads[0].Pad.Cleanup)
	}

	env, it := newEnv(t, orderSource("java/lang/Exception", "java/lang/RuntimeException"))
	throwing(env, map[string]string{"T.boom:()V": "java/lang/Error"})
	_, err := it.Invoke("T.order:()I")
	requireThrows(t, err, "java/lang/Error")
}

// catchFirstSource lists its catch entry ahead of the cleanup entry over the
// same range, so a caught exception never reaches the cleanup code.
const catchFirstSource = `
.method static T.first (I)I
start:
    iload_0
    ifne raise
    iconst_0
    ireturn
raise:
    invokestatic T.boom ()V
    iconst_0
    ireturn
end:
fin:
    getstatic T.count I
    iconst_1
    iadd
    putstatic T.count I
    endfinally
handler:
    pop
    bipush 7
    ireturn
    .try start end handler java/lang/RuntimeException
    .finally start end fin
.end
`

func TestCatchBeforeCleanupInTableOrder(t *testing.T) {
	for _, tc := range []struct {
		thrown string
		want   int64
		count  int64
	}{
		{thrown: "java/lang/RuntimeException", want: 7, count: 0},
		{thrown: "java/lang/Error", count: 1},
	} {
		env, it := newEnv(t, catchFirstSource)
		throwing(env, map[string]string{"T.boom:()V": tc.thrown})
		v, err := it.Invoke("T.first:(I)I", Int(1))
		if tc.thrown == "java/lang/Error" {
			requireThrows(t, err, tc.thrown)
		} else {
			require.NoError(t, err)
			require.Equal(t, tc.want, v.I)
		}
		require.Equal(t, tc.count, env.Statics["T.count"].I, "cleanup runs for %s", tc.thrown)

		v, err = it.Invoke("T.first:(I)I", Int(0))
		require.NoError(t, err)
		require.Zero(t, v.I)
		require.Equal(t, tc.count+1, env.Statics["T.count"].I, "normal return runs the cleanup")
	}

	mod := translate(t, catchFirstSource, "T.first:(I)I")
	pads := mod.Landingpads()
	require.Len(t, pads, 1)
	require.Equal(t, []ClauseKind{ClauseCatch, ClauseCleanup}, clauseKinds(pads[0].Pad))
	require.True(t, pads[0].Pad.Cleanup)

	lines := strings.Split(mod.Dump(), "\n")
	header := fmt.Sprintf("bci_%d_unwind_dest:", pads[0].Pad.BCI)
	idx := -1
	for i, line := range lines {
		if line == header {
			idx = i
		}
	}
	require.GreaterOrEqual(t, idx, 0)
	require.Equal(t, "    cleanup", lines[idx+2])
	require.True(t, strings.HasPrefix(lines[idx+3], "    catch java/lang/RuntimeException label %"), lines[idx+3])
	require.True(t, strings.HasPrefix(lines[idx+4], "    cleanup label %"), lines[idx+4])
}

func TestCatchAroundAlwaysThrowingCall(t *testing.T) {
	src := `
.method static T.thrower ()V
    new java/lang/RuntimeException
    dup
    invokespecial java/lang/RuntimeException.<init> ()V
    athrow
.end
.method static T.catcher ()I
start:
    invokestatic T.thrower ()V
    iconst_0
    ireturn
end:
handler:
    astore_0
    iconst_1
    ireturn
    .try start end handler java/lang/RuntimeException
.end
.method static T.div (II)I
start:
    iload_0
    iload_1
    idiv
    ireturn
end:
h:
    pop
    iconst_m1
    ireturn
    .try start end h java/lang/ArithmeticException
.end
`
	_, it := newEnv(t, src)
	_, err := it.Invoke("T.thrower:()V")
	requireThrows(t, err, "java/lang/RuntimeException")

	v, err := it.Invoke("T.catcher:()I")
	require.NoError(t, err)
	require.Equal(t, int64(1), v.I)

	v, err = it.Invoke("T.div:(II)I", Int(7), Int(2))
	require.NoError(t, err)
	require.Equal(t, int64(3), v.I)
	v, err = it.Invoke("T.div:(II)I", Int(1), Int(0))
	require.NoError(t, err)
	require.Equal(t, int64(-1), v.I)

	thrower := translate(t, src, "T.thrower:()V")
	var throws int
	for _, b := range thrower.Blocks {
		if b.Term.Kind == TermThrow {
			throws++
			require.Equal(t, NoBlock, b.Term.Unwind, "unprotected throw has no landingpad")
		}
	}
	require.Equal(t, 1, throws)
	require.Empty(t, thrower.Landingpads())
}

func TestNestedCleanupRunsInnerFirst(t *testing.T) {
	src := `
.method static T.nest (I)I
start:
    iload_0
    ifeq skip
    invokestatic T.boom ()V
skip:
    goto after
inner_end:
fin1:
    getstatic T.log I
    bipush 10
    imul
    iconst_1
    iadd
    putstatic T.log I
    endfinally
fin2:
    getstatic T.log I
    bipush 10
    imul
    iconst_2
    iadd
    putstatic T.log I
    endfinally
after:
    getstatic T.log I
    ireturn
    .finally start inner_end fin1
    .finally start fin2 fin2
.end
`
	env, it := newEnv(t, src)
	throwing(env, map[string]string{"T.boom:()V": "java/lang/RuntimeException"})

	v, err := it.Invoke("T.nest:(I)I", Int(0))
	require.NoError(t, err)
	require.Equal(t, int64(12), v.I)

	env.Statics["T.log"] = Int(0)
	_, err = it.Invoke("T.nest:(I)I", Int(1))
	requireThrows(t, err, "java/lang/RuntimeException")
	require.Equal(t, int64(12), env.Statics["T.log"].I)

	mod := translate(t, src, "T.nest:(I)I")
	pads := mod.Landingpads()
	require.Len(t, pads, 1)
	require.Equal(t, []ClauseKind{ClauseCleanup, ClauseCleanup}, clauseKinds(pads[0].Pad))
	require.True(t, pads[0].Pad.Cleanup)
	require.NotNil(t, mod.BlockByLabel(fmt.Sprintf("bci_%d_resume", pads[0].Pad.BCI)))

	cfg := DefaultConfig()
	cfg.MaxCleanupNesting = 1
	_, err = GenerateModule(method(t, src, "T.nest:(I)I"), cfg)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestEndFinallyOutsideCleanupIsMalformed(t *testing.T) {
	src := `
.method static T.bad ()V
    endfinally
.end
`
	_, err := GenerateModule(method(t, src, "T.bad:()V"), DefaultConfig())
	require.ErrorIs(t, err, ErrMalformed)
	b, ok := AsBailout(err)
	require.True(t, ok)
	require.Equal(t, "T.bad:()V", b.Method)
	require.Equal(t, 0, b.BCI)
}
