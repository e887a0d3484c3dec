package compiler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const dispatchSource = `
.class Base
.class Derived extends Base
.class Square

.method Base.name ()I
    iconst_1
    ireturn
.end
.method Derived.name ()I
    iconst_2
    ireturn
.end
.method Derived.callSuper ()I
    aload_0
    invokespecial Base.name ()I
    ireturn
.end
.method Derived.callVirtual ()I
    aload_0
    invokevirtual Base.name ()I
    ireturn
.end
.method Square.area ()I
    bipush 16
    ireturn
.end
.method static T.area (LShape;)I
    aload_0
    invokeinterface Shape.area ()I
    ireturn
.end
.method static T.make ()LDerived;
    new Derived
    dup
    invokespecial Derived.<init> ()V
    areturn
.end
.method static T.sub (II)I
    iload_0
    iload_1
    isub
    ireturn
.end
.method static T.callSub ()I
    bipush 10
    iconst_3
    invokestatic T.sub (II)I
    ireturn
.end
.method static T.mix (JI)J
    lload_0
    iload_2
    i2l
    ladd
    lreturn
.end
`

func TestInvokeSpecialBindsDeclaredMethod(t *testing.T) {
	env, it := newEnv(t, dispatchSource)
	d, err := it.Invoke("T.make:()LDerived;")
	require.NoError(t, err)
	require.Equal(t, "Derived", d.Ref.Class)

	v, err := it.Invoke("Derived.callSuper:()I", d)
	require.NoError(t, err)
	require.Equal(t, int64(1), v.I, "special call must not dispatch on the receiver")

	v, err = it.Invoke("Derived.callVirtual:()I", d)
	require.NoError(t, err)
	require.Equal(t, int64(2), v.I, "virtual call must pick the override")

	base := RefValue(&Object{Class: "Base", Fields: map[string]Value{}})
	v, err = it.Invoke("Derived.callVirtual:()I", base)
	require.NoError(t, err)
	require.Equal(t, int64(1), v.I)

	mod, err := env.Module("Derived.callSuper:()I")
	require.NoError(t, err)
	calls := instsOf(mod, OpCall)
	require.Len(t, calls, 1)
	site := calls[0].Call
	require.Equal(t, DispatchSpecial, site.Dispatch)
	require.Equal(t, "Base", site.Method.Owner)
	require.Equal(t, "Base.name:()I", calls[0].Sym)
	require.Equal(t, NoValue, site.Slot)
	require.Empty(t, instsOf(mod, OpLookupVirtual))
	require.Empty(t, instsOf(mod, OpLoadKlass))
}

func TestInvokeVirtualLooksUpReceiverClass(t *testing.T) {
	mod := translate(t, dispatchSource, "Derived.callVirtual:()I")
	lookups := instsOf(mod, OpLookupVirtual)
	require.Len(t, lookups, 1)
	require.Equal(t, TypeFn, lookups[0].Type)
	require.Equal(t, "Base.name:()I", lookups[0].Sym)
	require.Equal(t, OpLoadKlass, mod.Inst(lookups[0].Args[0]).Op)

	calls := instsOf(mod, OpCall)
	require.Len(t, calls, 1)
	site := calls[0].Call
	require.Equal(t, DispatchVirtual, site.Dispatch)
	require.Equal(t, lookups[0].ID, site.Slot)
	require.Equal(t, []ValueID{site.Slot, site.Receiver}, calls[0].Args)
	require.Len(t, instsOf(mod, OpCheckNull), 1)
}

func TestInvokeInterface(t *testing.T) {
	_, it := newEnv(t, dispatchSource)
	v, err := it.Invoke("T.area:(LShape;)I", RefValue(&Object{Class: "Square"}))
	require.NoError(t, err)
	require.Equal(t, int64(16), v.I)

	_, err = it.Invoke("T.area:(LShape;)I", RefValue(&Object{Class: "Base"}))
	requireThrows(t, err, "java/lang/IncompatibleClassChangeError")

	_, err = it.Invoke("T.area:(LShape;)I", Value{})
	requireThrows(t, err, "java/lang/NullPointerException")

	mod := translate(t, dispatchSource, "T.area:(LShape;)I")
	require.Len(t, instsOf(mod, OpLookupInterface), 1)
	require.Equal(t, DispatchInterface, instsOf(mod, OpCall)[0].Call.Dispatch)
}

func TestInvokeStaticArguments(t *testing.T) {
	_, it := newEnv(t, dispatchSource)
	v, err := it.Invoke("T.callSub:()I")
	require.NoError(t, err)
	require.Equal(t, int64(7), v.I)

	v, err = it.Invoke("T.mix:(JI)J", Long(5_000_000_000), Int(7))
	require.NoError(t, err)
	require.Equal(t, int64(5_000_000_007), v.I)

	mod := translate(t, dispatchSource, "T.mix:(JI)J")
	require.Equal(t, []Type{TypeI64, TypeI32}, mod.Params)
	require.Equal(t, TypeI64, mod.Return)
}

func TestInvokeFlagMismatchIsMalformed(t *testing.T) {
	src := `
.method static T.bad (LShape;)I
    aload_0
    invokevirtual Shape.area ()I
    ireturn
.end
`
	m := method(t, src, "T.bad:(LShape;)I")
	for i := 1; i < m.Pool.Len(); i++ {
		if ref, err := m.Pool.Method(i); err == nil {
			ref.Interface = true
		}
	}
	_, err := GenerateModule(m, DefaultConfig())
	require.ErrorIs(t, err, ErrMalformed)
}

func TestInvokeDepthLimit(t *testing.T) {
	src := `
.method static T.loop ()V
    invokestatic T.loop ()V
    return
.end
`
	env, it := newEnv(t, src)
	env.MaxDepth = 32
	_, err := it.Invoke("T.loop:()V")
	requireThrows(t, err, "java/lang/StackOverflowError")
}

func TestVirtualLookupFaultIsCaught(t *testing.T) {
	src := `
.class Base
.method static T.call (LBase;)I
start:
    aload_0
    invokevirtual Base.missing ()I
    ireturn
end:
h:
    pop
    iconst_m1
    ireturn
    .try start end h any
.end
`
	_, it := newEnv(t, src)
	v, err := it.Invoke("T.call:(LBase;)I", RefValue(&Object{Class: "Base", Fields: map[string]Value{}}))
	require.NoError(t, err)
	require.Equal(t, int64(-1), v.I, "AbstractMethodError from the lookup reaches the handler")

	mod := translate(t, src, "T.call:(LBase;)I")
	lookups := instsOf(mod, OpLookupVirtual)
	require.Len(t, lookups, 1)
	b := mod.Block(lookups[0].Block)
	require.Equal(t, lookups[0].ID, b.Last())
	require.Equal(t, TermMayUnwind, b.Term.Kind)
	require.Equal(t, "bci_1_unwind_dest", mod.Block(b.UnwindTarget()).Label)
}
