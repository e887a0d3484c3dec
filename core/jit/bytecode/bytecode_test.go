package bytecode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpcodeTable(t *testing.T) {
	require.Equal(t, Opcode(0xa7), Goto)
	require.Equal(t, Opcode(0xbb), New)
	require.Equal(t, Opcode(0xc9), JsrW)
	require.Equal(t, Opcode(0xcb), Endfinally)

	for name, op := range map[string]Opcode{
		"iconst_m1": IconstM1, "aload_3": Aload3, "lstore_1": Lstore1,
		"dastore": Dastore, "lushr": Lushr, "i2s": I2s, "if_acmpne": IfAcmpne,
		"invokeinterface": Invokeinterface, "multianewarray": Multianewarray,
	} {
		got, ok := LookupOpcode(name)
		require.True(t, ok, name)
		require.Equal(t, op, got, name)
		require.Equal(t, name, op.String())
	}
	require.True(t, Invokestatic.IsInvoke())
	require.True(t, Invokestatic.MayThrow())
	require.True(t, Idiv.MayThrow())
	require.False(t, Fdiv.MayThrow())
	require.True(t, Goto.EndsBlock())
	require.True(t, Ifne.IsConditional())
	require.False(t, Ifne.EndsBlock())
	require.True(t, Athrow.EndsBlock())
	require.False(t, Opcode(0xfe).Defined())
}

func TestDecodeOperands(t *testing.T) {
	code := []byte{
		byte(Bipush), 0xff, // 0: bipush -1
		byte(Sipush), 0x01, 0x00, // 2: sipush 256
		byte(Iload2),             // 5
		byte(Iinc), 1, 0xfe, // 6: iinc 1 -2
		byte(Wide), byte(Iload), 0x01, 0x00, // 9: wide iload 256
		byte(Ifeq), 0xff, 0xf7, // 13: ifeq -9
		byte(Return), // 16
	}
	insts, err := Decode(code)
	require.NoError(t, err)
	require.Len(t, insts, 7)

	require.Equal(t, int32(-1), insts[0].Imm)
	require.Equal(t, int32(256), insts[1].Imm)
	require.Equal(t, 2, insts[2].Local)
	require.Equal(t, 1, insts[3].Local)
	require.Equal(t, int32(-2), insts[3].Imm)
	require.True(t, insts[4].Wide)
	require.Equal(t, Iload, insts[4].Op)
	require.Equal(t, 256, insts[4].Local)
	require.Equal(t, 4, insts[4].Len)
	require.Equal(t, 4, insts[5].Target)
	require.Equal(t, 16, insts[6].BCI)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode([]byte{byte(Sipush), 0x01})
	require.ErrorIs(t, err, ErrMalformedCode)

	_, err = Decode([]byte{0xfe})
	require.ErrorIs(t, err, ErrUnknownOpcode)
}

func TestAssembleSwitches(t *testing.T) {
	a := NewAssembler("T", "sw", "(I)I", true)
	a.Op(Nop).
		Op(Iload0).
		TableSwitch(1, "dflt", "one", "two").
		Label("one").PushInt(10).Op(Ireturn).
		Label("two").PushInt(20).Op(Ireturn).
		Label("dflt").Op(Iload0).
		LookupSwitch("out", []int32{-5, 100}, []string{"one", "two"}).
		Label("out").PushInt(0).Op(Ireturn)
	m, err := a.Build()
	require.NoError(t, err)

	insts, err := m.Instructions()
	require.NoError(t, err)
	var tab, look *Instruction
	for i := range insts {
		switch insts[i].Op {
		case Tableswitch:
			tab = &insts[i]
		case Lookupswitch:
			look = &insts[i]
		}
	}
	require.NotNil(t, tab)
	require.NotNil(t, look)
	require.Equal(t, []int32{1, 2}, tab.Switch.Keys)
	require.Len(t, tab.Switch.Targets, 2)
	require.Equal(t, []int32{-5, 100}, look.Switch.Keys)
	require.Equal(t, tab.Switch.Targets, look.Switch.Targets)
	require.Equal(t, look.BCI, tab.Switch.Default+1)
	require.Equal(t, 22, tab.Len)
}

func TestAssemblerRejectsUndefinedLabel(t *testing.T) {
	_, err := NewAssembler("T", "m", "()V", true).Branch(Goto, "nowhere").Build()
	require.ErrorIs(t, err, ErrUndefinedLabel)
}

func TestAssemblerLocalsFromDescriptor(t *testing.T) {
	m, err := NewAssembler("T", "m", "(JI)V", false).Op(Return).Build()
	require.NoError(t, err)
	require.Equal(t, 4, m.MaxLocals)

	m, err = NewAssembler("T", "m", "()V", true).Local(Dstore, 7).Op(Return).Build()
	require.NoError(t, err)
	require.Equal(t, 9, m.MaxLocals)
}

func TestClassLayoutInheritance(t *testing.T) {
	a := NewAssembler("T", "m", "()V", true)
	a.DeclareClass(ClassRef{Name: "A", Super: "java/lang/Object", Fields: []FieldInfo{{Name: "x", Desc: "I"}}})
	b := a.DeclareClass(ClassRef{Name: "B", Super: "A", Fields: []FieldInfo{{Name: "y", Desc: "J"}}})
	require.Equal(t, []FieldInfo{{Owner: "A", Name: "x", Desc: "I"}, {Owner: "B", Name: "y", Desc: "J"}}, b.Fields)

	idx := a.FieldIndex("B", "x", "I")
	ref, err := a.pool.Field(idx)
	require.NoError(t, err)
	require.Equal(t, "A.x", ref.Key())
}

func TestParseDescriptors(t *testing.T) {
	mt, err := ParseMethodType("(I[JLjava/lang/String;D)[[Ljava/lang/Object;")
	require.NoError(t, err)
	require.Len(t, mt.Params, 4)
	require.Equal(t, KindInt, mt.Params[0].Kind)
	require.Equal(t, "[J", mt.Params[1].Desc)
	require.Equal(t, "java/lang/String", mt.Params[2].ClassName())
	require.Equal(t, KindDouble, mt.Params[3].Kind)
	require.Equal(t, 5, mt.ArgSlots())
	require.Equal(t, 2, mt.Return.ArrayDims())

	elem, err := mt.Return.ElementType()
	require.NoError(t, err)
	require.Equal(t, "[Ljava/lang/Object;", elem.Desc)

	for _, bad := range []string{"I", "(V)V", "(I", "(Ljava/lang/String)V", "()", "(Q)V"} {
		_, err := ParseMethodType(bad)
		require.Error(t, err, bad)
	}
}

func TestPoolLookupErrors(t *testing.T) {
	p := NewConstantPool()
	idx := p.Add(Constant{Tag: ConstString, String: "hi"})
	_, err := p.Class(idx)
	require.ErrorIs(t, err, ErrBadPoolIndex)
	_, err = p.Entry(0)
	require.ErrorIs(t, err, ErrBadPoolIndex)
	c, err := p.Entry(idx)
	require.NoError(t, err)
	require.Equal(t, `"hi"`, c.Render())
}
