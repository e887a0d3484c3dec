package bytecode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const catchSource = `
.class Point extends java/lang/Object
.field x I
.field y I
.method static Test.run ()I
    .locals 1
start:
    invokestatic Test.boom ()V    # always throws
end:
    iconst_0
    ireturn
handler:
    astore_0
    ldc "caught"
    pop
    iconst_1
    ireturn
    .try start end handler java/lang/RuntimeException
.end
`

func TestParseText(t *testing.T) {
	prog, err := ParseText(catchSource)
	require.NoError(t, err)
	require.Len(t, prog.Classes, 1)
	require.Len(t, prog.Classes[0].Fields, 2)
	require.Equal(t, "Point", prog.Classes[0].Fields[0].Owner)

	m := prog.Method("Test.run:()I")
	require.NotNil(t, m)
	require.True(t, m.Static)
	require.Equal(t, []ExceptionEntry{{StartBCI: 0, EndBCI: 3, HandlerBCI: 5, CatchType: "java/lang/RuntimeException"}}, m.Exceptions)

	insts, err := m.Instructions()
	require.NoError(t, err)
	require.Equal(t, Invokestatic, insts[0].Op)
	ref, err := m.Pool.Method(insts[0].Index)
	require.NoError(t, err)
	require.Equal(t, "Test.boom:()V", ref.Key())

	require.Equal(t, Ldc, insts[4].Op)
	c, err := m.Pool.Entry(insts[4].Index)
	require.NoError(t, err)
	require.Equal(t, "caught", c.String)
}

func TestParseTextOperands(t *testing.T) {
	src := `
.method static T.m (Ljava/lang/Object;)V
    ldc2_w 1.5
    pop2
    ldc2_w 7
    pop2
    ldc 0x1f
    pop
    ldc 2.5f
    pop
    newarray long
    pop
    iconst_1
    iconst_2
    multianewarray [[I 2
    pop
    aload_0
    checkcast java/lang/String
    getfield java/lang/String.value [C
    pop
    iconst_0
    lookupswitch done 1:done 5:done
done:
    return
.end
`
	prog, err := ParseText(src)
	require.NoError(t, err)
	m := prog.Methods[0]
	insts, err := m.Instructions()
	require.NoError(t, err)

	ops := make([]Opcode, len(insts))
	for i, in := range insts {
		ops[i] = in.Op
	}
	require.Equal(t, []Opcode{Ldc2W, Pop2, Ldc2W, Pop2, Ldc, Pop, Ldc, Pop, Newarray, Pop,
		Iconst1, Iconst2, Multianewarray, Pop, Aload0, Checkcast, Getfield, Pop, Iconst0, Lookupswitch, Return}, ops)

	c, err := m.Pool.Entry(insts[0].Index)
	require.NoError(t, err)
	require.Equal(t, ConstDouble, c.Tag)
	c, err = m.Pool.Entry(insts[2].Index)
	require.NoError(t, err)
	require.Equal(t, ConstLong, c.Tag)
	c, err = m.Pool.Entry(insts[4].Index)
	require.NoError(t, err)
	require.Equal(t, int64(31), c.Int)
	c, err = m.Pool.Entry(insts[6].Index)
	require.NoError(t, err)
	require.Equal(t, ConstFloat, c.Tag)
	require.Equal(t, int32(TagLong), insts[8].Imm)
	require.Equal(t, int32(2), insts[12].Imm)

	sw := insts[19].Switch
	require.Equal(t, []int32{1, 5}, sw.Keys)
	require.Equal(t, insts[20].BCI, sw.Default)
}

func TestParseTextErrors(t *testing.T) {
	for name, src := range map[string]string{
		"unknown opcode": ".method static T.m ()V\n frobnicate\n.end\n",
		"missing end":    ".method static T.m ()V\n return\n",
		"bad label":      ".method static T.m ()V\n goto nowhere\n.end\n",
		"field no class": ".field x I\n",
		"bad header":     ".method T.m\n.end\n",
		"unterminated":   ".method static T.m ()V\n ldc \"oops\n.end\n",
		"bad try arity":  ".method static T.m ()V\n .try a b\n.end\n",
		"code outside":   "return\n",
	} {
		_, err := ParseText(src)
		require.Error(t, err, name)
	}
}

func TestLoadYAML(t *testing.T) {
	data := []byte(`
classes:
  - name: Box
    fields:
      - {name: v, desc: J}
methods:
  - class: Test
    name: run
    desc: ()V
    static: true
    code: |
      s:
          invokestatic Test.work ()V
      e:
          goto out
      h:
          endfinally
      out:
          return
    exceptions:
      - {start: s, end: e, handler: h, finally: true}
`)
	prog, err := LoadYAML(data)
	require.NoError(t, err)
	require.Len(t, prog.Methods, 1)
	require.Equal(t, "java/lang/Object", prog.Classes[0].Super)
	m := prog.Methods[0]
	require.Len(t, m.Exceptions, 1)
	require.True(t, m.Exceptions[0].Finally)
	require.Equal(t, 6, m.Exceptions[0].HandlerBCI)

	_, err = LoadYAML([]byte("methods:\n  - clas: x\n"))
	require.Error(t, err)
}
