package bytecode

import "fmt"

// Opcode is a single bytecode instruction identifier.
type Opcode byte

// Opcodes follow the standard class-file numbering; Endfinally (0xcb) is an
// extension that terminates cleanup code.
const (
	Nop Opcode = iota
	AconstNull
	IconstM1
	Iconst0
	Iconst1
	Iconst2
	Iconst3
	Iconst4
	Iconst5
	Lconst0
	Lconst1
	Fconst0
	Fconst1
	Fconst2
	Dconst0
	Dconst1
	Bipush
	Sipush
	Ldc
	LdcW
	Ldc2W
	Iload
	Lload
	Fload
	Dload
	Aload
	Iload0
	Iload1
	Iload2
	Iload3
	Lload0
	Lload1
	Lload2
	Lload3
	Fload0
	Fload1
	Fload2
	Fload3
	Dload0
	Dload1
	Dload2
	Dload3
	Aload0
	Aload1
	Aload2
	Aload3
	Iaload
	Laload
	Faload
	Daload
	Aaload
	Baload
	Caload
	Saload
	Istore
	Lstore
	Fstore
	Dstore
	Astore
	Istore0
	Istore1
	Istore2
	Istore3
	Lstore0
	Lstore1
	Lstore2
	Lstore3
	Fstore0
	Fstore1
	Fstore2
	Fstore3
	Dstore0
	Dstore1
	Dstore2
	Dstore3
	Astore0
	Astore1
	Astore2
	Astore3
	Iastore
	Lastore
	Fastore
	Dastore
	Aastore
	Bastore
	Castore
	Sastore
	Pop
	Pop2
	Dup
	DupX1
	DupX2
	Dup2
	Dup2X1
	Dup2X2
	Swap
	Iadd
	Ladd
	Fadd
	Dadd
	Isub
	Lsub
	Fsub
	Dsub
	Imul
	Lmul
	Fmul
	Dmul
	Idiv
	Ldiv
	Fdiv
	Ddiv
	Irem
	Lrem
	Frem
	Drem
	Ineg
	Lneg
	Fneg
	Dneg
	Ishl
	Lshl
	Ishr
	Lshr
	Iushr
	Lushr
	Iand
	Land
	Ior
	Lor
	Ixor
	Lxor
	Iinc
	I2l
	I2f
	I2d
	L2i
	L2f
	L2d
	F2i
	F2l
	F2d
	D2i
	D2l
	D2f
	I2b
	I2c
	I2s
	Lcmp
	Fcmpl
	Fcmpg
	Dcmpl
	Dcmpg
	Ifeq
	Ifne
	Iflt
	Ifge
	Ifgt
	Ifle
	IfIcmpeq
	IfIcmpne
	IfIcmplt
	IfIcmpge
	IfIcmpgt
	IfIcmple
	IfAcmpeq
	IfAcmpne
	Goto
	Jsr
	Ret
	Tableswitch
	Lookupswitch
	Ireturn
	Lreturn
	Freturn
	Dreturn
	Areturn
	Return
	Getstatic
	Putstatic
	Getfield
	Putfield
	Invokevirtual
	Invokespecial
	Invokestatic
	Invokeinterface
	Invokedynamic
	New
	Newarray
	Anewarray
	Arraylength
	Athrow
	Checkcast
	Instanceof
	Monitorenter
	Monitorexit
	Wide
	Multianewarray
	Ifnull
	Ifnonnull
	GotoW
	JsrW
	Breakpoint
	Endfinally
)

type opFlag uint16

const (
	flagBranch      opFlag = 1 << iota // transfers control to an encoded target
	flagConditional                    // falls through when the branch is not taken
	flagSwitch                         // variable-length multi-way branch
	flagReturn                         // leaves the method normally
	flagEndsBlock                      // no fallthrough successor
	flagInvoke                         // invoke family
	flagMayThrow                       // can raise an exception at run time
)

// operand encodings, used by the decoder and the text assembler
type operandKind uint8

const (
	operandNone     operandKind = iota
	operandS1                   // signed byte immediate
	operandS2                   // signed short immediate
	operandLocal                // u1 local index (u2 under wide)
	operandCP1                  // u1 constant-pool index
	operandCP2                  // u2 constant-pool index
	operandBranch2              // s2 relative branch
	operandBranch4              // s4 relative branch
	operandIinc                 // local index + signed delta
	operandTag                  // primitive array tag
	operandInterface            // u2 index, count, zero
	operandDynamic              // u2 index, zero, zero
	operandMultiArray           // u2 index, dimensions
	operandVariable             // switches and wide
)

type opInfo struct {
	name    string
	length  int
	operand operandKind
	flags   opFlag
}

var opTable [256]*opInfo

func def(op Opcode, name string, length int, operand operandKind, flags opFlag) {
	opTable[op] = &opInfo{name: name, length: length, operand: operand, flags: flags}
}

func init() {
	def(Nop, "nop", 1, operandNone, 0)
	def(AconstNull, "aconst_null", 1, operandNone, 0)
	for i, n := range []string{"iconst_m1", "iconst_0", "iconst_1", "iconst_2", "iconst_3", "iconst_4", "iconst_5"} {
		def(IconstM1+Opcode(i), n, 1, operandNone, 0)
	}
	def(Lconst0, "lconst_0", 1, operandNone, 0)
	def(Lconst1, "lconst_1", 1, operandNone, 0)
	def(Fconst0, "fconst_0", 1, operandNone, 0)
	def(Fconst1, "fconst_1", 1, operandNone, 0)
	def(Fconst2, "fconst_2", 1, operandNone, 0)
	def(Dconst0, "dconst_0", 1, operandNone, 0)
	def(Dconst1, "dconst_1", 1, operandNone, 0)
	def(Bipush, "bipush", 2, operandS1, 0)
	def(Sipush, "sipush", 3, operandS2, 0)
	def(Ldc, "ldc", 2, operandCP1, 0)
	def(LdcW, "ldc_w", 3, operandCP2, 0)
	def(Ldc2W, "ldc2_w", 3, operandCP2, 0)

	prefixes := []string{"i", "l", "f", "d", "a"}
	for i, p := range prefixes {
		def(Iload+Opcode(i), p+"load", 2, operandLocal, 0)
		def(Istore+Opcode(i), p+"store", 2, operandLocal, 0)
		for n := 0; n < 4; n++ {
			def(Iload0+Opcode(i*4+n), fmt.Sprintf("%sload_%d", p, n), 1, operandNone, 0)
			def(Istore0+Opcode(i*4+n), fmt.Sprintf("%sstore_%d", p, n), 1, operandNone, 0)
		}
	}
	for i, p := range []string{"i", "l", "f", "d", "a", "b", "c", "s"} {
		def(Iaload+Opcode(i), p+"aload", 1, operandNone, flagMayThrow)
		def(Iastore+Opcode(i), p+"astore", 1, operandNone, flagMayThrow)
	}

	def(Pop, "pop", 1, operandNone, 0)
	def(Pop2, "pop2", 1, operandNone, 0)
	def(Dup, "dup", 1, operandNone, 0)
	def(DupX1, "dup_x1", 1, operandNone, 0)
	def(DupX2, "dup_x2", 1, operandNone, 0)
	def(Dup2, "dup2", 1, operandNone, 0)
	def(Dup2X1, "dup2_x1", 1, operandNone, 0)
	def(Dup2X2, "dup2_x2", 1, operandNone, 0)
	def(Swap, "swap", 1, operandNone, 0)

	arith := []string{"add", "sub", "mul", "div", "rem", "neg"}
	for i, a := range arith {
		for j, p := range prefixes[:4] {
			var flags opFlag
			if (a == "div" || a == "rem") && (p == "i" || p == "l") {
				flags = flagMayThrow
			}
			def(Iadd+Opcode(i*4+j), p+a, 1, operandNone, flags)
		}
	}
	for i, a := range []string{"shl", "shr", "ushr", "and", "or", "xor"} {
		def(Ishl+Opcode(i*2), "i"+a, 1, operandNone, 0)
		def(Ishl+Opcode(i*2+1), "l"+a, 1, operandNone, 0)
	}
	def(Iinc, "iinc", 3, operandIinc, 0)
	for i, n := range []string{"i2l", "i2f", "i2d", "l2i", "l2f", "l2d", "f2i", "f2l", "f2d", "d2i", "d2l", "d2f", "i2b", "i2c", "i2s"} {
		def(I2l+Opcode(i), n, 1, operandNone, 0)
	}
	for i, n := range []string{"lcmp", "fcmpl", "fcmpg", "dcmpl", "dcmpg"} {
		def(Lcmp+Opcode(i), n, 1, operandNone, 0)
	}
	for i, n := range []string{"ifeq", "ifne", "iflt", "ifge", "ifgt", "ifle",
		"if_icmpeq", "if_icmpne", "if_icmplt", "if_icmpge", "if_icmpgt", "if_icmple", "if_acmpeq", "if_acmpne"} {
		def(Ifeq+Opcode(i), n, 3, operandBranch2, flagBranch|flagConditional)
	}
	def(Goto, "goto", 3, operandBranch2, flagBranch|flagEndsBlock)
	def(Jsr, "jsr", 3, operandBranch2, flagBranch|flagEndsBlock)
	def(Ret, "ret", 2, operandLocal, flagEndsBlock)
	def(Tableswitch, "tableswitch", 0, operandVariable, flagSwitch|flagEndsBlock)
	def(Lookupswitch, "lookupswitch", 0, operandVariable, flagSwitch|flagEndsBlock)
	for i, n := range []string{"ireturn", "lreturn", "freturn", "dreturn", "areturn", "return"} {
		def(Ireturn+Opcode(i), n, 1, operandNone, flagReturn|flagEndsBlock)
	}
	def(Getstatic, "getstatic", 3, operandCP2, 0)
	def(Putstatic, "putstatic", 3, operandCP2, 0)
	def(Getfield, "getfield", 3, operandCP2, flagMayThrow)
	def(Putfield, "putfield", 3, operandCP2, flagMayThrow)
	def(Invokevirtual, "invokevirtual", 3, operandCP2, flagInvoke|flagMayThrow)
	def(Invokespecial, "invokespecial", 3, operandCP2, flagInvoke|flagMayThrow)
	def(Invokestatic, "invokestatic", 3, operandCP2, flagInvoke|flagMayThrow)
	def(Invokeinterface, "invokeinterface", 5, operandInterface, flagInvoke|flagMayThrow)
	def(Invokedynamic, "invokedynamic", 5, operandDynamic, flagInvoke|flagMayThrow)
	def(New, "new", 3, operandCP2, 0)
	def(Newarray, "newarray", 2, operandTag, flagMayThrow)
	def(Anewarray, "anewarray", 3, operandCP2, flagMayThrow)
	def(Arraylength, "arraylength", 1, operandNone, flagMayThrow)
	def(Athrow, "athrow", 1, operandNone, flagEndsBlock|flagMayThrow)
	def(Checkcast, "checkcast", 3, operandCP2, flagMayThrow)
	def(Instanceof, "instanceof", 3, operandCP2, 0)
	def(Monitorenter, "monitorenter", 1, operandNone, flagMayThrow)
	def(Monitorexit, "monitorexit", 1, operandNone, flagMayThrow)
	def(Wide, "wide", 0, operandVariable, 0)
	def(Multianewarray, "multianewarray", 4, operandMultiArray, flagMayThrow)
	def(Ifnull, "ifnull", 3, operandBranch2, flagBranch|flagConditional)
	def(Ifnonnull, "ifnonnull", 3, operandBranch2, flagBranch|flagConditional)
	def(GotoW, "goto_w", 5, operandBranch4, flagBranch|flagEndsBlock)
	def(JsrW, "jsr_w", 5, operandBranch4, flagBranch|flagEndsBlock)
	def(Breakpoint, "breakpoint", 1, operandNone, 0)
	def(Endfinally, "endfinally", 1, operandNone, flagEndsBlock)

	for i, info := range opTable {
		if info != nil {
			opByName[info.name] = Opcode(i)
		}
	}
}

var opByName = make(map[string]Opcode)

// LookupOpcode resolves a mnemonic to its opcode.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opByName[name]
	return op, ok
}

// Defined reports whether op is a known opcode.
func (op Opcode) Defined() bool { return opTable[op] != nil }

func (op Opcode) String() string {
	if info := opTable[op]; info != nil {
		return info.name
	}
	return fmt.Sprintf("opcode 0x%02x", byte(op))
}

func (op Opcode) has(f opFlag) bool {
	info := opTable[op]
	return info != nil && info.flags&f != 0
}

// IsBranch reports whether op carries an encoded branch target.
func (op Opcode) IsBranch() bool { return op.has(flagBranch) }

// IsConditional reports whether op is a two-way branch.
func (op Opcode) IsConditional() bool { return op.has(flagConditional) }

// IsSwitch reports whether op is tableswitch or lookupswitch.
func (op Opcode) IsSwitch() bool { return op.has(flagSwitch) }

// IsReturn reports whether op returns from the method.
func (op Opcode) IsReturn() bool { return op.has(flagReturn) }

// IsInvoke reports whether op belongs to the invoke family.
func (op Opcode) IsInvoke() bool { return op.has(flagInvoke) }

// EndsBlock reports whether control never falls through op.
func (op Opcode) EndsBlock() bool { return op.has(flagEndsBlock) }

// MayThrow reports whether op can raise an exception at run time.
func (op Opcode) MayThrow() bool { return op.has(flagMayThrow) }
