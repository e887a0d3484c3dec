package compiler

import "fmt"

// Op is the closed set of IR instruction kinds.
type Op uint8

const (
	OpParam       Op = iota // param <type> #index
	OpConst                 // const <type> imm
	OpConstNull             // const_null ref
	OpConstString           // const_string ref "literal"
	OpLoadSlot              // load_slot <type> slot
	OpStoreSlot             // store_slot slot, v

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRem
	OpNeg
	OpShl
	OpShr
	OpUShr
	OpAnd
	OpOr
	OpXor

	OpSExt   // i32 -> i64
	OpTrunc  // i64 -> i32
	OpI2B    // i32 -> i32 narrowed to int8
	OpI2C    // i32 -> i32 narrowed to uint16
	OpI2S    // i32 -> i32 narrowed to int16
	OpIToF   // integer -> floating point
	OpFToI   // floating point -> integer, saturating
	OpFExt   // f32 -> f64
	OpFTrunc // f64 -> f32
	OpCmp    // three-way compare of i64 operands
	OpFCmp   // three-way compare of floats; Imm is the NaN result
	OpICmp   // predicate compare, Imm holds the Pred

	OpCheckNull    // faults with NullPointerException
	OpCheckBounds  // faults with ArrayIndexOutOfBoundsException
	OpCheckDivZero // faults with ArithmeticException
	OpCheckCast    // faults with ClassCastException
	OpCheckNonNeg  // faults with NegativeArraySizeException

	OpAllocObject // alloc_object ref Class
	OpAllocArray  // alloc_array ref elem, length
	OpArrayFill   // array_fill a, zero
	OpArrayLength
	OpLoadElem
	OpStoreElem
	OpLoadField
	OpStoreField
	OpLoadStatic
	OpStoreStatic

	OpLoadKlass
	OpLookupVirtual
	OpLookupInterface // faults with IncompatibleClassChangeError
	OpCall

	OpInstanceOf
	OpLandingpad // landingpad token
	OpException  // extracts the thrown object from a landingpad token

	numOps
)

var opNames = [numOps]string{
	OpParam:           "param",
	OpConst:           "const",
	OpConstNull:       "const_null",
	OpConstString:     "const_string",
	OpLoadSlot:        "load_slot",
	OpStoreSlot:       "store_slot",
	OpAdd:             "add",
	OpSub:             "sub",
	OpMul:             "mul",
	OpDiv:             "div",
	OpRem:             "rem",
	OpNeg:             "neg",
	OpShl:             "shl",
	OpShr:             "shr",
	OpUShr:            "ushr",
	OpAnd:             "and",
	OpOr:              "or",
	OpXor:             "xor",
	OpSExt:            "sext",
	OpTrunc:           "trunc",
	OpI2B:             "i2b",
	OpI2C:             "i2c",
	OpI2S:             "i2s",
	OpIToF:            "itof",
	OpFToI:            "ftoi",
	OpFExt:            "fext",
	OpFTrunc:          "ftrunc",
	OpCmp:             "cmp",
	OpFCmp:            "fcmp",
	OpICmp:            "icmp",
	OpCheckNull:       "check_null",
	OpCheckBounds:     "check_bounds",
	OpCheckDivZero:    "check_divzero",
	OpCheckCast:       "check_cast",
	OpCheckNonNeg:     "check_nonneg",
	OpAllocObject:     "alloc_object",
	OpAllocArray:      "alloc_array",
	OpArrayFill:       "array_fill",
	OpArrayLength:     "array_length",
	OpLoadElem:        "load_elem",
	OpStoreElem:       "store_elem",
	OpLoadField:       "load_field",
	OpStoreField:      "store_field",
	OpLoadStatic:      "load_static",
	OpStoreStatic:     "store_static",
	OpLoadKlass:       "load_klass",
	OpLookupVirtual:   "lookup_virtual",
	OpLookupInterface: "lookup_interface",
	OpCall:            "call",
	OpInstanceOf:      "instanceof",
	OpLandingpad:      "landingpad",
	OpException:       "exception",
}

func (op Op) String() string {
	if op < numOps {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", byte(op))
}

// MayThrow reports whether executing op can raise an exception.
func (op Op) MayThrow() bool {
	switch op {
	case OpCheckNull, OpCheckBounds, OpCheckDivZero, OpCheckCast, OpCheckNonNeg,
		OpLookupVirtual, OpLookupInterface, OpCall:
		return true
	}
	return false
}

// Pred is an integer or reference comparison predicate.
type Pred int64

const (
	PredEQ Pred = iota
	PredNE
	PredLT
	PredGE
	PredGT
	PredLE
)

var predNames = [...]string{"eq", "ne", "lt", "ge", "gt", "le"}

func (p Pred) String() string {
	if p >= 0 && int(p) < len(predNames) {
		return predNames[p]
	}
	return "?"
}

// Type is the type of an IR value.
type Type uint8

const (
	TypeVoid Type = iota
	TypeI1
	TypeI32
	TypeI64
	TypeF32
	TypeF64
	TypeRef
	TypeFn
	TypeToken
)

var typeNames = [...]string{"void", "i1", "i32", "i64", "f32", "f64", "ref", "fn", "token"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "?"
}

// Wide reports whether a value of type t is a category-2 stack value.
func (t Type) Wide() bool { return t == TypeI64 || t == TypeF64 }
