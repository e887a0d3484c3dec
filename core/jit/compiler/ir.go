package compiler

import (
	"github.com/vmjit/bcjit/core/jit/bytecode"
)

// ValueID indexes Module.Insts; the value of an instruction is its id.
type ValueID int32

// BlockID indexes Module.Blocks.
type BlockID int32

const (
	NoValue ValueID = -1
	NoBlock BlockID = -1
)

// SlotSpace selects which frame area a slot lives in.
type SlotSpace uint8

const (
	SlotLocal SlotSpace = iota // bytecode local variables
	SlotStack                  // operand stack entries live across blocks
	SlotTemp                   // translator temporaries
)

// Slot is a frame location accessed by load_slot/store_slot.
type Slot struct {
	Space SlotSpace
	Index int
}

// AllocKind classifies allocation sites.
type AllocKind uint8

const (
	AllocObject AllocKind = iota
	AllocPrimitiveArray
	AllocObjectArray
)

func (k AllocKind) String() string {
	switch k {
	case AllocObject:
		return "object"
	case AllocPrimitiveArray:
		return "primitive_array"
	}
	return "object_array"
}

// AllocSite describes one heap allocation.
type AllocSite struct {
	Kind AllocKind
	// Class is the instantiated class for objects and the array descriptor
	// ("[I", "[Ljava/lang/String;") for arrays.
	Class string
	// Elem is the element kind of arrays.
	Elem bytecode.Kind
	// ElemClass is the element descriptor of object arrays.
	ElemClass string
	// Length is the i32 value holding the array length, NoValue for objects.
	Length ValueID
}

// DispatchKind is how a call site binds its callee.
type DispatchKind uint8

const (
	DispatchStatic DispatchKind = iota
	DispatchSpecial
	DispatchVirtual
	DispatchInterface
)

func (d DispatchKind) String() string {
	switch d {
	case DispatchStatic:
		return "static"
	case DispatchSpecial:
		return "special"
	case DispatchVirtual:
		return "virtual"
	}
	return "interface"
}

// Bound reports whether the callee is fixed at translation time.
func (d DispatchKind) Bound() bool { return d == DispatchStatic || d == DispatchSpecial }

// CallSite describes one call. Static and special sites name their callee in
// Method; virtual and interface sites call through Slot, the result of a
// runtime lookup on the receiver's class.
type CallSite struct {
	Dispatch DispatchKind
	Method   *bytecode.MethodRef
	Slot     ValueID
	Receiver ValueID
	Args     []ValueID
}

// Inst is one IR instruction. Args lists every value operand in order so
// def-use checks need not know the payload layout.
type Inst struct {
	ID    ValueID
	Op    Op
	Type  Type
	Args  []ValueID
	BCI   int
	Imm   int64
	FImm  float64
	Sym   string
	Slot  Slot
	Alloc *AllocSite
	Call  *CallSite
	Block BlockID
}

// HasResult reports whether the instruction defines a value.
func (in *Inst) HasResult() bool { return in.Type != TypeVoid }

// BlockKind records why a block exists.
type BlockKind uint8

const (
	BlockCode       BlockKind = iota // lowered bytecode
	BlockEntry                       // parameter spill before bci 0
	BlockContinue                    // normal path after a throwing instruction
	BlockLandingpad                  // unwind destination
	BlockDispatch                    // catch test or cleanup step of a landingpad chain
	BlockResume                      // forwards an uncaught exception
	BlockLeave                       // routes a region exit through cleanup code
	BlockReturn                      // shared return after cleanup
	BlockLoop                        // multi-dimensional array construction
)

var blockKindNames = [...]string{"code", "entry", "continue", "landingpad", "dispatch", "resume", "leave", "return", "loop"}

func (k BlockKind) String() string {
	if int(k) < len(blockKindNames) {
		return blockKindNames[k]
	}
	return "?"
}

// TermKind enumerates block terminators.
type TermKind uint8

const (
	TermNone TermKind = iota
	TermGoto
	TermFallthrough
	TermCondBr
	TermSwitch
	TermReturn
	TermThrow
	TermMayUnwind
	TermResume
	TermUnreachable
)

// SwitchCase is one arm of a switch terminator.
type SwitchCase struct {
	Key    int64
	Target BlockID
}

// Terminator ends a block. Target is the goto/fallthrough destination, the
// taken edge of a conditional branch, the normal edge of may-unwind and the
// default of a switch (NoBlock when no default exists).
type Terminator struct {
	Kind   TermKind
	Value  ValueID
	Target BlockID
	Else   BlockID
	Unwind BlockID
	Cases  []SwitchCase
}

// Successors lists the distinct successor blocks in edge order.
func (t *Terminator) Successors() []BlockID {
	var out []BlockID
	add := func(b BlockID) {
		if b == NoBlock {
			return
		}
		for _, x := range out {
			if x == b {
				return
			}
		}
		out = append(out, b)
	}
	switch t.Kind {
	case TermGoto, TermFallthrough:
		add(t.Target)
	case TermCondBr:
		add(t.Target)
		add(t.Else)
	case TermSwitch:
		for _, c := range t.Cases {
			add(c.Target)
		}
		add(t.Target)
	case TermMayUnwind:
		add(t.Target)
		add(t.Unwind)
	case TermThrow:
		add(t.Unwind)
	}
	return out
}

// ClauseKind classifies landingpad clauses.
type ClauseKind uint8

const (
	ClauseCatch ClauseKind = iota
	ClauseCatchAny
	ClauseCleanup
)

// Clause is one step of a landingpad's dispatch chain.
type Clause struct {
	Kind      ClauseKind
	CatchType string
	// Target is the handler block for catches and the cleanup entry block
	// for cleanup clauses.
	Target BlockID
}

// Landingpad describes the unwind destination of one throwing bci. Cleanup
// is set when control must run code before the exception leaves the pad:
// a cleanup clause exists or no clause catches every exception.
type Landingpad struct {
	BCI     int
	Clauses []Clause
	Cleanup bool
}

// Block is a basic block of the module.
type Block struct {
	ID       BlockID
	Label    string
	StartBCI int
	EndBCI   int
	Kind     BlockKind
	Insts    []ValueID
	Term     Terminator
	Preds    []BlockID
	Succs    []BlockID
	Pad      *Landingpad
}

// Module is the translation result for one method. Blocks and instructions
// live in per-module arenas and refer to each other by index.
type Module struct {
	Method    string
	Params    []Type
	Return    Type
	Entry     BlockID
	Blocks    []*Block
	Insts     []*Inst
	Temps     []string
	NumLocals int
	NumStack  int
	frozen    bool
}

// Block returns the block with the given id.
func (m *Module) Block(id BlockID) *Block { return m.Blocks[id] }

// Inst returns the instruction defining v.
func (m *Module) Inst(v ValueID) *Inst { return m.Insts[v] }

// Frozen reports whether the module is complete and immutable.
func (m *Module) Frozen() bool { return m.frozen }

// BlockByLabel finds a block by label.
func (m *Module) BlockByLabel(label string) *Block {
	for _, b := range m.Blocks {
		if b.Label == label {
			return b
		}
	}
	return nil
}

// Landingpads returns the landingpad blocks in creation order.
func (m *Module) Landingpads() []*Block {
	var out []*Block
	for _, b := range m.Blocks {
		if b.Pad != nil {
			out = append(out, b)
		}
	}
	return out
}

// UnwindTarget returns the landingpad a block unwinds to, or NoBlock.
func (b *Block) UnwindTarget() BlockID {
	switch b.Term.Kind {
	case TermMayUnwind, TermThrow:
		return b.Term.Unwind
	}
	return NoBlock
}

// Last returns the last instruction of the block or NoValue.
func (b *Block) Last() ValueID {
	if len(b.Insts) == 0 {
		return NoValue
	}
	return b.Insts[len(b.Insts)-1]
}
