package compiler

import (
	"fmt"
)

// Emitter is the sink every lowering step writes to. It owns the module of
// one method until Freeze hands it out.
type Emitter struct {
	mod    *Module
	labels map[string]int
	temps  map[string]Slot
	err    error
}

// NewEmitter starts an empty module for method.
func NewEmitter(method string) *Emitter {
	return &Emitter{
		mod:    &Module{Method: method, Entry: NoBlock},
		labels: make(map[string]int),
		temps:  make(map[string]Slot),
	}
}

// Module exposes the module under construction.
func (e *Emitter) Module() *Module { return e.mod }

func (e *Emitter) fail(format string, args ...interface{}) {
	if e.err == nil {
		e.err = fmt.Errorf(format, args...)
	}
}

// NewBlock appends a block. Labels are made unique by suffixing ".N".
func (e *Emitter) NewBlock(label string, bci int, kind BlockKind) BlockID {
	if n, ok := e.labels[label]; ok {
		e.labels[label] = n + 1
		label = fmt.Sprintf("%s.%d", label, n)
	} else {
		e.labels[label] = 1
	}
	id := BlockID(len(e.mod.Blocks))
	e.mod.Blocks = append(e.mod.Blocks, &Block{
		ID:       id,
		Label:    label,
		StartBCI: bci,
		EndBCI:   bci,
		Kind:     kind,
		Term:     Terminator{Kind: TermNone, Value: NoValue, Target: NoBlock, Else: NoBlock, Unwind: NoBlock},
	})
	return id
}

// Temp returns the temporary slot registered under name, creating it.
func (e *Emitter) Temp(name string) Slot {
	if s, ok := e.temps[name]; ok {
		return s
	}
	s := Slot{Space: SlotTemp, Index: len(e.mod.Temps)}
	e.mod.Temps = append(e.mod.Temps, name)
	e.temps[name] = s
	return s
}

// Emit appends in to block b and returns its value id.
func (e *Emitter) Emit(b BlockID, in Inst) ValueID {
	blk := e.mod.Blocks[b]
	if blk.Term.Kind != TermNone {
		e.fail("emit %s into terminated block %s", in.Op, blk.Label)
	}
	for _, a := range in.Args {
		if a < 0 || int(a) >= len(e.mod.Insts) {
			e.fail("%s in %s uses undefined value %d", in.Op, blk.Label, a)
		}
	}
	id := ValueID(len(e.mod.Insts))
	in.ID = id
	in.Block = b
	e.mod.Insts = append(e.mod.Insts, &in)
	blk.Insts = append(blk.Insts, id)
	return id
}

// SetTerm sets or replaces the terminator of b.
func (e *Emitter) SetTerm(b BlockID, t Terminator) {
	e.mod.Blocks[b].Term = t
}

// Terminated reports whether b already has a terminator.
func (e *Emitter) Terminated(b BlockID) bool {
	return e.mod.Blocks[b].Term.Kind != TermNone
}

func term(kind TermKind) Terminator {
	return Terminator{Kind: kind, Value: NoValue, Target: NoBlock, Else: NoBlock, Unwind: NoBlock}
}

// GotoTerm jumps to target.
func GotoTerm(target BlockID) Terminator {
	t := term(TermGoto)
	t.Target = target
	return t
}

// FallthroughTerm continues at the next bytecode block.
func FallthroughTerm(target BlockID) Terminator {
	t := term(TermFallthrough)
	t.Target = target
	return t
}

// CondBrTerm branches on an i1 value.
func CondBrTerm(cond ValueID, then, els BlockID) Terminator {
	t := term(TermCondBr)
	t.Value, t.Target, t.Else = cond, then, els
	return t
}

// SwitchTerm dispatches on an i32 value.
func SwitchTerm(v ValueID, def BlockID, cases []SwitchCase) Terminator {
	t := term(TermSwitch)
	t.Value, t.Target, t.Cases = v, def, cases
	return t
}

// ReturnTerm returns v, or nothing when v is NoValue.
func ReturnTerm(v ValueID) Terminator {
	t := term(TermReturn)
	t.Value = v
	return t
}

// ThrowTerm raises v, unwinding to pad when it is not NoBlock.
func ThrowTerm(v ValueID, pad BlockID) Terminator {
	t := term(TermThrow)
	t.Value, t.Unwind = v, pad
	return t
}

// MayUnwindTerm continues at normal unless the last instruction faults.
func MayUnwindTerm(normal, pad BlockID) Terminator {
	t := term(TermMayUnwind)
	t.Target, t.Unwind = normal, pad
	return t
}

// ResumeTerm forwards v to the caller.
func ResumeTerm(v ValueID) Terminator {
	t := term(TermResume)
	t.Value = v
	return t
}

// UnreachableTerm marks a block control never reaches.
func UnreachableTerm() Terminator { return term(TermUnreachable) }

// Freeze rebuilds predecessor and successor lists, verifies the graph and
// returns the finished module. The emitter must not be used afterwards.
func (e *Emitter) Freeze() (*Module, error) {
	if e.err != nil {
		return nil, e.err
	}
	m := e.mod
	for _, b := range m.Blocks {
		b.Preds, b.Succs = nil, nil
	}
	for _, b := range m.Blocks {
		b.Succs = b.Term.Successors()
		for _, s := range b.Succs {
			if s < 0 || int(s) >= len(m.Blocks) {
				return nil, fmt.Errorf("block %s has edge to unknown block %d", b.Label, s)
			}
			m.Blocks[s].Preds = append(m.Blocks[s].Preds, b.ID)
		}
	}
	if err := Verify(m); err != nil {
		return nil, err
	}
	m.frozen = true
	e.mod = nil
	return m, nil
}
