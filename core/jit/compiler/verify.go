package compiler

import "fmt"

// Verify checks the structural invariants of a module:
//   - every block is terminated and every edge names an existing block
//   - values are used after their definition, inside the defining block or
//     down a chain of continuation blocks (other data flows through slots)
//   - may-unwind blocks end in an instruction that can fault and unwind to a
//     landingpad block
//   - landingpad blocks start with a landingpad instruction and their
//     clauses name existing blocks
func Verify(m *Module) error {
	if m.Entry == NoBlock || int(m.Entry) >= len(m.Blocks) {
		return fmt.Errorf("%s: no entry block", m.Method)
	}
	avail := make([]map[ValueID]bool, len(m.Blocks))
	for _, b := range m.Blocks {
		local := make(map[ValueID]bool, len(b.Insts))
		if b.Kind == BlockContinue && len(b.Preds) == 1 && b.Preds[0] < b.ID {
			for v := range avail[b.Preds[0]] {
				local[v] = true
			}
		}
		if err := verifyBlock(m, b, local); err != nil {
			return fmt.Errorf("%s: block %s: %w", m.Method, b.Label, err)
		}
		avail[b.ID] = local
	}
	return nil
}

func verifyBlock(m *Module, b *Block, local map[ValueID]bool) error {
	for i, id := range b.Insts {
		in := m.Insts[id]
		if in.Block != b.ID {
			return fmt.Errorf("instruction %%%d listed in foreign block", id)
		}
		for _, a := range in.Args {
			if !local[a] {
				return fmt.Errorf("%%%d (%s) uses %%%d before or outside its definition", id, in.Op, a)
			}
		}
		if in.Op == OpLandingpad && (i != 0 || b.Pad == nil) {
			return fmt.Errorf("landingpad instruction %%%d is not first in a landingpad block", id)
		}
		local[id] = true
	}
	valid := func(t BlockID) bool { return t >= 0 && int(t) < len(m.Blocks) }
	useValue := func(v ValueID, want Type) error {
		if !local[v] {
			return fmt.Errorf("terminator uses %%%d outside its block", v)
		}
		if want != TypeVoid && m.Insts[v].Type != want {
			return fmt.Errorf("terminator operand %%%d has type %s, want %s", v, m.Insts[v].Type, want)
		}
		return nil
	}
	t := &b.Term
	switch t.Kind {
	case TermNone:
		return fmt.Errorf("missing terminator")
	case TermGoto, TermFallthrough:
		if !valid(t.Target) {
			return fmt.Errorf("bad jump target")
		}
	case TermCondBr:
		if !valid(t.Target) || !valid(t.Else) {
			return fmt.Errorf("bad branch target")
		}
		if err := useValue(t.Value, TypeI1); err != nil {
			return err
		}
	case TermSwitch:
		if t.Target != NoBlock && !valid(t.Target) {
			return fmt.Errorf("bad switch default")
		}
		for _, c := range t.Cases {
			if !valid(c.Target) {
				return fmt.Errorf("bad switch case %d", c.Key)
			}
		}
		if err := useValue(t.Value, TypeI32); err != nil {
			return err
		}
	case TermReturn:
		if t.Value != NoValue {
			if err := useValue(t.Value, m.Return); err != nil {
				return err
			}
		} else if m.Return != TypeVoid {
			return fmt.Errorf("void return from %s method", m.Return)
		}
	case TermThrow:
		if err := useValue(t.Value, TypeRef); err != nil {
			return err
		}
		if t.Unwind != NoBlock && !isPad(m, t.Unwind) {
			return fmt.Errorf("throw unwinds to a non-landingpad block")
		}
	case TermMayUnwind:
		if !valid(t.Target) || !isPad(m, t.Unwind) {
			return fmt.Errorf("may-unwind needs a normal target and a landingpad")
		}
		last := b.Last()
		if last == NoValue || !m.Insts[last].Op.MayThrow() {
			return fmt.Errorf("may-unwind block does not end in a faulting instruction")
		}
	case TermResume:
		if err := useValue(t.Value, TypeRef); err != nil {
			return err
		}
	case TermUnreachable:
	default:
		return fmt.Errorf("unknown terminator %d", t.Kind)
	}
	if b.Pad != nil {
		if len(b.Insts) == 0 || m.Insts[b.Insts[0]].Op != OpLandingpad {
			return fmt.Errorf("landingpad block lacks a landingpad instruction")
		}
		for _, c := range b.Pad.Clauses {
			if !valid(c.Target) {
				return fmt.Errorf("landingpad clause names unknown block")
			}
		}
	}
	return nil
}

func isPad(m *Module, id BlockID) bool {
	return id >= 0 && int(id) < len(m.Blocks) && m.Blocks[id].Pad != nil
}
