package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vmjit/bcjit/core/jit/bytecode"
)

// Dump renders the module as text. Labels are stable across runs: bytecode
// blocks are bci_<N>, unwind destinations bci_<N>_unwind_dest, and a
// landingpad block prints its clauses right after the landingpad line.
func (m *Module) Dump() string {
	var sb strings.Builder
	params := make([]string, len(m.Params))
	for i, p := range m.Params {
		params[i] = p.String()
	}
	fmt.Fprintf(&sb, "define %s @%s(%s) {\n", m.Return, m.Method, strings.Join(params, ", "))
	fmt.Fprintf(&sb, "; locals %d, stack %d", m.NumLocals, m.NumStack)
	if len(m.Temps) > 0 {
		fmt.Fprintf(&sb, ", temps %s", strings.Join(m.Temps, " "))
	}
	sb.WriteString("\n")
	for _, b := range m.Blocks {
		fmt.Fprintf(&sb, "%s:\n", b.Label)
		for i, id := range b.Insts {
			fmt.Fprintf(&sb, "  %s\n", m.renderInst(m.Insts[id]))
			if i == 0 && b.Pad != nil {
				m.dumpClauses(&sb, b.Pad)
			}
		}
		fmt.Fprintf(&sb, "  %s\n", m.renderTerm(&b.Term))
	}
	sb.WriteString("}\n")
	return sb.String()
}

func (m *Module) dumpClauses(sb *strings.Builder, pad *Landingpad) {
	if pad.Cleanup {
		sb.WriteString("    cleanup\n")
	}
	for _, c := range pad.Clauses {
		fmt.Fprintf(sb, "    %s\n", m.renderClause(c))
	}
}

func (m *Module) renderClause(c Clause) string {
	target := m.label(c.Target)
	switch c.Kind {
	case ClauseCleanup:
		return "cleanup label " + target
	case ClauseCatchAny:
		return "catch any label " + target
	}
	return fmt.Sprintf("catch %s label %s", c.CatchType, target)
}

func (m *Module) label(b BlockID) string {
	if b == NoBlock || int(b) >= len(m.Blocks) {
		return "none"
	}
	return "%" + m.Blocks[b].Label
}

func (m *Module) slotName(s Slot) string {
	switch s.Space {
	case SlotLocal:
		return "local." + strconv.Itoa(s.Index)
	case SlotStack:
		return "stack." + strconv.Itoa(s.Index)
	}
	if s.Index < len(m.Temps) {
		return "$" + m.Temps[s.Index]
	}
	return "$" + strconv.Itoa(s.Index)
}

func values(vs []ValueID) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = "%" + strconv.Itoa(int(v))
	}
	return strings.Join(parts, ", ")
}

func (m *Module) renderInst(in *Inst) string {
	var body string
	args := values(in.Args)
	switch in.Op {
	case OpParam:
		body = fmt.Sprintf("#%d", in.Imm)
	case OpConst:
		if in.Type == TypeF32 || in.Type == TypeF64 {
			body = strconv.FormatFloat(in.FImm, 'g', -1, 64)
		} else {
			body = strconv.FormatInt(in.Imm, 10)
		}
	case OpConstNull:
		body = "null"
	case OpConstString:
		body = strconv.Quote(in.Sym)
	case OpLoadSlot:
		body = m.slotName(in.Slot)
	case OpStoreSlot:
		body = m.slotName(in.Slot) + ", " + args
	case OpICmp:
		body = Pred(in.Imm).String() + " " + args
	case OpFCmp:
		nan := "l"
		if in.Imm > 0 {
			nan = "g"
		}
		body = nan + " " + args
	case OpLoadElem, OpStoreElem, OpArrayFill:
		body = bytecode.Kind(in.Imm).String() + " " + args
	case OpLoadField, OpStoreField, OpLoadStatic, OpStoreStatic, OpLookupVirtual, OpLookupInterface:
		body = strings.TrimSpace("@" + in.Sym + " " + args)
	case OpAllocObject:
		body = in.Alloc.Class
	case OpAllocArray:
		body = in.Alloc.Kind.String() + " " + in.Alloc.Class + ", " + args
	case OpCheckCast, OpInstanceOf:
		body = in.Sym + " " + args
	case OpCall:
		c := in.Call
		if c.Dispatch.Bound() {
			body = fmt.Sprintf("%s @%s(%s)", c.Dispatch, in.Sym, values(in.Args))
		} else {
			body = fmt.Sprintf("%s %%%d(%s) ; %s", c.Dispatch, c.Slot, values(in.Args[1:]), in.Sym)
		}
	case OpLandingpad:
		body = ""
	default:
		body = args
	}
	text := in.Op.String()
	if in.HasResult() {
		text = fmt.Sprintf("%%%d = %s %s", in.ID, in.Op, in.Type)
	}
	if body != "" {
		text += " " + body
	}
	return text
}

func (m *Module) renderTerm(t *Terminator) string {
	v := "%" + strconv.Itoa(int(t.Value))
	switch t.Kind {
	case TermGoto:
		return "br label " + m.label(t.Target)
	case TermFallthrough:
		return "fallthrough label " + m.label(t.Target)
	case TermCondBr:
		return fmt.Sprintf("br i1 %s, label %s, label %s", v, m.label(t.Target), m.label(t.Else))
	case TermSwitch:
		cases := make([]string, len(t.Cases))
		for i, c := range t.Cases {
			cases[i] = fmt.Sprintf("%d: label %s", c.Key, m.label(c.Target))
		}
		return fmt.Sprintf("switch i32 %s, label %s [%s]", v, m.label(t.Target), strings.Join(cases, ", "))
	case TermReturn:
		if t.Value == NoValue {
			return "ret void"
		}
		return fmt.Sprintf("ret %s %s", m.Return, v)
	case TermThrow:
		if t.Unwind == NoBlock {
			return "throw " + v
		}
		return fmt.Sprintf("throw %s unwind label %s", v, m.label(t.Unwind))
	case TermMayUnwind:
		return fmt.Sprintf("continue label %s unwind label %s", m.label(t.Target), m.label(t.Unwind))
	case TermResume:
		return "resume " + v
	case TermUnreachable:
		return "unreachable"
	}
	return "<no terminator>"
}
