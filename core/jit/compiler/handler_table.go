package compiler

import (
	"github.com/vmjit/bcjit/core/jit/bytecode"
)

// HandlerTable answers "which entries cover this bci" over the method's
// exception table. Entries may overlap arbitrarily; lookups always report
// them in table order, which is the order handlers are tried.
type HandlerTable struct {
	entries []bytecode.ExceptionEntry
}

// NewHandlerTable wraps the exception table of a method.
func NewHandlerTable(entries []bytecode.ExceptionEntry) *HandlerTable {
	return &HandlerTable{entries: entries}
}

// Len returns the number of entries.
func (t *HandlerTable) Len() int { return len(t.entries) }

// Entry returns entry i.
func (t *HandlerTable) Entry(i int) bytecode.ExceptionEntry { return t.entries[i] }

// Covering returns the indices of entries whose range contains bci, in
// table order.
func (t *HandlerTable) Covering(bci int) []int {
	var out []int
	for i, e := range t.entries {
		if e.Covers(bci) {
			out = append(out, i)
		}
	}
	return out
}

// IsProtected reports whether any entry covers bci.
func (t *HandlerTable) IsProtected(bci int) bool {
	for _, e := range t.entries {
		if e.Covers(bci) {
			return true
		}
	}
	return false
}

// validate checks range ordering and that every bci the table names sits on
// an instruction boundary. end may also equal the code length.
func (t *HandlerTable) validate(codeLen int, isStart func(int) bool) error {
	for i, e := range t.entries {
		if e.StartBCI >= e.EndBCI {
			return malformed(e.StartBCI, "exception entry %d has empty range [%d,%d)", i, e.StartBCI, e.EndBCI)
		}
		if !isStart(e.StartBCI) {
			return malformed(e.StartBCI, "exception entry %d starts inside an instruction", i)
		}
		if e.EndBCI != codeLen && !isStart(e.EndBCI) {
			return malformed(e.EndBCI, "exception entry %d ends inside an instruction", i)
		}
		if !isStart(e.HandlerBCI) {
			return malformed(e.HandlerBCI, "exception entry %d handler is not an instruction boundary", i)
		}
		if e.Finally && e.CatchType != "" {
			return malformed(e.HandlerBCI, "exception entry %d is both a catch and a cleanup", i)
		}
	}
	return nil
}
