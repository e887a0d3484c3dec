package compiler

import (
	"fmt"
	"strings"

	"github.com/vmjit/bcjit/core/jit/bytecode"
)

// cleanupRegion groups the Finally entries that share one handler. The
// handler is single-entry: every path into it first stores a case key in
// the selector, and endfinally switches on that key to continue.
type cleanupRegion struct {
	handler  int
	entries  []int
	selector Slot
	entry    BlockID

	// outer is the region owning the code that first entered this one.
	outer   *cleanupRegion
	entered bool

	cases []SwitchCase
	exits []cleanupExit
}

type cleanupExit struct {
	block    BlockID
	selector ValueID
}

func (r *cleanupRegion) covers(bci int, table *HandlerTable) bool {
	for _, i := range r.entries {
		if table.Entry(i).Covers(bci) {
			return true
		}
	}
	return false
}

// addCase returns the selector key continuing at target.
func (r *cleanupRegion) addCase(target BlockID) int64 {
	for _, c := range r.cases {
		if c.Target == target {
			return c.Key
		}
	}
	k := int64(len(r.cases))
	r.cases = append(r.cases, SwitchCase{Key: k, Target: target})
	return k
}

func (t *translator) buildRegions() {
	for i := 0; i < t.table.Len(); i++ {
		e := t.table.Entry(i)
		if !e.Finally {
			continue
		}
		r, ok := t.regionAt[e.HandlerBCI]
		if !ok {
			r = &cleanupRegion{
				handler:  e.HandlerBCI,
				selector: t.em.Temp(fmt.Sprintf("finally_%d_sel", e.HandlerBCI)),
				entry:    NoBlock,
			}
			t.regionAt[e.HandlerBCI] = r
			t.regions = append(t.regions, r)
		}
		r.entries = append(r.entries, i)
	}
}

// exitedRegions lists, in table order, the cleanup regions whose protected
// range holds from but not target. A return leaves every covering region.
func (t *translator) exitedRegions(from, target int) []*cleanupRegion {
	var out []*cleanupRegion
	for _, r := range t.regions {
		if r.covers(from, t.table) && (target == returnTarget || !r.covers(target, t.table)) {
			out = append(out, r)
		}
	}
	return out
}

// enter schedules the cleanup code of r for lowering and records which
// region the entering code belongs to.
func (t *translator) enter(r *cleanupRegion, from *cleanupRegion) {
	if !r.entered {
		r.entered = true
		for from != nil && r.covers(from.handler, t.table) {
			from = from.outer
		}
		r.outer = from
	}
	t.enqueue(r.handler, nil, r)
}

// handlerOwner is the region owning handler code reached from a site owned
// by owner. Entries that protect cleanup code itself catch outside of it.
func (t *translator) handlerOwner(owner *cleanupRegion, e bytecode.ExceptionEntry) *cleanupRegion {
	for owner != nil && e.Covers(owner.handler) {
		owner = owner.outer
	}
	return owner
}

// leave builds the trampoline that runs the cleanup code of regions, in
// order, before continuing at target.
func (t *translator) leave(from int, regions []*cleanupRegion, target int, owner *cleanupRegion) BlockID {
	if len(regions) > t.cfg.MaxCleanupNesting {
		t.fail(unsupported(from, "%d nested cleanup regions exceed the limit of %d", len(regions), t.cfg.MaxCleanupNesting))
		return NoBlock
	}
	handlers := make([]string, len(regions))
	for i, r := range regions {
		handlers[i] = fmt.Sprint(r.handler)
	}
	key := fmt.Sprintf("%s>%d", strings.Join(handlers, ","), target)
	if b, ok := t.leaves[key]; ok {
		return b
	}
	r := regions[0]
	b := t.em.NewBlock(fmt.Sprintf("bci_%d_leave", from), from, BlockLeave)
	t.leaves[key] = b

	var next BlockID
	switch {
	case len(regions) > 1:
		next = t.leave(from, regions[1:], target, owner)
	case target == returnTarget:
		next = t.returnBlock()
	default:
		t.enqueue(target, nil, owner)
		next = t.blocks[target]
	}
	k := t.em.Emit(b, Inst{Op: OpConst, Type: TypeI32, Imm: r.addCase(next), BCI: from})
	t.em.Emit(b, Inst{Op: OpStoreSlot, Slot: r.selector, Args: []ValueID{k}, BCI: from})
	t.em.SetTerm(b, GotoTerm(r.entry))
	t.enter(r, owner)
	return b
}

func (t *translator) returnSlot() Slot { return t.em.Temp("ret") }

// returnBlock is the shared exit for returns routed through cleanup code.
func (t *translator) returnBlock() BlockID {
	if t.retBlock != NoBlock {
		return t.retBlock
	}
	slot := t.returnSlot()
	b := t.em.NewBlock("method_return", -1, BlockReturn)
	t.retBlock = b
	ret := t.em.Module().Return
	if ret == TypeVoid {
		t.em.SetTerm(b, ReturnTerm(NoValue))
		return b
	}
	v := t.em.Emit(b, Inst{Op: OpLoadSlot, Type: ret, Slot: slot, BCI: -1})
	t.em.SetTerm(b, ReturnTerm(v))
	return b
}

func (l *lowering) lowerEndFinally() {
	r := l.owner
	if r == nil {
		l.fail(malformed(l.bci, "endfinally outside cleanup code"))
		return
	}
	sel := l.emit(Inst{Op: OpLoadSlot, Type: TypeI32, Slot: r.selector})
	l.stack = l.stack[:0]
	l.terminate(SwitchTerm(sel, NoBlock, nil))
	r.exits = append(r.exits, cleanupExit{block: l.cur, selector: sel})
}

// finishCleanupExits installs the complete case list on every endfinally
// switch once all paths into the regions are known.
func (t *translator) finishCleanupExits() {
	for _, r := range t.regions {
		for _, x := range r.exits {
			t.em.SetTerm(x.block, SwitchTerm(x.selector, NoBlock, append([]SwitchCase(nil), r.cases...)))
		}
	}
}

func (t *translator) addSite(bci int, block BlockID, owner *cleanupRegion) {
	t.sites = append(t.sites, throwSite{bci: bci, block: block, owner: owner})
}

type padStep struct {
	entry  bytecode.ExceptionEntry
	region *cleanupRegion
	block  BlockID
}

// attachLandingpad points the unwind edge of a throwing site at the
// landingpad of its bci, building the pad on first use.
func (t *translator) attachLandingpad(s throwSite) {
	pad, ok := t.pads[s.bci]
	if !ok {
		pad = t.buildLandingpad(s.bci, s.owner)
		t.pads[s.bci] = pad
	}
	t.em.Module().Block(s.block).Term.Unwind = pad
}

// buildLandingpad lowers the dispatch chain of one throwing bci. Covering
// entries are tried in table order: a catch tests the exception class, a
// catch-any takes everything and ends the chain, and a cleanup region runs
// its code and then continues with the next step. An exception nobody
// catches is resumed in the caller.
func (t *translator) buildLandingpad(bci int, owner *cleanupRegion) BlockID {
	em := t.em
	pad := em.NewBlock(fmt.Sprintf("bci_%d_unwind_dest", bci), bci, BlockLandingpad)
	excSlot := em.Temp(fmt.Sprintf("exc_%d", bci))
	tok := em.Emit(pad, Inst{Op: OpLandingpad, Type: TypeToken, BCI: bci})
	exc := em.Emit(pad, Inst{Op: OpException, Type: TypeRef, Args: []ValueID{tok}, BCI: bci})
	em.Emit(pad, Inst{Op: OpStoreSlot, Slot: excSlot, Args: []ValueID{exc}, BCI: bci})

	var steps []padStep
	seen := make(map[*cleanupRegion]bool)
	catchesAll := false
	cleanups := 0
	for _, i := range t.table.Covering(bci) {
		e := t.table.Entry(i)
		st := padStep{entry: e}
		label := fmt.Sprintf("bci_%d_catch_%d", bci, len(steps))
		if e.Finally {
			r := t.regionAt[e.HandlerBCI]
			if seen[r] {
				continue
			}
			seen[r] = true
			st.region = r
			cleanups++
			label = fmt.Sprintf("bci_%d_cleanup_%d", bci, len(steps))
		}
		st.block = em.NewBlock(label, bci, BlockDispatch)
		steps = append(steps, st)
		if !e.Finally && e.CatchesAny() {
			catchesAll = true
			break
		}
	}
	if cleanups > t.cfg.MaxCleanupNesting {
		t.fail(unsupported(bci, "%d cleanup regions on one unwind path exceed the limit of %d", cleanups, t.cfg.MaxCleanupNesting))
		return pad
	}
	tail := NoBlock
	if !catchesAll {
		tail = em.NewBlock(fmt.Sprintf("bci_%d_resume", bci), bci, BlockResume)
		v := em.Emit(tail, Inst{Op: OpLoadSlot, Type: TypeRef, Slot: excSlot, BCI: bci})
		em.SetTerm(tail, ResumeTerm(v))
	}
	first := tail
	if len(steps) > 0 {
		first = steps[0].block
	}
	em.SetTerm(pad, GotoTerm(first))

	desc := &Landingpad{BCI: bci, Cleanup: cleanups > 0 || !catchesAll}
	stackSlot := Slot{Space: SlotStack, Index: 0}
	for i, st := range steps {
		next := tail
		if i+1 < len(steps) {
			next = steps[i+1].block
		}
		b := st.block
		if st.region != nil {
			r := st.region
			k := em.Emit(b, Inst{Op: OpConst, Type: TypeI32, Imm: r.addCase(next), BCI: bci})
			em.Emit(b, Inst{Op: OpStoreSlot, Slot: r.selector, Args: []ValueID{k}, BCI: bci})
			em.SetTerm(b, GotoTerm(r.entry))
			t.enter(r, owner)
			desc.Clauses = append(desc.Clauses, Clause{Kind: ClauseCleanup, Target: r.entry})
			continue
		}
		handler := t.blocks[st.entry.HandlerBCI]
		t.enqueue(st.entry.HandlerBCI, []Type{TypeRef}, t.handlerOwner(owner, st.entry))
		v := em.Emit(b, Inst{Op: OpLoadSlot, Type: TypeRef, Slot: excSlot, BCI: bci})
		em.Emit(b, Inst{Op: OpStoreSlot, Slot: stackSlot, Args: []ValueID{v}, BCI: bci})
		if st.entry.CatchesAny() {
			em.SetTerm(b, GotoTerm(handler))
			desc.Clauses = append(desc.Clauses, Clause{Kind: ClauseCatchAny, Target: handler})
			continue
		}
		is := em.Emit(b, Inst{Op: OpInstanceOf, Type: TypeI1, Sym: st.entry.CatchType, Args: []ValueID{v}, BCI: bci})
		em.SetTerm(b, CondBrTerm(is, handler, next))
		desc.Clauses = append(desc.Clauses, Clause{Kind: ClauseCatch, CatchType: st.entry.CatchType, Target: handler})
	}
	if t.maxStack < 1 {
		t.maxStack = 1
	}
	em.Module().Block(pad).Pad = desc
	landingpadCounter.Inc(1)
	t.log.Trace("Built landingpad", "bci", bci, "clauses", len(desc.Clauses), "cleanup", desc.Cleanup)
	return pad
}
