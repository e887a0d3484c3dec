package compiler

import (
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/vmjit/bcjit/core/jit/bytecode"
)

// returnTarget is the pseudo-bci used when routing a return through
// cleanup code.
const returnTarget = -1

type entryState struct {
	shape   []Type
	owner   *cleanupRegion
	lowered bool
}

// throwSite is a block whose last instruction (or throw terminator) may
// unwind; its unwind edge is filled in by the exception pass.
type throwSite struct {
	bci   int
	block BlockID
	owner *cleanupRegion
}

type translator struct {
	cfg   Config
	allow mapset.Set[bytecode.Opcode]
	m     *bytecode.Method
	mt    bytecode.MethodType
	log   translationLogger
	part  *Partition
	table *HandlerTable
	em    *Emitter

	blocks   map[int]BlockID
	states   map[int]*entryState
	work     []int
	regions  []*cleanupRegion
	regionAt map[int]*cleanupRegion
	sites    []throwSite
	pads     map[int]BlockID
	leaves   map[string]BlockID
	retBlock BlockID
	maxStack int
	err      error
}

// GenerateModule translates one method into an IR module. Failures are
// returned as *BailoutError and never affect other translations.
func GenerateModule(m *bytecode.Method, cfg Config) (mod *Module, err error) {
	start := time.Now()
	if cfg.MaxCleanupNesting < 1 {
		cfg.MaxCleanupNesting = defaultCleanupNesting
	}
	lg := newTranslationLogger(m.Key(), cfg)
	defer func() {
		if r := recover(); r != nil {
			mod, err = nil, &BailoutError{Kind: BailoutUnsupported, BCI: -1, Reason: fmt.Sprintf("internal error: %v", r)}
		}
		if err != nil {
			b, ok := AsBailout(err)
			if !ok {
				b = &BailoutError{Kind: BailoutUnsupported, BCI: -1, Reason: "translation failed", Err: err}
			}
			b.Method = m.Key()
			err = b
			if b.Kind == BailoutMalformed {
				malformedCounter.Inc(1)
			} else {
				unsupportedCounter.Inc(1)
			}
			lg.Warn("Translation bailed out", "kind", b.Kind, "bci", b.BCI, "reason", b.Reason)
			return
		}
		translatedCounter.Inc(1)
		translateTimer.UpdateSince(start)
		if cfg.DumpIR {
			lg.Dump(mod.Dump())
		}
		lg.Debug("Translated method", "blocks", len(mod.Blocks), "insts", len(mod.Insts), "landingpads", len(mod.Landingpads()), "elapsed", time.Since(start))
	}()

	mt, err := m.Type()
	if err != nil {
		return nil, malformed(-1, "descriptor %q: %v", m.Desc, err)
	}
	insts, err := m.Instructions()
	if err != nil {
		return nil, &BailoutError{Kind: BailoutMalformed, BCI: -1, Reason: "undecodable code", Err: err}
	}
	table := NewHandlerTable(m.Exceptions)
	part, err := PartitionMethod(insts, len(m.Code), table)
	if err != nil {
		return nil, err
	}
	t := &translator{
		cfg:      cfg,
		allow:    cfg.allowSet(),
		m:        m,
		mt:       mt,
		log:      lg,
		part:     part,
		table:    table,
		em:       NewEmitter(m.Key()),
		blocks:   make(map[int]BlockID),
		states:   make(map[int]*entryState),
		regionAt: make(map[int]*cleanupRegion),
		pads:     make(map[int]BlockID),
		leaves:   make(map[string]BlockID),
		retBlock: NoBlock,
	}
	return t.run()
}

func (t *translator) fail(err error) {
	if t.err == nil {
		t.err = err
	}
}

func (t *translator) run() (*Module, error) {
	mod := t.em.Module()
	mod.Return = irType(t.mt.Return.Kind)
	mod.NumLocals = t.m.MaxLocals

	t.buildRegions()
	entry := t.em.NewBlock("entry", -1, BlockEntry)
	mod.Entry = entry
	for _, pb := range t.part.Blocks {
		id := t.em.NewBlock(fmt.Sprintf("bci_%d", pb.Start), pb.Start, BlockCode)
		mod.Blocks[id].EndBCI = pb.End
		t.blocks[pb.Start] = id
	}
	for _, r := range t.regions {
		r.entry = t.blocks[r.handler]
	}
	t.lowerParams(entry)
	t.em.SetTerm(entry, FallthroughTerm(t.blocks[0]))
	t.enqueue(0, nil, nil)

	// Handlers are only reachable through landingpads, and their code may
	// contain further throwing sites, so lowering and pad construction
	// alternate until neither finds new work.
	for done := 0; t.err == nil; {
		for len(t.work) > 0 && t.err == nil {
			bci := t.work[0]
			t.work = t.work[1:]
			t.lowerBlock(t.part.BlockAt(bci), t.states[bci])
		}
		if done == len(t.sites) || t.err != nil {
			break
		}
		for ; done < len(t.sites) && t.err == nil; done++ {
			t.attachLandingpad(t.sites[done])
		}
	}
	if t.err != nil {
		return nil, t.err
	}
	for _, pb := range t.part.Blocks {
		if st := t.states[pb.Start]; st == nil || !st.lowered {
			t.em.SetTerm(t.blocks[pb.Start], UnreachableTerm())
		}
	}
	t.finishCleanupExits()
	if t.err != nil {
		return nil, t.err
	}
	mod.NumStack = t.maxStack
	out, err := t.em.Freeze()
	if err != nil {
		return nil, &BailoutError{Kind: BailoutUnsupported, BCI: -1, Reason: "generated IR failed verification", Err: err}
	}
	return out, nil
}

func (t *translator) lowerParams(entry BlockID) {
	local := 0
	var params []Type
	if !t.m.Static {
		params = append(params, TypeRef)
	}
	for _, p := range t.mt.Params {
		params = append(params, irType(p.Kind))
	}
	t.em.Module().Params = params
	for i, ty := range params {
		v := t.em.Emit(entry, Inst{Op: OpParam, Type: ty, Imm: int64(i), BCI: -1})
		t.em.Emit(entry, Inst{Op: OpStoreSlot, Slot: Slot{Space: SlotLocal, Index: local}, Args: []ValueID{v}, BCI: -1})
		local++
		if ty.Wide() {
			local++
		}
	}
}

// enqueue schedules the block at bci for lowering with the given entry
// stack shape. A block reached twice must agree on both shape and owning
// cleanup region.
func (t *translator) enqueue(bci int, shape []Type, owner *cleanupRegion) {
	if r, ok := t.regionAt[bci]; ok && r != owner {
		t.fail(malformed(bci, "ordinary control flow enters cleanup code"))
		return
	}
	if st, ok := t.states[bci]; ok {
		if st.owner != owner {
			t.fail(malformed(bci, "block is shared by different cleanup regions"))
			return
		}
		if !sameShape(st.shape, shape) {
			t.fail(malformed(bci, "inconsistent operand stack at block entry: %v vs %v", st.shape, shape))
		}
		return
	}
	if t.part.BlockAt(bci) == nil {
		t.fail(malformed(bci, "control transfer to a non-block bci"))
		return
	}
	t.states[bci] = &entryState{shape: append([]Type(nil), shape...), owner: owner}
	t.work = append(t.work, bci)
}

func sameShape(a, b []Type) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func irType(k bytecode.Kind) Type {
	switch k {
	case bytecode.KindVoid:
		return TypeVoid
	case bytecode.KindLong:
		return TypeI64
	case bytecode.KindFloat:
		return TypeF32
	case bytecode.KindDouble:
		return TypeF64
	case bytecode.KindReference:
		return TypeRef
	}
	return TypeI32
}

// lowering is the state of one bytecode block while it is being lowered.
type lowering struct {
	t       *translator
	pb      *PartitionBlock
	owner   *cleanupRegion
	cur     BlockID
	stack   []ValueID
	pending int // bci of a faulting instruction awaiting its may-unwind split
	bci     int
	done    bool
	nonNull map[ValueID]bool
}

func (t *translator) lowerBlock(pb *PartitionBlock, st *entryState) {
	st.lowered = true
	l := &lowering{
		t:       t,
		pb:      pb,
		owner:   st.owner,
		cur:     t.blocks[pb.Start],
		pending: -1,
		bci:     pb.Start,
		nonNull: make(map[ValueID]bool),
	}
	for i, ty := range st.shape {
		l.push(l.emit(Inst{Op: OpLoadSlot, Type: ty, Slot: Slot{Space: SlotStack, Index: i}}))
	}
	for i := pb.First; i <= pb.Last && t.err == nil; i++ {
		in := &t.part.Insts[i]
		l.bci = in.BCI
		if t.allow != nil && !t.allow.Contains(in.Op) {
			t.fail(unsupported(in.BCI, "opcode %s is not in the allow-list", in.Op))
			return
		}
		l.lower(in)
	}
	if t.err != nil || l.done {
		return
	}
	// Control falls into the next block.
	target := l.edge(pb.Fallthrough)
	l.spill()
	l.terminate(FallthroughTerm(target))
	t.log.Trace("Lowered block", "start", pb.Start, "end", pb.End, "stack", len(l.stack))
}

func (l *lowering) fail(err *BailoutError) {
	l.t.fail(err)
}

func (l *lowering) push(v ValueID) { l.stack = append(l.stack, v) }

func (l *lowering) pop() ValueID {
	if len(l.stack) == 0 {
		l.fail(malformed(l.bci, "operand stack underflow"))
		return l.zero(TypeI32)
	}
	v := l.stack[len(l.stack)-1]
	l.stack = l.stack[:len(l.stack)-1]
	return v
}

// popType pops a value and checks its type.
func (l *lowering) popType(want Type) ValueID {
	v := l.pop()
	if got := l.typeOf(v); got != want && l.t.err == nil {
		l.fail(malformed(l.bci, "operand has type %s, want %s", got, want))
	}
	return v
}

func (l *lowering) typeOf(v ValueID) Type { return l.t.em.Module().Inst(v).Type }

func (l *lowering) stackTypes() []Type {
	out := make([]Type, len(l.stack))
	for i, v := range l.stack {
		out[i] = l.typeOf(v)
	}
	return out
}

// emit appends an instruction to the current IR block. A faulting
// instruction inside a protected range ends the block: the next emit opens
// a continuation block reached through a may-unwind edge.
func (l *lowering) emit(in Inst) ValueID {
	l.flushPending()
	in.BCI = l.bci
	v := l.t.em.Emit(l.cur, in)
	if in.Op.MayThrow() && l.t.table.IsProtected(l.bci) {
		l.pending = l.bci
	}
	return v
}

func (l *lowering) flushPending() {
	if l.pending < 0 {
		return
	}
	cont := l.t.em.NewBlock(fmt.Sprintf("bci_%d_normal", l.pending), l.pending, BlockContinue)
	l.t.em.SetTerm(l.cur, MayUnwindTerm(cont, NoBlock))
	l.t.addSite(l.pending, l.cur, l.owner)
	l.cur = cont
	l.pending = -1
}

// terminate ends the current bytecode block.
func (l *lowering) terminate(tm Terminator) {
	l.done = true
	if l.pending >= 0 {
		if tm.Kind == TermGoto || tm.Kind == TermFallthrough {
			l.t.em.SetTerm(l.cur, MayUnwindTerm(tm.Target, NoBlock))
			l.t.addSite(l.pending, l.cur, l.owner)
			l.pending = -1
			return
		}
		l.flushPending()
	}
	l.t.em.SetTerm(l.cur, tm)
	if tm.Kind == TermThrow && l.t.table.IsProtected(l.bci) {
		l.t.addSite(l.bci, l.cur, l.owner)
	}
}

// spill stores the operand stack into stack slots for the successors.
func (l *lowering) spill() {
	for i, v := range l.stack {
		l.emit(Inst{Op: OpStoreSlot, Slot: Slot{Space: SlotStack, Index: i}, Args: []ValueID{v}})
	}
	if len(l.stack) > l.t.maxStack {
		l.t.maxStack = len(l.stack)
	}
}

// reload replaces the symbolic stack by fresh loads of spilled slots.
func (l *lowering) reload(types []Type) {
	l.stack = l.stack[:0]
	for i, ty := range types {
		l.push(l.emit(Inst{Op: OpLoadSlot, Type: ty, Slot: Slot{Space: SlotStack, Index: i}}))
	}
}

// edge resolves the IR block for a control transfer from the current bci to
// target, routing through cleanup code when the transfer leaves a region.
func (l *lowering) edge(target int) BlockID {
	regions := l.t.exitedRegions(l.bci, target)
	if len(regions) == 0 {
		l.t.enqueue(target, l.stackTypes(), l.owner)
		return l.t.blocks[target]
	}
	if len(l.stack) > 0 {
		l.fail(unsupported(l.bci, "leaving a cleanup region with %d operand stack entries", len(l.stack)))
		return l.t.blocks[target]
	}
	return l.t.leave(l.bci, regions, target, l.owner)
}

// zero materializes the default value of ty.
func (l *lowering) zero(ty Type) ValueID {
	if ty == TypeRef {
		return l.emit(Inst{Op: OpConstNull, Type: TypeRef})
	}
	return l.emit(Inst{Op: OpConst, Type: ty})
}

func (l *lowering) constI32(v int64) ValueID {
	return l.emit(Inst{Op: OpConst, Type: TypeI32, Imm: int64(int32(v))})
}

func (l *lowering) local(idx int) Slot { return Slot{Space: SlotLocal, Index: idx} }

func (l *lowering) isConst(v ValueID) (int64, bool) {
	in := l.t.em.Module().Inst(v)
	if in.Op == OpConst && (in.Type == TypeI32 || in.Type == TypeI64) {
		return in.Imm, true
	}
	return 0, false
}

func (l *lowering) checkNull(v ValueID) {
	if l.t.cfg.ElideConstantGuards && l.nonNull[v] {
		elidedGuardCounter.Inc(1)
		return
	}
	l.emit(Inst{Op: OpCheckNull, Args: []ValueID{v}})
}

func (l *lowering) checkDivZero(v ValueID) {
	if c, ok := l.isConst(v); ok && c != 0 && l.t.cfg.ElideConstantGuards {
		elidedGuardCounter.Inc(1)
		return
	}
	l.emit(Inst{Op: OpCheckDivZero, Args: []ValueID{v}})
}

var (
	kindTypes = [...]Type{TypeI32, TypeI64, TypeF32, TypeF64, TypeRef}
	elemTypes = [...]Type{TypeI32, TypeI64, TypeF32, TypeF64, TypeRef, TypeI32, TypeI32, TypeI32}
	elemKinds = [...]bytecode.Kind{bytecode.KindInt, bytecode.KindLong, bytecode.KindFloat, bytecode.KindDouble,
		bytecode.KindReference, bytecode.KindByte, bytecode.KindChar, bytecode.KindShort}
	arithOps = [...]Op{OpAdd, OpSub, OpMul, OpDiv, OpRem, OpNeg}
	logicOps = [...]Op{OpShl, OpShr, OpUShr, OpAnd, OpOr, OpXor}
)

func (l *lowering) lower(in *bytecode.Instruction) {
	op := in.Op
	switch {
	case op == bytecode.Nop:
	case op == bytecode.AconstNull:
		l.push(l.emit(Inst{Op: OpConstNull, Type: TypeRef}))
	case op >= bytecode.IconstM1 && op <= bytecode.Iconst5:
		l.push(l.constI32(int64(op) - int64(bytecode.Iconst0)))
	case op == bytecode.Lconst0 || op == bytecode.Lconst1:
		l.push(l.emit(Inst{Op: OpConst, Type: TypeI64, Imm: int64(op - bytecode.Lconst0)}))
	case op >= bytecode.Fconst0 && op <= bytecode.Fconst2:
		l.push(l.emit(Inst{Op: OpConst, Type: TypeF32, FImm: float64(op - bytecode.Fconst0)}))
	case op == bytecode.Dconst0 || op == bytecode.Dconst1:
		l.push(l.emit(Inst{Op: OpConst, Type: TypeF64, FImm: float64(op - bytecode.Dconst0)}))
	case op == bytecode.Bipush || op == bytecode.Sipush:
		l.push(l.constI32(int64(in.Imm)))
	case op == bytecode.Ldc || op == bytecode.LdcW || op == bytecode.Ldc2W:
		l.lowerLdc(in)

	case op >= bytecode.Iload && op <= bytecode.Aload:
		ty := kindTypes[op-bytecode.Iload]
		l.push(l.emit(Inst{Op: OpLoadSlot, Type: ty, Slot: l.local(in.Local)}))
	case op >= bytecode.Iload0 && op <= bytecode.Aload3:
		ty := kindTypes[(op-bytecode.Iload0)/4]
		l.push(l.emit(Inst{Op: OpLoadSlot, Type: ty, Slot: l.local(in.Local)}))
	case op >= bytecode.Istore && op <= bytecode.Astore:
		v := l.popType(kindTypes[op-bytecode.Istore])
		l.emit(Inst{Op: OpStoreSlot, Slot: l.local(in.Local), Args: []ValueID{v}})
	case op >= bytecode.Istore0 && op <= bytecode.Astore3:
		v := l.popType(kindTypes[(op-bytecode.Istore0)/4])
		l.emit(Inst{Op: OpStoreSlot, Slot: l.local(in.Local), Args: []ValueID{v}})
	case op == bytecode.Iinc:
		v := l.emit(Inst{Op: OpLoadSlot, Type: TypeI32, Slot: l.local(in.Local)})
		d := l.constI32(int64(in.Imm))
		sum := l.emit(Inst{Op: OpAdd, Type: TypeI32, Args: []ValueID{v, d}})
		l.emit(Inst{Op: OpStoreSlot, Slot: l.local(in.Local), Args: []ValueID{sum}})

	case op >= bytecode.Iaload && op <= bytecode.Saload:
		i := op - bytecode.Iaload
		idx := l.popType(TypeI32)
		arr := l.popType(TypeRef)
		l.checkNull(arr)
		l.emit(Inst{Op: OpCheckBounds, Args: []ValueID{arr, idx}})
		l.push(l.emit(Inst{Op: OpLoadElem, Type: elemTypes[i], Imm: int64(elemKinds[i]), Args: []ValueID{arr, idx}}))
	case op >= bytecode.Iastore && op <= bytecode.Sastore:
		i := op - bytecode.Iastore
		v := l.popType(elemTypes[i])
		idx := l.popType(TypeI32)
		arr := l.popType(TypeRef)
		l.checkNull(arr)
		l.emit(Inst{Op: OpCheckBounds, Args: []ValueID{arr, idx}})
		l.emit(Inst{Op: OpStoreElem, Imm: int64(elemKinds[i]), Args: []ValueID{arr, idx, v}})

	case op >= bytecode.Pop && op <= bytecode.Swap:
		l.lowerStackOp(op)

	case op >= bytecode.Iadd && op <= bytecode.Dneg:
		i := op - bytecode.Iadd
		ty := kindTypes[i%4]
		irOp := arithOps[i/4]
		if irOp == OpNeg {
			v := l.popType(ty)
			l.push(l.emit(Inst{Op: OpNeg, Type: ty, Args: []ValueID{v}}))
			return
		}
		b := l.popType(ty)
		a := l.popType(ty)
		if (irOp == OpDiv || irOp == OpRem) && (ty == TypeI32 || ty == TypeI64) {
			l.checkDivZero(b)
		}
		l.push(l.emit(Inst{Op: irOp, Type: ty, Args: []ValueID{a, b}}))
	case op >= bytecode.Ishl && op <= bytecode.Lxor:
		i := op - bytecode.Ishl
		ty := kindTypes[i%2]
		irOp := logicOps[i/2]
		bt := ty
		if irOp == OpShl || irOp == OpShr || irOp == OpUShr {
			bt = TypeI32
		}
		b := l.popType(bt)
		a := l.popType(ty)
		l.push(l.emit(Inst{Op: irOp, Type: ty, Args: []ValueID{a, b}}))

	case op >= bytecode.I2l && op <= bytecode.I2s:
		l.lowerConversion(op)
	case op == bytecode.Lcmp:
		b := l.popType(TypeI64)
		a := l.popType(TypeI64)
		l.push(l.emit(Inst{Op: OpCmp, Type: TypeI32, Args: []ValueID{a, b}}))
	case op >= bytecode.Fcmpl && op <= bytecode.Dcmpg:
		ty := TypeF32
		if op >= bytecode.Dcmpl {
			ty = TypeF64
		}
		nan := int64(-1)
		if op == bytecode.Fcmpg || op == bytecode.Dcmpg {
			nan = 1
		}
		b := l.popType(ty)
		a := l.popType(ty)
		l.push(l.emit(Inst{Op: OpFCmp, Type: TypeI32, Imm: nan, Args: []ValueID{a, b}}))

	case op >= bytecode.Ifeq && op <= bytecode.Ifle:
		v := l.popType(TypeI32)
		z := l.constI32(0)
		l.branch(in, Pred(op-bytecode.Ifeq), v, z)
	case op >= bytecode.IfIcmpeq && op <= bytecode.IfIcmple:
		b := l.popType(TypeI32)
		a := l.popType(TypeI32)
		l.branch(in, Pred(op-bytecode.IfIcmpeq), a, b)
	case op == bytecode.IfAcmpeq || op == bytecode.IfAcmpne:
		b := l.popType(TypeRef)
		a := l.popType(TypeRef)
		l.branch(in, Pred(op-bytecode.IfAcmpeq), a, b)
	case op == bytecode.Ifnull || op == bytecode.Ifnonnull:
		v := l.popType(TypeRef)
		null := l.emit(Inst{Op: OpConstNull, Type: TypeRef})
		l.branch(in, Pred(op-bytecode.Ifnull), v, null)
	case op == bytecode.Goto || op == bytecode.GotoW:
		target := l.edge(in.Target)
		l.spill()
		l.terminate(GotoTerm(target))
	case op == bytecode.Tableswitch || op == bytecode.Lookupswitch:
		l.lowerSwitch(in)
	case op >= bytecode.Ireturn && op <= bytecode.Return:
		l.lowerReturn(op)

	case op >= bytecode.Getstatic && op <= bytecode.Putfield:
		l.lowerField(in)
	case op.IsInvoke():
		l.lowerInvoke(in)
	case op == bytecode.New:
		l.lowerNew(in)
	case op == bytecode.Newarray:
		l.lowerNewArray(in)
	case op == bytecode.Anewarray:
		l.lowerANewArray(in)
	case op == bytecode.Multianewarray:
		l.lowerMultiANewArray(in)
	case op == bytecode.Arraylength:
		arr := l.popType(TypeRef)
		l.checkNull(arr)
		l.push(l.emit(Inst{Op: OpArrayLength, Type: TypeI32, Args: []ValueID{arr}}))
	case op == bytecode.Athrow:
		v := l.popType(TypeRef)
		l.terminate(ThrowTerm(v, NoBlock))
	case op == bytecode.Checkcast:
		cls, err := l.t.m.Pool.Class(in.Index)
		if err != nil {
			l.fail(&BailoutError{Kind: BailoutMalformed, BCI: in.BCI, Reason: "checkcast operand", Err: err})
			return
		}
		v := l.popType(TypeRef)
		l.emit(Inst{Op: OpCheckCast, Sym: cls.Name, Args: []ValueID{v}})
		l.push(v)
	case op == bytecode.Instanceof:
		cls, err := l.t.m.Pool.Class(in.Index)
		if err != nil {
			l.fail(&BailoutError{Kind: BailoutMalformed, BCI: in.BCI, Reason: "instanceof operand", Err: err})
			return
		}
		v := l.popType(TypeRef)
		l.push(l.emit(Inst{Op: OpInstanceOf, Type: TypeI32, Sym: cls.Name, Args: []ValueID{v}}))
	case op == bytecode.Endfinally:
		l.lowerEndFinally()
	case op == bytecode.Jsr || op == bytecode.JsrW || op == bytecode.Ret:
		l.fail(unsupported(in.BCI, "subroutines (%s)", op))
	case op == bytecode.Monitorenter || op == bytecode.Monitorexit:
		l.fail(unsupported(in.BCI, "monitors (%s)", op))
	default:
		l.fail(unsupported(in.BCI, "opcode %s", op))
	}
}

func (l *lowering) lowerLdc(in *bytecode.Instruction) {
	c, err := l.t.m.Pool.Entry(in.Index)
	if err != nil {
		l.fail(&BailoutError{Kind: BailoutMalformed, BCI: in.BCI, Reason: "ldc operand", Err: err})
		return
	}
	wide := in.Op == bytecode.Ldc2W
	switch {
	case c.Tag == bytecode.ConstInt && !wide:
		l.push(l.constI32(c.Int))
	case c.Tag == bytecode.ConstFloat && !wide:
		l.push(l.emit(Inst{Op: OpConst, Type: TypeF32, FImm: c.Float}))
	case c.Tag == bytecode.ConstString && !wide:
		v := l.emit(Inst{Op: OpConstString, Type: TypeRef, Sym: c.String})
		l.nonNull[v] = true
		l.push(v)
	case c.Tag == bytecode.ConstLong && wide:
		l.push(l.emit(Inst{Op: OpConst, Type: TypeI64, Imm: c.Int}))
	case c.Tag == bytecode.ConstDouble && wide:
		l.push(l.emit(Inst{Op: OpConst, Type: TypeF64, FImm: c.Float}))
	case c.Tag == bytecode.ConstClass:
		l.fail(unsupported(in.BCI, "class literal %s", c.Class.Name))
	default:
		l.fail(malformed(in.BCI, "%s of constant %s", in.Op, c.Render()))
	}
}

// lowerStackOp implements the untyped stack shuffles. Long and double
// values count as two words, as in the class-file model.
func (l *lowering) lowerStackOp(op bytecode.Opcode) {
	wide := func(depth int) bool {
		if depth >= len(l.stack) {
			l.fail(malformed(l.bci, "operand stack underflow"))
			return false
		}
		return l.typeOf(l.stack[len(l.stack)-1-depth]).Wide()
	}
	switch op {
	case bytecode.Pop:
		l.pop()
	case bytecode.Pop2:
		if wide(0) {
			l.pop()
		} else {
			l.pop()
			l.pop()
		}
	case bytecode.Dup:
		v := l.pop()
		l.push(v)
		l.push(v)
	case bytecode.DupX1:
		a := l.pop()
		b := l.pop()
		l.push(a)
		l.push(b)
		l.push(a)
	case bytecode.DupX2:
		a := l.pop()
		if wide(0) {
			b := l.pop()
			l.push(a)
			l.push(b)
			l.push(a)
			return
		}
		b := l.pop()
		c := l.pop()
		l.push(a)
		l.push(c)
		l.push(b)
		l.push(a)
	case bytecode.Dup2:
		if wide(0) {
			v := l.pop()
			l.push(v)
			l.push(v)
			return
		}
		a := l.pop()
		b := l.pop()
		l.push(b)
		l.push(a)
		l.push(b)
		l.push(a)
	case bytecode.Dup2X1:
		if wide(0) {
			a := l.pop()
			b := l.pop()
			l.push(a)
			l.push(b)
			l.push(a)
			return
		}
		a := l.pop()
		b := l.pop()
		c := l.pop()
		l.push(b)
		l.push(a)
		l.push(c)
		l.push(b)
		l.push(a)
	case bytecode.Dup2X2:
		if wide(0) {
			a := l.pop()
			if wide(0) {
				b := l.pop()
				l.push(a)
				l.push(b)
				l.push(a)
				return
			}
			b := l.pop()
			c := l.pop()
			l.push(a)
			l.push(c)
			l.push(b)
			l.push(a)
			return
		}
		a := l.pop()
		b := l.pop()
		if wide(0) {
			c := l.pop()
			l.push(b)
			l.push(a)
			l.push(c)
			l.push(b)
			l.push(a)
			return
		}
		c := l.pop()
		d := l.pop()
		l.push(b)
		l.push(a)
		l.push(d)
		l.push(c)
		l.push(b)
		l.push(a)
	case bytecode.Swap:
		a := l.pop()
		b := l.pop()
		l.push(a)
		l.push(b)
	}
}

func (l *lowering) lowerConversion(op bytecode.Opcode) {
	type conv struct {
		from, to Type
		op       Op
	}
	table := map[bytecode.Opcode]conv{
		bytecode.I2l: {TypeI32, TypeI64, OpSExt},
		bytecode.I2f: {TypeI32, TypeF32, OpIToF},
		bytecode.I2d: {TypeI32, TypeF64, OpIToF},
		bytecode.L2i: {TypeI64, TypeI32, OpTrunc},
		bytecode.L2f: {TypeI64, TypeF32, OpIToF},
		bytecode.L2d: {TypeI64, TypeF64, OpIToF},
		bytecode.F2i: {TypeF32, TypeI32, OpFToI},
		bytecode.F2l: {TypeF32, TypeI64, OpFToI},
		bytecode.F2d: {TypeF32, TypeF64, OpFExt},
		bytecode.D2i: {TypeF64, TypeI32, OpFToI},
		bytecode.D2l: {TypeF64, TypeI64, OpFToI},
		bytecode.D2f: {TypeF64, TypeF32, OpFTrunc},
		bytecode.I2b: {TypeI32, TypeI32, OpI2B},
		bytecode.I2c: {TypeI32, TypeI32, OpI2C},
		bytecode.I2s: {TypeI32, TypeI32, OpI2S},
	}
	c := table[op]
	v := l.popType(c.from)
	l.push(l.emit(Inst{Op: c.op, Type: c.to, Args: []ValueID{v}}))
}

func (l *lowering) branch(in *bytecode.Instruction, pred Pred, a, b ValueID) {
	cond := l.emit(Inst{Op: OpICmp, Type: TypeI1, Imm: int64(pred), Args: []ValueID{a, b}})
	taken := l.edge(in.Target)
	fall := l.edge(in.Next())
	l.spill()
	l.terminate(CondBrTerm(cond, taken, fall))
}

func (l *lowering) lowerSwitch(in *bytecode.Instruction) {
	key := l.popType(TypeI32)
	sw := in.Switch
	cases := make([]SwitchCase, len(sw.Keys))
	for i, k := range sw.Keys {
		cases[i] = SwitchCase{Key: int64(k), Target: l.edge(sw.Targets[i])}
	}
	def := l.edge(sw.Default)
	l.spill()
	l.terminate(SwitchTerm(key, def, cases))
}

func (l *lowering) lowerReturn(op bytecode.Opcode) {
	want := l.t.em.Module().Return
	v := NoValue
	if op != bytecode.Return {
		v = l.popType(kindTypes[op-bytecode.Ireturn])
	}
	if (v == NoValue) != (want == TypeVoid) || (v != NoValue && l.typeOf(v) != want) {
		l.fail(malformed(l.bci, "%s in a method returning %s", op, want))
		return
	}
	regions := l.t.exitedRegions(l.bci, returnTarget)
	if len(regions) == 0 {
		l.terminate(ReturnTerm(v))
		return
	}
	if v != NoValue {
		l.emit(Inst{Op: OpStoreSlot, Slot: l.t.returnSlot(), Args: []ValueID{v}})
	}
	l.terminate(GotoTerm(l.t.leave(l.bci, regions, returnTarget, l.owner)))
}

func (l *lowering) lowerField(in *bytecode.Instruction) {
	ref, err := l.t.m.Pool.Field(in.Index)
	if err != nil {
		l.fail(&BailoutError{Kind: BailoutMalformed, BCI: in.BCI, Reason: "field operand", Err: err})
		return
	}
	ft, err := bytecode.ParseFieldType(ref.Desc)
	if err != nil {
		l.fail(&BailoutError{Kind: BailoutMalformed, BCI: in.BCI, Reason: "field descriptor", Err: err})
		return
	}
	ty := irType(ft.Kind)
	switch in.Op {
	case bytecode.Getstatic:
		l.push(l.emit(Inst{Op: OpLoadStatic, Type: ty, Sym: ref.Key()}))
	case bytecode.Putstatic:
		v := l.popType(ty)
		l.emit(Inst{Op: OpStoreStatic, Sym: ref.Key(), Args: []ValueID{v}})
	case bytecode.Getfield:
		obj := l.popType(TypeRef)
		l.checkNull(obj)
		l.push(l.emit(Inst{Op: OpLoadField, Type: ty, Sym: ref.Key(), Args: []ValueID{obj}}))
	case bytecode.Putfield:
		v := l.popType(ty)
		obj := l.popType(TypeRef)
		l.checkNull(obj)
		l.emit(Inst{Op: OpStoreField, Sym: ref.Key(), Args: []ValueID{obj, v}})
	}
}
