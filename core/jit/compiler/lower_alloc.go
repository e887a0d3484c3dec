package compiler

import (
	"fmt"
	"strings"

	"github.com/vmjit/bcjit/core/jit/bytecode"
)

// lowerNew allocates an object and stores the zero value of every instance
// field of its class layout.
func (l *lowering) lowerNew(in *bytecode.Instruction) {
	cls, err := l.t.m.Pool.Class(in.Index)
	if err != nil {
		l.fail(&BailoutError{Kind: BailoutMalformed, BCI: in.BCI, Reason: "new operand", Err: err})
		return
	}
	if strings.HasPrefix(cls.Name, "[") {
		l.fail(malformed(in.BCI, "new of array class %s", cls.Name))
		return
	}
	obj := l.emit(Inst{Op: OpAllocObject, Type: TypeRef, Sym: cls.Name,
		Alloc: &AllocSite{Kind: AllocObject, Class: cls.Name, Length: NoValue}})
	l.nonNull[obj] = true
	for _, f := range cls.Fields {
		ft, err := bytecode.ParseFieldType(f.Desc)
		if err != nil {
			l.fail(&BailoutError{Kind: BailoutMalformed, BCI: in.BCI, Reason: "field " + f.Key(), Err: err})
			return
		}
		z := l.zero(irType(ft.Kind))
		l.emit(Inst{Op: OpStoreField, Sym: f.Key(), Args: []ValueID{obj, z}})
	}
	l.push(obj)
}

func (l *lowering) lowerNewArray(in *bytecode.Instruction) {
	kind, ok := bytecode.KindForTag(int(in.Imm))
	if !ok {
		l.fail(malformed(in.BCI, "newarray with bad type tag %d", in.Imm))
		return
	}
	length := l.popType(TypeI32)
	l.checkNonNeg(length)
	l.push(l.allocArray("["+kind.Descriptor(), length))
}

func (l *lowering) lowerANewArray(in *bytecode.Instruction) {
	cls, err := l.t.m.Pool.Class(in.Index)
	if err != nil {
		l.fail(&BailoutError{Kind: BailoutMalformed, BCI: in.BCI, Reason: "anewarray operand", Err: err})
		return
	}
	length := l.popType(TypeI32)
	l.checkNonNeg(length)
	l.push(l.allocArray("["+classDescriptor(cls.Name), length))
}

// classDescriptor turns an internal class name into a field descriptor.
// Array class names already are descriptors.
func classDescriptor(name string) string {
	if strings.HasPrefix(name, "[") {
		return name
	}
	return "L" + name + ";"
}

func (l *lowering) checkNonNeg(length ValueID) {
	if c, ok := l.isConst(length); ok && c >= 0 && l.t.cfg.ElideConstantGuards {
		elidedGuardCounter.Inc(1)
		return
	}
	l.emit(Inst{Op: OpCheckNonNeg, Args: []ValueID{length}})
}

// allocArray emits one array Allocation Site of type desc and fills it with
// the element zero value. The length must already be guarded.
func (l *lowering) allocArray(desc string, length ValueID) ValueID {
	ft, err := bytecode.ParseFieldType(desc)
	if err == nil && ft.ArrayDims() == 0 {
		err = fmt.Errorf("%q is not an array type", desc)
	}
	var elem bytecode.FieldType
	if err == nil {
		elem, err = ft.ElementType()
	}
	if err != nil {
		l.fail(&BailoutError{Kind: BailoutMalformed, BCI: l.bci, Reason: "array type", Err: err})
		return l.zero(TypeRef)
	}
	site := &AllocSite{Kind: AllocPrimitiveArray, Class: desc, Elem: elem.Kind, Length: length}
	if elem.Kind == bytecode.KindReference {
		site.Kind = AllocObjectArray
		site.ElemClass = elem.Desc
	}
	arr := l.emit(Inst{Op: OpAllocArray, Type: TypeRef, Sym: desc, Args: []ValueID{length}, Alloc: site})
	l.nonNull[arr] = true
	z := l.zero(irType(elem.Kind))
	l.emit(Inst{Op: OpArrayFill, Imm: int64(elem.Kind), Args: []ValueID{arr, z}})
	return arr
}

// lowerMultiANewArray builds an n-dimensional array level by level. Every
// dimension is guarded before anything is allocated; each inner level is
// created by a counted loop over its parent.
func (l *lowering) lowerMultiANewArray(in *bytecode.Instruction) {
	cls, err := l.t.m.Pool.Class(in.Index)
	if err != nil {
		l.fail(&BailoutError{Kind: BailoutMalformed, BCI: in.BCI, Reason: "multianewarray operand", Err: err})
		return
	}
	dims := int(in.Imm)
	ft, err := bytecode.ParseFieldType(cls.Name)
	if err != nil || dims < 1 || dims > ft.ArrayDims() {
		l.fail(malformed(in.BCI, "multianewarray %s with %d dimensions", cls.Name, dims))
		return
	}
	lengths := make([]ValueID, dims)
	for i := dims - 1; i >= 0; i-- {
		lengths[i] = l.popType(TypeI32)
	}
	if l.t.err != nil {
		return
	}
	for _, n := range lengths {
		l.checkNonNeg(n)
	}
	if dims == 1 {
		l.push(l.allocArray(cls.Name, lengths[0]))
		return
	}

	em := l.t.em
	m := &marray{bci: in.BCI, desc: cls.Name}
	for i, n := range lengths {
		m.lens = append(m.lens, em.Temp(fmt.Sprintf("marr_%d_n%d", in.BCI, i)))
		m.arrs = append(m.arrs, em.Temp(fmt.Sprintf("marr_%d_a%d", in.BCI, i)))
		m.idxs = append(m.idxs, em.Temp(fmt.Sprintf("marr_%d_i%d", in.BCI, i)))
		l.emit(Inst{Op: OpStoreSlot, Slot: m.lens[i], Args: []ValueID{n}})
	}
	saved := l.stackTypes()
	l.spill()
	l.buildLevel(m, 0)
	result := l.emit(Inst{Op: OpLoadSlot, Type: TypeRef, Slot: m.arrs[0]})
	l.reload(saved)
	l.push(result)
}

type marray struct {
	bci              int
	desc             string
	lens, arrs, idxs []Slot
}

// buildLevel allocates the level-i array into its temporary. On return the
// current block is where control continues after the level is complete.
func (l *lowering) buildLevel(m *marray, level int) {
	em := l.t.em
	n := l.emit(Inst{Op: OpLoadSlot, Type: TypeI32, Slot: m.lens[level]})
	arr := l.allocArray(m.desc[level:], n)
	l.emit(Inst{Op: OpStoreSlot, Slot: m.arrs[level], Args: []ValueID{arr}})
	if level == len(m.lens)-1 {
		return
	}

	prefix := fmt.Sprintf("bci_%d_marr%d", m.bci, level)
	head := em.NewBlock(prefix+"_head", m.bci, BlockLoop)
	body := em.NewBlock(prefix+"_body", m.bci, BlockLoop)
	exit := em.NewBlock(prefix+"_exit", m.bci, BlockLoop)

	zero := l.constI32(0)
	l.emit(Inst{Op: OpStoreSlot, Slot: m.idxs[level], Args: []ValueID{zero}})
	l.jumpTo(head)

	i := l.emit(Inst{Op: OpLoadSlot, Type: TypeI32, Slot: m.idxs[level]})
	bound := l.emit(Inst{Op: OpLoadSlot, Type: TypeI32, Slot: m.lens[level]})
	more := l.emit(Inst{Op: OpICmp, Type: TypeI1, Imm: int64(PredLT), Args: []ValueID{i, bound}})
	em.SetTerm(l.cur, CondBrTerm(more, body, exit))
	l.cur = body

	l.buildLevel(m, level+1)
	parent := l.emit(Inst{Op: OpLoadSlot, Type: TypeRef, Slot: m.arrs[level]})
	i = l.emit(Inst{Op: OpLoadSlot, Type: TypeI32, Slot: m.idxs[level]})
	child := l.emit(Inst{Op: OpLoadSlot, Type: TypeRef, Slot: m.arrs[level+1]})
	l.emit(Inst{Op: OpStoreElem, Imm: int64(bytecode.KindReference), Args: []ValueID{parent, i, child}})
	one := l.constI32(1)
	next := l.emit(Inst{Op: OpAdd, Type: TypeI32, Args: []ValueID{i, one}})
	l.emit(Inst{Op: OpStoreSlot, Slot: m.idxs[level], Args: []ValueID{next}})
	l.jumpTo(head)
	l.cur = exit
}

// jumpTo ends the current IR block with a goto and continues in target.
func (l *lowering) jumpTo(target BlockID) {
	l.flushPending()
	l.t.em.SetTerm(l.cur, GotoTerm(target))
	l.cur = target
}
