package bytecode

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/pkg/errors"
)

// Assembler builds a Method from symbolic instructions. Branches and
// exception ranges refer to labels that are resolved by Build.
type Assembler struct {
	class, name, desc string
	static            bool
	maxLocals         int
	maxStack          int

	code    []byte
	pool    *ConstantPool
	poolIdx map[string]int
	labels  map[string]int
	fixups  []fixup
	tries   []tryEntry
	classes map[string]*ClassRef
	err     error
}

type fixup struct {
	at, base int
	wide     bool
	label    string
}

type tryEntry struct {
	start, end, handler string
	catchType           string
	finally             bool
}

// NewAssembler starts a method body.
func NewAssembler(class, name, desc string, static bool) *Assembler {
	return &Assembler{
		class:   class,
		name:    name,
		desc:    desc,
		static:  static,
		pool:    NewConstantPool(),
		poolIdx: make(map[string]int),
		labels:  make(map[string]int),
		classes: make(map[string]*ClassRef),
	}
}

// Err returns the first error recorded while assembling.
func (a *Assembler) Err() error { return a.err }

func (a *Assembler) fail(err error) *Assembler {
	if a.err == nil {
		a.err = err
	}
	return a
}

// Pos is the bci the next instruction will occupy.
func (a *Assembler) Pos() int { return len(a.code) }

// Locals sets max_locals. By default it is derived from the descriptor and
// the highest local index used.
func (a *Assembler) Locals(n int) *Assembler {
	if n > a.maxLocals {
		a.maxLocals = n
	}
	return a
}

// Stack sets max_stack; it is informational only.
func (a *Assembler) Stack(n int) *Assembler {
	a.maxStack = n
	return a
}

// DeclareClass registers a class layout. Fields without an owner belong to
// ref.Name; inherited fields of a previously declared superclass are
// prepended.
func (a *Assembler) DeclareClass(ref ClassRef) *ClassRef {
	out := &ClassRef{Name: ref.Name, Super: ref.Super, Interfaces: append([]string(nil), ref.Interfaces...)}
	if super, ok := a.classes[ref.Super]; ok {
		out.Fields = append(out.Fields, super.Fields...)
	}
	for _, f := range ref.Fields {
		if f.Owner == "" {
			f.Owner = ref.Name
		}
		out.Fields = append(out.Fields, f)
	}
	a.classes[ref.Name] = out
	return out
}

func (a *Assembler) classRef(name string) *ClassRef {
	if c, ok := a.classes[name]; ok {
		return c
	}
	c := &ClassRef{Name: name}
	a.classes[name] = c
	return c
}

func (a *Assembler) constant(key string, c Constant) int {
	if idx, ok := a.poolIdx[key]; ok {
		return idx
	}
	idx := a.pool.Add(c)
	a.poolIdx[key] = idx
	return idx
}

// ClassIndex interns a class constant.
func (a *Assembler) ClassIndex(name string) int {
	return a.constant("C:"+name, Constant{Tag: ConstClass, Class: a.classRef(name)})
}

// MethodIndex interns a method constant.
func (a *Assembler) MethodIndex(owner, name, desc string, iface bool) int {
	ref := &MethodRef{Owner: owner, Name: name, Desc: desc, Interface: iface}
	return a.constant("M:"+ref.Key(), Constant{Tag: ConstMethod, Method: ref})
}

// FieldIndex interns a field constant. A reference through a subclass of a
// declared class resolves to the declaring owner.
func (a *Assembler) FieldIndex(owner, name, desc string) int {
	if c, ok := a.classes[owner]; ok {
		for _, f := range c.Fields {
			if f.Name == name {
				owner = f.Owner
				break
			}
		}
	}
	ref := &FieldRef{Owner: owner, Name: name, Desc: desc}
	return a.constant("F:"+ref.Key(), Constant{Tag: ConstField, Field: ref})
}

func (a *Assembler) emit(b ...byte) { a.code = append(a.code, b...) }

func (a *Assembler) emitU2(v int) {
	a.code = binary.BigEndian.AppendUint16(a.code, uint16(v))
}

func (a *Assembler) emitU4(v int32) {
	a.code = binary.BigEndian.AppendUint32(a.code, uint32(v))
}

func (a *Assembler) useLocal(idx int, wide bool) {
	n := idx + 1
	if wide {
		n++
	}
	a.Locals(n)
}

// Label binds name to the current position.
func (a *Assembler) Label(name string) *Assembler {
	if _, ok := a.labels[name]; ok {
		return a.fail(errors.Errorf("label %q defined twice", name))
	}
	a.labels[name] = len(a.code)
	return a
}

// Op emits an instruction without operands.
func (a *Assembler) Op(op Opcode) *Assembler {
	info := opTable[op]
	if info == nil {
		return a.fail(errors.Wrapf(ErrUnknownOpcode, "0x%02x", byte(op)))
	}
	if info.operand != operandNone {
		return a.fail(errors.Errorf("%s takes operands", op))
	}
	a.emit(byte(op))
	switch {
	case op >= Iload0 && op <= Aload3:
		n := int(op - Iload0)
		a.useLocal(n%4, n/4 == 1 || n/4 == 3)
	case op >= Istore0 && op <= Astore3:
		n := int(op - Istore0)
		a.useLocal(n%4, n/4 == 1 || n/4 == 3)
	}
	return a
}

// Ops emits a sequence of operand-less instructions.
func (a *Assembler) Ops(ops ...Opcode) *Assembler {
	for _, op := range ops {
		a.Op(op)
	}
	return a
}

// Int emits bipush, sipush or newarray with an immediate operand.
func (a *Assembler) Int(op Opcode, v int) *Assembler {
	switch op {
	case Bipush:
		if v < math.MinInt8 || v > math.MaxInt8 {
			return a.fail(errors.Errorf("bipush operand %d out of range", v))
		}
		a.emit(byte(op), byte(int8(v)))
	case Sipush:
		if v < math.MinInt16 || v > math.MaxInt16 {
			return a.fail(errors.Errorf("sipush operand %d out of range", v))
		}
		a.emit(byte(op))
		a.emitU2(int(int16(v)))
	case Newarray:
		if _, ok := KindForTag(v); !ok {
			return a.fail(errors.Errorf("bad newarray tag %d", v))
		}
		a.emit(byte(op), byte(v))
	default:
		return a.fail(errors.Errorf("%s does not take an immediate", op))
	}
	return a
}

// PushInt emits the shortest instruction that pushes v.
func (a *Assembler) PushInt(v int32) *Assembler {
	switch {
	case v >= -1 && v <= 5:
		return a.Op(IconstM1 + Opcode(v+1))
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return a.Int(Bipush, int(v))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		return a.Int(Sipush, int(v))
	}
	return a.LdcInt(v)
}

// Local emits a load, store or ret with an explicit index, widening when
// the index does not fit in a byte.
func (a *Assembler) Local(op Opcode, idx int) *Assembler {
	if !(op >= Iload && op <= Aload) && !(op >= Istore && op <= Astore) && op != Ret {
		return a.fail(errors.Errorf("%s does not take a local index", op))
	}
	wide := op == Lload || op == Dload || op == Lstore || op == Dstore
	a.useLocal(idx, wide)
	if idx > math.MaxUint8 {
		a.emit(byte(Wide), byte(op))
		a.emitU2(idx)
		return a
	}
	a.emit(byte(op), byte(idx))
	return a
}

// Iinc emits iinc, widened when needed.
func (a *Assembler) Iinc(idx int, delta int) *Assembler {
	a.useLocal(idx, false)
	if idx > math.MaxUint8 || delta < math.MinInt8 || delta > math.MaxInt8 {
		a.emit(byte(Wide), byte(Iinc))
		a.emitU2(idx)
		a.emitU2(int(int16(delta)))
		return a
	}
	a.emit(byte(Iinc), byte(idx), byte(int8(delta)))
	return a
}

// Branch emits a branch to label.
func (a *Assembler) Branch(op Opcode, label string) *Assembler {
	info := opTable[op]
	if info == nil || (info.operand != operandBranch2 && info.operand != operandBranch4) {
		return a.fail(errors.Errorf("%s is not a branch", op))
	}
	base := len(a.code)
	a.emit(byte(op))
	wide := info.operand == operandBranch4
	a.fixups = append(a.fixups, fixup{at: len(a.code), base: base, wide: wide, label: label})
	if wide {
		a.emitU4(0)
	} else {
		a.emitU2(0)
	}
	return a
}

func (a *Assembler) pad() {
	for len(a.code)%4 != 0 {
		a.emit(0)
	}
}

func (a *Assembler) switchTarget(base int, label string) {
	a.fixups = append(a.fixups, fixup{at: len(a.code), base: base, wide: true, label: label})
	a.emitU4(0)
}

// TableSwitch emits a tableswitch whose cases start at low.
func (a *Assembler) TableSwitch(low int32, def string, labels ...string) *Assembler {
	if len(labels) == 0 {
		return a.fail(errors.New("tableswitch without cases"))
	}
	base := len(a.code)
	a.emit(byte(Tableswitch))
	a.pad()
	a.switchTarget(base, def)
	a.emitU4(low)
	a.emitU4(low + int32(len(labels)) - 1)
	for _, l := range labels {
		a.switchTarget(base, l)
	}
	return a
}

// LookupSwitch emits a lookupswitch; keys must be sorted ascending.
func (a *Assembler) LookupSwitch(def string, keys []int32, labels []string) *Assembler {
	if len(keys) != len(labels) {
		return a.fail(errors.New("lookupswitch keys and labels differ in length"))
	}
	base := len(a.code)
	a.emit(byte(Lookupswitch))
	a.pad()
	a.switchTarget(base, def)
	a.emitU4(int32(len(keys)))
	for i, k := range keys {
		if i > 0 && k <= keys[i-1] {
			return a.fail(errors.New("lookupswitch keys must be ascending"))
		}
		a.emitU4(k)
		a.switchTarget(base, labels[i])
	}
	return a
}

// Invoke emits one of the invoke opcodes.
func (a *Assembler) Invoke(op Opcode, owner, name, desc string) *Assembler {
	switch op {
	case Invokevirtual, Invokespecial, Invokestatic:
		a.emit(byte(op))
		a.emitU2(a.MethodIndex(owner, name, desc, false))
	case Invokeinterface:
		mt, err := ParseMethodType(desc)
		if err != nil {
			return a.fail(err)
		}
		a.emit(byte(op))
		a.emitU2(a.MethodIndex(owner, name, desc, true))
		a.emit(byte(mt.ArgSlots()+1), 0)
	case Invokedynamic:
		a.emit(byte(op))
		a.emitU2(a.MethodIndex(owner, name, desc, false))
		a.emit(0, 0)
	default:
		return a.fail(errors.Errorf("%s is not an invoke", op))
	}
	return a
}

// Field emits getfield, putfield, getstatic or putstatic.
func (a *Assembler) Field(op Opcode, owner, name, desc string) *Assembler {
	if op < Getstatic || op > Putfield {
		return a.fail(errors.Errorf("%s is not a field access", op))
	}
	a.emit(byte(op))
	a.emitU2(a.FieldIndex(owner, name, desc))
	return a
}

// Class emits new, anewarray, checkcast or instanceof.
func (a *Assembler) Class(op Opcode, name string) *Assembler {
	switch op {
	case New, Anewarray, Checkcast, Instanceof:
	default:
		return a.fail(errors.Errorf("%s does not take a class", op))
	}
	a.emit(byte(op))
	a.emitU2(a.ClassIndex(name))
	return a
}

// MultiANewArray emits multianewarray for the array descriptor desc.
func (a *Assembler) MultiANewArray(desc string, dims int) *Assembler {
	t, err := ParseFieldType(desc)
	if err != nil {
		return a.fail(err)
	}
	if dims < 1 || dims > t.ArrayDims() || dims > math.MaxUint8 {
		return a.fail(errors.Errorf("multianewarray %s with %d dimensions", desc, dims))
	}
	a.emit(byte(Multianewarray))
	a.emitU2(a.ClassIndex(desc))
	a.emit(byte(dims))
	return a
}

func (a *Assembler) ldc(idx int, wide bool) *Assembler {
	switch {
	case wide:
		a.emit(byte(Ldc2W))
		a.emitU2(idx)
	case idx <= math.MaxUint8:
		a.emit(byte(Ldc), byte(idx))
	default:
		a.emit(byte(LdcW))
		a.emitU2(idx)
	}
	return a
}

// LdcInt pushes an int constant from the pool.
func (a *Assembler) LdcInt(v int32) *Assembler {
	return a.ldc(a.constant("I:"+strconv.FormatInt(int64(v), 10), Constant{Tag: ConstInt, Int: int64(v)}), false)
}

// LdcLong pushes a long constant from the pool.
func (a *Assembler) LdcLong(v int64) *Assembler {
	return a.ldc(a.constant("J:"+strconv.FormatInt(v, 10), Constant{Tag: ConstLong, Int: v}), true)
}

// LdcFloat pushes a float constant from the pool.
func (a *Assembler) LdcFloat(v float32) *Assembler {
	bits := int64(math.Float32bits(v))
	return a.ldc(a.constant("F:"+strconv.FormatInt(bits, 10), Constant{Tag: ConstFloat, Float: float64(v)}), false)
}

// LdcDouble pushes a double constant from the pool.
func (a *Assembler) LdcDouble(v float64) *Assembler {
	bits := int64(math.Float64bits(v))
	return a.ldc(a.constant("D:"+strconv.FormatInt(bits, 10), Constant{Tag: ConstDouble, Float: v}), true)
}

// LdcString pushes a string constant from the pool.
func (a *Assembler) LdcString(s string) *Assembler {
	return a.ldc(a.constant("S:"+s, Constant{Tag: ConstString, String: s}), false)
}

// Try adds a catch entry for [start, end) handled at handler. An empty
// catchType catches any throwable.
func (a *Assembler) Try(start, end, handler, catchType string) *Assembler {
	a.tries = append(a.tries, tryEntry{start: start, end: end, handler: handler, catchType: catchType})
	return a
}

// Finally adds a cleanup entry for [start, end) whose code starts at handler
// and ends in endfinally.
func (a *Assembler) Finally(start, end, handler string) *Assembler {
	a.tries = append(a.tries, tryEntry{start: start, end: end, handler: handler, finally: true})
	return a
}

func (a *Assembler) resolve(label string) (int, error) {
	pos, ok := a.labels[label]
	if !ok {
		return 0, errors.Wrapf(ErrUndefinedLabel, "%q", label)
	}
	return pos, nil
}

// Build resolves labels and returns the finished method.
func (a *Assembler) Build() (*Method, error) {
	if a.err != nil {
		return nil, a.err
	}
	mt, err := ParseMethodType(a.desc)
	if err != nil {
		return nil, err
	}
	args := mt.ArgSlots()
	if !a.static {
		args++
	}
	a.Locals(args)

	code := append([]byte(nil), a.code...)
	for _, f := range a.fixups {
		pos, err := a.resolve(f.label)
		if err != nil {
			return nil, err
		}
		rel := pos - f.base
		if f.wide {
			binary.BigEndian.PutUint32(code[f.at:], uint32(int32(rel)))
			continue
		}
		if rel < math.MinInt16 || rel > math.MaxInt16 {
			return nil, errors.Errorf("branch to %q out of range", f.label)
		}
		binary.BigEndian.PutUint16(code[f.at:], uint16(int16(rel)))
	}
	var table []ExceptionEntry
	for _, t := range a.tries {
		start, err := a.resolve(t.start)
		if err != nil {
			return nil, err
		}
		end, err := a.resolve(t.end)
		if err != nil {
			return nil, err
		}
		handler, err := a.resolve(t.handler)
		if err != nil {
			return nil, err
		}
		table = append(table, ExceptionEntry{
			StartBCI:   start,
			EndBCI:     end,
			HandlerBCI: handler,
			CatchType:  t.catchType,
			Finally:    t.finally,
		})
	}
	return &Method{
		Class:      a.class,
		Name:       a.name,
		Desc:       a.desc,
		Static:     a.static,
		MaxLocals:  a.maxLocals,
		MaxStack:   a.maxStack,
		Code:       code,
		Exceptions: table,
		Pool:       a.pool,
	}, nil
}
