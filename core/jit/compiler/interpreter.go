package compiler

import (
	"math"
	"strings"

	"github.com/pkg/errors"

	"github.com/vmjit/bcjit/core/jit/bytecode"
)

// Value is a runtime value of the IR interpreter. Integers of every width
// live in I, floating point values in F, references in Ref. Sym carries the
// class name of a load_klass result and the method key of a lookup result.
type Value struct {
	I   int64
	F   float64
	Ref *Object
	Sym string
}

func Int(v int32) Value       { return Value{I: int64(v)} }
func Long(v int64) Value      { return Value{I: v} }
func Float(v float32) Value   { return Value{F: float64(v)} }
func Double(v float64) Value  { return Value{F: v} }
func RefValue(o *Object) Value { return Value{Ref: o} }

// sparseThreshold is the array length above which elements are stored in a
// map so huge arrays cost memory only for the elements written.
const sparseThreshold = 1 << 16

// Object is a heap object or array.
type Object struct {
	Class  string
	Fields map[string]Value
	Str    string
	array  *arrayData
}

type arrayData struct {
	elem   bytecode.Kind
	length int32
	dense  []Value
	sparse map[int32]Value
	zero   Value
}

func newArray(class string, elem bytecode.Kind, n int32) *Object {
	a := &arrayData{elem: elem, length: n}
	if n <= sparseThreshold {
		a.dense = make([]Value, n)
	} else {
		a.sparse = make(map[int32]Value)
	}
	return &Object{Class: class, array: a}
}

// IsArray reports whether o is an array.
func (o *Object) IsArray() bool { return o.array != nil }

// Len returns the array length.
func (o *Object) Len() int32 { return o.array.length }

// ElemKind returns the array element kind.
func (o *Object) ElemKind() bytecode.Kind { return o.array.elem }

// Elem returns element i.
func (o *Object) Elem(i int32) Value {
	a := o.array
	if a.dense != nil {
		return a.dense[i]
	}
	if v, ok := a.sparse[i]; ok {
		return v
	}
	return a.zero
}

// SetElem stores element i.
func (o *Object) SetElem(i int32, v Value) {
	if o.array.dense != nil {
		o.array.dense[i] = v
		return
	}
	o.array.sparse[i] = v
}

func (o *Object) fill(zero Value) {
	a := o.array
	a.zero = zero
	for i := range a.dense {
		a.dense[i] = zero
	}
	for k := range a.sparse {
		delete(a.sparse, k)
	}
}

// Throw is a Java exception leaving a method.
type Throw struct {
	Obj *Object
}

func (t *Throw) Error() string { return "uncaught " + t.Obj.Class }

// Interpreter executes frozen modules against an Env. It is not safe for
// concurrent use.
type Interpreter struct {
	env         *Env
	depth       int
	tracer      func(*Inst)
	blockTracer func(*Block)
}

var (
	globalTracer      func(*Inst)
	globalBlockTracer func(*Block)
)

// SetGlobalTracer sets tracers that new interpreters inherit.
func SetGlobalTracer(inst func(*Inst), block func(*Block)) {
	globalTracer, globalBlockTracer = inst, block
}

// NewInterpreter creates an interpreter over env.
func NewInterpreter(env *Env) *Interpreter {
	return &Interpreter{env: env, tracer: globalTracer, blockTracer: globalBlockTracer}
}

// SetTracer sets a per-instruction callback.
func (it *Interpreter) SetTracer(cb func(*Inst)) { it.tracer = cb }

// SetBlockTracer sets a callback invoked on entry to every block.
func (it *Interpreter) SetBlockTracer(cb func(*Block)) { it.blockTracer = cb }

// Env returns the execution environment.
func (it *Interpreter) Env() *Env { return it.env }

// Invoke calls the method with the given key.
func (it *Interpreter) Invoke(key string, args ...Value) (Value, error) {
	if it.depth >= it.env.MaxDepth {
		return Value{}, it.env.Throwable(classStackOverflow)
	}
	it.depth++
	defer func() { it.depth-- }()

	if fn, ok := it.env.natives[key]; ok {
		return fn(it, args)
	}
	mod, err := it.env.module(key)
	if err != nil {
		return Value{}, err
	}
	if mod == nil {
		if strings.Contains(key, ".<init>:") {
			return Value{}, nil
		}
		return Value{}, errors.Errorf("no method %s", key)
	}
	return it.run(mod, args)
}

// Run executes mod with args.
func (it *Interpreter) Run(mod *Module, args ...Value) (Value, error) {
	if !mod.Frozen() {
		return Value{}, errors.Errorf("module %s is not frozen", mod.Method)
	}
	return it.run(mod, args)
}

type frame struct {
	it       *Interpreter
	mod      *Module
	args     []Value
	locals   []Value
	stack    []Value
	temps    []Value
	vals     []Value
	inflight *Object
}

func (f *frame) val(v ValueID) Value { return f.vals[v] }

func (f *frame) set(in *Inst, v Value) { f.vals[in.ID] = v }

func (f *frame) slot(s Slot) *Value {
	var area *[]Value
	switch s.Space {
	case SlotLocal:
		area = &f.locals
	case SlotStack:
		area = &f.stack
	default:
		area = &f.temps
	}
	for s.Index >= len(*area) {
		*area = append(*area, Value{})
	}
	return &(*area)[s.Index]
}

func (f *frame) throw(class string) error { return f.it.env.Throwable(class) }

func (it *Interpreter) run(mod *Module, args []Value) (Value, error) {
	if len(args) != len(mod.Params) {
		return Value{}, errors.Errorf("%s takes %d arguments, have %d", mod.Method, len(mod.Params), len(args))
	}
	f := &frame{
		it:     it,
		mod:    mod,
		args:   args,
		locals: make([]Value, mod.NumLocals),
		stack:  make([]Value, mod.NumStack),
		temps:  make([]Value, len(mod.Temps)),
		vals:   make([]Value, len(mod.Insts)),
	}
	cur := mod.Entry
	for {
		b := mod.Blocks[cur]
		if it.blockTracer != nil {
			it.blockTracer(b)
		}
		next, done, ret, err := it.execBlock(f, b)
		if err != nil || done {
			return ret, err
		}
		cur = next
	}
}

// execBlock runs one block and returns its successor, or done with the
// method result.
func (it *Interpreter) execBlock(f *frame, b *Block) (next BlockID, done bool, ret Value, err error) {
	for _, id := range b.Insts {
		in := f.mod.Insts[id]
		if it.tracer != nil {
			it.tracer(in)
		}
		h := irHandlers[in.Op]
		if h == nil {
			return NoBlock, true, Value{}, errors.Errorf("no handler for %s", in.Op)
		}
		if err := h(f, in); err != nil {
			var thr *Throw
			if !errors.As(err, &thr) {
				return NoBlock, true, Value{}, err
			}
			// Faults only unwind locally from the last instruction of a
			// may-unwind block; anything else completes the method abruptly.
			if id == b.Last() && b.Term.Kind == TermMayUnwind && b.Term.Unwind != NoBlock {
				f.inflight = thr.Obj
				return b.Term.Unwind, false, Value{}, nil
			}
			return NoBlock, true, Value{}, thr
		}
	}
	t := &b.Term
	switch t.Kind {
	case TermGoto, TermFallthrough, TermMayUnwind:
		return t.Target, false, Value{}, nil
	case TermCondBr:
		if f.val(t.Value).I != 0 {
			return t.Target, false, Value{}, nil
		}
		return t.Else, false, Value{}, nil
	case TermSwitch:
		k := int64(int32(f.val(t.Value).I))
		for _, c := range t.Cases {
			if c.Key == k {
				return c.Target, false, Value{}, nil
			}
		}
		if t.Target == NoBlock {
			return NoBlock, true, Value{}, errors.Errorf("%s: switch in %s has no case %d", f.mod.Method, b.Label, k)
		}
		return t.Target, false, Value{}, nil
	case TermReturn:
		if t.Value == NoValue {
			return NoBlock, true, Value{}, nil
		}
		return NoBlock, true, f.val(t.Value), nil
	case TermThrow:
		obj := f.val(t.Value).Ref
		if obj == nil {
			obj = f.it.env.Throwable(classNullPointer).Obj
		}
		if t.Unwind != NoBlock {
			f.inflight = obj
			return t.Unwind, false, Value{}, nil
		}
		return NoBlock, true, Value{}, &Throw{Obj: obj}
	case TermResume:
		return NoBlock, true, Value{}, &Throw{Obj: f.val(t.Value).Ref}
	}
	return NoBlock, true, Value{}, errors.Errorf("%s: block %s reached %s", f.mod.Method, b.Label, b.Term.kindName())
}

func (t *Terminator) kindName() string {
	if t.Kind == TermUnreachable {
		return "unreachable"
	}
	return "no terminator"
}

var irHandlers [numOps]func(*frame, *Inst) error

func init() {
	irHandlers[OpParam] = func(f *frame, in *Inst) error { f.set(in, f.args[in.Imm]); return nil }
	irHandlers[OpConst] = func(f *frame, in *Inst) error { f.set(in, Value{I: in.Imm, F: in.FImm}); return nil }
	irHandlers[OpConstNull] = func(f *frame, in *Inst) error { f.set(in, Value{}); return nil }
	irHandlers[OpConstString] = func(f *frame, in *Inst) error {
		f.set(in, RefValue(f.it.env.String(in.Sym)))
		return nil
	}
	irHandlers[OpLoadSlot] = func(f *frame, in *Inst) error { f.set(in, *f.slot(in.Slot)); return nil }
	irHandlers[OpStoreSlot] = func(f *frame, in *Inst) error { *f.slot(in.Slot) = f.val(in.Args[0]); return nil }

	for _, op := range []Op{OpAdd, OpSub, OpMul, OpDiv, OpRem, OpShl, OpShr, OpUShr, OpAnd, OpOr, OpXor} {
		irHandlers[op] = handleBinary
	}
	irHandlers[OpNeg] = handleNeg
	for _, op := range []Op{OpSExt, OpTrunc, OpI2B, OpI2C, OpI2S, OpIToF, OpFToI, OpFExt, OpFTrunc} {
		irHandlers[op] = handleConvert
	}
	irHandlers[OpCmp] = func(f *frame, in *Inst) error {
		a, b := f.val(in.Args[0]).I, f.val(in.Args[1]).I
		f.set(in, Value{I: int64(three(a < b, a > b))})
		return nil
	}
	irHandlers[OpFCmp] = func(f *frame, in *Inst) error {
		a, b := f.val(in.Args[0]).F, f.val(in.Args[1]).F
		if math.IsNaN(a) || math.IsNaN(b) {
			f.set(in, Value{I: in.Imm})
			return nil
		}
		f.set(in, Value{I: int64(three(a < b, a > b))})
		return nil
	}
	irHandlers[OpICmp] = handleICmp

	irHandlers[OpCheckNull] = func(f *frame, in *Inst) error {
		if f.val(in.Args[0]).Ref == nil {
			return f.throw(classNullPointer)
		}
		return nil
	}
	irHandlers[OpCheckBounds] = func(f *frame, in *Inst) error {
		arr, i := f.val(in.Args[0]).Ref, f.val(in.Args[1]).I
		if i < 0 || i >= int64(arr.Len()) {
			return f.throw(classIndexOutOfBounds)
		}
		return nil
	}
	irHandlers[OpCheckDivZero] = func(f *frame, in *Inst) error {
		if f.val(in.Args[0]).I == 0 {
			return f.throw(classArithmetic)
		}
		return nil
	}
	irHandlers[OpCheckNonNeg] = func(f *frame, in *Inst) error {
		if int32(f.val(in.Args[0]).I) < 0 {
			return f.throw(classNegativeArraySize)
		}
		return nil
	}
	irHandlers[OpCheckCast] = func(f *frame, in *Inst) error {
		obj := f.val(in.Args[0]).Ref
		if obj != nil && !f.it.env.IsInstance(obj, in.Sym) {
			return f.throw(classClassCast)
		}
		return nil
	}
	irHandlers[OpInstanceOf] = func(f *frame, in *Inst) error {
		obj := f.val(in.Args[0]).Ref
		f.set(in, Value{I: int64(bool2int(obj != nil && f.it.env.IsInstance(obj, in.Sym)))})
		return nil
	}

	irHandlers[OpAllocObject] = func(f *frame, in *Inst) error {
		f.set(in, RefValue(&Object{Class: in.Alloc.Class, Fields: make(map[string]Value)}))
		return nil
	}
	irHandlers[OpAllocArray] = func(f *frame, in *Inst) error {
		n := int32(f.val(in.Args[0]).I)
		if n < 0 {
			return errors.Errorf("%s: unguarded negative array length %d", f.mod.Method, n)
		}
		f.set(in, RefValue(newArray(in.Alloc.Class, in.Alloc.Elem, n)))
		return nil
	}
	irHandlers[OpArrayFill] = func(f *frame, in *Inst) error {
		f.val(in.Args[0]).Ref.fill(f.val(in.Args[1]))
		return nil
	}
	irHandlers[OpArrayLength] = func(f *frame, in *Inst) error {
		f.set(in, Int(f.val(in.Args[0]).Ref.Len()))
		return nil
	}
	irHandlers[OpLoadElem] = func(f *frame, in *Inst) error {
		arr, i := f.val(in.Args[0]).Ref, int32(f.val(in.Args[1]).I)
		f.set(in, arr.Elem(i))
		return nil
	}
	irHandlers[OpStoreElem] = func(f *frame, in *Inst) error {
		arr, i, v := f.val(in.Args[0]).Ref, int32(f.val(in.Args[1]).I), f.val(in.Args[2])
		arr.SetElem(i, narrow(bytecode.Kind(in.Imm), v))
		return nil
	}
	irHandlers[OpLoadField] = func(f *frame, in *Inst) error {
		f.set(in, f.val(in.Args[0]).Ref.Fields[in.Sym])
		return nil
	}
	irHandlers[OpStoreField] = func(f *frame, in *Inst) error {
		obj := f.val(in.Args[0]).Ref
		if obj.Fields == nil {
			obj.Fields = make(map[string]Value)
		}
		obj.Fields[in.Sym] = f.val(in.Args[1])
		return nil
	}
	irHandlers[OpLoadStatic] = func(f *frame, in *Inst) error {
		f.set(in, f.it.env.Statics[in.Sym])
		return nil
	}
	irHandlers[OpStoreStatic] = func(f *frame, in *Inst) error {
		f.it.env.Statics[in.Sym] = f.val(in.Args[0])
		return nil
	}

	irHandlers[OpLoadKlass] = func(f *frame, in *Inst) error {
		f.set(in, Value{Sym: f.val(in.Args[0]).Ref.Class})
		return nil
	}
	irHandlers[OpLookupVirtual] = handleLookup
	irHandlers[OpLookupInterface] = handleLookup
	irHandlers[OpCall] = handleCall

	irHandlers[OpLandingpad] = func(f *frame, in *Inst) error {
		if f.inflight == nil {
			return errors.Errorf("%s: landingpad entered without an exception", f.mod.Method)
		}
		return nil
	}
	irHandlers[OpException] = func(f *frame, in *Inst) error {
		f.set(in, RefValue(f.inflight))
		return nil
	}
}

func three(lt, gt bool) int {
	switch {
	case lt:
		return -1
	case gt:
		return 1
	}
	return 0
}

func bool2int(b bool) int {
	if b {
		return 1
	}
	return 0
}

// narrow applies the store conversion of sub-int array elements.
func narrow(k bytecode.Kind, v Value) Value {
	switch k {
	case bytecode.KindByte, bytecode.KindBoolean:
		v.I = int64(int8(v.I))
	case bytecode.KindChar:
		v.I = int64(uint16(v.I))
	case bytecode.KindShort:
		v.I = int64(int16(v.I))
	}
	return v
}

func handleBinary(f *frame, in *Inst) error {
	a, b := f.val(in.Args[0]), f.val(in.Args[1])
	switch in.Type {
	case TypeI32:
		x, y := int32(a.I), int32(b.I)
		var r int32
		switch in.Op {
		case OpAdd:
			r = x + y
		case OpSub:
			r = x - y
		case OpMul:
			r = x * y
		case OpDiv:
			if y == 0 {
				return f.throw(classArithmetic)
			}
			r = x / y
		case OpRem:
			if y == 0 {
				return f.throw(classArithmetic)
			}
			r = x % y
		case OpShl:
			r = x << (uint32(y) & 31)
		case OpShr:
			r = x >> (uint32(y) & 31)
		case OpUShr:
			r = int32(uint32(x) >> (uint32(y) & 31))
		case OpAnd:
			r = x & y
		case OpOr:
			r = x | y
		case OpXor:
			r = x ^ y
		}
		f.set(in, Int(r))
	case TypeI64:
		x, y := a.I, b.I
		var r int64
		switch in.Op {
		case OpAdd:
			r = x + y
		case OpSub:
			r = x - y
		case OpMul:
			r = x * y
		case OpDiv:
			if y == 0 {
				return f.throw(classArithmetic)
			}
			r = x / y
		case OpRem:
			if y == 0 {
				return f.throw(classArithmetic)
			}
			r = x % y
		case OpShl:
			r = x << (uint64(y) & 63)
		case OpShr:
			r = x >> (uint64(y) & 63)
		case OpUShr:
			r = int64(uint64(x) >> (uint64(y) & 63))
		case OpAnd:
			r = x & y
		case OpOr:
			r = x | y
		case OpXor:
			r = x ^ y
		}
		f.set(in, Long(r))
	case TypeF32, TypeF64:
		x, y := a.F, b.F
		var r float64
		switch in.Op {
		case OpAdd:
			r = x + y
		case OpSub:
			r = x - y
		case OpMul:
			r = x * y
		case OpDiv:
			r = x / y
		case OpRem:
			r = math.Mod(x, y)
		default:
			return errors.Errorf("%s on %s", in.Op, in.Type)
		}
		if in.Type == TypeF32 {
			r = float64(float32(r))
		}
		f.set(in, Double(r))
	default:
		return errors.Errorf("%s on %s", in.Op, in.Type)
	}
	return nil
}

func handleNeg(f *frame, in *Inst) error {
	a := f.val(in.Args[0])
	switch in.Type {
	case TypeI32:
		f.set(in, Int(-int32(a.I)))
	case TypeI64:
		f.set(in, Long(-a.I))
	default:
		f.set(in, Double(-a.F))
	}
	return nil
}

func handleConvert(f *frame, in *Inst) error {
	a := f.val(in.Args[0])
	switch in.Op {
	case OpSExt, OpTrunc:
		f.set(in, Long(int64(int32(a.I))))
	case OpI2B:
		f.set(in, Long(int64(int8(a.I))))
	case OpI2C:
		f.set(in, Long(int64(uint16(a.I))))
	case OpI2S:
		f.set(in, Long(int64(int16(a.I))))
	case OpIToF:
		r := float64(a.I)
		if in.Type == TypeF32 {
			r = float64(float32(a.I))
		}
		f.set(in, Double(r))
	case OpFToI:
		f.set(in, Long(saturate(a.F, in.Type == TypeI64)))
	case OpFExt:
		f.set(in, Double(a.F))
	case OpFTrunc:
		f.set(in, Double(float64(float32(a.F))))
	}
	return nil
}

// saturate converts like the JVM: NaN becomes zero and out-of-range values
// clamp to the target's bounds.
func saturate(x float64, wide bool) int64 {
	lo, hi := float64(math.MinInt32), float64(math.MaxInt32)
	if wide {
		lo, hi = float64(math.MinInt64), float64(math.MaxInt64)
	}
	switch {
	case math.IsNaN(x):
		return 0
	case x <= lo:
		if wide {
			return math.MinInt64
		}
		return math.MinInt32
	case x >= hi:
		if wide {
			return math.MaxInt64
		}
		return math.MaxInt32
	}
	return int64(x)
}

func handleICmp(f *frame, in *Inst) error {
	a, b := f.val(in.Args[0]), f.val(in.Args[1])
	var c int
	if f.mod.Insts[in.Args[0]].Type == TypeRef {
		if a.Ref != b.Ref {
			c = 1
		}
		switch Pred(in.Imm) {
		case PredEQ:
			f.set(in, Value{I: int64(bool2int(c == 0))})
		case PredNE:
			f.set(in, Value{I: int64(bool2int(c != 0))})
		default:
			return errors.Errorf("ordered compare of references")
		}
		return nil
	}
	c = three(a.I < b.I, a.I > b.I)
	var r bool
	switch Pred(in.Imm) {
	case PredEQ:
		r = c == 0
	case PredNE:
		r = c != 0
	case PredLT:
		r = c < 0
	case PredGE:
		r = c >= 0
	case PredGT:
		r = c > 0
	case PredLE:
		r = c <= 0
	}
	f.set(in, Value{I: int64(bool2int(r))})
	return nil
}

func handleLookup(f *frame, in *Inst) error {
	class := f.val(in.Args[0]).Sym
	_, selector, ok := strings.Cut(in.Sym, ".")
	if !ok {
		return errors.Errorf("bad method symbol %q", in.Sym)
	}
	key, found := f.it.env.Resolve(class, selector)
	if !found {
		if in.Op == OpLookupInterface && !f.it.env.IsSubclass(class, strings.SplitN(in.Sym, ".", 2)[0]) {
			return f.throw(classIncompatibleClassChange)
		}
		return f.throw(classAbstractMethod)
	}
	f.set(in, Value{Sym: key})
	return nil
}

func handleCall(f *frame, in *Inst) error {
	c := in.Call
	key := in.Sym
	if !c.Dispatch.Bound() {
		key = f.val(c.Slot).Sym
	}
	args := make([]Value, 0, len(c.Args)+1)
	if c.Receiver != NoValue {
		args = append(args, f.val(c.Receiver))
	}
	for _, a := range c.Args {
		args = append(args, f.val(a))
	}
	v, err := f.it.Invoke(key, args...)
	if err != nil {
		return err
	}
	if in.HasResult() {
		f.set(in, v)
	}
	return nil
}
