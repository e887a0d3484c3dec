package compiler

import (
	"github.com/vmjit/bcjit/core/jit/bytecode"
)

// lowerInvoke lowers the four invoke forms. Static and special calls bind
// their callee directly; virtual and interface calls look the callee up on
// the receiver's class first. Every call may unwind.
func (l *lowering) lowerInvoke(in *bytecode.Instruction) {
	if in.Op == bytecode.Invokedynamic {
		l.fail(unsupported(in.BCI, "invokedynamic"))
		return
	}
	ref, err := l.t.m.Pool.Method(in.Index)
	if err != nil {
		l.fail(&BailoutError{Kind: BailoutMalformed, BCI: in.BCI, Reason: "invoke operand", Err: err})
		return
	}
	mt, err := bytecode.ParseMethodType(ref.Desc)
	if err != nil {
		l.fail(&BailoutError{Kind: BailoutMalformed, BCI: in.BCI, Reason: "invoke descriptor", Err: err})
		return
	}
	var dispatch DispatchKind
	switch in.Op {
	case bytecode.Invokestatic:
		dispatch = DispatchStatic
	case bytecode.Invokespecial:
		dispatch = DispatchSpecial
	case bytecode.Invokevirtual:
		dispatch = DispatchVirtual
	case bytecode.Invokeinterface:
		dispatch = DispatchInterface
	}
	if !dispatch.Bound() && (dispatch == DispatchInterface) != ref.Interface {
		l.fail(malformed(in.BCI, "%s of %s method %s", in.Op, kindOfRef(ref), ref.Key()))
		return
	}

	args := make([]ValueID, len(mt.Params))
	for i := len(mt.Params) - 1; i >= 0; i-- {
		args[i] = l.popType(irType(mt.Params[i].Kind))
	}
	site := &CallSite{Dispatch: dispatch, Method: ref, Slot: NoValue, Receiver: NoValue, Args: args}
	operands := make([]ValueID, 0, len(args)+2)
	if dispatch != DispatchStatic {
		site.Receiver = l.popType(TypeRef)
		l.checkNull(site.Receiver)
		switch dispatch {
		case DispatchVirtual, DispatchInterface:
			klass := l.emit(Inst{Op: OpLoadKlass, Type: TypeRef, Args: []ValueID{site.Receiver}})
			lookup := OpLookupVirtual
			if dispatch == DispatchInterface {
				lookup = OpLookupInterface
			}
			site.Slot = l.emit(Inst{Op: lookup, Type: TypeFn, Sym: ref.Key(), Args: []ValueID{klass}})
			operands = append(operands, site.Slot)
		}
		operands = append(operands, site.Receiver)
	}
	operands = append(operands, args...)

	ret := irType(mt.Return.Kind)
	v := l.emit(Inst{Op: OpCall, Type: ret, Sym: ref.Key(), Args: operands, Call: site})
	if ret != TypeVoid {
		l.push(v)
	}
}

func kindOfRef(ref *bytecode.MethodRef) string {
	if ref.Interface {
		return "interface"
	}
	return "class"
}
