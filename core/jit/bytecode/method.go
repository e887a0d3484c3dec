package bytecode

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrMalformedCode  = errors.New("malformed bytecode")
	ErrUnknownOpcode  = errors.New("unknown opcode")
	ErrBadDescriptor  = errors.New("bad descriptor")
	ErrBadPoolIndex   = errors.New("bad constant pool index")
	ErrUndefinedLabel = errors.New("undefined label")
)

// ExceptionEntry is one row of a method's exception table. A row covers the
// half-open range [StartBCI, EndBCI).
type ExceptionEntry struct {
	StartBCI   int
	EndBCI     int
	HandlerBCI int
	// CatchType is the internal name of the caught class; empty catches any.
	CatchType string
	// Finally marks the handler as cleanup code that ends in endfinally.
	Finally bool
}

// Covers reports whether bci lies in the protected range.
func (e ExceptionEntry) Covers(bci int) bool {
	return bci >= e.StartBCI && bci < e.EndBCI
}

// CatchesAny reports whether the entry matches every throwable.
func (e ExceptionEntry) CatchesAny() bool { return e.CatchType == "" }

func (e ExceptionEntry) String() string {
	kind := e.CatchType
	switch {
	case e.Finally:
		kind = "finally"
	case kind == "":
		kind = "any"
	}
	return fmt.Sprintf("[%d,%d) -> %d %s", e.StartBCI, e.EndBCI, e.HandlerBCI, kind)
}

// Method is the read-only view of one method handed to the translator. It is
// never mutated after construction and may be shared between goroutines.
type Method struct {
	Class     string
	Name      string
	Desc      string
	Static    bool
	MaxLocals int
	MaxStack  int

	Code       []byte
	Exceptions []ExceptionEntry
	Pool       *ConstantPool
}

// Key is the symbolic reference "Class.name:desc" used by call sites.
func (m *Method) Key() string {
	return MethodKey(m.Class, m.Name, m.Desc)
}

// MethodKey formats a method reference key.
func MethodKey(class, name, desc string) string {
	return class + "." + name + ":" + desc
}

// Type parses the method descriptor.
func (m *Method) Type() (MethodType, error) {
	return ParseMethodType(m.Desc)
}

// Instructions decodes the code attribute.
func (m *Method) Instructions() ([]Instruction, error) {
	insts, err := Decode(m.Code)
	if err != nil {
		return nil, errors.Wrapf(err, "method %s", m.Key())
	}
	return insts, nil
}
