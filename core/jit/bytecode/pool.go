package bytecode

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConstTag identifies the kind of a constant-pool entry.
type ConstTag uint8

const (
	ConstInvalid ConstTag = iota
	ConstInt
	ConstLong
	ConstFloat
	ConstDouble
	ConstString
	ConstClass
	ConstMethod
	ConstField
)

// FieldInfo is one instance field in a class layout.
type FieldInfo struct {
	Owner string
	Name  string
	Desc  string
}

// Key is the "Owner.name" symbol used by field accesses.
func (f FieldInfo) Key() string { return f.Owner + "." + f.Name }

// ClassRef is a resolved class reference. Fields lists every instance field
// of the class including inherited ones, in layout order.
type ClassRef struct {
	Name       string
	Super      string
	Interfaces []string
	Fields     []FieldInfo
}

// MethodRef is a resolved method reference.
type MethodRef struct {
	Owner     string
	Name      string
	Desc      string
	Interface bool
}

func (r *MethodRef) Key() string { return MethodKey(r.Owner, r.Name, r.Desc) }

// Selector is the owner-independent part used for dynamic lookup.
func (r *MethodRef) Selector() string { return r.Name + ":" + r.Desc }

// FieldRef is a resolved field reference.
type FieldRef struct {
	Owner string
	Name  string
	Desc  string
}

func (r *FieldRef) Key() string { return r.Owner + "." + r.Name }

// Constant is one resolved constant-pool entry.
type Constant struct {
	Tag    ConstTag
	Int    int64
	Float  float64
	String string
	Class  *ClassRef
	Method *MethodRef
	Field  *FieldRef
}

func (c Constant) Render() string {
	switch c.Tag {
	case ConstInt, ConstLong:
		return fmt.Sprintf("%d", c.Int)
	case ConstFloat, ConstDouble:
		return fmt.Sprintf("%g", c.Float)
	case ConstString:
		return fmt.Sprintf("%q", c.String)
	case ConstClass:
		return c.Class.Name
	case ConstMethod:
		return c.Method.Key()
	case ConstField:
		return c.Field.Key()
	}
	return "<invalid>"
}

// ConstantPool maps indices to resolved constants. Index 0 is never valid.
type ConstantPool struct {
	entries []Constant
}

// NewConstantPool returns an empty pool.
func NewConstantPool() *ConstantPool {
	return &ConstantPool{entries: make([]Constant, 1)}
}

// Add appends c and returns its index.
func (p *ConstantPool) Add(c Constant) int {
	p.entries = append(p.entries, c)
	return len(p.entries) - 1
}

// Len returns the number of slots including the reserved slot 0.
func (p *ConstantPool) Len() int { return len(p.entries) }

// Entry returns the constant at idx.
func (p *ConstantPool) Entry(idx int) (Constant, error) {
	if p == nil || idx <= 0 || idx >= len(p.entries) || p.entries[idx].Tag == ConstInvalid {
		return Constant{}, errors.Wrapf(ErrBadPoolIndex, "index %d", idx)
	}
	return p.entries[idx], nil
}

func (p *ConstantPool) typed(idx int, tag ConstTag) (Constant, error) {
	c, err := p.Entry(idx)
	if err != nil {
		return Constant{}, err
	}
	if c.Tag != tag {
		return Constant{}, errors.Wrapf(ErrBadPoolIndex, "index %d holds tag %d, want %d", idx, c.Tag, tag)
	}
	return c, nil
}

// Class resolves a class entry.
func (p *ConstantPool) Class(idx int) (*ClassRef, error) {
	c, err := p.typed(idx, ConstClass)
	if err != nil {
		return nil, err
	}
	return c.Class, nil
}

// Method resolves a method entry.
func (p *ConstantPool) Method(idx int) (*MethodRef, error) {
	c, err := p.typed(idx, ConstMethod)
	if err != nil {
		return nil, err
	}
	return c.Method, nil
}

// Field resolves a field entry.
func (p *ConstantPool) Field(idx int) (*FieldRef, error) {
	c, err := p.typed(idx, ConstField)
	if err != nil {
		return nil, err
	}
	return c.Field, nil
}
