package bytecode

import (
	"strings"

	"github.com/pkg/errors"
)

// Kind is the value category of a field, parameter or array element.
type Kind uint8

const (
	KindVoid Kind = iota
	KindBoolean
	KindByte
	KindChar
	KindShort
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindReference
)

var kindNames = [...]string{"void", "boolean", "byte", "char", "short", "int", "long", "float", "double", "reference"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "invalid"
}

// Wide reports whether values of k occupy two local slots.
func (k Kind) Wide() bool { return k == KindLong || k == KindDouble }

// Descriptor returns the one-character field descriptor of a primitive kind.
func (k Kind) Descriptor() string {
	switch k {
	case KindVoid:
		return "V"
	case KindBoolean:
		return "Z"
	case KindByte:
		return "B"
	case KindChar:
		return "C"
	case KindShort:
		return "S"
	case KindInt:
		return "I"
	case KindLong:
		return "J"
	case KindFloat:
		return "F"
	case KindDouble:
		return "D"
	}
	return "Ljava/lang/Object;"
}

// Primitive array tags used by newarray.
const (
	TagBoolean = 4
	TagChar    = 5
	TagFloat   = 6
	TagDouble  = 7
	TagByte    = 8
	TagShort   = 9
	TagInt     = 10
	TagLong    = 11
)

var tagKinds = map[int]Kind{
	TagBoolean: KindBoolean,
	TagChar:    KindChar,
	TagFloat:   KindFloat,
	TagDouble:  KindDouble,
	TagByte:    KindByte,
	TagShort:   KindShort,
	TagInt:     KindInt,
	TagLong:    KindLong,
}

// KindForTag maps a newarray tag to its element kind.
func KindForTag(tag int) (Kind, bool) {
	k, ok := tagKinds[tag]
	return k, ok
}

// TagForKind is the inverse of KindForTag.
func TagForKind(k Kind) (int, bool) {
	for tag, kind := range tagKinds {
		if kind == k {
			return tag, true
		}
	}
	return 0, false
}

// FieldType is a parsed field descriptor.
type FieldType struct {
	Kind Kind
	// Desc is the full descriptor text, e.g. "I", "Ljava/lang/String;" or "[[J".
	Desc string
}

// ClassName returns the internal class name for reference types: the
// descriptor itself for arrays, the unwrapped name for classes.
func (t FieldType) ClassName() string {
	if strings.HasPrefix(t.Desc, "L") && strings.HasSuffix(t.Desc, ";") {
		return t.Desc[1 : len(t.Desc)-1]
	}
	return t.Desc
}

// ArrayDims counts the leading '[' of an array descriptor.
func (t FieldType) ArrayDims() int {
	n := 0
	for n < len(t.Desc) && t.Desc[n] == '[' {
		n++
	}
	return n
}

// ElementType strips one array dimension.
func (t FieldType) ElementType() (FieldType, error) {
	if !strings.HasPrefix(t.Desc, "[") {
		return FieldType{}, errors.Errorf("%q is not an array type", t.Desc)
	}
	return ParseFieldType(t.Desc[1:])
}

// MethodType is a parsed method descriptor.
type MethodType struct {
	Params []FieldType
	Return FieldType
}

// ParseFieldType parses a single field descriptor.
func ParseFieldType(desc string) (FieldType, error) {
	t, n, err := parseOne(desc, 0)
	if err != nil {
		return FieldType{}, err
	}
	if n != len(desc) {
		return FieldType{}, errors.Wrapf(ErrBadDescriptor, "trailing data in %q", desc)
	}
	return t, nil
}

// ParseMethodType parses "(params)ret".
func ParseMethodType(desc string) (MethodType, error) {
	if !strings.HasPrefix(desc, "(") {
		return MethodType{}, errors.Wrapf(ErrBadDescriptor, "method descriptor %q", desc)
	}
	var mt MethodType
	pos := 1
	for pos < len(desc) && desc[pos] != ')' {
		t, next, err := parseOne(desc, pos)
		if err != nil {
			return MethodType{}, err
		}
		if t.Kind == KindVoid {
			return MethodType{}, errors.Wrapf(ErrBadDescriptor, "void parameter in %q", desc)
		}
		mt.Params = append(mt.Params, t)
		pos = next
	}
	if pos >= len(desc) {
		return MethodType{}, errors.Wrapf(ErrBadDescriptor, "unterminated parameters in %q", desc)
	}
	if desc[pos+1:] == "V" {
		mt.Return = FieldType{Kind: KindVoid, Desc: "V"}
		return mt, nil
	}
	ret, err := ParseFieldType(desc[pos+1:])
	if err != nil {
		return MethodType{}, err
	}
	mt.Return = ret
	return mt, nil
}

// ArgSlots is the number of local slots the parameters occupy.
func (mt MethodType) ArgSlots() int {
	n := 0
	for _, p := range mt.Params {
		n++
		if p.Kind.Wide() {
			n++
		}
	}
	return n
}

func parseOne(desc string, pos int) (FieldType, int, error) {
	if pos >= len(desc) {
		return FieldType{}, pos, errors.Wrapf(ErrBadDescriptor, "truncated descriptor %q", desc)
	}
	start := pos
	switch desc[pos] {
	case 'V':
		return FieldType{Kind: KindVoid, Desc: "V"}, pos + 1, nil
	case 'Z':
		return FieldType{Kind: KindBoolean, Desc: "Z"}, pos + 1, nil
	case 'B':
		return FieldType{Kind: KindByte, Desc: "B"}, pos + 1, nil
	case 'C':
		return FieldType{Kind: KindChar, Desc: "C"}, pos + 1, nil
	case 'S':
		return FieldType{Kind: KindShort, Desc: "S"}, pos + 1, nil
	case 'I':
		return FieldType{Kind: KindInt, Desc: "I"}, pos + 1, nil
	case 'J':
		return FieldType{Kind: KindLong, Desc: "J"}, pos + 1, nil
	case 'F':
		return FieldType{Kind: KindFloat, Desc: "F"}, pos + 1, nil
	case 'D':
		return FieldType{Kind: KindDouble, Desc: "D"}, pos + 1, nil
	case 'L':
		end := strings.IndexByte(desc[pos:], ';')
		if end < 2 {
			return FieldType{}, pos, errors.Wrapf(ErrBadDescriptor, "class descriptor in %q", desc)
		}
		return FieldType{Kind: KindReference, Desc: desc[start : pos+end+1]}, pos + end + 1, nil
	case '[':
		for pos < len(desc) && desc[pos] == '[' {
			pos++
		}
		elem, next, err := parseOne(desc, pos)
		if err != nil {
			return FieldType{}, pos, err
		}
		if elem.Kind == KindVoid {
			return FieldType{}, pos, errors.Wrapf(ErrBadDescriptor, "void array in %q", desc)
		}
		return FieldType{Kind: KindReference, Desc: desc[start:next]}, next, nil
	}
	return FieldType{}, pos, errors.Wrapf(ErrBadDescriptor, "unexpected %q in %q", desc[pos], desc)
}
