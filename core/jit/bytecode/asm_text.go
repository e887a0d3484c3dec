package bytecode

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Program is the result of assembling a text source: declared class layouts
// and the methods that use them.
type Program struct {
	Classes []*ClassRef
	Methods []*Method
}

// Method looks up a method by its "Class.name:desc" key.
func (p *Program) Method(key string) *Method {
	for _, m := range p.Methods {
		if m.Key() == key {
			return m
		}
	}
	return nil
}

// textMethod collects the raw lines of one .method block.
type textMethod struct {
	line   int
	header []string
	body   []textLine
}

type textLine struct {
	num    int
	tokens []string
}

// ParseText assembles the line-oriented text form:
//
//	.class Point extends java/lang/Object implements Shape
//	.field x I
//	.method static Test.run ()I
//	    .locals 2
//	start:
//	    invokestatic Test.boom ()V
//	end:
//	    iconst_0
//	    ireturn
//	handler:
//	    pop
//	    iconst_1
//	    ireturn
//	    .try start end handler java/lang/RuntimeException
//	.end
//
// Comments start with '#'.
func ParseText(src string) (*Program, error) {
	var (
		classes []ClassRef
		methods []*textMethod
		cur     *textMethod
		curCls  *ClassRef
	)
	sc := bufio.NewScanner(strings.NewReader(src))
	num := 0
	for sc.Scan() {
		num++
		toks, err := tokenize(sc.Text())
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", num)
		}
		if len(toks) == 0 {
			continue
		}
		switch toks[0] {
		case ".class":
			if cur != nil {
				return nil, errors.Errorf("line %d: .class inside .method", num)
			}
			c, err := parseClassHeader(toks[1:])
			if err != nil {
				return nil, errors.Wrapf(err, "line %d", num)
			}
			classes = append(classes, c)
			curCls = &classes[len(classes)-1]
		case ".field":
			if curCls == nil || cur != nil || len(toks) != 3 {
				return nil, errors.Errorf("line %d: .field must follow .class as '.field name desc'", num)
			}
			if _, err := ParseFieldType(toks[2]); err != nil {
				return nil, errors.Wrapf(err, "line %d", num)
			}
			curCls.Fields = append(curCls.Fields, FieldInfo{Name: toks[1], Desc: toks[2]})
		case ".method":
			if cur != nil {
				return nil, errors.Errorf("line %d: nested .method", num)
			}
			curCls = nil
			cur = &textMethod{line: num, header: toks[1:]}
		case ".end":
			if cur == nil {
				return nil, errors.Errorf("line %d: .end without .method", num)
			}
			methods = append(methods, cur)
			cur = nil
		default:
			if cur == nil {
				return nil, errors.Errorf("line %d: %q outside .method", num, toks[0])
			}
			cur.body = append(cur.body, textLine{num: num, tokens: toks})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if cur != nil {
		return nil, errors.Errorf("line %d: .method without .end", cur.line)
	}
	prog := new(Program)
	layouts := NewAssembler("", "", "()V", true)
	for _, c := range classes {
		prog.Classes = append(prog.Classes, layouts.DeclareClass(c))
	}
	for _, tm := range methods {
		m, err := assembleText(tm, classes)
		if err != nil {
			return nil, err
		}
		prog.Methods = append(prog.Methods, m)
	}
	return prog, nil
}

func parseClassHeader(toks []string) (ClassRef, error) {
	if len(toks) == 0 {
		return ClassRef{}, errors.New(".class needs a name")
	}
	c := ClassRef{Name: toks[0], Super: "java/lang/Object"}
	for i := 1; i < len(toks); i++ {
		switch toks[i] {
		case "extends":
			if i+1 >= len(toks) {
				return ClassRef{}, errors.New("extends needs a class")
			}
			c.Super = toks[i+1]
			i++
		case "implements":
			c.Interfaces = append(c.Interfaces, toks[i+1:]...)
			i = len(toks)
		default:
			return ClassRef{}, errors.Errorf("unexpected %q in .class", toks[i])
		}
	}
	return c, nil
}

// SplitMember splits "Owner.name" at the last dot.
func SplitMember(s string) (owner, name string, err error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return "", "", errors.Errorf("member %q is not Owner.name", s)
	}
	return s[:i], s[i+1:], nil
}

func assembleText(tm *textMethod, classes []ClassRef) (*Method, error) {
	h := tm.header
	static := false
	if len(h) > 0 && h[0] == "static" {
		static = true
		h = h[1:]
	}
	if len(h) != 2 {
		return nil, errors.Errorf("line %d: .method wants [static] Owner.name desc", tm.line)
	}
	owner, name, err := SplitMember(h[0])
	if err != nil {
		return nil, errors.Wrapf(err, "line %d", tm.line)
	}
	a := NewAssembler(owner, name, h[1], static)
	for _, c := range classes {
		a.DeclareClass(c)
	}
	for _, l := range tm.body {
		if err := assembleLine(a, l.tokens); err != nil {
			return nil, errors.Wrapf(err, "line %d", l.num)
		}
		if a.Err() != nil {
			return nil, errors.Wrapf(a.Err(), "line %d", l.num)
		}
	}
	m, err := a.Build()
	if err != nil {
		return nil, errors.Wrapf(err, "method %s.%s", owner, name)
	}
	return m, nil
}

func assembleLine(a *Assembler, toks []string) error {
	head, args := toks[0], toks[1:]
	if strings.HasSuffix(head, ":") && len(toks) == 1 {
		a.Label(strings.TrimSuffix(head, ":"))
		return nil
	}
	switch head {
	case ".locals":
		n, err := argInt(args, 0)
		if err != nil {
			return err
		}
		a.Locals(int(n))
		return nil
	case ".stack":
		n, err := argInt(args, 0)
		if err != nil {
			return err
		}
		a.Stack(int(n))
		return nil
	case ".try":
		if len(args) != 4 {
			return errors.New(".try wants start end handler type|any")
		}
		typ := args[3]
		if typ == "any" {
			typ = ""
		}
		a.Try(args[0], args[1], args[2], typ)
		return nil
	case ".finally":
		if len(args) != 3 {
			return errors.New(".finally wants start end handler")
		}
		a.Finally(args[0], args[1], args[2])
		return nil
	}

	op, ok := LookupOpcode(head)
	if !ok {
		return errors.Wrapf(ErrUnknownOpcode, "%q", head)
	}
	switch opTable[op].operand {
	case operandNone:
		a.Op(op)
	case operandS1, operandS2:
		v, err := argInt(args, 0)
		if err != nil {
			return err
		}
		a.Int(op, int(v))
	case operandTag:
		if len(args) != 1 {
			return errors.New("newarray wants an element type")
		}
		tag, err := parseTag(args[0])
		if err != nil {
			return err
		}
		a.Int(op, tag)
	case operandLocal:
		v, err := argInt(args, 0)
		if err != nil {
			return err
		}
		a.Local(op, int(v))
	case operandIinc:
		idx, err := argInt(args, 0)
		if err != nil {
			return err
		}
		delta, err := argInt(args, 1)
		if err != nil {
			return err
		}
		a.Iinc(int(idx), int(delta))
	case operandBranch2, operandBranch4:
		if len(args) != 1 {
			return errors.Errorf("%s wants a label", op)
		}
		a.Branch(op, args[0])
	case operandCP1, operandCP2, operandInterface, operandDynamic, operandMultiArray:
		return assemblePoolOp(a, op, args)
	case operandVariable:
		return assembleSwitch(a, op, args)
	}
	return nil
}

func assemblePoolOp(a *Assembler, op Opcode, args []string) error {
	switch op {
	case Ldc, LdcW:
		if len(args) != 1 {
			return errors.Errorf("%s wants one constant", op)
		}
		arg := args[0]
		switch {
		case strings.HasPrefix(arg, `"`):
			s, err := strconv.Unquote(arg)
			if err != nil {
				return errors.Wrapf(err, "string constant %s", arg)
			}
			a.LdcString(s)
		case strings.HasSuffix(arg, "f") && !strings.HasPrefix(arg, "0x"):
			f, err := strconv.ParseFloat(strings.TrimSuffix(arg, "f"), 32)
			if err != nil {
				return err
			}
			a.LdcFloat(float32(f))
		default:
			v, err := strconv.ParseInt(arg, 0, 32)
			if err != nil {
				return err
			}
			a.LdcInt(int32(v))
		}
	case Ldc2W:
		if len(args) != 1 {
			return errors.New("ldc2_w wants one constant")
		}
		arg := args[0]
		if strings.ContainsAny(arg, ".eE") && !strings.HasPrefix(arg, "0x") {
			f, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return err
			}
			a.LdcDouble(f)
			return nil
		}
		v, err := strconv.ParseInt(strings.TrimSuffix(arg, "L"), 0, 64)
		if err != nil {
			return err
		}
		a.LdcLong(v)
	case Invokevirtual, Invokespecial, Invokestatic, Invokeinterface, Invokedynamic,
		Getstatic, Putstatic, Getfield, Putfield:
		if len(args) != 2 {
			return errors.Errorf("%s wants Owner.name desc", op)
		}
		owner, name, err := SplitMember(args[0])
		if err != nil {
			return err
		}
		if op.IsInvoke() {
			a.Invoke(op, owner, name, args[1])
		} else {
			a.Field(op, owner, name, args[1])
		}
	case New, Anewarray, Checkcast, Instanceof:
		if len(args) != 1 {
			return errors.Errorf("%s wants a class", op)
		}
		a.Class(op, args[0])
	case Multianewarray:
		dims, err := argInt(args, 1)
		if err != nil {
			return err
		}
		a.MultiANewArray(args[0], int(dims))
	default:
		return errors.Errorf("%s cannot be assembled from text", op)
	}
	return nil
}

func assembleSwitch(a *Assembler, op Opcode, args []string) error {
	switch op {
	case Tableswitch:
		if len(args) < 3 {
			return errors.New("tableswitch wants low default label...")
		}
		low, err := argInt(args, 0)
		if err != nil {
			return err
		}
		a.TableSwitch(int32(low), args[1], args[2:]...)
	case Lookupswitch:
		if len(args) < 1 {
			return errors.New("lookupswitch wants default key:label...")
		}
		var (
			keys   []int32
			labels []string
		)
		for _, pair := range args[1:] {
			k, l, ok := strings.Cut(pair, ":")
			if !ok {
				return errors.Errorf("lookupswitch case %q is not key:label", pair)
			}
			v, err := strconv.ParseInt(k, 0, 32)
			if err != nil {
				return err
			}
			keys = append(keys, int32(v))
			labels = append(labels, l)
		}
		a.LookupSwitch(args[0], keys, labels)
	default:
		return errors.Errorf("%s cannot be assembled from text", op)
	}
	return nil
}

func argInt(args []string, i int) (int64, error) {
	if i >= len(args) {
		return 0, errors.Errorf("missing operand %d", i+1)
	}
	return strconv.ParseInt(args[i], 0, 32)
}

var tagNames = map[string]int{
	"boolean": TagBoolean,
	"char":    TagChar,
	"float":   TagFloat,
	"double":  TagDouble,
	"byte":    TagByte,
	"short":   TagShort,
	"int":     TagInt,
	"long":    TagLong,
}

func parseTag(s string) (int, error) {
	if tag, ok := tagNames[s]; ok {
		return tag, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Errorf("unknown array element type %q", s)
	}
	return v, nil
}

func tokenize(line string) ([]string, error) {
	var out []string
	for i := 0; i < len(line); {
		c := line[i]
		switch {
		case c == '#':
			return out, nil
		case c == ' ' || c == '\t' || c == ',':
			i++
		case c == '"':
			j := i + 1
			for j < len(line) && line[j] != '"' {
				if line[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(line) {
				return nil, errors.New("unterminated string")
			}
			out = append(out, line[i:j+1])
			i = j + 1
		default:
			j := i
			for j < len(line) && !strings.ContainsRune(" \t,#", rune(line[j])) {
				j++
			}
			out = append(out, line[i:j])
			i = j
		}
	}
	return out, nil
}
