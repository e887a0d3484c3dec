package compiler

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/vmjit/bcjit/core/jit/bytecode"
)

const (
	classObject                  = "java/lang/Object"
	classString                  = "java/lang/String"
	classThrowable               = "java/lang/Throwable"
	classException               = "java/lang/Exception"
	classRuntimeException        = "java/lang/RuntimeException"
	classError                   = "java/lang/Error"
	classNullPointer             = "java/lang/NullPointerException"
	classArithmetic              = "java/lang/ArithmeticException"
	classIndexOutOfBounds        = "java/lang/ArrayIndexOutOfBoundsException"
	classNegativeArraySize       = "java/lang/NegativeArraySizeException"
	classClassCast               = "java/lang/ClassCastException"
	classIncompatibleClassChange = "java/lang/IncompatibleClassChangeError"
	classAbstractMethod          = "java/lang/AbstractMethodError"
	classStackOverflow           = "java/lang/StackOverflowError"
)

var builtinClasses = []bytecode.ClassRef{
	{Name: classObject},
	{Name: classString, Super: classObject},
	{Name: classThrowable, Super: classObject},
	{Name: classException, Super: classThrowable},
	{Name: classRuntimeException, Super: classException},
	{Name: classError, Super: classThrowable},
	{Name: classNullPointer, Super: classRuntimeException},
	{Name: classArithmetic, Super: classRuntimeException},
	{Name: "java/lang/IndexOutOfBoundsException", Super: classRuntimeException},
	{Name: classIndexOutOfBounds, Super: "java/lang/IndexOutOfBoundsException"},
	{Name: classNegativeArraySize, Super: classRuntimeException},
	{Name: classClassCast, Super: classRuntimeException},
	{Name: classIncompatibleClassChange, Super: classError},
	{Name: classAbstractMethod, Super: classIncompatibleClassChange},
	{Name: "java/lang/VirtualMachineError", Super: classError},
	{Name: classStackOverflow, Super: "java/lang/VirtualMachineError"},
}

// Native implements a method in Go. Returning a *Throw raises a Java
// exception in the caller.
type Native func(it *Interpreter, args []Value) (Value, error)

// Env is what executing modules see of the outside world: the class
// hierarchy, methods by key, and static fields. Bytecode methods are
// translated on first call with the Env's Config.
type Env struct {
	Statics  map[string]Value
	MaxDepth int

	cfg     Config
	cache   *ModuleCache
	classes map[string]*bytecode.ClassRef
	natives map[string]Native
	methods map[string]*bytecode.Method
	modules map[string]*Module
	strings map[string]*Object
}

// NewEnv creates an environment with the builtin exception classes.
func NewEnv(cfg Config) *Env {
	env := &Env{
		Statics:  make(map[string]Value),
		MaxDepth: 512,
		cfg:      cfg,
		cache:    NewModuleCache(cfg.CacheSize),
		classes:  make(map[string]*bytecode.ClassRef),
		natives:  make(map[string]Native),
		methods:  make(map[string]*bytecode.Method),
		modules:  make(map[string]*Module),
		strings:  make(map[string]*Object),
	}
	for i := range builtinClasses {
		c := builtinClasses[i]
		env.classes[c.Name] = &c
	}
	return env
}

// AddProgram registers the classes and methods of an assembled program.
func (e *Env) AddProgram(p *bytecode.Program) {
	for _, c := range p.Classes {
		e.AddClass(c)
	}
	for _, m := range p.Methods {
		e.methods[m.Key()] = m
	}
}

// AddClass registers a class. Classes without a superclass extend Object.
func (e *Env) AddClass(c *bytecode.ClassRef) {
	if c.Super == "" && c.Name != classObject {
		cp := *c
		cp.Super = classObject
		c = &cp
	}
	e.classes[c.Name] = c
}

// AddMethod registers a bytecode method.
func (e *Env) AddMethod(m *bytecode.Method) { e.methods[m.Key()] = m }

// AddNative registers a Go implementation under a method key.
func (e *Env) AddNative(key string, fn Native) { e.natives[key] = fn }

// AddModule registers an already translated module.
func (e *Env) AddModule(mod *Module) { e.modules[mod.Method] = mod }

// Module returns the module for key, translating on first use.
func (e *Env) Module(key string) (*Module, error) {
	mod, err := e.module(key)
	if err == nil && mod == nil {
		err = errors.Errorf("no method %s", key)
	}
	return mod, err
}

func (e *Env) module(key string) (*Module, error) {
	if mod, ok := e.modules[key]; ok {
		return mod, nil
	}
	m, ok := e.methods[key]
	if !ok {
		return nil, nil
	}
	ck := CacheKey(m, e.cfg)
	mod, ok := e.cache.Get(ck)
	if !ok {
		var err error
		if mod, err = GenerateModule(m, e.cfg); err != nil {
			return nil, err
		}
		e.cache.Add(ck, mod)
	}
	e.modules[key] = mod
	return mod, nil
}

func (e *Env) has(key string) bool {
	if _, ok := e.natives[key]; ok {
		return true
	}
	if _, ok := e.modules[key]; ok {
		return true
	}
	_, ok := e.methods[key]
	return ok
}

// Resolve finds the implementation of selector ("name:desc") for a
// receiver of class, walking superclasses from the most derived.
func (e *Env) Resolve(class, selector string) (string, bool) {
	for c := class; c != ""; {
		key := c + "." + selector
		if e.has(key) {
			return key, true
		}
		ref, ok := e.classes[c]
		if !ok {
			break
		}
		c = ref.Super
	}
	return "", false
}

// IsSubclass reports whether class is target or inherits from it through
// superclasses or interfaces.
func (e *Env) IsSubclass(class, target string) bool {
	if class == target || target == classObject {
		return true
	}
	if strings.HasPrefix(class, "[") || strings.HasPrefix(target, "[") {
		return false
	}
	ref, ok := e.classes[class]
	if !ok {
		return false
	}
	for _, i := range ref.Interfaces {
		if e.IsSubclass(i, target) {
			return true
		}
	}
	return ref.Super != "" && e.IsSubclass(ref.Super, target)
}

// IsInstance is the instanceof test.
func (e *Env) IsInstance(obj *Object, target string) bool {
	return e.IsSubclass(obj.Class, target)
}

// Throwable creates a Java exception of class ready to be raised.
func (e *Env) Throwable(class string) *Throw {
	return &Throw{Obj: &Object{Class: class, Fields: make(map[string]Value)}}
}

// String returns the interned string object for s.
func (e *Env) String(s string) *Object {
	if o, ok := e.strings[s]; ok {
		return o
	}
	o := &Object{Class: classString, Str: s}
	e.strings[s] = o
	return o
}
