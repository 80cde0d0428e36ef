// Package host models the single-threaded scripting interpreter that the
// engine is bound to.
//
// Interpreter and Closure values are owned by the host-execution goroutine.
// Nothing in this package synchronizes access: callers on other goroutines
// must go through the bridge dispatcher, which is the only code that invokes
// closures. Snapshot is the exception; it is plain bytes and may travel
// anywhere.
package host

import (
	"fmt"
	"sort"
)

// Value is a host-native value: nil, bool, float64, int64, string, or a
// slice of one of those element types.
type Value = any

// Func is the native body of a host function.
type Func func(args ...Value) (Value, error)

// Closure is a host function together with its bound arguments.
type Closure struct {
	name   string
	fn     Func
	bound  []Value
	global bool
}

// Name returns the name the closure was defined or created under.
func (c *Closure) Name() string {
	return c.name
}

// Bound returns the arguments appended after call arguments.
func (c *Closure) Bound() []Value {
	return c.bound
}

// With returns a copy of c with extra bound arguments.
func (c *Closure) With(bound ...Value) *Closure {
	merged := make([]Value, 0, len(c.bound)+len(bound))
	merged = append(merged, c.bound...)
	merged = append(merged, bound...)
	return &Closure{name: c.name, fn: c.fn, bound: merged, global: c.global}
}

// RaisedError is a failure raised by host code during a call.
type RaisedError struct {
	Callback string
	Message  string
	Cause    error
}

func (e *RaisedError) Error() string {
	return fmt.Sprintf("in %s(): %s", e.Callback, e.Message)
}

func (e *RaisedError) Unwrap() error {
	return e.Cause
}

// Interpreter holds the global function environment and call bookkeeping.
type Interpreter struct {
	globals    map[string]Func
	depth      int
	calls      uint64
	generation uint64
}

// New creates an empty interpreter.
func New() *Interpreter {
	return &Interpreter{globals: make(map[string]Func)}
}

// Define binds fn to name in the global environment, replacing any previous binding.
func (in *Interpreter) Define(name string, fn Func) {
	in.globals[name] = fn
	in.generation++
}

// Generation changes every time a global is defined or redefined. Closures
// restored under an older generation may refer to replaced bodies.
func (in *Interpreter) Generation() uint64 {
	return in.generation
}

// Names returns the defined global names in sorted order.
func (in *Interpreter) Names() []string {
	names := make([]string, 0, len(in.globals))
	for name := range in.globals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns a closure over the named global function.
func (in *Interpreter) Lookup(name string) (*Closure, error) {
	fn, ok := in.globals[name]
	if !ok {
		return nil, fmt.Errorf("object '%s' not found", name)
	}
	return &Closure{name: name, fn: fn, global: true}, nil
}

// Lambda wraps an anonymous function. Lambdas may capture arbitrary Go state
// and therefore cannot be snapshotted.
func (in *Interpreter) Lambda(name string, fn Func) *Closure {
	return &Closure{name: name, fn: fn}
}

// Call invokes c with args followed by its bound arguments. Errors and
// panics raised by the function are returned as *RaisedError.
func (in *Interpreter) Call(c *Closure, args ...Value) (result Value, err error) {
	if c == nil || c.fn == nil {
		return nil, &RaisedError{Callback: "<nil>", Message: "attempt to apply non-function"}
	}

	in.depth++
	in.calls++
	defer func() {
		in.depth--
		if r := recover(); r != nil {
			result = nil
			err = &RaisedError{Callback: c.name, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()

	full := args
	if len(c.bound) > 0 {
		full = make([]Value, 0, len(args)+len(c.bound))
		full = append(full, args...)
		full = append(full, c.bound...)
	}

	result, err = c.fn(full...)
	if err != nil {
		return nil, &RaisedError{Callback: c.name, Message: err.Error(), Cause: err}
	}
	return result, nil
}

// Depth reports how many calls are currently on the host stack.
func (in *Interpreter) Depth() int {
	return in.depth
}

// Calls reports the total number of calls made through the interpreter.
func (in *Interpreter) Calls() uint64 {
	return in.calls
}
