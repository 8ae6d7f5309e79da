package rpc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/0x4b53/simple-amqp/codec"
)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// Service is a named set of methods callable over RPC.
type Service struct {
	name    string
	methods map[string]*method
}

// NewService returns an empty service.
func NewService(name string) *Service {
	return &Service{
		name:    name,
		methods: map[string]*method{},
	}
}

// ServiceFromMethods returns a service exposing every exported method of rcvr
// with a supported signature. Methods with other signatures are skipped.
func ServiceFromMethods(name string, rcvr any) *Service {
	s := NewService(name)

	v := reflect.ValueOf(rcvr)
	t := v.Type()

	for i := range t.NumMethod() {
		m, err := newMethod(v.Method(i))
		if err != nil {
			continue
		}

		s.methods[t.Method(i).Name] = m
	}

	return s
}

// Method registers fn as the method name. fn may take a context.Context as
// its first argument and must return nothing, a value, an error or a value
// and an error. Method panics if fn has another shape.
func (s *Service) Method(name string, fn any) *Service {
	m, err := newMethod(reflect.ValueOf(fn))
	if err != nil {
		panic(fmt.Sprintf("rpc: method %s->%s: %v", s.name, name, err))
	}

	s.methods[name] = m

	return s
}

// Name returns the service name.
func (s *Service) Name() string {
	return s.name
}

// Methods returns the registered method names, sorted.
func (s *Service) Methods() []string {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

type method struct {
	fn       reflect.Value
	withCtx  bool
	in       []reflect.Type
	hasValue bool
	hasErr   bool
}

func newMethod(fn reflect.Value) (*method, error) {
	if !fn.IsValid() || fn.Kind() != reflect.Func || fn.IsNil() {
		return nil, errors.New("not a function")
	}

	t := fn.Type()
	if t.IsVariadic() {
		return nil, errors.New("variadic functions are not supported")
	}

	m := &method{fn: fn}

	for i := range t.NumIn() {
		if i == 0 && t.In(0) == contextType {
			m.withCtx = true
			continue
		}

		m.in = append(m.in, t.In(i))
	}

	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errorType {
			m.hasErr = true
		} else {
			m.hasValue = true
		}
	case 2:
		if t.Out(1) != errorType {
			return nil, errors.New("second return value must be an error")
		}

		m.hasValue = true
		m.hasErr = true
	default:
		return nil, errors.New("too many return values")
	}

	return m, nil
}

func (m *method) call(ctx context.Context, args []any) (result any, err error) {
	if len(args) != len(m.in) {
		return nil, fmt.Errorf("%w: want %d arguments, got %d", ErrArgsMismatch, len(m.in), len(args))
	}

	in := make([]reflect.Value, 0, len(m.in)+1)
	if m.withCtx {
		in = append(in, reflect.ValueOf(ctx))
	}

	for i, arg := range args {
		v, err := codec.Convert(arg, m.in[i])
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d: %w", ErrArgsMismatch, i, err)
		}

		in = append(in, v)
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: %v", ErrMethodPanic, r)
		}
	}()

	out := m.fn.Call(in)

	if m.hasErr {
		if e := out[len(out)-1]; !e.IsNil() {
			return nil, e.Interface().(error)
		}
	}

	if m.hasValue {
		return out[0].Interface(), nil
	}

	return nil, nil
}
