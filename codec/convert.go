package codec

import (
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/spf13/cast"
)

// ErrTypeMismatch is returned when a decoded value cannot be converted to
// the requested type.
var ErrTypeMismatch = errors.New("type mismatch")

var roundTrip = Msgpack()

// Convert converts a decoded value to t. Numbers convert between numeric
// kinds as long as no precision is lost, []byte converts to string, and maps
// and slices are converted to structs, typed maps and typed slices through a
// msgpack round trip. A nil value converts to the zero value of t.
func Convert(value any, t reflect.Type) (reflect.Value, error) {
	if value == nil {
		return reflect.Zero(t), nil
	}

	v := reflect.ValueOf(value)
	if v.Type().AssignableTo(t) {
		return v, nil
	}

	switch t.Kind() {
	case reflect.String:
		if b, ok := value.([]byte); ok {
			return reflect.ValueOf(string(b)).Convert(t), nil
		}

		if v.Kind() == reflect.String {
			return v.Convert(t), nil
		}

	case reflect.Bool:
		if v.Kind() == reflect.Bool {
			return v.Convert(t), nil
		}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if !isIntegral(v) {
			break
		}

		i, err := cast.ToInt64E(value)
		if err != nil {
			return reflect.Value{}, mismatch(value, t, err)
		}

		out := reflect.New(t).Elem()
		if out.OverflowInt(i) {
			return reflect.Value{}, mismatch(value, t, errors.New("overflow"))
		}

		out.SetInt(i)

		return out, nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if !isIntegral(v) {
			break
		}

		u, err := cast.ToUint64E(value)
		if err != nil {
			return reflect.Value{}, mismatch(value, t, err)
		}

		out := reflect.New(t).Elem()
		if out.OverflowUint(u) {
			return reflect.Value{}, mismatch(value, t, errors.New("overflow"))
		}

		out.SetUint(u)

		return out, nil

	case reflect.Float32, reflect.Float64:
		if !isNumber(v) {
			break
		}

		f, err := cast.ToFloat64E(value)
		if err != nil {
			return reflect.Value{}, mismatch(value, t, err)
		}

		return reflect.ValueOf(f).Convert(t), nil

	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array, reflect.Pointer:
		return viaRoundTrip(value, t)
	}

	return reflect.Value{}, mismatch(value, t, nil)
}

// Assign converts value and stores it in the value dst points to.
func Assign(value any, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: destination must be a non-nil pointer, got %T", ErrTypeMismatch, dst)
	}

	out, err := Convert(value, rv.Elem().Type())
	if err != nil {
		return err
	}

	rv.Elem().Set(out)

	return nil
}

func viaRoundTrip(value any, t reflect.Type) (reflect.Value, error) {
	data, err := roundTrip.Marshal(value)
	if err != nil {
		return reflect.Value{}, mismatch(value, t, err)
	}

	out := reflect.New(t)
	if err := roundTrip.Unmarshal(data, out.Interface()); err != nil {
		return reflect.Value{}, mismatch(value, t, err)
	}

	return out.Elem(), nil
}

func isNumber(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

// isIntegral reports whether v is an integer, or a float without a
// fractional part.
func isIntegral(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		return f == math.Trunc(f) && !math.IsInf(f, 0)
	default:
		return isNumber(v)
	}
}

func mismatch(value any, t reflect.Type, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: cannot use %T as %s", ErrTypeMismatch, value, t)
	}

	return fmt.Errorf("%w: cannot use %T as %s: %w", ErrTypeMismatch, value, t, cause)
}
