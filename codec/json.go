package codec

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/goccy/go-json"
)

type jsonCodec struct{}

// JSON returns the application/json codec. Numbers decoded into interface
// values become int64 when integral and float64 otherwise.
func JSON() Codec {
	return jsonCodec{}
}

func (jsonCodec) ContentType() string {
	return ContentTypeJSON
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}

	return out, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("json decode: %w", err)
	}

	normalizeValue(reflect.ValueOf(v))

	return nil
}

// normalizeValue replaces json.Number values held by interfaces reachable
// from v.
func normalizeValue(v reflect.Value) {
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			normalizeValue(v.Elem())
		}
	case reflect.Interface:
		if !v.IsNil() && v.CanSet() {
			v.Set(reflect.ValueOf(normalize(v.Interface())))
		}
	case reflect.Struct:
		for i := range v.NumField() {
			if v.Type().Field(i).IsExported() {
				normalizeValue(v.Field(i))
			}
		}
	case reflect.Slice, reflect.Array:
		for i := range v.Len() {
			normalizeValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Elem().Kind() != reflect.Interface {
			return
		}

		for _, key := range v.MapKeys() {
			elem := v.MapIndex(key)
			if elem.IsNil() {
				continue
			}

			v.SetMapIndex(key, reflect.ValueOf(normalize(elem.Interface())))
		}
	}
}

func normalize(x any) any {
	switch t := x.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}

		f, err := t.Float64()
		if err != nil {
			return t.String()
		}

		return f
	case map[string]any:
		for k, v := range t {
			t[k] = normalize(v)
		}

		return t
	case []any:
		for i, v := range t {
			t[i] = normalize(v)
		}

		return t
	default:
		return x
	}
}
