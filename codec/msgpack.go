package codec

import (
	"fmt"
	"reflect"

	ugorji "github.com/ugorji/go/codec"
)

type msgpackCodec struct {
	handle *ugorji.MsgpackHandle
}

// Msgpack returns the application/msgpack codec. Strings are written with
// the str format so other msgpack implementations decode them as text.
func Msgpack() Codec {
	h := &ugorji.MsgpackHandle{}
	h.WriteExt = true
	h.RawToString = true
	h.SignedInteger = true
	h.MapType = reflect.TypeOf(map[string]any(nil))

	return &msgpackCodec{handle: h}
}

func (*msgpackCodec) ContentType() string {
	return ContentTypeMsgpack
}

func (c *msgpackCodec) Marshal(v any) ([]byte, error) {
	var out []byte

	if err := ugorji.NewEncoderBytes(&out, c.handle).Encode(v); err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}

	return out, nil
}

func (c *msgpackCodec) Unmarshal(data []byte, v any) error {
	if err := ugorji.NewDecoderBytes(data, c.handle).Decode(v); err != nil {
		return fmt.Errorf("msgpack decode: %w", err)
	}

	return nil
}
