package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes cached values. Msgpack is the default; JSON is kept for
// entries that must stay inspectable from the console.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (MsgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
func (MsgpackCodec) Name() string                       { return "msgpack" }

type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) Name() string                       { return "json" }

// StringCodec stores strings verbatim.
type StringCodec struct{}

func (StringCodec) Marshal(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("string codec: cannot encode %T", v)
	}
	return []byte(s), nil
}

func (StringCodec) Unmarshal(data []byte, v any) error {
	p, ok := v.(*string)
	if !ok {
		return fmt.Errorf("string codec: cannot decode into %T", v)
	}
	*p = string(data)
	return nil
}

func (StringCodec) Name() string { return "string" }

// GetAs reads and decodes one entry.
func GetAs[T any](ctx context.Context, s Store, c Codec, key string, ns Namespace) (value T, ok bool, err error) {
	data, ok, err := s.Get(ctx, key, ns)
	if err != nil || !ok {
		return value, ok, err
	}
	if err = c.Unmarshal(data, &value); err != nil {
		return value, false, err
	}
	return value, true, nil
}

// SetAs encodes and writes one entry.
func SetAs[T any](ctx context.Context, s Store, c Codec, key string, value T, ns Namespace, ttl time.Duration) error {
	data, err := c.Marshal(value)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, data, ns, ttl)
}
