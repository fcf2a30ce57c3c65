package adapter

import (
	"bytes"
	"encoding/gob"
)

// Codec converts a value to and from its byte-serialized form. The default
// is encoding/gob: it round-trips unexported-free struct values without
// tag bookkeeping and is the standard library's native choice for
// process-local serialization.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// GobCodec is the default Codec, built on encoding/gob.
type GobCodec[V any] struct{}

func NewGobCodec[V any]() GobCodec[V] { return GobCodec[V]{} }

func (GobCodec[V]) Encode(v V) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec[V]) Decode(b []byte) (V, error) {
	var v V
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&v); err != nil {
		var zero V
		return zero, err
	}
	return v, nil
}
