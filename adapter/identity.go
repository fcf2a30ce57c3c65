package adapter

// Identity is the no-op adapter for value types the caller asserts are
// immutable: every crossing returns the input unchanged. It is the
// cheapest adapter and the correct default for value objects built once
// at construction and never mutated in place.
type Identity[V any] struct{}

func NewIdentity[V any]() Identity[V] { return Identity[V]{} }

func (Identity[V]) CommittedToWritable(v V) V { return v }
func (Identity[V]) WritableToCommitted(v V) V { return v }
func (Identity[V]) CommittedToReadOnly(v V) V { return v }
func (Identity[V]) WritableToReadOnly(v V) V  { return v }
