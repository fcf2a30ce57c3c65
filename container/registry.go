package container

import (
	"log/slog"

	"github.com/jwiemer/jacis-go/store"
)

// CreateStore builds a new store.Engine[K, V] named name, registers it
// with c, and returns it. A free function rather than a Container method,
// since Go does not allow a method to introduce type parameters beyond
// those of its receiver.
func CreateStore[K comparable, V any](c *Container, name string, logger *slog.Logger, opts ...store.Option[K, V]) (*store.Engine[K, V], error) {
	e := store.New[K, V](name, logger, opts...)
	if err := c.RegisterStore(e); err != nil {
		return nil, err
	}
	return e, nil
}

// GetStore returns the store registered under name, type-asserted to
// [K, V]. The bool is false both when the name is unknown and when it
// names a store of a different key/value type.
func GetStore[K comparable, V any](c *Container, name string) (*store.Engine[K, V], bool) {
	s, ok := c.storeNamed(name)
	if !ok {
		return nil, false
	}
	e, ok := s.(*store.Engine[K, V])
	return e, ok
}
