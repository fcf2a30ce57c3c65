package store

import "github.com/jwiemer/jacis-go/adapter"

// config collects the options every Engine construction applies.
type config[K comparable, V any] struct {
	adapter            adapter.Adapter[V]
	trackOriginalValue bool
	checkViewsOnCommit bool
	dirtyCheck         bool
	persistence        PersistenceAdapter[K, V]
}

// Option configures an Engine at construction, in the usual
// functional-options style.
type Option[K comparable, V any] func(*config[K, V])

// WithAdapter sets the Value Adapter; the default is adapter.Identity[V].
func WithAdapter[K comparable, V any](a adapter.Adapter[V]) Option[K, V] {
	return func(c *config[K, V]) { c.adapter = a }
}

// WithTrackOriginalValue records the setting on the store, but nothing
// reads it: each touched key's first-observed committed value is retained
// for the lifetime of the transaction whether or not it is enabled.
func WithTrackOriginalValue[K comparable, V any](enabled bool) Option[K, V] {
	return func(c *config[K, V]) { c.trackOriginalValue = enabled }
}

// WithCheckViewsOnCommit enables post-commit validation of every
// CheckableView tracked view, surfacing a mismatch as a logged warning
// rather than a commit failure (diagnostic only).
func WithCheckViewsOnCommit[K comparable, V any](enabled bool) Option[K, V] {
	return func(c *config[K, V]) { c.checkViewsOnCommit = enabled }
}

// WithDirtyCheck enables in-place mutation detection at prepare: a key
// that was only ever read (never passed to Update/Remove) is compared
// against its originally-touched value, and promoted to a tracked write
// if it differs — catching callers who mutate a value obtained from Get
// through a pointer or reference instead of calling Update explicitly.
func WithDirtyCheck[K comparable, V any](enabled bool) Option[K, V] {
	return func(c *config[K, V]) { c.dirtyCheck = enabled }
}

// WithPersistenceAdapter registers a PersistenceAdapter with the store.
func WithPersistenceAdapter[K comparable, V any](p PersistenceAdapter[K, V]) Option[K, V] {
	return func(c *config[K, V]) { c.persistence = p }
}
