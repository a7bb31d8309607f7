package waitx

// Lazy is a value produced on first use and cached for every later caller.
// It is built on Once, so a panicking initializer leaves the Lazy
// uninitialized and some later Get retries.
//
// The zero value is an uninitialized Lazy.
type Lazy[T any] struct {
	once  Once
	value T
}

// Get returns the value, running init to produce it if no previous Get
// succeeded. Concurrent callers block until the value is ready.
func (l *Lazy[T]) Get(init func() T) *T {
	l.once.Do(func() {
		l.value = init()
	})
	return &l.value
}

// IsInitialized reports whether the value has been produced.
func (l *Lazy[T]) IsInitialized() bool {
	return l.once.IsInitialized()
}
