package utils

import "sync"

// Once is a wrapper around sync.Once that caches the result of the first successful
// invocation. A failed invocation does not count as done, so the next caller will try
// again. This is the single-flight primitive behind lazy initialization in the client.
type Once[Out any] interface {
	// Do runs f if no previous invocation succeeded, otherwise it returns the cached result.
	Do(f func() (Out, error)) (Out, error)
	// Done reports whether a previous invocation succeeded.
	Done() bool
	// Result returns the done flag alongside the last result and error.
	Result() (bool, Out, error)
}

// OnceWithInit is a Once that was constructed with its initializer attached.
type OnceWithInit[Out any] interface {
	Once[Out]
	DoWithInit() (Out, error)
}

type onceWithInit[Out any] struct {
	inner Once[Out]
	f     func() (Out, error)
}

func (o *onceWithInit[Out]) DoWithInit() (Out, error) {
	return o.inner.Do(o.f)
}

func (o *onceWithInit[Out]) Do(f func() (Out, error)) (Out, error) {
	return o.inner.Do(f)
}

func (o *onceWithInit[Out]) Done() bool {
	return o.inner.Done()
}

func (o *onceWithInit[Out]) Result() (bool, Out, error) {
	return o.inner.Result()
}

// NewOnce creates a new Once.
func NewOnce[Out any]() Once[Out] {
	return &once[Out]{}
}

// NewOnceWithInit creates a new OnceWithInit with f as the initializer.
func NewOnceWithInit[Out any](f func() (Out, error)) OnceWithInit[Out] {
	return &onceWithInit[Out]{
		inner: NewOnce[Out](),
		f:     f,
	}
}

type once[Out any] struct {
	mu     sync.Mutex
	done   bool
	result Out
	err    error
}

func (o *once[Out]) Do(f func() (Out, error)) (Out, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.done {
		return o.result, nil
	}

	result, err := f()
	o.err = err
	if err != nil {
		var zero Out
		o.result = zero
		return zero, err
	}

	o.done = true
	o.result = result
	return result, nil
}

func (o *once[Out]) Done() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

func (o *once[Out]) Result() (bool, Out, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done, o.result, o.err
}
