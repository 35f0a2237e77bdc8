// Package errorsink provides a keyed error registry shared by the plan session
// and the subsystems around it. Each key holds at most one error, so a view can
// render a single message per failing concern.
package errorsink

import (
	"sort"
	"sync"
)

// Key identifies the concern an error belongs to.
type Key string

const (
	// KeyGeneral holds errors raised outside a specific plan operation.
	KeyGeneral Key = "general"

	// KeyRunPlan holds the last genuine run failure.
	KeyRunPlan Key = "run_plan"

	// KeyApplyPlan holds the last genuine apply failure.
	KeyApplyPlan Key = "apply_plan"
)

// Observer is notified after the error set changes. size is the number of
// errors recorded once the change has been applied.
type Observer func(size int)

// Sink stores errors by key and notifies observers on change.
type Sink struct {
	mu        sync.RWMutex
	errs      map[Key]error
	observers map[int]Observer
	nextID    int
}

// New creates an empty sink.
func New() *Sink {
	return &Sink{
		errs:      make(map[Key]error),
		observers: make(map[int]Observer),
	}
}

// AddError records err under key, replacing any previous error for that key.
// A nil error is ignored.
func (s *Sink) AddError(key Key, err error) {
	if err == nil {
		return
	}

	s.mu.Lock()
	s.errs[key] = err
	size := len(s.errs)
	observers := s.snapshotObservers()
	s.mu.Unlock()

	notify(observers, size)
}

// RemoveError drops the error recorded under key. Observers are only notified
// when an error was actually removed.
func (s *Sink) RemoveError(key Key) {
	s.mu.Lock()
	if _, ok := s.errs[key]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.errs, key)
	size := len(s.errs)
	observers := s.snapshotObservers()
	s.mu.Unlock()

	notify(observers, size)
}

// Get returns the error recorded under key.
func (s *Sink) Get(key Key) (error, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	err, ok := s.errs[key]
	return err, ok
}

// Len returns the number of recorded errors.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.errs)
}

// Keys returns the keys with a recorded error in sorted order.
func (s *Sink) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]Key, 0, len(s.errs))
	for k := range s.errs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// OnChange registers an observer and returns a function that removes it.
// Observers run on the goroutine that changed the sink, after the sink lock
// has been released, so they may call back into the sink.
func (s *Sink) OnChange(fn Observer) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

// snapshotObservers copies the observers in registration order. Callers must
// hold s.mu.
func (s *Sink) snapshotObservers() []Observer {
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]Observer, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.observers[id])
	}
	return out
}

func notify(observers []Observer, size int) {
	for _, fn := range observers {
		fn(size)
	}
}
