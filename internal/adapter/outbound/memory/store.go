// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Mailria/mailria/internal/domain/storage"
)

// watcherBuffer is the per-watcher event queue length.
const watcherBuffer = 64

// Store is an in-memory key-value hub shared by any number of contexts.
// Each context obtains its own View; writes made through one View are
// delivered to watchers of every other View, like a browser storage event.
// Thread-safe for concurrent access. Nothing survives a restart.
type Store struct {
	mu       sync.RWMutex
	items    map[string]string
	watchers map[int]*watcher
	nextID   int

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

type watcher struct {
	origin string
	events chan storage.Event
	done   chan struct{}
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		items:    make(map[string]string),
		watchers: make(map[int]*watcher),
		locks:    make(map[string]chan struct{}),
	}
}

// View returns a Backend bound to contextID.
func (s *Store) View(contextID string) *View {
	return &View{store: s, contextID: contextID}
}

// Size returns the number of stored keys.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// WatcherCount returns the number of active watchers.
func (s *Store) WatcherCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.watchers)
}

func (s *Store) set(origin, key, value string) {
	s.mu.Lock()
	old, existed := s.items[key]
	if existed && old == value {
		s.mu.Unlock()
		return
	}
	s.items[key] = value
	targets := s.targetsLocked(origin)
	s.mu.Unlock()

	publish(targets, storage.Event{Key: key, OldValue: old, NewValue: value, Origin: origin})
}

func (s *Store) remove(origin, key string) {
	s.mu.Lock()
	old, existed := s.items[key]
	if !existed {
		s.mu.Unlock()
		return
	}
	delete(s.items, key)
	targets := s.targetsLocked(origin)
	s.mu.Unlock()

	publish(targets, storage.Event{Key: key, OldValue: old, Deleted: true, Origin: origin})
}

func (s *Store) clear(origin string) {
	s.mu.Lock()
	removed := s.items
	s.items = make(map[string]string)
	targets := s.targetsLocked(origin)
	s.mu.Unlock()

	keys := make([]string, 0, len(removed))
	for k := range removed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		publish(targets, storage.Event{Key: k, OldValue: removed[k], Deleted: true, Origin: origin})
	}
}

// targetsLocked returns the watchers of every context except origin.
func (s *Store) targetsLocked(origin string) []*watcher {
	out := make([]*watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		if w.origin != origin {
			out = append(out, w)
		}
	}
	return out
}

func publish(targets []*watcher, ev storage.Event) {
	for _, w := range targets {
		select {
		case w.events <- ev:
		case <-w.done:
		}
	}
}

func (s *Store) lockChan(name string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	ch, ok := s.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[name] = ch
	}
	return ch
}

// View is one context's handle on a Store.
type View struct {
	store     *Store
	contextID string
}

// ContextID returns the context the view writes as.
func (v *View) ContextID() string {
	return v.contextID
}

// Get implements storage.Backend.
func (v *View) Get(key string) (string, bool, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	value, ok := v.store.items[key]
	return value, ok, nil
}

// Set implements storage.Backend.
func (v *View) Set(key, value string) error {
	v.store.set(v.contextID, key, value)
	return nil
}

// Remove implements storage.Backend.
func (v *View) Remove(key string) error {
	v.store.remove(v.contextID, key)
	return nil
}

// Clear implements storage.Backend.
func (v *View) Clear() error {
	v.store.clear(v.contextID)
	return nil
}

// Keys implements storage.Backend.
func (v *View) Keys() ([]string, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	keys := make([]string, 0, len(v.store.items))
	for k := range v.store.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch implements storage.Watcher. It blocks until ctx is done.
func (v *View) Watch(ctx context.Context, fn func(storage.Event)) error {
	w := &watcher{
		origin: v.contextID,
		events: make(chan storage.Event, watcherBuffer),
		done:   make(chan struct{}),
	}

	v.store.mu.Lock()
	id := v.store.nextID
	v.store.nextID++
	v.store.watchers[id] = w
	v.store.mu.Unlock()

	defer func() {
		v.store.mu.Lock()
		delete(v.store.watchers, id)
		v.store.mu.Unlock()
		close(w.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-w.events:
			fn(ev)
		}
	}
}

// Lock implements storage.Locker.
func (v *View) Lock(ctx context.Context, name string) (func(), error) {
	ch := v.store.lockChan(name)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}

// Compile-time interface verification.
var (
	_ storage.Backend = (*View)(nil)
	_ storage.Watcher = (*View)(nil)
	_ storage.Locker  = (*View)(nil)
)
