package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/Mailria/mailria/internal/domain/storage"
)

// view is the last observed content of the storage file.
type view struct {
	digest uint64
	items  map[string]string
}

// Watch implements storage.Watcher. It watches the storage directory and
// calls fn for every key changed by another context. Keys changed by this
// store's own writes update the baseline but produce no events.
func (s *FileStore) Watch(ctx context.Context, fn func(storage.Event)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	s.watchers.Add(1)
	defer func() {
		if s.watchers.Add(-1) == 0 {
			s.ownMu.Lock()
			s.own = nil
			s.ownMu.Unlock()
		}
	}()
	last := s.read()
	s.logger.Debug("watching storage file", "path", s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != FileName {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			last = s.dispatch(last, fn)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("storage watcher: %w", err)
		}
	}
}

// read returns the current view of the file. Unreadable content yields an
// empty view with a zero digest.
func (s *FileStore) read() view {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return view{items: map[string]string{}}
	}
	doc, err := parseDocument(data)
	if err != nil {
		return view{items: map[string]string{}}
	}
	return view{digest: xxhash.Sum64(data), items: doc.Items}
}

// dispatch diffs the file against last and emits events for foreign writes.
func (s *FileStore) dispatch(last view, fn func(storage.Event)) view {
	data, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		s.logger.Debug("storage file unreadable", "error", err)
		return last
	}

	digest := xxhash.Sum64(data)
	if digest == last.digest && len(data) > 0 {
		return last
	}

	doc, err := parseDocument(data)
	if err != nil {
		// Partial content; the next event carries the full document.
		s.logger.Debug("skipping unparsable storage content", "error", err)
		return last
	}

	next := view{digest: digest, items: doc.Items}
	if doc.Writer != s.contextID {
		for _, ev := range diffItems(last.items, next.items, doc.Writer) {
			fn(ev)
		}
		return next
	}

	// Our own write may have carried a foreign change the watcher had not
	// seen yet. Keys this context did not touch are reported with an
	// unknown origin.
	own := s.takeOwn(doc.Seq)
	for _, ev := range diffItems(last.items, next.items, "") {
		if _, ok := own[ev.Key]; !ok {
			fn(ev)
		}
	}
	return next
}

// recordOwn notes the keys changed by this context's write number seq.
// Nothing is kept while no watcher runs.
func (s *FileStore) recordOwn(seq uint64, keys []string) {
	if s.watchers.Load() == 0 {
		return
	}
	s.ownMu.Lock()
	defer s.ownMu.Unlock()
	s.own = append(s.own, ownWrite{seq: seq, keys: keys})
}

// takeOwn removes and returns the keys of every own write up to seq.
func (s *FileStore) takeOwn(seq uint64) map[string]struct{} {
	s.ownMu.Lock()
	defer s.ownMu.Unlock()

	keys := make(map[string]struct{})
	i := 0
	for ; i < len(s.own) && s.own[i].seq <= seq; i++ {
		for _, k := range s.own[i].keys {
			keys[k] = struct{}{}
		}
	}
	s.own = s.own[i:]
	return keys
}

// diffItems returns one event per changed key, ordered by key.
func diffItems(before, after map[string]string, origin string) []storage.Event {
	var events []storage.Event
	for k, old := range before {
		if _, ok := after[k]; !ok {
			events = append(events, storage.Event{Key: k, OldValue: old, Deleted: true, Origin: origin})
		}
	}
	for k, v := range after {
		if old, ok := before[k]; !ok || old != v {
			events = append(events, storage.Event{Key: k, OldValue: old, NewValue: v, Origin: origin})
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Key < events[j].Key })
	return events
}
