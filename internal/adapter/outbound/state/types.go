// Package state provides the file-backed durable storage for Mailria.
//
// All contexts on a machine share one storage.json file. Writes are atomic
// (write-tmp-then-rename) and serialized across processes with flock, so the
// file is always a complete document. Change notification is driven by
// fsnotify; named locks use one lock file per name.
package state

import "time"

// FileName is the name of the shared storage document inside the storage dir.
const FileName = "storage.json"

// Document is the structure persisted in storage.json.
type Document struct {
	// Writer is the context ID of the last process that wrote the file.
	Writer string `json:"writer"`

	// Items are the stored key/value pairs.
	Items map[string]string `json:"items"`

	// Seq numbers the writes of Writer. The watcher uses it to tell which of
	// its own writes a given file version includes.
	Seq uint64 `json:"seq,omitempty"`

	// UpdatedAt is the time of the last write.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// emptyDocument returns a Document with no items.
func emptyDocument() *Document {
	return &Document{Items: map[string]string{}}
}
