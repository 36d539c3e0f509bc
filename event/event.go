// event/event.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package event is a small observer registry for backup/restore
// lifecycle notifications. Listeners registered for an event name are
// invoked in registration order; each may vote to suppress the error the
// notification carries, and the votes are aggregated for the emitter.
// Suppression only affects what the emitter reports onward, never the
// outcome of the run itself.
package event

import "sync"

// Name identifies a lifecycle event.
type Name string

const (
	BackupStarted    Name = "backup_started"
	BlockStored      Name = "block_stored"
	BackupCompleted  Name = "backup_completed"
	RestoreStarted   Name = "restore_started"
	RestoreCompleted Name = "restore_completed"
)

// Event carries the identifiers of the run that emitted it. Err is set
// only on the completed events, and only when the run failed.
type Event struct {
	Name       Name
	Volume     string
	VersionUID string
	// BlockIndex is meaningful for BlockStored only.
	BlockIndex int64
	Err        error
}

// Listener observes one event. Returning true votes to suppress the
// event's error.
type Listener func(ev Event) bool

// Registry dispatches events to registered listeners. Safe for
// concurrent Register and Emit.
type Registry struct {
	mu        sync.RWMutex
	listeners map[Name][]Listener
}

func NewRegistry() *Registry {
	return &Registry{listeners: make(map[Name][]Listener)}
}

// Register adds l to the listeners for name, after any already
// registered.
func (r *Registry) Register(name Name, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[name] = append(r.listeners[name], l)
}

// Emit invokes every listener registered for ev.Name in registration
// order and reports whether any of them voted to suppress ev.Err. Every
// listener runs even after a suppress vote.
func (r *Registry) Emit(ev Event) bool {
	r.mu.RLock()
	ls := r.listeners[ev.Name]
	r.mu.RUnlock()

	suppress := false
	for _, l := range ls {
		if l(ev) {
			suppress = true
		}
	}
	return suppress
}
