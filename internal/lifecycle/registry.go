// Package lifecycle tracks live secret buffers so they can all be wiped on
// shutdown or when a termination signal arrives.
package lifecycle

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by Register once TeardownAll has started.
	ErrClosed = errors.New("registry closed")
	// ErrDuplicate is returned when an ID is registered twice.
	ErrDuplicate = errors.New("entry already registered")
)

// Entry is the bookkeeping record for one buffer. It never carries secret
// contents.
type Entry struct {
	ID      uuid.UUID
	Created time.Time
	Owner   string
}

// Target is something TeardownAll can force-wipe.
type Target interface {
	ForceDestroy() error
}

type record struct {
	entry  Entry
	target Target
}

// Registry is a process-wide record of live buffers. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]record
	closed  bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[uuid.UUID]record),
	}
}

// Register adds a buffer. It fails with ErrClosed after TeardownAll began,
// in which case the caller still owns the target and must destroy it.
func (r *Registry) Register(e Entry, t Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, ok := r.entries[e.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, e.ID)
	}
	r.entries[e.ID] = record{entry: e, target: t}
	return nil
}

// Unregister removes a buffer and reports whether it was present.
func (r *Registry) Unregister(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

// Entries returns a snapshot ordered by creation time.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for _, rec := range r.entries {
		out = append(out, rec.entry)
	}
	r.mu.Unlock()

	sortEntries(out)
	return out
}

// Targets returns a snapshot of the registered targets ordered by creation
// time. The registry stays open.
func (r *Registry) Targets() []Target {
	r.mu.Lock()
	records := make([]record, 0, len(r.entries))
	for _, rec := range r.entries {
		records = append(records, rec)
	}
	r.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		return entryLess(records[i].entry, records[j].entry)
	})
	out := make([]Target, len(records))
	for i, rec := range records {
		out[i] = rec.target
	}
	return out
}

// Len returns the number of live buffers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Closed reports whether TeardownAll has run.
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// TeardownAll closes the registry and force-destroys every buffer in it.
//
// The registry lock is held only to swap the entry table out, so a
// concurrent Register either lands in the drained set or is refused. A
// failing buffer never stops the others from being wiped; failures are
// returned together as a *TeardownError. TeardownAll does not log.
func (r *Registry) TeardownAll() error {
	r.mu.Lock()
	r.closed = true
	drained := r.entries
	r.entries = make(map[uuid.UUID]record)
	r.mu.Unlock()

	if len(drained) == 0 {
		return nil
	}

	records := make([]record, 0, len(drained))
	for _, rec := range drained {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return entryLess(records[i].entry, records[j].entry)
	})

	var failures []Failure
	for _, rec := range records {
		if err := destroy(rec.target); err != nil {
			failures = append(failures, Failure{Entry: rec.entry, Err: err})
		}
	}

	if len(failures) == 0 {
		return nil
	}
	return &TeardownError{Total: len(records), Failures: failures}
}

// destroy converts a panicking target into an error so the remaining
// buffers are still wiped.
func destroy(t Target) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during wipe: %v", p)
		}
	}()
	return t.ForceDestroy()
}

// Failure records one buffer that could not be wiped cleanly.
type Failure struct {
	Entry Entry
	Err   error
}

// TeardownError collects every failure of a TeardownAll run.
type TeardownError struct {
	Total    int
	Failures []Failure
}

func (e *TeardownError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "teardown: %d of %d buffers failed to wipe", len(e.Failures), e.Total)
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "; %s", f.Entry.ID)
		if f.Entry.Owner != "" {
			fmt.Fprintf(&b, " (%s)", f.Entry.Owner)
		}
		fmt.Fprintf(&b, ": %v", f.Err)
	}
	return b.String()
}

// Unwrap exposes each cause to errors.Is and errors.As.
func (e *TeardownError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entryLess(entries[i], entries[j])
	})
}

func entryLess(a, b Entry) bool {
	if !a.Created.Equal(b.Created) {
		return a.Created.Before(b.Created)
	}
	return a.ID.String() < b.ID.String()
}
