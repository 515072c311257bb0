// Package journal is the append-only event log shown in the UI. Feed, ledger
// and runner append tagged entries; the gateway, the event bus and the
// notifier observe appends through hooks.
package journal

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"cryptodesk/internal/id"
	"cryptodesk/internal/model"
)

// DefaultRetention bounds how many entries are kept in memory.
const DefaultRetention = 5000

// Hook observes every appended entry. Hooks run synchronously in append order
// and must not call back into the journal.
type Hook func(model.LogEntry)

// Journal holds entries in sequence order. All methods are safe for
// concurrent use.
type Journal struct {
	// appendMu serializes append+dispatch so hooks see entries in seq order.
	appendMu sync.Mutex

	mu        sync.RWMutex
	entries   []model.LogEntry
	retention int
	seq       int64
	hooks     []Hook

	now func() time.Time
}

// New creates a journal keeping at most retention entries (DefaultRetention if ≤ 0).
func New(retention int) *Journal {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Journal{
		retention: retention,
		now:       time.Now,
	}
}

// OnAppend registers a hook for subsequent appends.
func (j *Journal) OnAppend(h Hook) {
	j.mu.Lock()
	j.hooks = append(j.hooks, h)
	j.mu.Unlock()
}

// Append records one entry and returns it with seq, id and timestamp filled.
func (j *Journal) Append(source string, tag model.Tag, text string) model.LogEntry {
	j.appendMu.Lock()
	defer j.appendMu.Unlock()

	j.mu.Lock()
	j.seq++
	ts := j.now().UTC()
	e := model.LogEntry{
		Seq:    j.seq,
		ID:     id.At(ts),
		TS:     ts,
		Source: source,
		Tag:    tag,
		Text:   text,
	}
	j.entries = append(j.entries, e)
	if over := len(j.entries) - j.retention; over > 0 {
		// drop the oldest without keeping the backing array alive forever
		j.entries = append([]model.LogEntry(nil), j.entries[over:]...)
	}
	hooks := j.hooks
	j.mu.Unlock()

	for _, h := range hooks {
		h(e)
	}
	return e
}

// Infof appends an INFO entry.
func (j *Journal) Infof(source, format string, args ...any) model.LogEntry {
	return j.Append(source, model.TagInfo, fmt.Sprintf(format, args...))
}

// Error appends an ERROR entry carrying err's message.
func (j *Journal) Error(source string, err error) model.LogEntry {
	return j.Append(source, model.TagError, err.Error())
}

// Entries returns a copy of every retained entry.
func (j *Journal) Entries() []model.LogEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]model.LogEntry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Since returns a copy of the retained entries with Seq > seq.
func (j *Journal) Since(seq int64) []model.LogEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	i := sort.Search(len(j.entries), func(i int) bool { return j.entries[i].Seq > seq })
	out := make([]model.LogEntry, len(j.entries)-i)
	copy(out, j.entries[i:])
	return out
}

// BySource returns a copy of the retained entries appended by source.
func (j *Journal) BySource(source string) []model.LogEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []model.LogEntry
	for _, e := range j.entries {
		if e.Source == source {
			out = append(out, e)
		}
	}
	return out
}

// Seq returns the sequence number of the most recent append.
func (j *Journal) Seq() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.seq
}
