package mergeable

import (
	"fmt"
	"time"
)

// HistoryEntry describes one change of a document and the value of a path
// right after it.
type HistoryEntry struct {
	Hash    string
	Actor   string
	Seq     uint64
	Deps    []string
	Time    time.Time
	Message string
	Writes  []string
	Value   any
	Present bool
}

// History lists the changes of d in the order automerge reports them.
func History(d *Doc, path ...string) ([]HistoryEntry, error) {
	d.mu.Lock()
	changes, err := d.am.Changes()
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	out := make([]HistoryEntry, 0, len(changes))
	for _, c := range changes {
		entry := HistoryEntry{
			Hash:    c.Hash().String(),
			Actor:   c.ActorID(),
			Seq:     c.ActorSeq(),
			Time:    c.Timestamp(),
			Message: c.Message(),
		}
		for _, dep := range c.Dependencies() {
			entry.Deps = append(entry.Deps, dep.String())
		}
		if rec, ok := decodeRecord(c.Message()); ok {
			for _, p := range rec.Set {
				entry.Writes = append(entry.Writes, "set "+JoinPath(p...))
			}
			for _, p := range rec.Del {
				entry.Writes = append(entry.Writes, "del "+JoinPath(p...))
			}
			for _, p := range rec.List {
				entry.Writes = append(entry.Writes, "list "+JoinPath(p...))
			}
		}

		d.mu.Lock()
		forked, err := d.am.Fork(c.Hash())
		d.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("failed to fork at %s: %w", entry.Hash, err)
		}
		v, ok, err := getPlain(forked, path)
		if err != nil {
			return nil, err
		}
		entry.Value, entry.Present = v, ok
		out = append(out, entry)
	}
	return out, nil
}
