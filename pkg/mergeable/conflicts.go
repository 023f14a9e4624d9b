package mergeable

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/automerge/automerge-go"
)

// Candidate is one concurrently written value of a conflicted field.
type Candidate struct {
	ActorID string
	Value   any
}

// Conflicts maps a JoinPath-encoded field path to its competing values.
type Conflicts map[string][]Candidate

// Paths returns the conflicted paths in sorted order.
func (c Conflicts) Paths() [][]string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]string, len(keys))
	for i, k := range keys {
		out[i] = SplitPath(k)
	}
	return out
}

type write struct {
	change *automerge.Change
	path   []string
	set    bool
}

// history indexes the recorded writes of a document by change.
type history struct {
	changes map[automerge.ChangeHash]*automerge.Change
	anc     map[automerge.ChangeHash]map[automerge.ChangeHash]struct{}
	byPath  map[string][]write
}

func newHistory(changes []*automerge.Change) *history {
	h := &history{
		changes: make(map[automerge.ChangeHash]*automerge.Change, len(changes)),
		anc:     map[automerge.ChangeHash]map[automerge.ChangeHash]struct{}{},
		byPath:  map[string][]write{},
	}
	for _, c := range changes {
		h.changes[c.Hash()] = c
		rec, ok := decodeRecord(c.Message())
		if !ok {
			continue
		}
		for _, p := range rec.Set {
			h.add(write{change: c, path: p, set: true})
		}
		for _, p := range rec.Del {
			h.add(write{change: c, path: p})
		}
		for _, p := range rec.List {
			h.add(write{change: c, path: p})
		}
	}
	return h
}

func (h *history) add(w write) {
	key := JoinPath(w.path...)
	writes := h.byPath[key]
	for i := range writes {
		if writes[i].change.Hash() == w.change.Hash() {
			writes[i].set = writes[i].set || w.set
			return
		}
	}
	h.byPath[key] = append(writes, w)
}

// ancestors returns every change reachable through the dependencies of hash.
func (h *history) ancestors(hash automerge.ChangeHash) map[automerge.ChangeHash]struct{} {
	if a, ok := h.anc[hash]; ok {
		return a
	}
	out := map[automerge.ChangeHash]struct{}{}
	// Mark before recursing so a malformed cycle terminates.
	h.anc[hash] = out
	c, ok := h.changes[hash]
	if !ok {
		return out
	}
	for _, dep := range c.Dependencies() {
		out[dep] = struct{}{}
		for a := range h.ancestors(dep) {
			out[a] = struct{}{}
		}
	}
	return out
}

// superseded reports whether a causal successor of w wrote w's path or one of
// its parents.
func (h *history) superseded(w write) bool {
	for i := 0; i <= len(w.path); i++ {
		for _, other := range h.byPath[JoinPath(w.path[:i]...)] {
			if other.change.Hash() == w.change.Hash() {
				continue
			}
			if _, ok := h.ancestors(other.change.Hash())[w.change.Hash()]; ok {
				return true
			}
		}
	}
	return false
}

// Conflicts returns every field holding more than one live concurrent value,
// or nil when there is none. Lists merge element-wise and never conflict.
func (d *Doc) Conflicts() (Conflicts, error) {
	d.conflictsOnce.Do(func() {
		d.conflicts, d.conflictsErr = d.computeConflicts()
	})
	return d.conflicts, d.conflictsErr
}

func (d *Doc) computeConflicts() (Conflicts, error) {
	d.mu.Lock()
	changes, err := d.am.Changes()
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	h := newHistory(changes)

	keys := make([]string, 0, len(h.byPath))
	for k := range h.byPath {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	forks := map[automerge.ChangeHash]*automerge.Doc{}
	var out Conflicts
	for _, key := range keys {
		var live []write
		for _, w := range h.byPath[key] {
			if w.set && !h.superseded(w) {
				live = append(live, w)
			}
		}
		if len(live) < 2 {
			continue
		}
		candidates := make([]Candidate, 0, len(live))
		for _, w := range live {
			v, err := d.valueAsOf(forks, w.change.Hash(), w.path)
			if err != nil {
				return nil, err
			}
			if _, isList := v.([]any); isList {
				candidates = nil
				break
			}
			candidates = append(candidates, Candidate{ActorID: w.change.ActorID(), Value: v})
		}
		if !distinct(candidates) {
			continue
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].ActorID < candidates[j].ActorID
		})
		if out == nil {
			out = Conflicts{}
		}
		out[key] = candidates
	}
	return out, nil
}

func (d *Doc) valueAsOf(forks map[automerge.ChangeHash]*automerge.Doc, hash automerge.ChangeHash, path []string) (any, error) {
	am, ok := forks[hash]
	if !ok {
		d.mu.Lock()
		f, err := d.am.Fork(hash)
		d.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("failed to fork at %s: %w", hash, err)
		}
		forks[hash] = f
		am = f
	}
	v, _, err := getPlain(am, path)
	return v, err
}

// distinct reports whether at least two candidates carry different values.
func distinct(candidates []Candidate) bool {
	for i := 1; i < len(candidates); i++ {
		if !reflect.DeepEqual(candidates[0].Value, candidates[i].Value) {
			return true
		}
	}
	return false
}
