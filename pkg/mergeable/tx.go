package mergeable

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/automerge/automerge-go"
)

// recordPrefix marks commit messages that carry a write record.
const recordPrefix = "mergeable:"

// record lists the paths a change wrote. It is stored as the commit message
// and later drives conflict detection.
type record struct {
	Set  [][]string `json:"set,omitempty"`
	Del  [][]string `json:"del,omitempty"`
	List [][]string `json:"list,omitempty"`
}

func (r *record) empty() bool {
	return len(r.Set) == 0 && len(r.Del) == 0 && len(r.List) == 0
}

func (r *record) encode() (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode change record: %w", err)
	}
	return recordPrefix + string(raw), nil
}

func decodeRecord(msg string) (record, bool) {
	var r record
	if !strings.HasPrefix(msg, recordPrefix) {
		return r, false
	}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(msg, recordPrefix)), &r); err != nil {
		return r, false
	}
	return r, true
}

func clonePath(path []string, extra ...string) []string {
	out := make([]string, 0, len(path)+len(extra))
	out = append(out, path...)
	return append(out, extra...)
}

// Tx collects the edits of one Change. Paths address map keys; lists are
// edited as a whole through SetList and Append.
type Tx struct {
	am   *automerge.Doc
	base *Doc
	rec  record

	conflicts       Conflicts
	conflictsLoaded bool
}

// Get reads the plain value at path as seen inside the transaction.
func (tx *Tx) Get(path ...string) (any, bool, error) {
	return getPlain(tx.am, path)
}

// Set writes value at path, creating missing parent maps. Maps are written
// key by key and lists are diffed. Writing the value a path already holds is
// skipped, unless that path is in conflict: re-asserting one side of a
// conflict is how a conflict gets resolved.
func (tx *Tx) Set(path []string, value any) error {
	plain, err := ToPlain(value)
	if err != nil {
		return err
	}
	if len(path) == 0 {
		m, ok := plain.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: root must be a map, got %T", ErrUnsupported, plain)
		}
		return tx.assignMap(nil, m, false)
	}
	return tx.assign(path, plain, false)
}

// SetList makes the list at path hold values, keeping the common prefix and
// suffix so concurrent edits elsewhere in the list survive a merge.
func (tx *Tx) SetList(path []string, values []any) error {
	plain, err := ToPlain(values)
	if err != nil {
		return err
	}
	list, _ := plain.([]any)
	return tx.assignList(path, list)
}

// Append adds values at the end of the list at path.
func (tx *Tx) Append(path []string, values ...any) error {
	if len(values) == 0 {
		return nil
	}
	plain, err := ToPlain(values)
	if err != nil {
		return err
	}
	items, _ := plain.([]any)
	if err := checkListItems(items); err != nil {
		return err
	}
	if tx.kindAt(path) != automerge.KindList {
		if err := tx.createAt(path, automerge.NewList()); err != nil {
			return err
		}
	}
	list, err := tx.listAt(path)
	if err != nil {
		return err
	}
	if err := list.Append(items...); err != nil {
		return fmt.Errorf("failed to append to %s: %w", JoinPath(path...), err)
	}
	tx.rec.List = append(tx.rec.List, clonePath(path))
	return nil
}

// Delete removes the key at path. Deleting a missing key does nothing.
func (tx *Tx) Delete(path ...string) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: cannot delete the root", ErrUnsupported)
	}
	if tx.kindAt(path) == automerge.KindVoid {
		return nil
	}
	if err := tx.am.Path(amPath(path)...).Delete(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", JoinPath(path...), err)
	}
	tx.rec.Del = append(tx.rec.Del, clonePath(path))
	return nil
}

func (tx *Tx) kindAt(path []string) automerge.Kind {
	if len(path) == 0 {
		return automerge.KindMap
	}
	v, err := tx.am.Path(amPath(path)...).Get()
	if err != nil || v == nil {
		return automerge.KindVoid
	}
	return v.Kind()
}

// listAt resolves the list object at path. A list taken from an unresolved
// path has no object id and cannot delete.
func (tx *Tx) listAt(path []string) (*automerge.List, error) {
	v, err := tx.am.Path(amPath(path)...).Get()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", JoinPath(path...), err)
	}
	if v == nil || v.Kind() != automerge.KindList {
		return nil, fmt.Errorf("%w: %s is not a list", ErrUnsupported, JoinPath(path...))
	}
	return v.List(), nil
}

func (tx *Tx) ensureParents(path []string) error {
	for i := 1; i < len(path); i++ {
		prefix := path[:i]
		if tx.kindAt(prefix) == automerge.KindMap {
			continue
		}
		if err := tx.am.Path(amPath(prefix)...).Set(automerge.NewMap()); err != nil {
			return fmt.Errorf("failed to create map at %s: %w", JoinPath(prefix...), err)
		}
		tx.rec.Set = append(tx.rec.Set, clonePath(prefix))
	}
	return nil
}

func (tx *Tx) createAt(path []string, container any) error {
	if err := tx.ensureParents(path); err != nil {
		return err
	}
	if err := tx.am.Path(amPath(path)...).Set(container); err != nil {
		return fmt.Errorf("failed to create container at %s: %w", JoinPath(path...), err)
	}
	tx.rec.Set = append(tx.rec.Set, clonePath(path))
	return nil
}

func (tx *Tx) assign(path []string, value any, diffOnly bool) error {
	switch v := value.(type) {
	case map[string]any:
		return tx.assignMap(path, v, diffOnly)
	case []any:
		return tx.assignList(path, v)
	default:
		return tx.assignScalar(path, v, diffOnly)
	}
}

func (tx *Tx) assignMap(path []string, m map[string]any, diffOnly bool) error {
	var existing []string
	if tx.kindAt(path) == automerge.KindMap {
		if len(path) == 0 {
			keys, err := tx.am.RootMap().Keys()
			if err != nil {
				return fmt.Errorf("failed to list root keys: %w", err)
			}
			existing = keys
		} else {
			keys, err := tx.am.Path(amPath(path)...).Map().Keys()
			if err != nil {
				return fmt.Errorf("failed to list keys of %s: %w", JoinPath(path...), err)
			}
			existing = keys
		}
	} else if err := tx.createAt(path, automerge.NewMap()); err != nil {
		return err
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := tx.assign(clonePath(path, k), m[k], diffOnly); err != nil {
			return err
		}
	}
	for _, k := range existing {
		if _, ok := m[k]; !ok {
			if err := tx.Delete(clonePath(path, k)...); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkListItems(items []any) error {
	for _, item := range items {
		switch item.(type) {
		case map[string]any, []any:
			return fmt.Errorf("%w: lists hold scalars only", ErrUnsupported)
		}
	}
	return nil
}

func (tx *Tx) assignList(path []string, values []any) error {
	if err := checkListItems(values); err != nil {
		return err
	}
	var current []any
	if tx.kindAt(path) == automerge.KindList {
		cur, _, err := getPlain(tx.am, path)
		if err != nil {
			return err
		}
		current, _ = cur.([]any)
	} else if err := tx.createAt(path, automerge.NewList()); err != nil {
		return err
	}

	prefix := 0
	for prefix < len(current) && prefix < len(values) && reflect.DeepEqual(current[prefix], values[prefix]) {
		prefix++
	}
	suffix := 0
	for suffix < len(current)-prefix && suffix < len(values)-prefix &&
		reflect.DeepEqual(current[len(current)-1-suffix], values[len(values)-1-suffix]) {
		suffix++
	}
	removed := len(current) - prefix - suffix
	inserted := values[prefix : len(values)-suffix]
	if removed == 0 && len(inserted) == 0 {
		return nil
	}

	list, err := tx.listAt(path)
	if err != nil {
		return err
	}
	for i := 0; i < removed; i++ {
		if err := list.Delete(prefix); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", JoinPath(path...), err)
		}
	}
	if len(inserted) > 0 {
		if err := list.Insert(prefix, inserted...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", JoinPath(path...), err)
		}
	}
	tx.rec.List = append(tx.rec.List, clonePath(path))
	return nil
}

func (tx *Tx) assignScalar(path []string, value any, diffOnly bool) error {
	current, ok, err := getPlain(tx.am, path)
	if err != nil {
		return err
	}
	if ok && reflect.DeepEqual(current, value) {
		if diffOnly {
			return nil
		}
		conflicted, err := tx.inConflict(path)
		if err != nil {
			return err
		}
		if !conflicted {
			return nil
		}
	}
	if err := tx.ensureParents(path); err != nil {
		return err
	}
	if err := tx.am.Path(amPath(path)...).Set(value); err != nil {
		return fmt.Errorf("failed to set %s: %w", JoinPath(path...), err)
	}
	tx.rec.Set = append(tx.rec.Set, clonePath(path))
	return nil
}

func (tx *Tx) inConflict(path []string) (bool, error) {
	if !tx.conflictsLoaded {
		c, err := tx.base.Conflicts()
		if err != nil {
			return false, err
		}
		tx.conflicts = c
		tx.conflictsLoaded = true
	}
	_, ok := tx.conflicts[JoinPath(path...)]
	return ok, nil
}
