// Package mergeable wraps automerge documents as immutable values.
//
// Every operation returns a new *Doc, or the input pointer itself when the
// operation did not add anything. Callers compare pointers to decide whether
// something changed, so returning the input when possible is part of the
// contract.
package mergeable

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

// genesisActor writes the shared skeleton of every initialised document.
const genesisActor = "00000000000000000000000000000000"

var genesisTime = time.Unix(0, 0).UTC()

// ErrDecode is returned when saved bytes cannot be turned back into a document.
var ErrDecode = errors.New("mergeable: failed to decode document")

// Doc is one immutable snapshot of a replicated document.
type Doc struct {
	am    *automerge.Doc
	actor string

	// mu is shared by duplicates since they share am.
	mu *sync.Mutex

	hashesOnce *sync.Once
	hashes     map[automerge.ChangeHash]struct{}
	hashesErr  error

	conflictsOnce *sync.Once
	conflicts     Conflicts
	conflictsErr  error
}

func wrap(am *automerge.Doc, actor string) *Doc {
	return &Doc{am: am, actor: actor, mu: new(sync.Mutex), hashesOnce: new(sync.Once), conflictsOnce: new(sync.Once)}
}

// NewActorID returns a fresh random actor id in the hex form automerge expects.
func NewActorID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// ActorID identifies the replica that will author the next change made to this document.
func (d *Doc) ActorID() string {
	return d.actor
}

// fork copies the underlying automerge document, keeping this document's actor.
func (d *Doc) fork() (*automerge.Doc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	am, err := d.am.Fork()
	if err != nil {
		return nil, fmt.Errorf("failed to fork doc: %w", err)
	}
	if err := am.SetActorID(d.actor); err != nil {
		return nil, fmt.Errorf("failed to set actor: %w", err)
	}
	return am, nil
}

// Init creates a document holding plain, authored by a fresh actor.
//
// Top level containers are created by a deterministic genesis change so that
// documents initialised independently agree on container identity and merge
// key by key.
func Init(plain map[string]any) (*Doc, error) {
	plain, err := ToPlainMap(plain)
	if err != nil {
		return nil, err
	}
	am := automerge.New()
	if err := am.SetActorID(genesisActor); err != nil {
		return nil, fmt.Errorf("failed to set genesis actor: %w", err)
	}
	keys := make([]string, 0, len(plain))
	for k := range plain {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	created := false
	for _, k := range keys {
		switch plain[k].(type) {
		case map[string]any:
			if err := am.Path(k).Set(automerge.NewMap()); err != nil {
				return nil, fmt.Errorf("failed to create map %q: %w", k, err)
			}
			created = true
		case []any:
			if err := am.Path(k).Set(automerge.NewList()); err != nil {
				return nil, fmt.Errorf("failed to create list %q: %w", k, err)
			}
			created = true
		}
	}
	if created {
		if _, err := am.Commit("genesis", automerge.CommitOptions{Time: &genesisTime}); err != nil {
			return nil, fmt.Errorf("failed to commit genesis: %w", err)
		}
	}
	actor := NewActorID()
	if err := am.SetActorID(actor); err != nil {
		return nil, fmt.Errorf("failed to set actor: %w", err)
	}
	return Update(wrap(am, actor), plain)
}

// Clone returns a document with the same history under a new actor id.
func Clone(d *Doc) (*Doc, error) {
	d.mu.Lock()
	am, err := d.am.Fork()
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to fork doc: %w", err)
	}
	actor := NewActorID()
	if err := am.SetActorID(actor); err != nil {
		return nil, fmt.Errorf("failed to set actor: %w", err)
	}
	return wrap(am, actor), nil
}

// Change applies fn to a copy of d. When fn records no operation, d itself is
// returned. An error from fn discards every operation it made.
func Change(d *Doc, fn func(tx *Tx) error) (*Doc, error) {
	am, err := d.fork()
	if err != nil {
		return nil, err
	}
	tx := &Tx{am: am, base: d}
	if err := fn(tx); err != nil {
		return nil, err
	}
	if tx.rec.empty() {
		return d, nil
	}
	msg, err := tx.rec.encode()
	if err != nil {
		return nil, err
	}
	if _, err := am.Commit(msg); err != nil {
		return nil, fmt.Errorf("failed to commit change: %w", err)
	}
	return wrap(am, d.actor), nil
}

// Update makes d hold plain, writing only the leaves that differ.
func Update(d *Doc, plain map[string]any) (*Doc, error) {
	plain, err := ToPlainMap(plain)
	if err != nil {
		return nil, err
	}
	return Change(d, func(tx *Tx) error {
		return tx.assignMap(nil, plain, true)
	})
}

// Merge folds the history of b into a. When b holds nothing a lacks, a is
// returned. Neither input is modified.
func Merge(a, b *Doc) (*Doc, error) {
	if a == b || b == nil {
		return a, nil
	}
	changed, err := hasChanged(a, b)
	if err != nil {
		return nil, err
	}
	if !changed {
		return a, nil
	}
	am, err := a.fork()
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	_, err = am.Merge(b.am)
	b.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to merge docs: %w", err)
	}
	return wrap(am, a.actor), nil
}

// HasChanged reports whether next holds history that prev does not.
func HasChanged(prev, next *Doc) bool {
	changed, err := hasChanged(prev, next)
	if err != nil {
		// An unreadable history is treated as a change so that it gets synced.
		return true
	}
	return changed
}

func hasChanged(prev, next *Doc) (bool, error) {
	if prev == next {
		return false, nil
	}
	if prev == nil || next == nil {
		return true, nil
	}
	known, err := prev.knownHashes()
	if err != nil {
		return false, err
	}
	next.mu.Lock()
	heads := next.am.Heads()
	next.mu.Unlock()
	for _, h := range heads {
		if _, ok := known[h]; !ok {
			return true, nil
		}
	}
	return false, nil
}

func (d *Doc) knownHashes() (map[automerge.ChangeHash]struct{}, error) {
	d.hashesOnce.Do(func() {
		d.mu.Lock()
		changes, err := d.am.Changes()
		d.mu.Unlock()
		if err != nil {
			d.hashesErr = fmt.Errorf("failed to list changes: %w", err)
			return
		}
		d.hashes = make(map[automerge.ChangeHash]struct{}, len(changes))
		for _, c := range changes {
			d.hashes[c.Hash()] = struct{}{}
		}
	})
	return d.hashes, d.hashesErr
}

// Duplicate returns a new pointer to the same document, for consumers that
// need to observe a new value without a logical change.
func Duplicate(d *Doc) *Doc {
	return &Doc{am: d.am, actor: d.actor, mu: d.mu, hashesOnce: new(sync.Once), conflictsOnce: new(sync.Once)}
}

// Heads returns the hex hashes of the latest changes.
func (d *Doc) Heads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	heads := d.am.Heads()
	out := make([]string, len(heads))
	for i, h := range heads {
		out[i] = h.String()
	}
	return out
}

// Plain materialises the whole document.
func (d *Doc) Plain() (map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := plainValue(d.am.Root())
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("document root is %T, not a map", v)
	}
	return m, nil
}

// Get returns the plain value at path and whether it exists.
func (d *Doc) Get(path ...string) (any, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return getPlain(d.am, path)
}

// Save encodes d together with its actor id.
func Save(d *Doc) []byte {
	d.mu.Lock()
	raw := d.am.Save()
	d.mu.Unlock()
	out := make([]byte, 0, len(d.actor)+1+len(raw))
	out = append(out, d.actor...)
	out = append(out, 0)
	return append(out, raw...)
}

// Load decodes bytes produced by Save. The saved actor id is restored.
func Load(data []byte) (*Doc, error) {
	split := -1
	for i, b := range data {
		if b == 0 {
			split = i
			break
		}
	}
	if split <= 0 {
		return nil, fmt.Errorf("%w: no actor id found", ErrDecode)
	}
	actor := string(data[:split])
	if _, err := hex.DecodeString(actor); err != nil {
		return nil, fmt.Errorf("%w: invalid actor id: %v", ErrDecode, err)
	}
	am, err := automerge.Load(data[split+1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := am.SetActorID(actor); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return wrap(am, actor), nil
}
