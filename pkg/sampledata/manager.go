// Package sampledata caches sample payloads by revision, loading them from
// the local store or the remote on demand.
package sampledata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/arseneyr/speakerbox/pkg/backend"
	"github.com/arseneyr/speakerbox/pkg/model"
	"github.com/arseneyr/speakerbox/pkg/watch"
	"github.com/arseneyr/speakerbox/pkg/worker"
)

var (
	// ErrNoSampleData means neither store holds the payload, or the remote
	// could not be asked.
	ErrNoSampleData = errors.New("no sample data")

	// ErrCancelled ends a fetch whose revision stopped being requested.
	ErrCancelled = fmt.Errorf("sample fetch cancelled: %w", context.Canceled)

	// ErrExists is returned when adding a payload for a revision that
	// already has one. Revisions are immutable.
	ErrExists = errors.New("sample data already present")
)

type Status int

const (
	StatusAbsent Status = iota
	StatusLoading
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return "absent"
	}
}

type Entry struct {
	Data   []byte
	Status Status
	Err    error
}

type Options struct {
	Logger *slog.Logger
	// MaxFetches bounds concurrent fetches. Defaults to 4.
	MaxFetches int64
}

type entry struct {
	Entry
	cancel context.CancelFunc
	// pinned payloads were added locally and are kept until first requested.
	pinned bool
}

type Manager struct {
	local  backend.Local
	remote backend.Remote
	logger *slog.Logger
	sem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	busy   *worker.Counter

	mu        sync.Mutex
	entries   map[model.RevisionID]*entry
	requested map[model.RevisionID]struct{}
	version   *watch.Value[uint64]
}

func New(local backend.Local, remote backend.Remote, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxFetches <= 0 {
		opts.MaxFetches = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		local:     local,
		remote:    remote,
		logger:    opts.Logger,
		sem:       semaphore.NewWeighted(opts.MaxFetches),
		ctx:       ctx,
		cancel:    cancel,
		busy:      worker.NewCounter(),
		entries:   map[model.RevisionID]*entry{},
		requested: map[model.RevisionID]struct{}{},
		version:   watch.New[uint64](0),
	}
}

// Subscribe calls fn after every change to any entry.
func (m *Manager) Subscribe(fn func()) (cancel func()) {
	return m.version.Subscribe(func(uint64) { fn() })
}

func (m *Manager) notify() {
	m.version.Update(func(v uint64) (uint64, bool) { return v + 1, true })
}

// Get returns the state of rev. Data is only set when Status is StatusReady.
func (m *Manager) Get(rev model.RevisionID) Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[rev]
	if !ok {
		return Entry{Status: StatusAbsent}
	}
	return e.Entry
}

// SetRequested replaces the set of revisions that must be resident. New
// revisions start loading, failed ones are retried, and revisions that
// left the set are cancelled or evicted.
func (m *Manager) SetRequested(revs []model.RevisionID) {
	next := make(map[model.RevisionID]struct{}, len(revs))
	for _, r := range revs {
		next[r] = struct{}{}
	}

	m.mu.Lock()
	if sameSet(m.requested, next) {
		m.mu.Unlock()
		return
	}
	m.requested = next
	for rev := range next {
		e, ok := m.entries[rev]
		if ok {
			e.pinned = false
			if e.Status != StatusFailed {
				continue
			}
		}
		m.startLocked(rev)
	}
	for rev, e := range m.entries {
		if _, ok := next[rev]; ok || e.pinned {
			continue
		}
		if e.cancel != nil {
			e.cancel()
		}
		delete(m.entries, rev)
	}
	m.mu.Unlock()
	m.notify()
}

func sameSet(a, b map[model.RevisionID]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func (m *Manager) startLocked(rev model.RevisionID) {
	ctx, cancel := context.WithCancel(m.ctx)
	e := &entry{Entry: Entry{Status: StatusLoading}, cancel: cancel}
	m.entries[rev] = e
	m.busy.Add(1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.busy.Done()
		defer cancel()
		data, err := m.load(ctx, rev)
		m.finish(rev, e, data, err)
	}()
}

func (m *Manager) finish(rev model.RevisionID, e *entry, data []byte, err error) {
	m.mu.Lock()
	if m.entries[rev] != e {
		m.mu.Unlock()
		return
	}
	e.cancel = nil
	switch {
	case errors.Is(err, ErrCancelled):
		delete(m.entries, rev)
	case err != nil:
		m.logger.Warn("failed to load sample data", "revision", string(rev), "err", err)
		e.Status, e.Err = StatusFailed, err
	default:
		e.Status, e.Data = StatusReady, data
	}
	m.mu.Unlock()
	m.notify()
}

// load reads rev locally, then remotely when signed in. Remote payloads are
// written back to the local store.
func (m *Manager) load(ctx context.Context, rev model.RevisionID) ([]byte, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, ErrCancelled
	}
	defer m.sem.Release(1)

	key := model.SampleKey(rev)
	raw, ok, err := m.local.GetState(ctx, key)
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read local sample data: %w", err)
	}
	if ok {
		return raw, nil
	}
	if !m.remote.SignedIn().Get().IsSignedIn() {
		return nil, fmt.Errorf("%w: %s not stored locally", ErrNoSampleData, rev)
	}
	entry, ok, err := m.remote.GetState(ctx, key)
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoSampleData, rev, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSampleData, rev)
	}
	if err := m.local.SetState(ctx, key, entry.Value); err != nil {
		m.logger.Warn("failed to cache sample data", "revision", string(rev), "err", err)
	}
	return entry.Value, nil
}

// AddSampleData makes data readable immediately and stores it. The first
// completion resolves once the local store has it, the second once the
// remote has it too (or right after the local write when signed out).
func (m *Manager) AddSampleData(rev model.RevisionID, data []byte) (local, synced *worker.Completion) {
	m.mu.Lock()
	if e, ok := m.entries[rev]; ok && e.Status == StatusReady {
		m.mu.Unlock()
		err := fmt.Errorf("%w: %s", ErrExists, rev)
		return worker.Completed(err), worker.Completed(err)
	} else if ok && e.cancel != nil {
		e.cancel()
	}
	_, requested := m.requested[rev]
	data = append([]byte{}, data...)
	m.entries[rev] = &entry{Entry: Entry{Status: StatusReady, Data: data}, pinned: !requested}
	m.mu.Unlock()
	m.notify()

	key := model.SampleKey(rev)
	return m.store(func(ctx context.Context) error {
		if err := m.local.SetState(ctx, key, data); err != nil {
			return fmt.Errorf("failed to store sample data locally: %w", err)
		}
		return nil
	}, func(ctx context.Context) error {
		if _, err := m.remote.SetState(ctx, key, data, backend.AnyTag); err != nil {
			return fmt.Errorf("failed to upload sample data: %w", err)
		}
		return nil
	})
}

// DeleteSampleData drops rev from memory and from both stores.
func (m *Manager) DeleteSampleData(rev model.RevisionID) (local, synced *worker.Completion) {
	m.mu.Lock()
	if e, ok := m.entries[rev]; ok {
		if e.cancel != nil {
			e.cancel()
		}
		delete(m.entries, rev)
	}
	m.mu.Unlock()
	m.notify()

	key := model.SampleKey(rev)
	return m.store(func(ctx context.Context) error {
		if err := m.local.DeleteState(ctx, key); err != nil {
			return fmt.Errorf("failed to delete local sample data: %w", err)
		}
		return nil
	}, func(ctx context.Context) error {
		if err := m.remote.DeleteState(ctx, key); err != nil {
			return fmt.Errorf("failed to delete remote sample data: %w", err)
		}
		return nil
	})
}

func (m *Manager) store(local, remote func(context.Context) error) (*worker.Completion, *worker.Completion) {
	m.busy.Add(1)
	localDone := worker.Go(func() error { return local(m.ctx) })
	remoteDone := worker.Completed(nil)
	if m.remote.SignedIn().Get().IsSignedIn() {
		remoteDone = worker.Go(func() error { return remote(m.ctx) })
	}
	synced := worker.All(localDone, remoteDone)
	go func() {
		<-synced.Done()
		m.busy.Done()
	}()
	return localDone, synced
}

// WaitIdle blocks until no fetch or write is in flight.
func (m *Manager) WaitIdle(ctx context.Context) error {
	return m.busy.WaitZero(ctx)
}

// Close cancels every fetch and waits for them to return.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}
