// Package syncmanager combines the main state and the sample payloads into
// the single store the board reads from.
package syncmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/arseneyr/speakerbox/pkg/backend"
	"github.com/arseneyr/speakerbox/pkg/model"
	"github.com/arseneyr/speakerbox/pkg/sampledata"
	"github.com/arseneyr/speakerbox/pkg/statemanager"
	"github.com/arseneyr/speakerbox/pkg/watch"
	"github.com/arseneyr/speakerbox/pkg/worker"
)

var (
	// ErrBadIndex is returned by MoveSample for positions outside the list.
	ErrBadIndex = errors.New("sample index out of range")

	ErrSampleExists = errors.New("sample already exists")
)

type Options struct {
	Logger       *slog.Logger
	Strict       bool
	RetryBackoff func() backoff.BackOff
	MaxFetches   int64
}

// Sample is one board entry. Status tells a payload that is still loading
// apart from one that failed or is unknown.
type Sample struct {
	ID         model.SampleID
	Title      string
	RevisionID model.RevisionID
	Data       []byte
	Status     sampledata.Status
	Err        error
	Conflicts  map[string]statemanager.Conflict
}

type NewSample struct {
	ID    model.SampleID
	Title string
	Data  []byte
}

// SampleUpdate changes the fields that are set.
type SampleUpdate struct {
	ID    model.SampleID
	Title *string
	Data  []byte
}

type snapshot struct {
	samples []Sample
	gen     uint64
}

type Manager struct {
	state  *statemanager.Manager
	data   *sampledata.Manager
	logger *slog.Logger

	mu      sync.Mutex
	gen     uint64
	reqMu   sync.Mutex
	samples *watch.Value[snapshot]
	cancels []func()
}

func New(local backend.Local, remote backend.Remote, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		state: statemanager.New(local, remote, statemanager.Options{
			Logger:       opts.Logger.With("component", "state"),
			Strict:       opts.Strict,
			RetryBackoff: opts.RetryBackoff,
		}),
		data: sampledata.New(local, remote, sampledata.Options{
			Logger:     opts.Logger.With("component", "sampledata"),
			MaxFetches: opts.MaxFetches,
		}),
		logger:  opts.Logger,
		samples: watch.New(snapshot{}),
	}
}

// Init loads the local state and starts syncing.
func (m *Manager) Init(ctx context.Context) error {
	if err := m.state.Init(ctx); err != nil {
		return fmt.Errorf("failed to init state manager: %w", err)
	}
	m.cancels = append(m.cancels,
		m.state.Subscribe(m.onStateChange),
		m.data.Subscribe(m.refresh),
	)
	return m.state.Start()
}

// onStateChange requests the revisions of the current view. Listeners may
// run out of order so the delivered view is only a signal.
func (m *Manager) onStateChange(*statemanager.View) {
	m.reqMu.Lock()
	if v := m.state.View(); v != nil {
		m.data.SetRequested(v.Revisions())
	}
	m.reqMu.Unlock()
	m.refresh()
}

func (m *Manager) refresh() {
	v := m.state.View()
	if v == nil {
		return
	}
	m.mu.Lock()
	m.gen++
	next := snapshot{gen: m.gen}
	for _, id := range v.SampleList {
		info, ok := v.Samples[id]
		if !ok {
			m.logger.Debug("sample list references missing sample", "id", string(id))
			continue
		}
		e := m.data.Get(info.RevisionID)
		next.samples = append(next.samples, Sample{
			ID:         id,
			Title:      info.Title,
			RevisionID: info.RevisionID,
			Data:       e.Data,
			Status:     e.Status,
			Err:        e.Err,
			Conflicts:  v.Conflicts[id],
		})
	}
	m.mu.Unlock()
	m.samples.Update(func(cur snapshot) (snapshot, bool) {
		if cur.gen >= next.gen {
			return cur, false
		}
		return next, true
	})
}

// Samples returns the board in display order.
func (m *Manager) Samples() []Sample {
	return m.samples.Get().samples
}

func (m *Manager) Subscribe(fn func([]Sample)) (cancel func()) {
	return m.samples.Subscribe(func(s snapshot) { fn(s.samples) })
}

// View exposes the main state view including conflicts on samples that
// are not listed.
func (m *Manager) View() *statemanager.View {
	return m.state.View()
}

// AddSample stores the payload under a fresh revision and appends the
// sample. It returns once the payload is stored locally.
func (m *Manager) AddSample(ctx context.Context, s NewSample) (model.RevisionID, error) {
	rev := model.NewRevisionID()
	local, _ := m.data.AddSampleData(rev, s.Data)
	if err := m.state.UpdateMainState(func(mu model.Mutator) error {
		if _, exists, err := mu.Sample(s.ID); err != nil {
			return err
		} else if exists {
			return fmt.Errorf("%w: %s", ErrSampleExists, s.ID)
		}
		if err := mu.PutSample(s.ID, model.SampleInfo{Title: s.Title, RevisionID: rev}); err != nil {
			return err
		}
		return mu.AppendSample(s.ID)
	}); err != nil {
		m.data.DeleteSampleData(rev)
		return "", err
	}
	if err := local.Wait(ctx); err != nil {
		return "", err
	}
	return rev, nil
}

// UpdateSample edits a sample. New data gets a new revision: its payload
// is cached before the metadata points at it, and the old payload is only
// deleted after the new one is stored.
func (m *Manager) UpdateSample(ctx context.Context, u SampleUpdate) error {
	var newRev, oldRev model.RevisionID
	if u.Data != nil {
		newRev = model.NewRevisionID()
	}
	var synced *worker.Completion
	if newRev != "" {
		_, synced = m.data.AddSampleData(newRev, u.Data)
	}
	err := m.state.UpdateMainState(func(mu model.Mutator) error {
		info, ok, err := mu.Sample(u.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", model.ErrNoSample, u.ID)
		}
		if newRev != "" {
			oldRev = info.RevisionID
			if err := mu.SetRevision(u.ID, newRev); err != nil {
				return err
			}
		}
		if u.Title != nil {
			return mu.SetTitle(u.ID, *u.Title)
		}
		return nil
	})
	if err != nil {
		if newRev != "" {
			m.data.DeleteSampleData(newRev)
		}
		return err
	}
	if newRev == "" {
		return nil
	}
	if err := synced.Wait(ctx); err != nil {
		return fmt.Errorf("failed to store new sample data: %w", err)
	}
	if oldRev == "" || oldRev == newRev {
		return nil
	}
	_, deleted := m.data.DeleteSampleData(oldRev)
	if err := deleted.Wait(ctx); err != nil {
		return fmt.Errorf("failed to delete old sample data: %w", err)
	}
	return nil
}

// SetSampleOrder replaces the display order.
func (m *Manager) SetSampleOrder(ids []model.SampleID) error {
	return m.state.UpdateMainState(func(mu model.Mutator) error {
		return mu.SetSampleList(ids)
	})
}

// MoveSample moves the sample at position from to position to.
func (m *Manager) MoveSample(from, to int) error {
	return m.state.UpdateMainState(func(mu model.Mutator) error {
		list, err := mu.SampleList()
		if err != nil {
			return err
		}
		if from < 0 || from >= len(list) || to < 0 || to >= len(list) {
			return fmt.Errorf("%w: %d -> %d of %d", ErrBadIndex, from, to, len(list))
		}
		if from == to {
			return nil
		}
		id := list[from]
		list = append(list[:from], list[from+1:]...)
		list = append(list[:to], append([]model.SampleID{id}, list[to:]...)...)
		return mu.SetSampleList(list)
	})
}

// DeleteSample removes a sample and then its payload.
func (m *Manager) DeleteSample(ctx context.Context, id model.SampleID) error {
	var rev model.RevisionID
	if err := m.state.UpdateMainState(func(mu model.Mutator) error {
		info, ok, err := mu.Sample(id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", model.ErrNoSample, id)
		}
		rev = info.RevisionID
		return mu.DeleteSample(id)
	}); err != nil {
		return err
	}
	_, synced := m.data.DeleteSampleData(rev)
	return synced.Wait(ctx)
}

// Poll pulls the remote state and waits for the payloads it references.
func (m *Manager) Poll(ctx context.Context) error {
	if err := m.state.Poll(ctx); err != nil {
		return err
	}
	return m.WaitIdle(ctx)
}

// WaitIdle blocks until neither manager has work in flight.
func (m *Manager) WaitIdle(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.state.WaitIdle(ctx) })
	g.Go(func() error { return m.data.WaitIdle(ctx) })
	return g.Wait()
}

// Close flushes pending work and stops both managers.
func (m *Manager) Close(ctx context.Context) error {
	for _, cancel := range m.cancels {
		cancel()
	}
	m.cancels = nil
	var g errgroup.Group
	g.Go(func() error { return m.state.Close(ctx) })
	g.Go(func() error {
		err := m.data.WaitIdle(ctx)
		m.data.Close()
		return err
	})
	return g.Wait()
}
