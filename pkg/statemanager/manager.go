// Package statemanager keeps the main state of one device in sync with the
// signed in user's remote copy.
package statemanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/arseneyr/speakerbox/pkg/backend"
	"github.com/arseneyr/speakerbox/pkg/mergeable"
	"github.com/arseneyr/speakerbox/pkg/model"
	"github.com/arseneyr/speakerbox/pkg/watch"
	"github.com/arseneyr/speakerbox/pkg/worker"
)

var (
	// ErrDuplicateSample is returned in strict mode when a device that never
	// signed in holds a sample id that the remote state also uses.
	ErrDuplicateSample = errors.New("sample exists both locally and remotely")

	ErrNotInitialised = errors.New("state manager not initialised")
)

type Options struct {
	Logger *slog.Logger
	// Strict fails sign-in on colliding sample ids instead of renaming.
	Strict bool
	// RetryBackoff paces re-uploads after ErrRetry.
	RetryBackoff func() backoff.BackOff
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

type Manager struct {
	local  backend.Local
	remote backend.Remote
	logger *slog.Logger
	opts   Options

	mu          sync.Mutex
	initialised bool
	st          state
	// remoteDoc is the in-memory replica of the remote state, held while
	// signed in as remoteUser. tag is the remote tag it was last based on.
	remoteDoc  *mergeable.Doc
	remoteUser model.UserID
	tag        string
	gen        uint64
	stopWatch  context.CancelFunc

	view    *watch.Value[*View]
	syncing *worker.Counter

	persistLoop *worker.Loop
	uploadLoop  *worker.Loop
	signInLoop  *worker.Loop
	pollLoop    *worker.Loop

	unsubscribe func()
}

func New(local backend.Local, remote backend.Remote, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RetryBackoff == nil {
		opts.RetryBackoff = defaultBackoff
	}
	m := &Manager{
		local:   local,
		remote:  remote,
		logger:  opts.Logger,
		opts:    opts,
		view:    watch.New[*View](nil),
		syncing: worker.NewCounter(),
	}
	loopOpts := worker.LoopOptions{Logger: opts.Logger, Busy: m.syncing}
	m.persistLoop = worker.NewLoop("persist local state", m.persist, loopOpts)
	m.uploadLoop = worker.NewLoop("upload remote state", m.upload, loopOpts)
	m.signInLoop = worker.NewLoop("sign in", m.syncSignIn, loopOpts)
	m.pollLoop = worker.NewLoop("poll remote state", m.fetchAndMerge, loopOpts)
	return m
}

// Init loads the local state. It must be called before anything else.
func (m *Manager) Init(ctx context.Context) error {
	st, persist, err := m.loadLocal(ctx)
	if err != nil {
		return err
	}
	if persist {
		if err := m.writeLocal(ctx, st); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.st = st
	m.initialised = true
	v := m.nextViewLocked()
	m.mu.Unlock()
	m.publish(v)
	return nil
}

func (m *Manager) loadLocal(ctx context.Context) (state, bool, error) {
	raw, ok, err := m.local.GetState(ctx, model.LocalStateKey)
	if err != nil {
		return state{}, false, fmt.Errorf("failed to read local state: %w", err)
	}
	if !ok {
		return fullState(nil), true, nil
	}
	l, err := model.DecodeLocalState(raw)
	if err != nil {
		m.logger.Warn("discarding local state", "key", model.LocalStateKey, "err", err)
		return fullState(nil), true, nil
	}
	if !l.IsCached() {
		return state{local: l}, false, nil
	}
	doc, err := m.fetchCached(ctx, l.User())
	if err != nil {
		return state{}, false, err
	}
	if doc == nil {
		return fullState(&l), true, nil
	}
	return state{local: l, cached: doc}, false, nil
}

// fetchCached loads the cached document of user. Undecodable documents are
// deleted and reported as missing.
func (m *Manager) fetchCached(ctx context.Context, user model.UserID) (*mergeable.Doc, error) {
	raw, ok, err := m.local.GetState(ctx, string(user))
	if err != nil {
		return nil, fmt.Errorf("failed to read cached state: %w", err)
	}
	if !ok {
		return nil, nil
	}
	doc, err := model.DecodeMainStateDoc(raw)
	if err != nil {
		m.logger.Warn("deleting undecodable cached state", "key", string(user), "err", err)
		if err := m.local.DeleteState(ctx, string(user)); err != nil {
			m.logger.Error("failed to delete cached state", "key", string(user), "err", err)
		}
		return nil, nil
	}
	return doc, nil
}

// Start follows the remote sign-in state.
func (m *Manager) Start() error {
	m.mu.Lock()
	if !m.initialised {
		m.mu.Unlock()
		return ErrNotInitialised
	}
	m.mu.Unlock()
	m.unsubscribe = m.remote.SignedIn().Subscribe(func(s backend.SignedInState) {
		m.mu.Lock()
		held := m.remoteUser
		m.mu.Unlock()
		if held != "" && (!s.IsSignedIn() || s.User != held) {
			m.dropRemote()
		}
		_ = m.signInLoop.Trigger()
	})
	return nil
}

// Close stops following the remote once pending work has finished or ctx
// ends.
func (m *Manager) Close(ctx context.Context) error {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	err := m.WaitIdle(ctx)
	m.mu.Lock()
	if m.stopWatch != nil {
		m.stopWatch()
		m.stopWatch = nil
	}
	m.mu.Unlock()
	m.signInLoop.Close()
	m.pollLoop.Close()
	m.uploadLoop.Close()
	m.persistLoop.Close()
	return err
}

func (m *Manager) View() *View {
	return m.view.Get()
}

// Subscribe calls fn with the current view and after every change.
func (m *Manager) Subscribe(fn func(*View)) (cancel func()) {
	return m.view.Subscribe(fn)
}

// Syncing counts background jobs in flight.
func (m *Manager) Syncing() *watch.Value[int] {
	return m.syncing.Value()
}

func (m *Manager) WaitIdle(ctx context.Context) error {
	return m.syncing.WaitZero(ctx)
}

// UpdateMainState applies fn to the live state. The view reflects the
// change when UpdateMainState returns; persistence and upload follow in the
// background.
func (m *Manager) UpdateMainState(fn func(model.Mutator) error) error {
	v, persist, upload, err := m.applyUpdate(fn)
	if err != nil {
		return err
	}
	if v != nil {
		m.publish(v)
	}
	if persist {
		_ = m.persistLoop.Trigger()
	}
	if upload {
		_ = m.uploadLoop.Trigger()
	}
	return nil
}

// applyUpdate runs fn against the document of record under the lock and
// returns the view to publish along with the work to schedule.
func (m *Manager) applyUpdate(fn func(model.Mutator) error) (v *View, persist, upload bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialised {
		return nil, false, false, ErrNotInitialised
	}
	if !m.st.local.IsCached() {
		prev := *m.st.local.MainState
		next, err := model.Mutate(prev, fn)
		if err != nil {
			return nil, false, false, err
		}
		if reflect.DeepEqual(prev, next) {
			return nil, false, false, nil
		}
		m.st.local.MainState = &next
		return m.nextViewLocked(), true, false, nil
	}

	next, err := model.ChangeMainState(m.st.cached, fn)
	if err != nil {
		return nil, false, false, err
	}
	if next == m.st.cached {
		return nil, false, false, nil
	}
	if m.remoteDoc != nil {
		newRemote, err := mergeable.Merge(m.remoteDoc, next)
		if err != nil {
			return nil, false, false, err
		}
		upload = mergeable.HasChanged(m.remoteDoc, newRemote)
		m.remoteDoc = newRemote
	}
	m.st.cached = next
	return m.nextViewLocked(), true, upload, nil
}

// Poll fetches the remote state and merges it without waiting for a local
// change, then waits for the resulting work to finish.
func (m *Manager) Poll(ctx context.Context) error {
	m.syncing.Add(1)
	err := m.poll(ctx)
	m.syncing.Done()
	if err != nil {
		return err
	}
	return m.WaitIdle(ctx)
}

func (m *Manager) poll(ctx context.Context) error {
	s := m.remote.SignedIn().Get()
	if !s.IsSignedIn() {
		return nil
	}
	m.mu.Lock()
	current := m.remoteUser
	m.mu.Unlock()
	if current != s.User {
		return m.signInLoop.Trigger()
	}
	return m.fetchAndMerge(ctx)
}

func (m *Manager) nextViewLocked() *View {
	m.gen++
	return buildView(m.st, m.gen, m.logger)
}

// publish installs v unless a newer view is already visible.
func (m *Manager) publish(v *View) {
	m.view.Update(func(cur *View) (*View, bool) {
		if cur != nil && cur.gen >= v.gen {
			return cur, false
		}
		return v, true
	})
}

func (m *Manager) dropRemote() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remoteDoc = nil
	m.remoteUser = ""
	m.tag = ""
	if m.stopWatch != nil {
		m.stopWatch()
		m.stopWatch = nil
	}
}

func (m *Manager) persist(ctx context.Context) error {
	m.mu.Lock()
	st := m.st
	if st.local.MainState != nil {
		s := st.local.MainState.Clone()
		st.local.MainState = &s
	}
	m.mu.Unlock()
	return m.writeLocal(ctx, st)
}

// writeLocal stores the cached document before the local state that points
// at it.
func (m *Manager) writeLocal(ctx context.Context, st state) error {
	if st.cached != nil {
		if err := m.local.SetState(ctx, string(st.local.User()), mergeable.Save(st.cached)); err != nil {
			return fmt.Errorf("failed to write cached state: %w", err)
		}
	}
	raw, err := model.EncodeLocalState(st.local)
	if err != nil {
		return err
	}
	if err := m.local.SetState(ctx, model.LocalStateKey, raw); err != nil {
		return fmt.Errorf("failed to write local state: %w", err)
	}
	return nil
}

// fetchRemote reads the remote state. A missing or undecodable value is
// returned as nil; the tag is returned either way.
func (m *Manager) fetchRemote(ctx context.Context) (*mergeable.Doc, string, error) {
	entry, ok, err := m.remote.GetState(ctx, model.RemoteStateKey)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", nil
	}
	doc, err := model.DecodeMainStateDoc(entry.Value)
	if err != nil {
		m.logger.Warn("ignoring undecodable remote state", "key", model.RemoteStateKey, "err", err)
		return nil, entry.Tag, nil
	}
	return doc, entry.Tag, nil
}

func (m *Manager) syncSignIn(ctx context.Context) error {
	s := m.remote.SignedIn().Get()
	if !s.IsSignedIn() {
		return nil
	}
	m.mu.Lock()
	current := m.remoteUser
	m.mu.Unlock()
	if current == s.User {
		return nil
	}
	return m.signIn(ctx, s.User)
}

func (m *Manager) signIn(ctx context.Context, user model.UserID) error {
	m.mu.Lock()
	before := m.st
	m.mu.Unlock()

	var switched *state
	if before.local.IsCached() && before.local.User() != user {
		doc, err := m.fetchCached(ctx, user)
		if err != nil {
			return err
		}
		if doc == nil {
			if doc, err = model.InitMainStateDoc(model.NewMainState()); err != nil {
				return err
			}
		}
		switched = &state{local: model.NewCachedState(user, &before.local), cached: doc}
	}

	remoteDoc, tag, err := m.fetchRemote(ctx)
	if err != nil {
		m.logger.Warn("failed to fetch remote state", "user", string(user), "err", err)
		remoteDoc, tag = nil, ""
	}

	m.mu.Lock()
	if s := m.remote.SignedIn().Get(); !s.IsSignedIn() || s.User != user {
		m.mu.Unlock()
		return nil
	}
	prev := m.st
	if switched != nil && prev.local.IsCached() && prev.local.User() != user {
		prev = *switched
	}
	next, newRemote, err := m.mergeSignIn(prev, remoteDoc, user)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to merge remote state: %w", err)
	}
	m.st = next
	m.remoteDoc = newRemote
	m.remoteUser = user
	m.tag = tag
	upload := remoteDoc == nil || mergeable.HasChanged(remoteDoc, newRemote)
	v := m.nextViewLocked()
	m.startWatchLocked(user)
	m.mu.Unlock()

	m.logger.Info("signed in", "user", string(user), "upload", upload)
	m.publish(v)
	_ = m.persistLoop.Trigger()
	if upload {
		_ = m.uploadLoop.Trigger()
	}
	return nil
}

// fetchAndMerge pulls the remote state into both replicas and schedules an
// upload when the remote lacks local history.
func (m *Manager) fetchAndMerge(ctx context.Context) error {
	upload, err := m.pull(ctx)
	if err != nil {
		return err
	}
	if upload {
		_ = m.uploadLoop.Trigger()
	}
	return nil
}

func (m *Manager) pull(ctx context.Context) (bool, error) {
	m.mu.Lock()
	user := m.remoteUser
	m.mu.Unlock()
	if user == "" {
		return false, nil
	}
	fetched, tag, err := m.fetchRemote(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to fetch remote state: %w", err)
	}

	m.mu.Lock()
	if m.remoteUser != user || m.remoteDoc == nil {
		m.mu.Unlock()
		return false, nil
	}
	m.tag = tag
	if fetched == nil {
		m.mu.Unlock()
		return true, nil
	}
	newRemote, err := mergeable.Merge(fetched, m.remoteDoc)
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	upload := mergeable.HasChanged(fetched, newRemote)
	m.remoteDoc = newRemote
	newCached, err := mergeable.Merge(m.st.cached, newRemote)
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	var v *View
	if newCached != m.st.cached {
		m.st.cached = newCached
		v = m.nextViewLocked()
	}
	m.mu.Unlock()

	if v != nil {
		m.publish(v)
		_ = m.persistLoop.Trigger()
	}
	return upload, nil
}

// upload writes the remote replica until a write succeeds with no newer
// local history left to send.
func (m *Manager) upload(ctx context.Context) error {
	b := m.opts.RetryBackoff()
	b.Reset()
	for {
		m.mu.Lock()
		doc, tag, user := m.remoteDoc, m.tag, m.remoteUser
		m.mu.Unlock()
		if doc == nil || m.remote.SignedIn().Get().User != user {
			return nil
		}

		newTag, err := m.remote.SetState(ctx, model.RemoteStateKey, mergeable.Save(doc), tag)
		switch {
		case errors.Is(err, backend.ErrRetry):
			m.logger.Debug("remote state changed, merging before retry", "user", string(user))
			if err := sleep(ctx, b); err != nil {
				return err
			}
			if _, err := m.pull(ctx); err != nil {
				return err
			}
			continue
		case errors.Is(err, backend.ErrSignedOut), errors.Is(err, backend.ErrOffline):
			m.logger.Info("upload postponed", "user", string(user), "err", err)
			return nil
		case err != nil:
			return fmt.Errorf("failed to upload remote state: %w", err)
		}

		m.mu.Lock()
		if m.remoteUser != user || m.remoteDoc == nil {
			m.mu.Unlock()
			return nil
		}
		m.tag = newTag
		current := m.remoteDoc
		m.mu.Unlock()
		if !mergeable.HasChanged(doc, current) {
			return nil
		}
	}
}

func sleep(ctx context.Context, b backoff.BackOff) error {
	d := b.NextBackOff()
	if d == backoff.Stop {
		return fmt.Errorf("giving up on remote state: %w", backend.ErrRetry)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startWatchLocked follows the remote change feed, when there is one, and
// polls whenever another client writes the remote state.
func (m *Manager) startWatchLocked(user model.UserID) {
	n, ok := m.remote.(backend.Notifier)
	if !ok {
		return
	}
	if m.stopWatch != nil {
		m.stopWatch()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.stopWatch = cancel
	go func() {
		notices, err := n.Changes(ctx)
		if err != nil {
			m.logger.Debug("no change feed", "user", string(user), "err", err)
			return
		}
		for notice := range notices {
			if notice.Key != model.RemoteStateKey {
				continue
			}
			m.mu.Lock()
			stale := m.remoteUser == user && notice.Tag != m.tag
			m.mu.Unlock()
			if stale {
				_ = m.pollLoop.Trigger()
			}
		}
	}()
}
