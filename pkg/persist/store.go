// Package persist keeps a reducer-driven state in a mergeable document and
// syncs it to one remote key.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/arseneyr/speakerbox/pkg/backend"
	"github.com/arseneyr/speakerbox/pkg/mergeable"
	"github.com/arseneyr/speakerbox/pkg/watch"
	"github.com/arseneyr/speakerbox/pkg/worker"
)

// ErrNotStarted is returned by Poll before Start.
var ErrNotStarted = errors.New("persist store not started")

type Reducer[S, A any] func(S, A) S

// Backend is the part of a remote a store needs.
type Backend interface {
	GetState(ctx context.Context, key string) (backend.Entry, bool, error)
	SetState(ctx context.Context, key string, value []byte, tag string) (string, error)
}

type Options[S, A any] struct {
	Key     string
	Reducer Reducer[S, A]
	Initial S
	// Validate rejects fetched states. Rejected values count as absent.
	Validate     func(S) error
	Logger       *slog.Logger
	RetryBackoff func() backoff.BackOff
}

// Shadow is the last known remote document and the number of sync jobs
// in flight. State is nil until the first fetch.
type Shadow struct {
	State   *mergeable.Doc
	Syncing int
}

type Slice struct {
	Doc    *mergeable.Doc
	Remote Shadow
}

type Store[S, A any] struct {
	opts   Options[S, A]
	logger *slog.Logger

	slice *watch.Value[Slice]
	busy  *worker.Counter
	loop  *worker.Loop

	backend Backend
	unsub   func()

	mu  sync.Mutex
	tag string
}

func (s *Store[S, A]) getTag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tag
}

func (s *Store[S, A]) setTag(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tag = tag
}

func New[S, A any](opts Options[S, A]) (*Store[S, A], error) {
	if opts.Key == "" {
		return nil, errors.New("persist key required")
	}
	if opts.Reducer == nil {
		return nil, errors.New("persist reducer required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RetryBackoff == nil {
		opts.RetryBackoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxElapsedTime = 0
			return b
		}
	}
	plain, err := mergeable.ToPlainMap(opts.Initial)
	if err != nil {
		return nil, err
	}
	doc, err := mergeable.Init(plain)
	if err != nil {
		return nil, err
	}
	s := &Store[S, A]{
		opts:   opts,
		logger: opts.Logger.With("key", opts.Key),
		slice:  watch.New(Slice{Doc: doc}),
		busy:   worker.NewCounter(),
	}
	s.loop = worker.NewLoop("upload "+opts.Key, s.upload, worker.LoopOptions{Logger: s.logger, Busy: s.busy})
	s.unsub = s.busy.Value().Subscribe(func(n int) {
		s.slice.Update(func(cur Slice) (Slice, bool) {
			if cur.Remote.Syncing == n {
				return cur, false
			}
			cur.Remote.Syncing = n
			return cur, true
		})
	})
	return s, nil
}

func (s *Store[S, A]) Slice() Slice {
	return s.slice.Get()
}

// State decodes the current document.
func (s *Store[S, A]) State() (S, error) {
	return mergeable.Decode[S](s.slice.Get().Doc)
}

func (s *Store[S, A]) Subscribe(fn func(Slice)) (cancel func()) {
	return s.slice.Subscribe(fn)
}

// Dispatch runs the reducer and records the difference in the document.
// When a remote shadow is held it absorbs the change and an upload is
// scheduled.
func (s *Store[S, A]) Dispatch(action A) error {
	var upload bool
	var err error
	s.slice.Update(func(cur Slice) (Slice, bool) {
		var state S
		if state, err = mergeable.Decode[S](cur.Doc); err != nil {
			return cur, false
		}
		var plain map[string]any
		if plain, err = mergeable.ToPlainMap(s.opts.Reducer(state, action)); err != nil {
			return cur, false
		}
		var next *mergeable.Doc
		if next, err = mergeable.Update(cur.Doc, plain); err != nil || next == cur.Doc {
			return cur, false
		}
		cur.Doc = next
		if cur.Remote.State != nil {
			var remote *mergeable.Doc
			if remote, err = mergeable.Merge(cur.Remote.State, next); err != nil {
				return cur, false
			}
			upload = remote != cur.Remote.State
			cur.Remote.State = remote
		}
		return cur, true
	})
	if err != nil {
		return err
	}
	if upload {
		_ = s.loop.Trigger()
	}
	return nil
}

// Start fetches the remote value, merges it in and keeps uploading local
// changes from then on.
func (s *Store[S, A]) Start(ctx context.Context, b Backend) error {
	s.backend = b
	s.busy.Add(1)
	defer s.busy.Done()
	return s.fetch(ctx, true)
}

// Poll fetches and merges without waiting for a local change, then waits
// for the resulting upload.
func (s *Store[S, A]) Poll(ctx context.Context) error {
	if s.backend == nil {
		return ErrNotStarted
	}
	s.busy.Add(1)
	err := s.fetch(ctx, true)
	s.busy.Done()
	if err != nil {
		return err
	}
	return s.Flush(ctx)
}

// Flush waits until no sync job is in flight.
func (s *Store[S, A]) Flush(ctx context.Context) error {
	return s.busy.WaitZero(ctx)
}

// Stop flushes and stops uploading.
func (s *Store[S, A]) Stop(ctx context.Context) error {
	err := s.Flush(ctx)
	s.loop.Close()
	s.unsub()
	return err
}

func (s *Store[S, A]) decode(raw []byte) *mergeable.Doc {
	doc, err := mergeable.Load(raw)
	if err == nil {
		var state S
		if state, err = mergeable.Decode[S](doc); err == nil && s.opts.Validate != nil {
			err = s.opts.Validate(state)
		}
	}
	if err != nil {
		s.logger.Warn("ignoring undecodable remote value", "err", err)
		return nil
	}
	return doc
}

// fetch reads the remote value into the shadow and merges it into the
// document. An absent value makes the shadow a clone of the document.
func (s *Store[S, A]) fetch(ctx context.Context, trigger bool) error {
	entry, ok, err := s.backend.GetState(ctx, s.opts.Key)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", s.opts.Key, err)
	}
	var fetched *mergeable.Doc
	if ok {
		fetched = s.decode(entry.Value)
	}
	s.setTag(entry.Tag)

	var upload bool
	s.slice.Update(func(cur Slice) (Slice, bool) {
		if fetched == nil {
			var clone *mergeable.Doc
			if clone, err = mergeable.Clone(cur.Doc); err != nil {
				return cur, false
			}
			cur.Remote.State = clone
			cur.Doc = mergeable.Duplicate(cur.Doc)
			upload = true
			return cur, true
		}
		var next, remote *mergeable.Doc
		if next, err = mergeable.Merge(cur.Doc, fetched); err != nil {
			return cur, false
		}
		if remote, err = mergeable.Merge(fetched, next); err != nil {
			return cur, false
		}
		upload = remote != fetched
		if next == cur.Doc {
			next = mergeable.Duplicate(next)
		}
		cur.Doc = next
		cur.Remote.State = remote
		return cur, true
	})
	if err != nil {
		return err
	}
	if upload && trigger {
		_ = s.loop.Trigger()
	}
	return nil
}

// upload writes the shadow until a write succeeds and the shadow did not
// move on meanwhile.
func (s *Store[S, A]) upload(ctx context.Context) error {
	b := s.opts.RetryBackoff()
	b.Reset()
	for {
		sent := s.slice.Get().Remote.State
		if sent == nil {
			return nil
		}
		tag, err := s.backend.SetState(ctx, s.opts.Key, mergeable.Save(sent), s.getTag())
		if errors.Is(err, backend.ErrRetry) {
			d := b.NextBackOff()
			if d == backoff.Stop {
				return err
			}
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := s.fetch(ctx, false); err != nil {
				return err
			}
			continue
		} else if err != nil {
			return fmt.Errorf("failed to upload %s: %w", s.opts.Key, err)
		}
		s.setTag(tag)
		if !mergeable.HasChanged(sent, s.slice.Get().Remote.State) {
			return nil
		}
	}
}
