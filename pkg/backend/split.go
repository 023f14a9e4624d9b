package backend

import (
	"context"
	"errors"
	"sort"

	"github.com/arseneyr/speakerbox/pkg/model"
	"github.com/arseneyr/speakerbox/pkg/watch"
)

var (
	_ Local    = (*Memory)(nil)
	_ Notifier = (*split)(nil)
)

// Blob stores immutable sample payloads per user.
type Blob interface {
	Get(ctx context.Context, user model.UserID, key string) ([]byte, bool, error)
	Put(ctx context.Context, user model.UserID, key string, value []byte) error
	Delete(ctx context.Context, user model.UserID, key string) error
	Keys(ctx context.Context, user model.UserID) ([]string, error)
}

// Split sends sample payload keys of a Remote to a Blob store and everything
// else to the Remote itself. Payloads are immutable so their writes ignore tags.
func Split(remote Remote, blobs Blob) Remote {
	return &split{Remote: remote, blobs: blobs}
}

type split struct {
	Remote
	blobs Blob
}

func (s *split) user() (model.UserID, error) {
	state := s.Remote.SignedIn().Get()
	switch {
	case state.IsSignedIn():
		return state.User, nil
	case state.Kind == Offline:
		return "", ErrOffline
	default:
		return "", ErrSignedOut
	}
}

func (s *split) SignedIn() *watch.Value[SignedInState] {
	return s.Remote.SignedIn()
}

func (s *split) GetState(ctx context.Context, key string) (Entry, bool, error) {
	if !model.IsSampleKey(key) {
		return s.Remote.GetState(ctx, key)
	}
	user, err := s.user()
	if err != nil {
		return Entry{}, false, err
	}
	v, ok, err := s.blobs.Get(ctx, user, key)
	if err != nil || !ok {
		return Entry{}, ok, err
	}
	return Entry{Value: v, Tag: AnyTag}, true, nil
}

func (s *split) SetState(ctx context.Context, key string, value []byte, tag string) (string, error) {
	if !model.IsSampleKey(key) {
		return s.Remote.SetState(ctx, key, value, tag)
	}
	user, err := s.user()
	if err != nil {
		return "", err
	}
	if err := s.blobs.Put(ctx, user, key, value); err != nil {
		return "", err
	}
	return AnyTag, nil
}

func (s *split) DeleteState(ctx context.Context, key string) error {
	if !model.IsSampleKey(key) {
		return s.Remote.DeleteState(ctx, key)
	}
	user, err := s.user()
	if err != nil {
		return err
	}
	return s.blobs.Delete(ctx, user, key)
}

func (s *split) GetStateKeys(ctx context.Context) ([]string, error) {
	keys, err := s.Remote.GetStateKeys(ctx)
	if err != nil {
		return nil, err
	}
	user, err := s.user()
	if err != nil {
		return nil, err
	}
	blobKeys, err := s.blobs.Keys(ctx, user)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys)+len(blobKeys))
	for _, k := range keys {
		if !model.IsSampleKey(k) {
			out = append(out, k)
		}
	}
	out = append(out, blobKeys...)
	sort.Strings(out)
	return out, nil
}

// Changes forwards the change feed of the wrapped Remote.
func (s *split) Changes(ctx context.Context) (<-chan Notice, error) {
	n, ok := s.Remote.(Notifier)
	if !ok {
		return nil, errors.New("remote has no change feed")
	}
	return n.Changes(ctx)
}
