// Package backend defines the key/value stores the sync core runs against.
package backend

import (
	"context"
	"errors"

	"github.com/arseneyr/speakerbox/pkg/model"
	"github.com/arseneyr/speakerbox/pkg/watch"
)

var (
	// ErrRetry is returned by Remote.SetState when the tag no longer matches
	// the stored value. Callers re-fetch, merge and try again.
	ErrRetry = errors.New("retry: remote value changed")

	// ErrOffline is returned by remotes that cannot currently be reached.
	ErrOffline = errors.New("remote backend offline")

	// ErrSignedOut is returned by remotes with no signed in user.
	ErrSignedOut = errors.New("not signed in")
)

// AnyTag makes SetState write regardless of the stored tag. The empty tag
// asserts that the key does not exist yet.
const AnyTag = "*"

// Local is the device store.
type Local interface {
	GetState(ctx context.Context, key string) ([]byte, bool, error)
	SetState(ctx context.Context, key string, value []byte) error
	DeleteState(ctx context.Context, key string) error
	GetStateKeys(ctx context.Context) ([]string, error)
}

// Entry is a remote value together with the tag to pass when overwriting it.
type Entry struct {
	Value []byte
	Tag   string
}

// Remote is the per-user cloud store.
type Remote interface {
	GetState(ctx context.Context, key string) (Entry, bool, error)
	SetState(ctx context.Context, key string, value []byte, tag string) (string, error)
	DeleteState(ctx context.Context, key string) error
	GetStateKeys(ctx context.Context) ([]string, error)
	SignedIn() *watch.Value[SignedInState]
}

type SignedInKind int

const (
	// Unknown means the remote has not reported a state yet.
	Unknown SignedInKind = iota
	SignedIn
	SignedOut
	Offline
)

func (k SignedInKind) String() string {
	switch k {
	case SignedIn:
		return "SignedIn"
	case SignedOut:
		return "SignedOut"
	case Offline:
		return "Offline"
	default:
		return "Unknown"
	}
}

type SignedInState struct {
	Kind SignedInKind
	User model.UserID
}

func (s SignedInState) IsSignedIn() bool {
	return s.Kind == SignedIn && s.User != ""
}

func SignedInAs(user model.UserID) SignedInState {
	return SignedInState{Kind: SignedIn, User: user}
}

// CheckTag implements the tag rule shared by every Remote: AnyTag always
// matches, the empty tag matches a missing key, anything else must equal the
// stored tag.
func CheckTag(want string, current string, exists bool) error {
	switch {
	case want == AnyTag:
		return nil
	case !exists && want == "":
		return nil
	case exists && want == current:
		return nil
	default:
		return ErrRetry
	}
}

// Notice announces that a remote key was written or deleted.
type Notice struct {
	Key     string `json:"key"`
	Tag     string `json:"tag,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Notifier is implemented by remotes that can push change notices. The
// channel closes when ctx ends or the feed breaks.
type Notifier interface {
	Changes(ctx context.Context) (<-chan Notice, error)
}
