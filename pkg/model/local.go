package model

import (
	"encoding/json"
	"fmt"

	"github.com/arseneyr/speakerbox/pkg/mergeable"
)

// LocalState is what a device keeps under LocalStateKey. It is Full while no
// user ever signed in, and Cached afterwards: the main state then lives in a
// document stored under the user id.
type LocalState struct {
	Version   string     `json:"version"`
	Settings  Settings   `json:"settings"`
	UserID    *UserID    `json:"userId,omitempty"`
	MainState *MainState `json:"mainState,omitempty"`
}

func NewFullState() LocalState {
	s := NewMainState()
	return LocalState{Version: Version, MainState: &s}
}

// NewCachedState keeps the settings of prev, if any.
func NewCachedState(user UserID, prev *LocalState) LocalState {
	l := LocalState{Version: Version, UserID: &user}
	if prev != nil {
		l.Settings = prev.Settings
	}
	return l
}

func (l LocalState) IsCached() bool {
	return l.UserID != nil
}

func (l LocalState) User() UserID {
	if l.UserID == nil {
		return ""
	}
	return *l.UserID
}

func EncodeLocalState(l LocalState) ([]byte, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("failed to encode local state: %w", err)
	}
	return raw, nil
}

// DecodeLocalState parses and validates bytes written by EncodeLocalState.
// Failures wrap mergeable.ErrDecode.
func DecodeLocalState(data []byte) (LocalState, error) {
	var l LocalState
	if err := json.Unmarshal(data, &l); err != nil {
		return LocalState{}, fmt.Errorf("%w: %v", mergeable.ErrDecode, err)
	}
	if l.MainState != nil {
		if l.MainState.SampleList == nil {
			l.MainState.SampleList = []SampleID{}
		}
		if l.MainState.Samples == nil {
			l.MainState.Samples = map[SampleID]SampleInfo{}
		}
	}
	if err := l.Validate(); err != nil {
		return LocalState{}, fmt.Errorf("%w: %v", mergeable.ErrDecode, err)
	}
	return l, nil
}
