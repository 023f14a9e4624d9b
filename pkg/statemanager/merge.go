package statemanager

import (
	"fmt"
	"log/slog"

	"github.com/arseneyr/speakerbox/pkg/mergeable"
	"github.com/arseneyr/speakerbox/pkg/model"
)

// state is the document of record. Exactly one of local.MainState and
// cached is set.
type state struct {
	local  model.LocalState
	cached *mergeable.Doc
}

func fullState(prev *model.LocalState) state {
	l := model.NewFullState()
	if prev != nil {
		l.Settings = prev.Settings
	}
	return state{local: l}
}

// mergeSignIn combines the local state with the fetched remote document
// when user signs in. It returns the new local state and the remote replica
// to hold in memory.
func (m *Manager) mergeSignIn(prev state, remote *mergeable.Doc, user model.UserID) (state, *mergeable.Doc, error) {
	if !prev.local.IsCached() {
		var cached *mergeable.Doc
		var err error
		if remote != nil {
			if cached, err = mergeable.Clone(remote); err != nil {
				return state{}, nil, err
			}
			cached, err = model.ChangeMainState(cached, m.fold(*prev.local.MainState))
		} else {
			cached, err = model.InitMainStateDoc(*prev.local.MainState)
		}
		if err != nil {
			return state{}, nil, err
		}
		newRemote, err := mergeOrClone(remote, cached)
		if err != nil {
			return state{}, nil, err
		}
		return state{local: model.NewCachedState(user, &prev.local), cached: cached}, newRemote, nil
	}

	if prev.local.User() != user {
		return state{}, nil, fmt.Errorf("local state belongs to %s, not %s", prev.local.User(), user)
	}
	newRemote, err := mergeOrClone(remote, prev.cached)
	if err != nil {
		return state{}, nil, err
	}
	newCached, err := mergeable.Merge(prev.cached, newRemote)
	if err != nil {
		return state{}, nil, err
	}
	prev.cached = newCached
	return prev, newRemote, nil
}

func mergeOrClone(remote, cached *mergeable.Doc) (*mergeable.Doc, error) {
	if remote == nil {
		return mergeable.Clone(cached)
	}
	return mergeable.Merge(remote, cached)
}

// fold moves the samples of a device that never signed in into the
// replicated document. Ids present on both sides are rejected in strict
// mode. Otherwise identical entries are kept once and differing ones are
// renamed.
func (m *Manager) fold(local model.MainState) func(model.Mutator) error {
	return func(mu model.Mutator) error {
		remoteList, err := mu.SampleList()
		if err != nil {
			return err
		}
		remoteSamples, err := mu.Samples()
		if err != nil {
			return err
		}
		listed := map[model.SampleID]bool{}
		for _, id := range remoteList {
			listed[id] = true
		}
		taken := func(id model.SampleID) bool {
			_, ok := remoteSamples[id]
			return ok || listed[id]
		}

		ids := append([]model.SampleID{}, local.SampleList...)
		for _, id := range local.SampleIDs() {
			if !contains(ids, id) {
				ids = append(ids, id)
			}
		}
		rename := map[model.SampleID]model.SampleID{}
		skip := map[model.SampleID]bool{}
		for _, id := range ids {
			if !taken(id) {
				continue
			}
			if m.opts.Strict {
				return fmt.Errorf("%w: %s", ErrDuplicateSample, id)
			}
			localInfo, localOK := local.Samples[id]
			remoteInfo, remoteOK := remoteSamples[id]
			if localOK == remoteOK && localInfo == remoteInfo {
				skip[id] = true
				continue
			}
			next := model.LocalOnlyID(id)
			for taken(next) {
				next = model.LocalOnlyID(next)
			}
			m.logger.Warn("renaming local sample that collides with remote", slog.String("id", string(id)), slog.String("renamed", string(next)))
			rename[id] = next
		}
		target := func(id model.SampleID) model.SampleID {
			if r, ok := rename[id]; ok {
				return r
			}
			return id
		}

		var appended []model.SampleID
		for _, id := range local.SampleList {
			if skip[id] && listed[id] {
				continue
			}
			appended = append(appended, target(id))
		}
		if len(appended) > 0 {
			if err := mu.AppendSample(appended...); err != nil {
				return err
			}
		}
		for _, id := range local.SampleIDs() {
			if skip[id] {
				continue
			}
			if err := mu.PutSample(target(id), local.Samples[id]); err != nil {
				return err
			}
		}
		return nil
	}
}

func contains(ids []model.SampleID, id model.SampleID) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}
