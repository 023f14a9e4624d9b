package statemanager

import (
	"log/slog"
	"sort"

	"github.com/arseneyr/speakerbox/pkg/mergeable"
	"github.com/arseneyr/speakerbox/pkg/model"
)

// Conflict holds the competing values of one sample field. LocalValue is
// empty when this replica did not write the field itself.
type Conflict struct {
	LocalValue   string
	RemoteValues []string
}

// View is the read-only projection of the main state.
type View struct {
	User       model.UserID
	SampleList []model.SampleID
	Samples    map[model.SampleID]model.SampleInfo
	// Conflicts is keyed by sample id and then field name, nil when there
	// are none. Only replicated states can carry conflicts.
	Conflicts map[model.SampleID]map[string]Conflict

	gen uint64
}

// Revisions returns the revisions referenced by listed samples and by
// every side of a revision conflict, without duplicates.
func (v *View) Revisions() []model.RevisionID {
	if v == nil {
		return nil
	}
	seen := map[model.RevisionID]struct{}{}
	var out []model.RevisionID
	add := func(r model.RevisionID) {
		if _, ok := seen[r]; ok || r == "" {
			return
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	for _, id := range v.SampleList {
		if info, ok := v.Samples[id]; ok {
			add(info.RevisionID)
		}
	}
	ids := make([]model.SampleID, 0, len(v.Conflicts))
	for id := range v.Conflicts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if c, ok := v.Conflicts[id]["revisionId"]; ok {
			add(model.RevisionID(c.LocalValue))
			for _, r := range c.RemoteValues {
				add(model.RevisionID(r))
			}
		}
	}
	return out
}

var sampleFields = []string{"title", "revisionId"}

func viewOf(s model.MainState, user model.UserID, gen uint64) *View {
	s = s.Clone()
	return &View{User: user, SampleList: s.SampleList, Samples: s.Samples, gen: gen}
}

func buildView(st state, gen uint64, logger *slog.Logger) *View {
	if !st.local.IsCached() {
		return viewOf(*st.local.MainState, "", gen)
	}
	s, err := model.DecodeMainState(st.cached)
	if err != nil {
		logger.Error("failed to decode cached state", "err", err)
		s = model.NewMainState()
	}
	v := viewOf(s, st.local.User(), gen)
	conflicts, err := st.cached.Conflicts()
	if err != nil {
		logger.Error("failed to read conflicts", "err", err)
		return v
	}
	v.Conflicts = sampleConflicts(conflicts, st.cached.ActorID())
	return v
}

// sampleConflicts projects document conflicts onto sample fields. A
// conflict on a whole sample record is split into its differing fields.
func sampleConflicts(conflicts mergeable.Conflicts, actor string) map[model.SampleID]map[string]Conflict {
	var out map[model.SampleID]map[string]Conflict
	put := func(id model.SampleID, field string, c Conflict) {
		if out == nil {
			out = map[model.SampleID]map[string]Conflict{}
		}
		if out[id] == nil {
			out[id] = map[string]Conflict{}
		}
		out[id][field] = c
	}
	for _, path := range conflicts.Paths() {
		if len(path) < 2 || path[0] != "samples" {
			continue
		}
		candidates := conflicts[mergeable.JoinPath(path...)]
		id := model.SampleID(path[1])
		switch len(path) {
		case 3:
			if c, ok := split(candidates, actor, func(v any) (string, bool) {
				s, ok := v.(string)
				return s, ok
			}); ok {
				put(id, path[2], c)
			}
		case 2:
			for _, field := range sampleFields {
				c, ok := split(candidates, actor, func(v any) (string, bool) {
					m, ok := v.(map[string]any)
					if !ok {
						return "", false
					}
					s, ok := m[field].(string)
					return s, ok
				})
				if ok && differs(c) {
					put(id, field, c)
				}
			}
		}
	}
	return out
}

func split(candidates []mergeable.Candidate, actor string, value func(any) (string, bool)) (Conflict, bool) {
	var c Conflict
	for _, cand := range candidates {
		v, ok := value(cand.Value)
		if !ok {
			continue
		}
		if cand.ActorID == actor {
			c.LocalValue = v
		} else {
			c.RemoteValues = append(c.RemoteValues, v)
		}
	}
	return c, len(c.RemoteValues) > 0
}

func differs(c Conflict) bool {
	for _, v := range c.RemoteValues {
		if v != c.LocalValue {
			return true
		}
	}
	return false
}
