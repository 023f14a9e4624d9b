// Package model holds the sample board state shared by every replica.
package model

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

type (
	SampleID   string
	RevisionID string
	UserID     string
)

const (
	// Version is the schema version of both MainState and LocalState.
	Version = "1.0"

	LocalStateKey  = "local"
	RemoteStateKey = "remote"

	revisionPrefix  = "revId-"
	sampleKeyPrefix = "sample-"
	localOnlyPrefix = "local-"
)

// NewRevisionID mints a globally unique revision id.
func NewRevisionID() RevisionID {
	return RevisionID(revisionPrefix + uuid.NewString())
}

// Valid reports whether r carries the revision prefix.
func (r RevisionID) Valid() bool {
	return strings.HasPrefix(string(r), revisionPrefix) && len(r) > len(revisionPrefix)
}

// SampleKey is the backend key holding the payload of rev.
func SampleKey(rev RevisionID) string {
	return sampleKeyPrefix + string(rev)
}

// IsSampleKey reports whether key names a sample payload.
func IsSampleKey(key string) bool {
	return strings.HasPrefix(key, sampleKeyPrefix)
}

// RevisionFromKey reverses SampleKey.
func RevisionFromKey(key string) (RevisionID, bool) {
	if !IsSampleKey(key) {
		return "", false
	}
	rev := RevisionID(strings.TrimPrefix(key, sampleKeyPrefix))
	return rev, rev.Valid()
}

// LocalOnlyID renames a sample id that collided with a remote one.
func LocalOnlyID(id SampleID) SampleID {
	return SampleID(localOnlyPrefix + string(id))
}

type SampleInfo struct {
	Title      string     `json:"title"`
	RevisionID RevisionID `json:"revisionId" validate:"revid"`
}

// MainState is the replicated part of the board: the display order and the
// metadata of every sample.
type MainState struct {
	Version    string                  `json:"version" validate:"eq=1.0"`
	SampleList []SampleID              `json:"sampleList" validate:"unique"`
	Samples    map[SampleID]SampleInfo `json:"samples" validate:"dive"`
}

func NewMainState() MainState {
	return MainState{Version: Version, SampleList: []SampleID{}, Samples: map[SampleID]SampleInfo{}}
}

// Clone returns a deep copy with non-nil collections.
func (s MainState) Clone() MainState {
	out := MainState{
		Version:    s.Version,
		SampleList: append([]SampleID{}, s.SampleList...),
		Samples:    make(map[SampleID]SampleInfo, len(s.Samples)),
	}
	if out.Version == "" {
		out.Version = Version
	}
	for k, v := range s.Samples {
		out.Samples[k] = v
	}
	return out
}

// Revisions returns every revision referenced by a sample in the list.
func (s MainState) Revisions() []RevisionID {
	out := make([]RevisionID, 0, len(s.SampleList))
	for _, id := range s.SampleList {
		if info, ok := s.Samples[id]; ok {
			out = append(out, info.RevisionID)
		}
	}
	return out
}

// SampleIDs returns the keys of Samples in sorted order.
func (s MainState) SampleIDs() []SampleID {
	out := make([]SampleID, 0, len(s.Samples))
	for id := range s.Samples {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type SampleAddType string

const (
	AddTypeUpload        SampleAddType = "UPLOAD"
	AddTypeRecordDesktop SampleAddType = "RECORD_DESKTOP"
)

type Settings struct {
	OutputDevice      string        `json:"outputDevice,omitempty"`
	LastSampleAddType SampleAddType `json:"lastSampleAddType,omitempty" validate:"omitempty,oneof=UPLOAD RECORD_DESKTOP"`
}
