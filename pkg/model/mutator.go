package model

import (
	"errors"
	"fmt"

	"github.com/arseneyr/speakerbox/pkg/mergeable"
)

// ErrNoSample is returned when a mutation addresses a sample that does not exist.
var ErrNoSample = errors.New("no such sample")

// Mutator edits a MainState regardless of whether it is held as a plain value
// or as a replicated document.
type Mutator interface {
	SampleList() ([]SampleID, error)
	SetSampleList(ids []SampleID) error
	AppendSample(ids ...SampleID) error
	Sample(id SampleID) (SampleInfo, bool, error)
	Samples() (map[SampleID]SampleInfo, error)
	PutSample(id SampleID, info SampleInfo) error
	SetTitle(id SampleID, title string) error
	SetRevision(id SampleID, rev RevisionID) error
	// DeleteSample removes id from both the list and the metadata.
	DeleteSample(id SampleID) error
}

// Mutate applies fn to a copy of s and returns the copy. s is untouched
// when fn fails.
func Mutate(s MainState, fn func(Mutator) error) (MainState, error) {
	next := s.Clone()
	if err := fn(&plainMutator{s: &next}); err != nil {
		return s, err
	}
	return next, nil
}

// ChangeMainState applies fn to doc through a mergeable transaction.
func ChangeMainState(doc *mergeable.Doc, fn func(Mutator) error) (*mergeable.Doc, error) {
	return mergeable.Change(doc, func(tx *mergeable.Tx) error {
		return fn(&docMutator{tx: tx})
	})
}

// InitMainStateDoc creates a document holding s.
func InitMainStateDoc(s MainState) (*mergeable.Doc, error) {
	plain, err := mergeable.ToPlainMap(s.Clone())
	if err != nil {
		return nil, err
	}
	return mergeable.Init(plain)
}

type plainMutator struct {
	s *MainState
}

func (m *plainMutator) SampleList() ([]SampleID, error) {
	return append([]SampleID{}, m.s.SampleList...), nil
}

func (m *plainMutator) SetSampleList(ids []SampleID) error {
	m.s.SampleList = append([]SampleID{}, ids...)
	return nil
}

func (m *plainMutator) AppendSample(ids ...SampleID) error {
	m.s.SampleList = append(m.s.SampleList, ids...)
	return nil
}

func (m *plainMutator) Sample(id SampleID) (SampleInfo, bool, error) {
	info, ok := m.s.Samples[id]
	return info, ok, nil
}

func (m *plainMutator) Samples() (map[SampleID]SampleInfo, error) {
	out := make(map[SampleID]SampleInfo, len(m.s.Samples))
	for k, v := range m.s.Samples {
		out[k] = v
	}
	return out, nil
}

func (m *plainMutator) PutSample(id SampleID, info SampleInfo) error {
	m.s.Samples[id] = info
	return nil
}

func (m *plainMutator) SetTitle(id SampleID, title string) error {
	info, ok := m.s.Samples[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSample, id)
	}
	info.Title = title
	m.s.Samples[id] = info
	return nil
}

func (m *plainMutator) SetRevision(id SampleID, rev RevisionID) error {
	info, ok := m.s.Samples[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSample, id)
	}
	info.RevisionID = rev
	m.s.Samples[id] = info
	return nil
}

func (m *plainMutator) DeleteSample(id SampleID) error {
	m.s.SampleList = without(m.s.SampleList, id)
	delete(m.s.Samples, id)
	return nil
}

func without(ids []SampleID, id SampleID) []SampleID {
	out := make([]SampleID, 0, len(ids))
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

type docMutator struct {
	tx *mergeable.Tx
}

var (
	sampleListPath = []string{"sampleList"}
	samplesPath    = []string{"samples"}
)

func samplePath(id SampleID, field ...string) []string {
	return append([]string{"samples", string(id)}, field...)
}

func (m *docMutator) SampleList() ([]SampleID, error) {
	v, ok, err := m.tx.Get(sampleListPath...)
	if err != nil || !ok {
		return []SampleID{}, err
	}
	items, _ := v.([]any)
	out := make([]SampleID, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, SampleID(s))
		}
	}
	return out, nil
}

func (m *docMutator) SetSampleList(ids []SampleID) error {
	items := make([]any, len(ids))
	for i, id := range ids {
		items[i] = string(id)
	}
	return m.tx.SetList(sampleListPath, items)
}

func (m *docMutator) AppendSample(ids ...SampleID) error {
	items := make([]any, len(ids))
	for i, id := range ids {
		items[i] = string(id)
	}
	return m.tx.Append(sampleListPath, items...)
}

func infoFromPlain(v any) (SampleInfo, bool) {
	fields, ok := v.(map[string]any)
	if !ok {
		return SampleInfo{}, false
	}
	title, _ := fields["title"].(string)
	rev, _ := fields["revisionId"].(string)
	return SampleInfo{Title: title, RevisionID: RevisionID(rev)}, true
}

func (m *docMutator) Sample(id SampleID) (SampleInfo, bool, error) {
	v, ok, err := m.tx.Get(samplePath(id)...)
	if err != nil || !ok {
		return SampleInfo{}, false, err
	}
	info, ok := infoFromPlain(v)
	return info, ok, nil
}

func (m *docMutator) Samples() (map[SampleID]SampleInfo, error) {
	out := map[SampleID]SampleInfo{}
	v, ok, err := m.tx.Get(samplesPath...)
	if err != nil || !ok {
		return out, err
	}
	all, _ := v.(map[string]any)
	for id, raw := range all {
		if info, ok := infoFromPlain(raw); ok {
			out[SampleID(id)] = info
		}
	}
	return out, nil
}

func (m *docMutator) PutSample(id SampleID, info SampleInfo) error {
	return m.tx.Set(samplePath(id), info)
}

func (m *docMutator) requireSample(id SampleID) error {
	_, ok, err := m.tx.Get(samplePath(id)...)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSample, id)
	}
	return nil
}

func (m *docMutator) SetTitle(id SampleID, title string) error {
	if err := m.requireSample(id); err != nil {
		return err
	}
	return m.tx.Set(samplePath(id, "title"), title)
}

func (m *docMutator) SetRevision(id SampleID, rev RevisionID) error {
	if err := m.requireSample(id); err != nil {
		return err
	}
	return m.tx.Set(samplePath(id, "revisionId"), string(rev))
}

func (m *docMutator) DeleteSample(id SampleID) error {
	list, err := m.SampleList()
	if err != nil {
		return err
	}
	if err := m.SetSampleList(without(list, id)); err != nil {
		return err
	}
	return m.tx.Delete(samplePath(id)...)
}
