package model

import (
	"testing"

	"github.com/arseneyr/speakerbox/pkg/mergeable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRevisionID(t *testing.T) {
	a, b := NewRevisionID(), NewRevisionID()
	assert.NotEqual(t, a, b)
	assert.True(t, a.Valid())
	assert.False(t, RevisionID("revId-").Valid())
	assert.False(t, RevisionID("abc").Valid())

	rev, ok := RevisionFromKey(SampleKey(a))
	assert.True(t, ok)
	assert.Equal(t, a, rev)
	_, ok = RevisionFromKey("remote")
	assert.False(t, ok)
}

func TestMainStateValidate(t *testing.T) {
	s := NewMainState()
	require.NoError(t, s.Validate())

	s.SampleList = []SampleID{"a"}
	require.ErrorIs(t, s.Validate(), ErrInvalidState)
	require.NoError(t, s.ValidateShape())

	s.Samples["a"] = SampleInfo{Title: "a", RevisionID: "bogus"}
	require.ErrorIs(t, s.Validate(), ErrInvalidState)

	s.Samples["a"] = SampleInfo{Title: "a", RevisionID: NewRevisionID()}
	require.NoError(t, s.Validate())

	s.SampleList = []SampleID{"a", "a"}
	require.ErrorIs(t, s.Validate(), ErrInvalidState)
}

func TestLocalStateRoundTrip(t *testing.T) {
	full := NewFullState()
	full.Settings.LastSampleAddType = AddTypeUpload
	raw, err := EncodeLocalState(full)
	require.NoError(t, err)
	decoded, err := DecodeLocalState(raw)
	require.NoError(t, err)
	assert.Equal(t, full, decoded)
	assert.False(t, decoded.IsCached())

	cached := NewCachedState("user", &full)
	raw, err = EncodeLocalState(cached)
	require.NoError(t, err)
	decoded, err = DecodeLocalState(raw)
	require.NoError(t, err)
	assert.True(t, decoded.IsCached())
	assert.Equal(t, UserID("user"), decoded.User())
	assert.Equal(t, AddTypeUpload, decoded.Settings.LastSampleAddType)
}

func TestDecodeLocalStateInvalid(t *testing.T) {
	for name, raw := range map[string]string{
		"garbage":  "{",
		"neither":  `{"version":"1.0","settings":{}}`,
		"version":  `{"version":"2.0","settings":{},"userId":"u"}`,
		"add type": `{"version":"1.0","settings":{"lastSampleAddType":"NOPE"},"userId":"u"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeLocalState([]byte(raw))
			require.ErrorIs(t, err, mergeable.ErrDecode)
		})
	}
}

func exercise(t *testing.T, m Mutator) {
	t.Helper()
	rev := NewRevisionID()
	require.NoError(t, m.PutSample("a", SampleInfo{Title: "a", RevisionID: rev}))
	require.NoError(t, m.PutSample("b", SampleInfo{Title: "b", RevisionID: rev}))
	require.NoError(t, m.AppendSample("a", "b"))
	require.NoError(t, m.SetTitle("a", "renamed"))
	require.ErrorIs(t, m.SetTitle("missing", "x"), ErrNoSample)
	require.NoError(t, m.SetSampleList([]SampleID{"b", "a"}))
	require.NoError(t, m.DeleteSample("b"))

	list, err := m.SampleList()
	require.NoError(t, err)
	assert.Equal(t, []SampleID{"a"}, list)
	info, ok, err := m.Sample("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, SampleInfo{Title: "renamed", RevisionID: rev}, info)
	all, err := m.Samples()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPlainMutator(t *testing.T) {
	var s MainState
	var err error
	s, err = Mutate(NewMainState(), func(m Mutator) error {
		exercise(t, m)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Validate())

	unchanged, err := Mutate(s, func(m Mutator) error {
		require.NoError(t, m.DeleteSample("a"))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, s, unchanged)
}

func TestDocMutator(t *testing.T) {
	doc, err := InitMainStateDoc(NewMainState())
	require.NoError(t, err)
	doc, err = ChangeMainState(doc, func(m Mutator) error {
		exercise(t, m)
		return nil
	})
	require.NoError(t, err)

	s, err := DecodeMainState(doc)
	require.NoError(t, err)
	require.NoError(t, s.Validate())
	assert.Equal(t, []SampleID{"a"}, s.SampleList)

	loaded, err := DecodeMainStateDoc(mergeable.Save(doc))
	require.NoError(t, err)
	assert.False(t, mergeable.HasChanged(doc, loaded))
}

func TestDecodeMainStateDocRejectsOtherShapes(t *testing.T) {
	other, err := mergeable.Init(map[string]any{"version": "9"})
	require.NoError(t, err)
	_, err = DecodeMainStateDoc(mergeable.Save(other))
	require.ErrorIs(t, err, mergeable.ErrDecode)

	_, err = DecodeMainStateDoc([]byte("nope"))
	require.ErrorIs(t, err, mergeable.ErrDecode)
}
