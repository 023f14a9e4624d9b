package mergeable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() map[string]any {
	return map[string]any{
		"version":    "1.0",
		"sampleList": []any{"s1"},
		"samples": map[string]any{
			"s1": map[string]any{"title": "t", "revisionId": "revId-1"},
		},
	}
}

func set(t *testing.T, d *Doc, value any, path ...string) *Doc {
	t.Helper()
	out, err := Change(d, func(tx *Tx) error {
		return tx.Set(path, value)
	})
	require.NoError(t, err)
	return out
}

func mustGet(t *testing.T, d *Doc, path ...string) any {
	t.Helper()
	v, ok, err := d.Get(path...)
	require.NoError(t, err)
	require.True(t, ok, "missing %v", path)
	return v
}

func TestInitPlainRoundTrip(t *testing.T) {
	d, err := Init(sampleState())
	require.NoError(t, err)
	plain, err := d.Plain()
	require.NoError(t, err)
	assert.Equal(t, sampleState(), plain)
	assert.NotEmpty(t, d.ActorID())
}

func TestCloneHasNewActor(t *testing.T) {
	d, err := Init(sampleState())
	require.NoError(t, err)
	c, err := Clone(d)
	require.NoError(t, err)
	assert.NotEqual(t, d.ActorID(), c.ActorID())
	assert.False(t, HasChanged(d, c))
	assert.False(t, HasChanged(c, d))
}

func TestChangeNoopReturnsSamePointer(t *testing.T) {
	d, err := Init(sampleState())
	require.NoError(t, err)

	same, err := Change(d, func(tx *Tx) error { return nil })
	require.NoError(t, err)
	assert.Same(t, d, same)

	same = set(t, d, "t", "samples", "s1", "title")
	assert.Same(t, d, same)

	same, err = Update(d, sampleState())
	require.NoError(t, err)
	assert.Same(t, d, same)
}

func TestChangeErrorDiscards(t *testing.T) {
	d, err := Init(sampleState())
	require.NoError(t, err)
	_, err = Change(d, func(tx *Tx) error {
		require.NoError(t, tx.Set([]string{"version"}, "2.0"))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, "1.0", mustGet(t, d, "version"))
}

func TestMergeDisjointCommutes(t *testing.T) {
	base, err := Init(sampleState())
	require.NoError(t, err)
	a, err := Clone(base)
	require.NoError(t, err)
	b, err := Clone(base)
	require.NoError(t, err)

	a = set(t, a, "from a", "samples", "s1", "title")
	b = set(t, b, "revId-2", "samples", "s1", "revisionId")

	ab, err := Merge(a, b)
	require.NoError(t, err)
	ba, err := Merge(b, a)
	require.NoError(t, err)

	abPlain, err := ab.Plain()
	require.NoError(t, err)
	baPlain, err := ba.Plain()
	require.NoError(t, err)
	assert.Equal(t, abPlain, baPlain)
	assert.Equal(t, "from a", mustGet(t, ab, "samples", "s1", "title"))
	assert.Equal(t, "revId-2", mustGet(t, ab, "samples", "s1", "revisionId"))

	c, err := ab.Conflicts()
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestMergeIdempotent(t *testing.T) {
	a, err := Init(sampleState())
	require.NoError(t, err)
	c, err := Clone(a)
	require.NoError(t, err)

	m, err := Merge(a, c)
	require.NoError(t, err)
	assert.Same(t, a, m)
	assert.False(t, HasChanged(a, m))
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	base, err := Init(sampleState())
	require.NoError(t, err)
	a, err := Clone(base)
	require.NoError(t, err)
	b := set(t, base, "changed", "samples", "s1", "title")

	m, err := Merge(a, b)
	require.NoError(t, err)
	assert.NotSame(t, a, m)
	assert.True(t, HasChanged(a, m))
	assert.Equal(t, "t", mustGet(t, a, "samples", "s1", "title"))
	assert.Equal(t, "changed", mustGet(t, m, "samples", "s1", "title"))
	assert.Equal(t, a.ActorID(), m.ActorID())
}

func TestIndependentInitMergesByField(t *testing.T) {
	empty := map[string]any{"version": "1.0", "sampleList": []any{}, "samples": map[string]any{}}
	a, err := Init(empty)
	require.NoError(t, err)
	b, err := Init(empty)
	require.NoError(t, err)

	a, err = Change(a, func(tx *Tx) error {
		if err := tx.Set([]string{"samples", "a"}, map[string]any{"title": "a", "revisionId": "revId-a"}); err != nil {
			return err
		}
		return tx.Append([]string{"sampleList"}, "a")
	})
	require.NoError(t, err)
	b, err = Change(b, func(tx *Tx) error {
		if err := tx.Set([]string{"samples", "b"}, map[string]any{"title": "b", "revisionId": "revId-b"}); err != nil {
			return err
		}
		return tx.Append([]string{"sampleList"}, "b")
	})
	require.NoError(t, err)

	m, err := Merge(a, b)
	require.NoError(t, err)
	samples := mustGet(t, m, "samples").(map[string]any)
	assert.Len(t, samples, 2)
	assert.ElementsMatch(t, []any{"a", "b"}, mustGet(t, m, "sampleList"))

	c, err := m.Conflicts()
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestConflictSurfacing(t *testing.T) {
	base, err := Init(sampleState())
	require.NoError(t, err)
	a, err := Clone(base)
	require.NoError(t, err)
	b, err := Clone(base)
	require.NoError(t, err)

	a = set(t, a, "revId-2", "samples", "s1", "revisionId")
	b = set(t, b, "revId-3", "samples", "s1", "revisionId")

	m, err := Merge(a, b)
	require.NoError(t, err)
	c, err := m.Conflicts()
	require.NoError(t, err)
	require.Len(t, c, 1)
	candidates := c[JoinPath("samples", "s1", "revisionId")]
	require.Len(t, candidates, 2)
	assert.ElementsMatch(t, []Candidate{
		{ActorID: a.ActorID(), Value: "revId-2"},
		{ActorID: b.ActorID(), Value: "revId-3"},
	}, candidates)

	// An unrelated edit keeps the conflict as it was.
	m2 := set(t, m, "other", "samples", "s1", "title")
	c2, err := m2.Conflicts()
	require.NoError(t, err)
	assert.Equal(t, c, c2)

	// Re-asserting the visible value resolves it.
	visible := mustGet(t, m2, "samples", "s1", "revisionId")
	resolved := set(t, m2, visible, "samples", "s1", "revisionId")
	assert.NotSame(t, m2, resolved)
	c3, err := resolved.Conflicts()
	require.NoError(t, err)
	assert.Nil(t, c3)
}

func TestListsDoNotConflict(t *testing.T) {
	base, err := Init(sampleState())
	require.NoError(t, err)
	a, err := Clone(base)
	require.NoError(t, err)
	b, err := Clone(base)
	require.NoError(t, err)

	a, err = Change(a, func(tx *Tx) error { return tx.SetList([]string{"sampleList"}, []any{"s1", "x"}) })
	require.NoError(t, err)
	b, err = Change(b, func(tx *Tx) error { return tx.SetList([]string{"sampleList"}, []any{"y", "s1"}) })
	require.NoError(t, err)

	m, err := Merge(a, b)
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"y", "s1", "x"}, mustGet(t, m, "sampleList"))
	c, err := m.Conflicts()
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSetListDiff(t *testing.T) {
	d, err := Init(map[string]any{"list": []any{"a", "b", "c", "d"}})
	require.NoError(t, err)
	d, err = Change(d, func(tx *Tx) error { return tx.SetList([]string{"list"}, []any{"a", "x", "d"}) })
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "x", "d"}, mustGet(t, d, "list"))

	_, err = Change(d, func(tx *Tx) error {
		return tx.SetList([]string{"list"}, []any{map[string]any{"nested": true}})
	})
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestListRemovals(t *testing.T) {
	d, err := Init(map[string]any{"list": []any{"a", "b", "c"}})
	require.NoError(t, err)

	for _, want := range [][]any{
		{"c", "a", "b"},
		{"a", "b", "c"},
		{"a", "c"},
		{},
	} {
		want := want
		d, err = Change(d, func(tx *Tx) error { return tx.SetList([]string{"list"}, want) })
		require.NoError(t, err)
		assert.Equal(t, want, mustGet(t, d, "list"))
	}

	d, err = Change(d, func(tx *Tx) error { return tx.Append([]string{"list"}, "z") })
	require.NoError(t, err)
	d, err = Update(d, map[string]any{"list": []any{}})
	require.NoError(t, err)
	assert.Equal(t, []any{}, mustGet(t, d, "list"))
}

func TestUpdateDeletesMissingKeys(t *testing.T) {
	d, err := Init(sampleState())
	require.NoError(t, err)
	next := sampleState()
	delete(next["samples"].(map[string]any), "s1")
	next["sampleList"] = []any{}

	d2, err := Update(d, next)
	require.NoError(t, err)
	assert.True(t, HasChanged(d, d2))
	plain, err := d2.Plain()
	require.NoError(t, err)
	assert.Equal(t, next, plain)
}

func TestDuplicate(t *testing.T) {
	d, err := Init(sampleState())
	require.NoError(t, err)
	dup := Duplicate(d)
	assert.NotSame(t, d, dup)
	assert.False(t, HasChanged(d, dup))
	assert.Equal(t, d.Heads(), dup.Heads())
}

func TestSaveLoad(t *testing.T) {
	d, err := Init(sampleState())
	require.NoError(t, err)
	d = set(t, d, "saved", "samples", "s1", "title")

	loaded, err := Load(Save(d))
	require.NoError(t, err)
	want, err := d.Plain()
	require.NoError(t, err)
	got, err := loaded.Plain()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, d.ActorID(), loaded.ActorID())
	assert.False(t, HasChanged(d, loaded))
}

func TestLoadInvalid(t *testing.T) {
	for name, data := range map[string][]byte{
		"empty":     nil,
		"no actor":  []byte("garbage"),
		"bad actor": append([]byte("zz\x00"), 1, 2, 3),
		"bad body":  append([]byte(NewActorID()+"\x00"), 1, 2, 3),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(data)
			require.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestDecode(t *testing.T) {
	type info struct {
		Title      string `json:"title"`
		RevisionID string `json:"revisionId"`
	}
	type state struct {
		Version    string          `json:"version"`
		SampleList []string        `json:"sampleList"`
		Samples    map[string]info `json:"samples"`
	}
	d, err := Init(sampleState())
	require.NoError(t, err)
	s, err := Decode[state](d)
	require.NoError(t, err)
	assert.Equal(t, state{
		Version:    "1.0",
		SampleList: []string{"s1"},
		Samples:    map[string]info{"s1": {Title: "t", RevisionID: "revId-1"}},
	}, s)
}

func TestHistory(t *testing.T) {
	d, err := Init(sampleState())
	require.NoError(t, err)
	d = set(t, d, "second", "samples", "s1", "title")

	entries, err := History(d, "samples", "s1", "title")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 2)
	last := entries[len(entries)-1]
	assert.Equal(t, d.ActorID(), last.Actor)
	assert.True(t, last.Present)
	assert.Equal(t, "second", last.Value)
	assert.Contains(t, last.Writes, "set samples/s1/title")
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "a~1b/c~0d", JoinPath("a/b", "c~d"))
	assert.Equal(t, []string{"a/b", "c~d"}, SplitPath("a~1b/c~0d"))
	assert.Nil(t, SplitPath(""))
}
