package backend

import (
	"context"
	"testing"

	"github.com/arseneyr/speakerbox/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, ok, err := m.GetState(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	value := []byte("hello")
	require.NoError(t, m.SetState(ctx, "a", value))
	value[0] = 'j'
	got, ok, err := m.GetState(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("hello"), got)

	require.NoError(t, m.SetState(ctx, "b", nil))
	keys, err := m.GetStateKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, m.DeleteState(ctx, "a"))
	_, ok, _ = m.GetState(ctx, "a")
	assert.False(t, ok)
}

func TestCheckTag(t *testing.T) {
	assert.NoError(t, CheckTag(AnyTag, "3", true))
	assert.NoError(t, CheckTag("", "", false))
	assert.NoError(t, CheckTag("3", "3", true))
	assert.ErrorIs(t, CheckTag("", "3", true), ErrRetry)
	assert.ErrorIs(t, CheckTag("2", "3", true), ErrRetry)
	assert.ErrorIs(t, CheckTag("2", "", false), ErrRetry)
}

func TestHubTags(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, b := hub.Endpoint(), hub.Endpoint()

	_, _, err := a.GetState(ctx, "k")
	require.ErrorIs(t, err, ErrSignedOut)
	a.GoOffline()
	_, err = a.SetState(ctx, "k", nil, AnyTag)
	require.ErrorIs(t, err, ErrOffline)

	a.SignIn("u")
	b.SignIn("u")
	tag, err := a.SetState(ctx, "k", []byte("1"), "")
	require.NoError(t, err)

	_, err = b.SetState(ctx, "k", []byte("x"), "")
	require.ErrorIs(t, err, ErrRetry)

	entry, ok, err := b.GetState(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tag, entry.Tag)
	_, err = b.SetState(ctx, "k", []byte("2"), entry.Tag)
	require.NoError(t, err)

	_, err = a.SetState(ctx, "k", []byte("3"), tag)
	require.ErrorIs(t, err, ErrRetry)

	hub.InjectRetries(1)
	entry, _, _ = a.GetState(ctx, "k")
	_, err = a.SetState(ctx, "k", []byte("3"), entry.Tag)
	require.ErrorIs(t, err, ErrRetry)
	_, err = a.SetState(ctx, "k", []byte("3"), entry.Tag)
	require.NoError(t, err)

	v, ok := hub.Peek("u", "k")
	require.True(t, ok)
	assert.Equal(t, []byte("3"), v)
	assert.Equal(t, 3, hub.Writes())

	// Other users do not see the key.
	b.SignIn("other")
	_, ok, err = b.GetState(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

type memBlob struct {
	data map[string][]byte
}

func (m *memBlob) Get(_ context.Context, user model.UserID, key string) ([]byte, bool, error) {
	v, ok := m.data[string(user)+"/"+key]
	return v, ok, nil
}

func (m *memBlob) Put(_ context.Context, user model.UserID, key string, value []byte) error {
	m.data[string(user)+"/"+key] = value
	return nil
}

func (m *memBlob) Delete(_ context.Context, user model.UserID, key string) error {
	delete(m.data, string(user)+"/"+key)
	return nil
}

func (m *memBlob) Keys(_ context.Context, user model.UserID) ([]string, error) {
	var out []string
	prefix := string(user) + "/"
	for k := range m.data {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k[len(prefix):])
		}
	}
	return out, nil
}

func TestSplit(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	ep := hub.Endpoint()
	blobs := &memBlob{data: map[string][]byte{}}
	r := Split(ep, blobs)

	_, err := r.SetState(ctx, model.SampleKey("revId-1"), []byte("audio"), AnyTag)
	require.ErrorIs(t, err, ErrSignedOut)

	ep.SignIn("u")
	_, err = r.SetState(ctx, model.SampleKey("revId-1"), []byte("audio"), AnyTag)
	require.NoError(t, err)
	_, err = r.SetState(ctx, model.RemoteStateKey, []byte("doc"), "")
	require.NoError(t, err)

	assert.Equal(t, []byte("audio"), blobs.data["u/sample-revId-1"])
	_, ok := hub.Peek("u", model.SampleKey("revId-1"))
	assert.False(t, ok)

	entry, ok, err := r.GetState(ctx, model.SampleKey("revId-1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("audio"), entry.Value)

	keys, err := r.GetStateKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"remote", "sample-revId-1"}, keys)

	require.NoError(t, r.DeleteState(ctx, model.SampleKey("revId-1")))
	assert.Empty(t, blobs.data)
	assert.Same(t, ep.SignedIn(), r.SignedIn())
}
