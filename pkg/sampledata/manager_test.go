package sampledata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arseneyr/speakerbox/pkg/backend"
	"github.com/arseneyr/speakerbox/pkg/model"
)

func newManager(t *testing.T, local backend.Local, remote backend.Remote) *Manager {
	t.Helper()
	m := New(local, remote, Options{})
	t.Cleanup(m.Close)
	return m
}

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitIdle(ctx))
}

func TestLoadsLocalFirst(t *testing.T) {
	ctx := context.Background()
	local := backend.NewMemory()
	rev := model.NewRevisionID()
	require.NoError(t, local.SetState(ctx, model.SampleKey(rev), []byte("local")))

	m := newManager(t, local, backend.NewHub().Endpoint())
	assert.Equal(t, StatusAbsent, m.Get(rev).Status)
	m.SetRequested([]model.RevisionID{rev})
	waitIdle(t, m)
	assert.Equal(t, Entry{Data: []byte("local"), Status: StatusReady}, m.Get(rev))
}

func TestRemoteFallbackWritesBack(t *testing.T) {
	ctx := context.Background()
	hub := backend.NewHub()
	ep := hub.Endpoint()
	ep.SignIn("alice")
	rev := model.NewRevisionID()
	_, err := ep.SetState(ctx, model.SampleKey(rev), []byte("remote"), backend.AnyTag)
	require.NoError(t, err)

	local := backend.NewMemory()
	m := newManager(t, local, ep)
	m.SetRequested([]model.RevisionID{rev})
	waitIdle(t, m)
	assert.Equal(t, []byte("remote"), m.Get(rev).Data)

	raw, ok, err := local.GetState(ctx, model.SampleKey(rev))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("remote"), raw)
}

func TestMissingSampleFailsUntilRequestedAgain(t *testing.T) {
	ctx := context.Background()
	hub := backend.NewHub()
	writer := hub.Endpoint()
	writer.SignIn("alice")
	rev := model.NewRevisionID()
	_, err := writer.SetState(ctx, model.SampleKey(rev), []byte("remote"), backend.AnyTag)
	require.NoError(t, err)

	ep := hub.Endpoint()
	m := newManager(t, backend.NewMemory(), ep)
	m.SetRequested([]model.RevisionID{rev})
	waitIdle(t, m)
	e := m.Get(rev)
	assert.Equal(t, StatusFailed, e.Status)
	require.ErrorIs(t, e.Err, ErrNoSampleData)

	ep.SignIn("alice")
	m.SetRequested([]model.RevisionID{rev})
	waitIdle(t, m)
	assert.Equal(t, StatusFailed, m.Get(rev).Status, "an unchanged set does not retry")

	m.SetRequested(nil)
	m.SetRequested([]model.RevisionID{rev})
	waitIdle(t, m)
	assert.Equal(t, StatusReady, m.Get(rev).Status)
}

// blockingRemote never answers GetState before its context ends.
type blockingRemote struct {
	backend.Remote
	started chan struct{}
}

func (b *blockingRemote) GetState(ctx context.Context, key string) (backend.Entry, bool, error) {
	b.started <- struct{}{}
	<-ctx.Done()
	return backend.Entry{}, false, ctx.Err()
}

func TestCancelledFetchIsSwallowed(t *testing.T) {
	ep := backend.NewHub().Endpoint()
	ep.SignIn("alice")
	remote := &blockingRemote{Remote: ep, started: make(chan struct{}, 1)}
	m := newManager(t, backend.NewMemory(), remote)

	rev := model.NewRevisionID()
	m.SetRequested([]model.RevisionID{rev})
	<-remote.started
	assert.Equal(t, StatusLoading, m.Get(rev).Status)

	m.SetRequested(nil)
	waitIdle(t, m)
	assert.Equal(t, Entry{Status: StatusAbsent}, m.Get(rev))
}

func TestAddAndDelete(t *testing.T) {
	ctx := context.Background()
	hub := backend.NewHub()
	ep := hub.Endpoint()
	ep.SignIn("alice")
	local := backend.NewMemory()
	m := newManager(t, local, ep)

	rev := model.NewRevisionID()
	localDone, synced := m.AddSampleData(rev, []byte("data"))
	assert.Equal(t, StatusReady, m.Get(rev).Status)
	require.NoError(t, localDone.Wait(ctx))
	require.NoError(t, synced.Wait(ctx))
	_, ok := hub.Peek("alice", model.SampleKey(rev))
	assert.True(t, ok)

	localDone, _ = m.AddSampleData(rev, []byte("other"))
	require.ErrorIs(t, localDone.Wait(ctx), ErrExists)

	localDone, synced = m.DeleteSampleData(rev)
	assert.Equal(t, StatusAbsent, m.Get(rev).Status)
	require.NoError(t, localDone.Wait(ctx))
	require.NoError(t, synced.Wait(ctx))
	_, ok = hub.Peek("alice", model.SampleKey(rev))
	assert.False(t, ok)
	_, ok, err := local.GetState(ctx, model.SampleKey(rev))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAddWhileSignedOutSkipsRemote(t *testing.T) {
	ctx := context.Background()
	hub := backend.NewHub()
	m := newManager(t, backend.NewMemory(), hub.Endpoint())
	_, synced := m.AddSampleData(model.NewRevisionID(), []byte("data"))
	require.NoError(t, synced.Wait(ctx))
	assert.Zero(t, hub.Writes())
}

func TestEviction(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, backend.NewMemory(), backend.NewHub().Endpoint())
	added, other := model.NewRevisionID(), model.NewRevisionID()
	_, synced := m.AddSampleData(added, []byte("pinned"))
	require.NoError(t, synced.Wait(ctx))

	m.SetRequested([]model.RevisionID{other})
	waitIdle(t, m)
	assert.Equal(t, StatusReady, m.Get(added).Status, "pinned until first referenced")

	m.SetRequested([]model.RevisionID{added})
	waitIdle(t, m)
	assert.Equal(t, StatusAbsent, m.Get(other).Status)
	assert.Equal(t, StatusReady, m.Get(added).Status)

	m.SetRequested(nil)
	assert.Equal(t, StatusAbsent, m.Get(added).Status)

	m.SetRequested([]model.RevisionID{added})
	waitIdle(t, m)
	assert.Equal(t, []byte("pinned"), m.Get(added).Data)
}

func TestSubscribe(t *testing.T) {
	m := newManager(t, backend.NewMemory(), backend.NewHub().Endpoint())
	calls := 0
	cancel := m.Subscribe(func() { calls++ })
	defer cancel()
	m.AddSampleData(model.NewRevisionID(), []byte("x"))
	assert.Equal(t, 2, calls)
}
