package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalProviderRoundTrip(t *testing.T) {
	p := NewLocalProvider(t.TempDir())
	ctx := context.Background()

	_, err := p.Read(ctx, "missing.json")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, p.Write(ctx, "a.json", []byte(`{"x":1}`)))
	data, err := p.Read(ctx, "a.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(data))

	keys, err := p.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json"}, keys)

	require.NoError(t, p.Delete(ctx, "a.json"))
	require.NoError(t, p.Delete(ctx, "a.json"), "deleting a missing key is not an error")
}

func TestLocalProviderListEmptyDir(t *testing.T) {
	p := NewLocalProvider(t.TempDir() + "/nonexistent")
	keys, err := p.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestBindingStoreRoundTrip(t *testing.T) {
	s := NewBindingStore(NewLocalProvider(t.TempDir()))
	ctx := context.Background()

	binding := Binding{
		SessionKey:     "tenant-a:19:channel@thread.v2",
		ConversationID: "conv-1",
		Turns:          3,
		LastActivity:   time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.Save(ctx, binding))

	loaded, err := s.Load(ctx, binding.SessionKey)
	require.NoError(t, err)
	assert.Equal(t, binding, *loaded)

	_, err = s.Load(ctx, "other-session")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, binding.SessionKey))
	_, err = s.Load(ctx, binding.SessionKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBindingStoreLoadAll(t *testing.T) {
	s := NewBindingStore(NewLocalProvider(t.TempDir()))
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, Binding{SessionKey: "s1", ConversationID: "c1"}))
	require.NoError(t, s.Save(ctx, Binding{SessionKey: "s2", ConversationID: "c2"}))

	bindings, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, bindings, 2)
}

func TestBindingKeysAreHashed(t *testing.T) {
	dir := t.TempDir()
	p := NewLocalProvider(dir)
	s := NewBindingStore(p)

	require.NoError(t, s.Save(context.Background(), Binding{SessionKey: "tenant/user:with:colons"}))

	keys, err := p.List(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotContains(t, keys[0], "tenant", "raw session keys must not leak into object names")
	assert.Regexp(t, `^[0-9a-f]{64}\.json$`, keys[0])
}
