package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmqtt/kestrel/internal/packet"
)

func TestMemoryStoreGetPutEvict(t *testing.T) {
	store := NewMemoryStore(2)

	_, ok := store.Get("alice")
	assert.False(t, ok)

	s := New()
	s.Add("a/b", packet.QosFireAndForget)
	store.Put("alice", s)

	got, ok := store.Get("alice")
	require.True(t, ok)
	assert.Equal(t, []string{"a/b"}, got.Topics())

	store.Evict("alice")
	_, ok = store.Get("alice")
	assert.False(t, ok)
}

func TestMemoryStoreEvictsLeastRecentlyUsed(t *testing.T) {
	store := NewMemoryStore(2)
	store.Put("a", New())
	store.Put("b", New())

	// touch "a" so "b" becomes the LRU victim
	store.Get("a")
	store.Put("c", New())

	_, ok := store.Get("b")
	assert.False(t, ok, "b should have been evicted")

	_, ok = store.Get("a")
	assert.True(t, ok)
	_, ok = store.Get("c")
	assert.True(t, ok)
}

func TestMemoryStorePutOverwritesExistingEntryWithoutEviction(t *testing.T) {
	store := NewMemoryStore(1)
	store.Put("a", New())
	store.Put("a", New())

	_, ok := store.Get("a")
	assert.True(t, ok)
}
