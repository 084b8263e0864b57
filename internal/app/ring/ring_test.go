package ring

import (
	"testing"

	"github.com/serialx/hashring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/soundrooms/internal/domain"
)

var rooms = []domain.RoomName{"abcd", "efgh", "ijkl", "mnop", "qrst", "uvwx", "yzab", "cdef", "ghij", "klmn"}

func TestEmptyRing(t *testing.T) {
	r := New()
	_, ok := r.Get("abcd")
	assert.False(t, ok)
	assert.Empty(t, r.Servable("10.0.0.1:8100", rooms))
}

func TestDeterministicAcrossInsertOrder(t *testing.T) {
	a := New("10.0.0.1:8100", "10.0.0.2:8100", "10.0.0.3:8100")
	b := New()
	b.Add("10.0.0.3:8100")
	b.Add("10.0.0.1:8100")
	b.Add("10.0.0.2:8100")

	for _, name := range rooms {
		ga, _ := a.Get(string(name))
		gb, _ := b.Get(string(name))
		assert.Equal(t, ga, gb, "room %s", name)
	}
}

func TestSingleNodeOwnsEverything(t *testing.T) {
	r := New("10.0.0.1:8100")
	assert.Equal(t, rooms, r.Servable("10.0.0.1:8100", rooms))
	assert.Empty(t, r.Servable("10.0.0.2:8100", rooms))
}

func TestAddRemove(t *testing.T) {
	r := New("a:1")
	assert.True(t, r.Add("b:1"))
	assert.False(t, r.Add("b:1"))
	assert.Equal(t, []string{"a:1", "b:1"}, r.Nodes())
	assert.True(t, r.Has("b:1"))

	pool := make([]domain.RoomName, 0, 200)
	for i := 0; i < 200; i++ {
		pool = append(pool, domain.RoomName([]byte{'a' + byte(i%26), 'a' + byte(i/26), 'x', 'y'}))
	}
	ownedA := r.Servable("a:1", pool)
	ownedB := r.Servable("b:1", pool)
	assert.Equal(t, len(pool), len(ownedA)+len(ownedB))
	assert.NotEmpty(t, ownedA)
	assert.NotEmpty(t, ownedB)

	require.True(t, r.Remove("b:1"))
	assert.False(t, r.Remove("b:1"))
	assert.Len(t, r.Servable("a:1", pool), len(pool))
}

func TestRemovalOnlyMovesRemovedNodesKeys(t *testing.T) {
	r := New("a:1", "b:1", "c:1")
	before := map[domain.RoomName]string{}
	for _, name := range rooms {
		before[name], _ = r.Get(string(name))
	}
	r.Remove("c:1")
	for _, name := range rooms {
		after, _ := r.Get(string(name))
		if before[name] != "c:1" {
			assert.Equal(t, before[name], after, "room %s moved", name)
		}
	}
}

func TestPlacementFollowsKetama(t *testing.T) {
	nodes := []string{"10.0.0.1:8100", "10.0.0.2:8100", "10.0.0.3:8100"}
	r := New(nodes[2], nodes[0], nodes[1])
	k := hashring.New(nodes)
	for _, name := range rooms {
		want, _ := k.GetNode(string(name))
		got, ok := r.Get(string(name))
		require.True(t, ok)
		assert.Equal(t, want, got, "room %s", name)
	}
}
