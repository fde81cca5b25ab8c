package cluster

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func nodeNames(n int) []string {
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, fmt.Sprintf("http://node%d:8080", i))
	}
	return out
}

// кольцо из N нод с заданным числом виртуальных нод
func makeRing(t *testing.T, n, virtual int) *Topology {
	t.Helper()
	nodes := nodeNames(n)
	r, err := NewTopology(nodes, nodes[0], virtual)
	require.NoError(t, err)
	return r
}

// равномерность распределения ~ 1/N с допуском
func TestRing_DistributionUniformity(t *testing.T) {
	N := 3
	r := makeRing(t, N, 1024)
	total := 60_000

	counts := map[string]int{}
	for i := 0; i < total; i++ {
		counts[r.NodeFor([]byte(fmt.Sprintf("key-%d", i)))]++
	}
	ideal := float64(total) / float64(N)
	tolerance := 0.15 * ideal // 15% коридор

	require.Len(t, counts, N)
	for node, c := range counts {
		diff := math.Abs(float64(c) - ideal)
		if diff > tolerance {
			t.Fatalf("node %s: count=%d ideal=%.0f diff=%.0f > tol=%.0f", node, c, ideal, diff, tolerance)
		}
	}
}

// минимальные перемещения при добавлении ноды (~1/(N+1))
func TestRing_MinimalMovementOnAdd(t *testing.T) {
	total := 100_000
	r := makeRing(t, 3, 1024)

	before := make([]string, total)
	for i := 0; i < total; i++ {
		before[i] = r.NodeFor([]byte(fmt.Sprintf("k-%d", i)))
	}

	r.AddNode("http://node4:8080")

	moved := 0
	for i := 0; i < total; i++ {
		after := r.NodeFor([]byte(fmt.Sprintf("k-%d", i)))
		if after != before[i] {
			if after != "http://node4:8080" {
				t.Fatalf("key k-%d moved between old nodes: %s -> %s", i, before[i], after)
			}
			moved++
		}
	}
	ratio := float64(moved) / float64(total)
	if ratio < 0.15 || ratio > 0.35 {
		t.Fatalf("moved ratio %.3f, want about 0.25", ratio)
	}
}

func TestRing_Deterministic(t *testing.T) {
	a := makeRing(t, 5, DefaultVirtualNodes)
	b, err := NewTopology([]string{
		"http://node5:8080", "http://node3:8080", "http://node1:8080", "http://node4:8080", "http://node2:8080",
	}, "http://node2:8080", DefaultVirtualNodes)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		k := []byte(fmt.Sprintf("key-%d", i))
		require.Equal(t, a.NodeFor(k), b.NodeFor(k))
		require.Equal(t, a.NodesForKey(k, 3), b.NodesForKey(k, 3))
	}
}

func TestRing_RemoveNode(t *testing.T) {
	r := makeRing(t, 3, DefaultVirtualNodes)
	r.RemoveNode("http://node2:8080")

	require.Equal(t, 2, r.Size())
	for i := 0; i < 1000; i++ {
		require.NotEqual(t, "http://node2:8080", r.NodeFor([]byte(fmt.Sprintf("key-%d", i))))
	}
}

func TestRing_NodesForKeyDistinct(t *testing.T) {
	r := makeRing(t, 5, DefaultVirtualNodes)

	for i := 0; i < 1000; i++ {
		k := []byte(fmt.Sprintf("key-%d", i))
		for from := 1; from <= 7; from++ {
			nodes := r.NodesForKey(k, from)
			require.Len(t, nodes, min(from, 5))
			require.Equal(t, r.NodeFor(k), nodes[0])

			seen := map[string]bool{}
			for _, n := range nodes {
				require.False(t, seen[n], "duplicate %s", n)
				seen[n] = true
			}
		}
	}
}

func TestRing_NodesForKeyPrefixStable(t *testing.T) {
	r := makeRing(t, 4, DefaultVirtualNodes)
	k := []byte("stable")
	require.Equal(t, r.NodesForKey(k, 2), r.NodesForKey(k, 4)[:2])
}

func TestRing_Validation(t *testing.T) {
	_, err := NewTopology(nil, "http://a", 10)
	require.Error(t, err)

	_, err = NewTopology([]string{"http://a"}, "http://b", 10)
	require.Error(t, err)
}

func TestRing_DefaultReplicas(t *testing.T) {
	ack, from := makeRing(t, 3, DefaultVirtualNodes).DefaultReplicas()
	require.Equal(t, 2, ack)
	require.Equal(t, 3, from)

	ack, from = makeRing(t, 4, DefaultVirtualNodes).DefaultReplicas()
	require.Equal(t, 3, ack)
	require.Equal(t, 4, from)
}

func TestRing_CollisionSalt(t *testing.T) {
	require.NotEqual(t, vnodeHash("n", 0, 0), vnodeHash("n", 0, 1))
	require.Equal(t, vnodeHash("n", 3, 0), vnodeHash("n", 3, 0))
}
