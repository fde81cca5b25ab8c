package cluster

import (
	"slices"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"ringdb/pkg/dberrors"
)

// DefaultVirtualNodes - число позиций на кольце для одной физической ноды
const DefaultVirtualNodes = 10

type slot struct {
	hash uint64
	node string
}

func slotLess(a, b slot) bool { return a.hash < b.hash }

// Topology реализует consistent hashing с виртуальными нодами.
// Ключ принадлежит первой позиции с хэшем >= хэша ключа (по кругу).
type Topology struct {
	virtual int
	local   string

	mu    sync.RWMutex
	ring  *btree.BTreeG[slot]
	nodes map[string]struct{}
}

func NewTopology(nodes []string, local string, virtual int) (*Topology, error) {
	if virtual <= 0 {
		virtual = DefaultVirtualNodes
	}
	if len(nodes) == 0 {
		return nil, errors.Wrap(dberrors.ErrInvalidArgument, "empty topology")
	}
	if !slices.Contains(nodes, local) {
		return nil, errors.Wrapf(dberrors.ErrInvalidArgument, "local node %s is not a member", local)
	}

	t := &Topology{
		virtual: virtual,
		local:   local,
		ring:    btree.NewG(8, slotLess),
		nodes:   make(map[string]struct{}, len(nodes)),
	}
	// порядок вставки влияет на разрешение коллизий, поэтому сортируем
	sorted := slices.Clone(nodes)
	slices.Sort(sorted)
	for _, n := range slices.Compact(sorted) {
		t.addLocked(n)
	}
	return t, nil
}

func vnodeHash(node string, i, salt int) uint64 {
	in := node + "#" + strconv.Itoa(i)
	if salt > 0 {
		in += "#" + strconv.Itoa(salt)
	}
	return xxhash.Sum64String(in)
}

func (t *Topology) addLocked(node string) {
	if _, ok := t.nodes[node]; ok {
		return
	}
	t.nodes[node] = struct{}{}
	for i := 0; i < t.virtual; i++ {
		// при коллизии меняем вход хэша, а не повторяем тот же
		for salt := 0; ; salt++ {
			s := slot{hash: vnodeHash(node, i, salt), node: node}
			if !t.ring.Has(s) {
				t.ring.ReplaceOrInsert(s)
				break
			}
		}
	}
}

func (t *Topology) AddNode(node string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addLocked(node)
}

func (t *Topology) RemoveNode(node string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nodes[node]; !ok {
		return
	}
	delete(t.nodes, node)

	var drop []slot
	t.ring.Ascend(func(s slot) bool {
		if s.node == node {
			drop = append(drop, s)
		}
		return true
	})
	for _, s := range drop {
		t.ring.Delete(s)
	}
}

func keyHash(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// NodeFor - владелец ключа
func (t *Topology) NodeFor(key []byte) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pivot := slot{hash: keyHash(key)}
	owner := ""
	t.ring.AscendGreaterOrEqual(pivot, func(s slot) bool {
		owner = s.node
		return false
	})
	if owner == "" {
		if first, ok := t.ring.Min(); ok {
			owner = first.node
		}
	}
	return owner
}

// NodesForKey returns min(from, Size()) distinct nodes in ring order,
// starting from the key's owner.
func (t *Topology) NodesForKey(key []byte, from int) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	want := min(from, len(t.nodes))
	if want <= 0 {
		return nil
	}

	out := make([]string, 0, want)
	seen := make(map[string]struct{}, want)
	collect := func(s slot) bool {
		if _, ok := seen[s.node]; !ok {
			seen[s.node] = struct{}{}
			out = append(out, s.node)
		}
		return len(out) < want
	}

	pivot := slot{hash: keyHash(key)}
	t.ring.AscendGreaterOrEqual(pivot, collect)
	if len(out) < want {
		t.ring.AscendLessThan(pivot, collect)
	}
	return out
}

// Nodes - отсортированный список физических нод
func (t *Topology) Nodes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.nodes))
	for n := range t.nodes {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

func (t *Topology) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

func (t *Topology) Local() string {
	return t.local
}

func (t *Topology) IsLocal(node string) bool {
	return node == t.local
}

// DefaultReplicas - ack/from, если клиент их не передал: большинство от всех нод
func (t *Topology) DefaultReplicas() (ack, from int) {
	from = t.Size()
	return from/2 + 1, from
}
