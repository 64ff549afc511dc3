// Package topology tracks cluster membership and answers the one question
// the ingest pipeline needs before it can route an append: which node
// currently owns a given stream.
package topology

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// NodeStatus reports whether a node is currently reachable.
type NodeStatus string

const (
	NodeHealthy   NodeStatus = "healthy"
	NodeUnhealthy NodeStatus = "unhealthy"
)

// Node is one member of the cluster's deterministic node list.
type Node struct {
	ID      string
	Address string
	Status  NodeStatus
}

// Topology is the RWMutex-guarded view of cluster membership. Ownership is
// computed from a sorted snapshot of node IDs, so every node in the
// cluster reaches the same answer from Owner without needing to
// exchange ownership assignments directly: they only need to agree on the
// node list.
type Topology struct {
	mu     sync.RWMutex
	selfID string
	nodes  map[string]*Node
	epoch  uint64
}

// New builds a Topology whose sole initial member is self.
func New(selfID, selfAddress string) *Topology {
	return &Topology{
		selfID: selfID,
		nodes: map[string]*Node{
			selfID: {ID: selfID, Address: selfAddress, Status: NodeHealthy},
		},
		epoch: 1,
	}
}

// SelfID returns this node's ID.
func (t *Topology) SelfID() string { return t.selfID }

// Epoch returns the current membership epoch, incremented on every
// membership change so peers can detect a stale cached view.
func (t *Topology) Epoch() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.epoch
}

// AddNode registers a new cluster member (or updates its address if it is
// already known) and bumps the epoch.
func (t *Topology) AddNode(id, address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = &Node{ID: id, Address: address, Status: NodeHealthy}
	t.epoch++
}

// RemoveNode drops a cluster member and bumps the epoch.
func (t *Topology) RemoveNode(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodes[id]; !ok {
		return
	}
	delete(t.nodes, id)
	t.epoch++
}

// SetStatus updates a node's health without changing membership, so
// ownership decisions keep referencing the same sorted node list even
// while a peer is known to be down.
func (t *Topology) SetStatus(id string, status NodeStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[id]; ok {
		n.Status = status
	}
}

// Nodes returns a snapshot of every known node, sorted by ID for stable
// iteration order.
func (t *Topology) Nodes() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Owner returns the node ID that owns streamID under the current
// membership: the sorted node list indexed by the stream ID's hash modulo
// node count. Two nodes with the same membership snapshot always agree.
func (t *Topology) Owner(streamID string) string {
	nodes := t.Nodes()
	if len(nodes) == 0 {
		return ""
	}
	h := xxhash.Sum64String(streamID)
	return nodes[h%uint64(len(nodes))].ID
}

// IsOwner reports whether this node owns streamID under the current
// membership.
func (t *Topology) IsOwner(streamID string) bool {
	return t.Owner(streamID) == t.selfID
}

// Address returns the address of a known node.
func (t *Topology) Address(id string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return "", false
	}
	return n.Address, true
}
