package sim

import (
	"fmt"
	"net/netip"
	"sync"
)

// NodeID is a node's registration index within its simulation.
type NodeID int

// Node is one simulated host. It owns its Handles exclusively.
type Node struct {
	id      NodeID
	addr    netip.Addr
	handles *Handles
	runq    runQueue
	tasks   map[TaskID]*Task
	killed  bool
}

func (n *Node) ID() NodeID        { return n.id }
func (n *Node) Addr() netip.Addr  { return n.addr }
func (n *Node) Name() string      { return n.addr.String() }
func (n *Node) Handles() *Handles { return n.handles }
func (n *Node) Killed() bool      { return n.killed }
func (n *Node) String() string    { return n.Name() }

// Handles is a node's bundle of accessors to the shared facilities.
type Handles struct {
	Node  *Node
	Net   *NetHandle
	FS    *FileSystem
	Clock *ClockView
	Rand  *Rand
}

// Registry maps node addresses to nodes for one simulation.
//
// Locking: registration takes the write lock and is rare; lookups and the
// scheduler's per-step node scan take the read lock.
type Registry struct {
	mu     sync.RWMutex
	byAddr map[netip.Addr]*Node
	nodes  []*Node
	build  func(id NodeID, addr netip.Addr) *Node
}

// NewRegistry creates an empty Registry. build assembles a node's handles
// when it is registered.
func NewRegistry(build func(id NodeID, addr netip.Addr) *Node) *Registry {
	return &Registry{
		byAddr: make(map[netip.Addr]*Node),
		build:  build,
	}
}

// Register creates the node for addr. A malformed or duplicate address is
// a configuration error and panics.
func (r *Registry) Register(addr string) *Node {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		panic(fmt.Sprintf("Registry: invalid node address %q: %v", addr, err))
	}
	if ip.IsUnspecified() {
		panic(fmt.Sprintf("Registry: node address %q is unspecified", addr))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byAddr[ip]; exists {
		panic(fmt.Sprintf("Registry: node %s registered twice", ip))
	}
	n := r.build(NodeID(len(r.nodes)), ip)
	r.byAddr[ip] = n
	r.nodes = append(r.nodes, n)
	return n
}

// Lookup returns the handles of the node registered at addr.
func (r *Registry) Lookup(addr string) (*Handles, bool) {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return nil, false
	}
	n, ok := r.node(ip)
	if !ok {
		return nil, false
	}
	return n.handles, true
}

func (r *Registry) node(ip netip.Addr) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.byAddr[ip]
	return n, ok
}

// Nodes returns the registered nodes in registration order. The returned
// slice must not be modified.
func (r *Registry) Nodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[:len(r.nodes):len(r.nodes)]
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
