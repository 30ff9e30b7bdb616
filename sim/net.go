package sim

import (
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Payload is a type-erased message body. Payloads are handed to the
// receiver as-is; senders must not mutate them after sending.
type Payload = any

// Partition modes.
const (
	// PartitionDrop makes sends across a partition succeed and vanish.
	PartitionDrop = "drop"
	// PartitionFail makes sends across a partition return ErrDropped.
	PartitionFail = "fail"
)

// ValidPartitionModes is the set of recognized partition mode names.
var ValidPartitionModes = map[string]bool{"": true, PartitionDrop: true, PartitionFail: true}

// firstEphemeralPort is where port-0 binds and outbound connections start
// allocating.
const firstEphemeralPort = 40000

// NetConfig holds the network's fault parameters.
type NetConfig struct {
	MinLatency     time.Duration `yaml:"min_latency" toml:"min_latency"`
	MaxLatency     time.Duration `yaml:"max_latency" toml:"max_latency"`
	DropRate       float64       `yaml:"drop_rate" toml:"drop_rate"`           // per-message loss probability
	PartitionMode  string        `yaml:"partition_mode" toml:"partition_mode"` // "drop" (default) or "fail"
	Reorder        bool          `yaml:"reorder" toml:"reorder"`               // allow reordering within a connection
	ConnectTimeout time.Duration `yaml:"connect_timeout" toml:"connect_timeout"`
}

type pairKey struct {
	a, b netip.Addr
}

func newPairKey(x, y netip.Addr) pairKey {
	if y.Less(x) {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}

// Network is the virtual network shared by all nodes of a simulation.
type Network struct {
	cfg        NetConfig
	sched      *Scheduler
	rng        *PartitionedRNG
	registry   *Registry
	endpoints  map[netip.AddrPort]*Endpoint
	partitions map[pairKey]struct{}
	clogged    map[netip.Addr]bool
}

func newNetwork(cfg NetConfig, sched *Scheduler, rng *PartitionedRNG, registry *Registry) *Network {
	if cfg.PartitionMode == "" {
		cfg.PartitionMode = PartitionDrop
	}
	return &Network{
		cfg:        cfg,
		sched:      sched,
		rng:        rng,
		registry:   registry,
		endpoints:  make(map[netip.AddrPort]*Endpoint),
		partitions: make(map[pairKey]struct{}),
		clogged:    make(map[netip.Addr]bool),
	}
}

// Config returns the network's fault parameters.
func (n *Network) Config() NetConfig {
	return n.cfg
}

// Partition cuts the link between a and b in both directions. Traffic
// between either of them and any third node is unaffected.
func (n *Network) Partition(a, b *Node) {
	if a == b {
		return
	}
	n.partitions[newPairKey(a.addr, b.addr)] = struct{}{}
	n.sched.recordFault("partition", a.Name(), b.Name(), "")
	logrus.Infof("net: partition %s <-> %s at %s", a, b, n.sched.clock.Now())
}

// Heal restores the link between a and b.
func (n *Network) Heal(a, b *Node) {
	delete(n.partitions, newPairKey(a.addr, b.addr))
	logrus.Infof("net: heal %s <-> %s at %s", a, b, n.sched.clock.Now())
}

// HealAll removes every partition and unclogs every node.
func (n *Network) HealAll() {
	n.partitions = make(map[pairKey]struct{})
	n.clogged = make(map[netip.Addr]bool)
	logrus.Infof("net: heal all at %s", n.sched.clock.Now())
}

// Clog partitions node from every other node.
func (n *Network) Clog(node *Node) {
	n.clogged[node.addr] = true
	n.sched.recordFault("clog", node.Name(), "", "")
	logrus.Infof("net: clog %s at %s", node, n.sched.clock.Now())
}

// Unclog reverses Clog. Pairwise partitions involving node stay in place.
func (n *Network) Unclog(node *Node) {
	delete(n.clogged, node.addr)
	logrus.Infof("net: unclog %s at %s", node, n.sched.clock.Now())
}

// Reachable reports whether traffic can flow between a and b.
func (n *Network) Reachable(a, b *Node) bool {
	if a == b {
		return true
	}
	if n.clogged[a.addr] || n.clogged[b.addr] {
		return false
	}
	_, cut := n.partitions[newPairKey(a.addr, b.addr)]
	return !cut
}

func (n *Network) netRand(node *Node) *rand.Rand {
	return n.rng.ForSubsystem(SubsystemNet(node.Name()))
}

func (n *Network) latency(from *Node) time.Duration {
	return uniformDuration(n.netRand(from), n.cfg.MinLatency, n.cfg.MaxLatency)
}

// unreachable handles a send across a partition: it records the loss and
// returns the error the sender should see (nil in drop mode).
func (n *Network) unreachable(op string, from, to *Node, subject string) error {
	n.sched.metrics.IncMessages("partitioned")
	n.sched.recordFault("partition-loss", from.Name(), to.Name(), op)
	if n.cfg.PartitionMode == PartitionFail {
		return opErr(op, subject, ErrDropped)
	}
	return nil
}

// NetHandle is a node's access to the network.
type NetHandle struct {
	net      *Network
	node     *Node
	nextPort uint16
	bound    []*Endpoint
	pipes    []*pipe
}

func newNetHandle(n *Network, node *Node) *NetHandle {
	return &NetHandle{net: n, node: node, nextPort: firstEphemeralPort}
}

// Network returns the shared network.
func (h *NetHandle) Network() *Network {
	return h.net
}

// Bind binds an endpoint at addr ("ip:port"). An empty or unspecified IP
// means the node's own address; port 0 allocates an ephemeral port.
func (h *NetHandle) Bind(ctx *Context, addr string) (*Endpoint, error) {
	ap, err := h.resolveLocal(addr)
	if err != nil {
		return nil, opErr("bind", addr, err)
	}
	if ap.Port() == 0 {
		ap = netip.AddrPortFrom(h.node.addr, h.ephemeralPort())
	}
	if ep, ok := h.net.endpoints[ap]; ok && !ep.closed {
		return nil, opErr("bind", ap.String(), ErrAlreadyExists)
	}
	ep := newEndpoint(h, ap)
	h.net.endpoints[ap] = ep
	h.bound = append(h.bound, ep)
	logrus.Debugf("net(%s): bind %s", h.node, ap)
	ctx.Yield()
	return ep, nil
}

// Connect opens a connection to peer from an ephemeral local port.
func (h *NetHandle) Connect(ctx *Context, peer string) (*Sender, *Receiver, error) {
	local := netip.AddrPortFrom(h.node.addr, h.ephemeralPort())
	return h.net.connect(ctx, h, local, peer)
}

func (h *NetHandle) resolveLocal(addr string) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: port %q", ErrInvalidAddr, portStr)
	}
	ip := h.node.addr
	if host != "" {
		parsed, err := netip.ParseAddr(host)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrInvalidAddr, err)
		}
		if !parsed.IsUnspecified() && parsed != h.node.addr {
			return netip.AddrPort{}, fmt.Errorf("%w: %s is not an address of node %s", ErrInvalidAddr, parsed, h.node)
		}
	}
	return netip.AddrPortFrom(ip, uint16(port)), nil
}

func (h *NetHandle) ephemeralPort() uint16 {
	for {
		port := h.nextPort
		h.nextPort++
		if h.nextPort == 0 {
			h.nextPort = firstEphemeralPort
		}
		ap := netip.AddrPortFrom(h.node.addr, port)
		if ep, ok := h.net.endpoints[ap]; !ok || ep.closed {
			return port
		}
	}
}

func (h *NetHandle) track(p *pipe) {
	live := h.pipes[:0]
	for _, old := range h.pipes {
		if !old.sendClosed || !old.recvClosed {
			live = append(live, old)
		}
	}
	h.pipes = append(live, p)
}

// closeAll tears down every endpoint and connection of the node, as a
// crash would.
func (h *NetHandle) closeAll() {
	for _, ep := range h.bound {
		ep.Close()
	}
	h.bound = nil
	for _, p := range h.pipes {
		if p.srcNode == h.node {
			p.closeSend()
		}
		if p.dstNode == h.node {
			p.closeRecv()
		}
	}
	h.pipes = nil
}

func parsePeer(peer string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(peer)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	return ap, nil
}

// connect establishes a connection from local on h's node to peer. The
// accept side learns about it one network latency later.
func (n *Network) connect(ctx *Context, h *NetHandle, local netip.AddrPort, peer string) (*Sender, *Receiver, error) {
	dst, err := parsePeer(peer)
	if err != nil {
		return nil, nil, opErr("connect", peer, err)
	}
	dstNode, ok := n.registry.node(dst.Addr())
	listener := n.endpoints[dst]
	if !ok || listener == nil || listener.closed || dstNode.killed {
		ctx.Yield()
		return nil, nil, opErr("connect", peer, ErrConnectionRefused)
	}
	if !n.Reachable(h.node, dstNode) {
		n.sched.recordFault("partition-loss", h.node.Name(), dstNode.Name(), "connect")
		if n.cfg.PartitionMode == PartitionFail {
			return nil, nil, opErr("connect", peer, ErrDropped)
		}
		if err := ctx.Sleep(n.cfg.ConnectTimeout); err != nil {
			return nil, nil, opErr("connect", peer, err)
		}
		return nil, nil, opErr("connect", peer, ErrTimeout)
	}

	out := newPipe(n, local, dst, h.node, dstNode)
	in := newPipe(n, dst, local, dstNode, h.node)
	h.track(out)
	h.track(in)
	dstNode.handles.Net.track(out)
	dstNode.handles.Net.track(in)

	at := out.deliveryTime(n.latency(h.node))
	n.sched.at(at, func() {
		if listener.closed {
			out.closeRecv()
			in.closeSend()
			return
		}
		listener.backlog.push(n.sched, &incoming{
			tx:   &Sender{pipe: in},
			rx:   &Receiver{pipe: out},
			peer: local,
		})
	})
	logrus.Debugf("net(%s): connect %s -> %s", h.node, local, dst)
	ctx.Yield()
	return &Sender{pipe: out}, &Receiver{pipe: in}, nil
}
