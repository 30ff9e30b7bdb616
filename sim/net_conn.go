package sim

import (
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
)

// mailbox is a FIFO that parks receivers while empty. Once closed and
// drained, pops fail with ErrConnectionClosed.
type mailbox[T any] struct {
	items   []T
	waiters []waiter
	closed  bool
}

func (m *mailbox[T]) push(s *Scheduler, v T) {
	m.items = append(m.items, v)
	for len(m.waiters) > 0 {
		w := m.waiters[0]
		m.waiters = m.waiters[1:]
		if s.wake(w.task, w.token, wakeReady) {
			return
		}
	}
}

func (m *mailbox[T]) close(s *Scheduler) {
	m.closed = true
	waiters := m.waiters
	m.waiters = nil
	for _, w := range waiters {
		s.wake(w.task, w.token, wakeReady)
	}
}

func (m *mailbox[T]) forget(t *Task) {
	kept := m.waiters[:0]
	for _, w := range m.waiters {
		if w.task != t {
			kept = append(kept, w)
		}
	}
	m.waiters = kept
}

func (m *mailbox[T]) pop(ctx *Context, deadline Timestamp) (T, error) {
	var zero T
	s := ctx.sched()
	for {
		if len(m.items) > 0 {
			v := m.items[0]
			m.items[0] = zero
			m.items = m.items[1:]
			return v, nil
		}
		if m.closed {
			return zero, ErrConnectionClosed
		}
		if deadline != noDeadline && ctx.Now() >= deadline {
			return zero, ErrTimeout
		}
		reason := s.block(ctx.task, func(token uint64) {
			m.waiters = append(m.waiters, waiter{task: ctx.task, token: token})
		}, deadline)
		m.forget(ctx.task)
		switch reason {
		case wakeCancel:
			return zero, ErrCancelled
		case wakeTimer:
			if len(m.items) == 0 {
				return zero, ErrTimeout
			}
		}
	}
}

// pipe is one direction of a connection.
type pipe struct {
	net              *Network
	src, dst         netip.AddrPort
	srcNode, dstNode *Node
	queue            mailbox[Payload]
	last             Timestamp
	sendClosed       bool
	recvClosed       bool
}

func newPipe(n *Network, src, dst netip.AddrPort, srcNode, dstNode *Node) *pipe {
	return &pipe{net: n, src: src, dst: dst, srcNode: srcNode, dstNode: dstNode}
}

// deliveryTime returns when a message sent now with the given latency
// arrives. Without reordering, arrivals never precede an earlier send.
func (p *pipe) deliveryTime(latency time.Duration) Timestamp {
	at := p.net.sched.clock.Now().Add(latency)
	if !p.net.cfg.Reorder && at < p.last {
		at = p.last
	}
	if at > p.last {
		p.last = at
	}
	return at
}

// closeSend ends the stream after everything already in flight.
func (p *pipe) closeSend() {
	if p.sendClosed {
		return
	}
	p.sendClosed = true
	s := p.net.sched
	s.at(p.deliveryTime(0), func() { p.queue.close(s) })
}

// closeRecv discards buffered messages; the sender's next Send fails.
func (p *pipe) closeRecv() {
	if p.recvClosed {
		return
	}
	p.recvClosed = true
	p.queue.items = nil
	p.queue.close(p.net.sched)
}

// Sender is the sending half of a connection.
type Sender struct {
	pipe *pipe
}

// LocalAddr returns the address messages are sent from.
func (tx *Sender) LocalAddr() netip.AddrPort { return tx.pipe.src }

// PeerAddr returns the address messages are sent to.
func (tx *Sender) PeerAddr() netip.AddrPort { return tx.pipe.dst }

// Send enqueues msg for delivery to the peer after the sampled latency.
// With the configured drop rate the message is silently lost; those that
// arrive keep their send order. Fails with ErrConnectionClosed once either
// side has closed this direction. Send is a scheduling point.
func (tx *Sender) Send(ctx *Context, msg Payload) error {
	p := tx.pipe
	n := p.net
	if p.sendClosed || p.recvClosed {
		return opErr("send", p.dst.String(), ErrConnectionClosed)
	}
	if !n.Reachable(p.srcNode, p.dstNode) {
		err := n.unreachable("send", p.srcNode, p.dstNode, p.dst.String())
		ctx.Yield()
		return err
	}
	if bernoulli(n.netRand(p.srcNode), n.cfg.DropRate) {
		n.sched.metrics.IncMessages("lost")
		n.sched.recordFault("loss", p.srcNode.Name(), p.dstNode.Name(), "send")
		ctx.Yield()
		return nil
	}
	at := p.deliveryTime(n.latency(p.srcNode))
	n.sched.at(at, func() {
		if p.recvClosed {
			n.sched.metrics.IncMessages("discarded")
			return
		}
		n.sched.metrics.IncMessages("delivered")
		p.queue.push(n.sched, msg)
	})
	ctx.Yield()
	return nil
}

// Close ends this direction of the connection. The peer receives every
// message already sent, then ErrConnectionClosed.
func (tx *Sender) Close() {
	tx.pipe.closeSend()
}

// Receiver is the receiving half of a connection.
type Receiver struct {
	pipe *pipe
}

// LocalAddr returns the address messages are received at.
func (rx *Receiver) LocalAddr() netip.AddrPort { return rx.pipe.dst }

// PeerAddr returns the address messages come from.
func (rx *Receiver) PeerAddr() netip.AddrPort { return rx.pipe.src }

// Recv returns the next message, suspending until one arrives. It fails
// with ErrConnectionClosed once the peer has closed and every message has
// been received, or if this half was closed.
func (rx *Receiver) Recv(ctx *Context) (Payload, error) {
	return rx.recv(ctx, noDeadline)
}

// RecvTimeout is Recv with a virtual-time limit; it fails with ErrTimeout
// if nothing arrives within d.
func (rx *Receiver) RecvTimeout(ctx *Context, d time.Duration) (Payload, error) {
	return rx.recv(ctx, ctx.Now().Add(d))
}

func (rx *Receiver) recv(ctx *Context, deadline Timestamp) (Payload, error) {
	p := rx.pipe
	if p.recvClosed {
		return nil, opErr("recv", p.src.String(), ErrConnectionClosed)
	}
	msg, err := p.queue.pop(ctx, deadline)
	if err != nil {
		return nil, opErr("recv", p.src.String(), err)
	}
	return msg, nil
}

// Close stops receiving. Buffered messages are discarded and the peer's
// next Send fails.
func (rx *Receiver) Close() {
	rx.pipe.closeRecv()
}

// Datagram is a connectionless message together with its source.
type Datagram struct {
	From    netip.AddrPort
	Payload Payload
}

type incoming struct {
	tx   *Sender
	rx   *Receiver
	peer netip.AddrPort
}

// Endpoint is a bound network address on a node.
type Endpoint struct {
	net       *Network
	handle    *NetHandle
	addr      netip.AddrPort
	backlog   mailbox[*incoming]
	datagrams mailbox[Datagram]
	closed    bool
}

func newEndpoint(h *NetHandle, addr netip.AddrPort) *Endpoint {
	return &Endpoint{net: h.net, handle: h, addr: addr}
}

// Addr returns the bound address.
func (e *Endpoint) Addr() netip.AddrPort { return e.addr }

// Node returns the node the endpoint is bound on.
func (e *Endpoint) Node() *Node { return e.handle.node }

// Accept waits for the next inbound connection and returns its halves and
// the peer's address.
func (e *Endpoint) Accept(ctx *Context) (*Sender, *Receiver, netip.AddrPort, error) {
	if e.closed {
		return nil, nil, netip.AddrPort{}, opErr("accept", e.addr.String(), ErrConnectionClosed)
	}
	in, err := e.backlog.pop(ctx, noDeadline)
	if err != nil {
		return nil, nil, netip.AddrPort{}, opErr("accept", e.addr.String(), err)
	}
	return in.tx, in.rx, in.peer, nil
}

// Connect opens a connection from this endpoint's address to peer.
func (e *Endpoint) Connect(ctx *Context, peer string) (*Sender, *Receiver, error) {
	if e.closed {
		return nil, nil, opErr("connect", peer, ErrConnectionClosed)
	}
	return e.net.connect(ctx, e.handle, e.addr, peer)
}

// SendTo sends msg as a datagram to dst. Datagrams are unordered and are
// lost with the configured drop rate; a datagram to an address nobody has
// bound is silently discarded on arrival.
func (e *Endpoint) SendTo(ctx *Context, dst string, msg Payload) error {
	if e.closed {
		return opErr("send_to", dst, ErrConnectionClosed)
	}
	to, err := parsePeer(dst)
	if err != nil {
		return opErr("send_to", dst, err)
	}
	n := e.net
	src := e.handle.node
	if dstNode, ok := n.registry.node(to.Addr()); ok && !n.Reachable(src, dstNode) {
		err := n.unreachable("send_to", src, dstNode, dst)
		ctx.Yield()
		return err
	}
	if bernoulli(n.netRand(src), n.cfg.DropRate) {
		n.sched.metrics.IncMessages("lost")
		n.sched.recordFault("loss", src.Name(), to.Addr().String(), "send_to")
		ctx.Yield()
		return nil
	}
	from := e.addr
	at := n.sched.clock.Now().Add(n.latency(src))
	n.sched.at(at, func() {
		target, ok := n.endpoints[to]
		if !ok || target.closed {
			n.sched.metrics.IncMessages("discarded")
			return
		}
		n.sched.metrics.IncMessages("delivered")
		target.datagrams.push(n.sched, Datagram{From: from, Payload: msg})
	})
	ctx.Yield()
	return nil
}

// RecvFrom waits for the next datagram addressed to this endpoint.
func (e *Endpoint) RecvFrom(ctx *Context) (Payload, netip.AddrPort, error) {
	if e.closed {
		return nil, netip.AddrPort{}, opErr("recv_from", e.addr.String(), ErrConnectionClosed)
	}
	d, err := e.datagrams.pop(ctx, noDeadline)
	if err != nil {
		return nil, netip.AddrPort{}, opErr("recv_from", e.addr.String(), err)
	}
	return d.Payload, d.From, nil
}

// Close unbinds the endpoint. Pending Accept and RecvFrom calls fail with
// ErrConnectionClosed and connections not yet accepted are reset.
func (e *Endpoint) Close() {
	if e.closed {
		return
	}
	e.closed = true
	if cur, ok := e.net.endpoints[e.addr]; ok && cur == e {
		delete(e.net.endpoints, e.addr)
	}
	for _, in := range e.backlog.items {
		in.rx.Close()
		in.tx.Close()
	}
	e.backlog.items = nil
	s := e.net.sched
	e.backlog.close(s)
	e.datagrams.close(s)
	logrus.Debugf("net(%s): close %s", e.handle.node, e.addr)
}
