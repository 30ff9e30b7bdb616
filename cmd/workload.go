package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/detsim/sim"
	"github.com/inference-sim/detsim/sim/trace"
)

const (
	ringPort        = 9000
	ringLogPath     = "log"
	ringAckTimeout  = 200 * time.Millisecond
	ringMaxAttempts = 10
)

// RingConfig describes the built-in ring workload.
type RingConfig struct {
	Nodes       int           // ring size (1-254)
	Rounds      int           // messages each client sends to its successor
	PartitionAt time.Duration // when to cut the link between node 0 and node 1
	Partition   time.Duration // how long the cut lasts; 0 disables it
}

// RingResult summarizes one ring run.
type RingResult struct {
	Steps   uint64
	Clock   sim.Timestamp
	Acked   int
	Failed  int
	Retries int
	Digest  string
	Summary *trace.TraceSummary
}

// ringMsg is the payload a client sends to its successor.
type ringMsg struct {
	From string
	Seq  int
	ID   string
}

func ringAddr(i int) string {
	return fmt.Sprintf("10.0.0.%d", i+1)
}

// RunRing builds a ring of nodes and drives it to quiescence. Each node
// runs a server that appends every received message to its log file and
// acknowledges it, and a client that sends numbered messages to its
// successor, retrying when an acknowledgement does not arrive in time.
func RunRing(cfg sim.Config, rc RingConfig, setup func(*sim.Simulation) error) (*RingResult, error) {
	if rc.Nodes < 1 || rc.Nodes > 254 {
		return nil, fmt.Errorf("ring size must be in [1, 254], got %d", rc.Nodes)
	}
	if rc.Rounds < 0 {
		return nil, fmt.Errorf("rounds must be >= 0, got %d", rc.Rounds)
	}
	s, err := sim.New(cfg)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if setup != nil {
		if err := setup(s); err != nil {
			return nil, err
		}
	}

	res := &RingResult{}
	nodes := make([]*sim.Node, rc.Nodes)
	for i := range nodes {
		nodes[i] = s.CreateNode(ringAddr(i))
	}
	for i, node := range nodes {
		succ := fmt.Sprintf("%s:%d", ringAddr((i+1)%rc.Nodes), ringPort)
		s.Spawn(node, "server", ringServer)
		s.Spawn(node, "client", ringClient(succ, rc.Rounds, res))
	}
	if rc.Partition > 0 && rc.Nodes > 1 {
		a, b := nodes[0], nodes[1]
		s.Spawn(a, "chaos", func(ctx *sim.Context) error {
			if err := ctx.Sleep(rc.PartitionAt); err != nil {
				return err
			}
			ctx.Simulation().Network().Partition(a, b)
			if err := ctx.Sleep(rc.Partition); err != nil {
				return err
			}
			ctx.Simulation().Network().Heal(a, b)
			return nil
		})
	}

	if err := s.Run(); err != nil {
		return nil, err
	}
	res.Steps = s.Scheduler().Steps()
	res.Clock = s.Now()
	res.Digest = s.Digest()
	res.Summary = trace.Summarize(s.Trace())
	logrus.Infof("ring: %d nodes, %d acked, %d failed, %d retries, clock %s", rc.Nodes, res.Acked, res.Failed, res.Retries, res.Clock)
	return res, nil
}

func ringServer(ctx *sim.Context) error {
	ep, err := ctx.Net().Bind(ctx, fmt.Sprintf(":%d", ringPort))
	if err != nil {
		return err
	}
	log, err := sim.Create(ctx, ringLogPath)
	if err != nil {
		return err
	}
	for {
		tx, rx, peer, err := ep.Accept(ctx)
		if err != nil {
			return err
		}
		ctx.Spawn("conn "+peer.String(), func(ctx *sim.Context) error {
			defer tx.Close()
			for {
				payload, err := rx.Recv(ctx)
				if errors.Is(err, sim.ErrConnectionClosed) {
					return nil
				}
				if err != nil {
					return err
				}
				msg := payload.(ringMsg)
				line := fmt.Sprintf("%s %d %s\n", msg.From, msg.Seq, msg.ID)
				if err := log.WriteAllAt(ctx, []byte(line), log.Len()); err != nil {
					return err
				}
				if err := log.SyncAll(ctx); err != nil {
					return err
				}
				// A refused ack is recovered by the client's retry.
				if err := tx.Send(ctx, msg.Seq); err != nil && !errors.Is(err, sim.ErrDropped) {
					return err
				}
			}
		})
	}
}

func ringClient(succ string, rounds int, res *RingResult) sim.TaskFunc {
	return func(ctx *sim.Context) error {
		// Servers bind during their first turn at time zero.
		if err := ctx.Sleep(time.Millisecond); err != nil {
			return err
		}
		tx, rx, err := ctx.Net().Connect(ctx, succ)
		if err != nil {
			return err
		}
		defer tx.Close()
		for seq := 0; seq < rounds; seq++ {
			msg := ringMsg{From: ctx.Node().Name(), Seq: seq, ID: ctx.Rand().UUID().String()}
			if ringDeliver(ctx, tx, rx, msg, res) {
				res.Acked++
			} else {
				res.Failed++
			}
		}
		return nil
	}
}

// ringDeliver sends msg until it is acknowledged or attempts run out.
func ringDeliver(ctx *sim.Context, tx *sim.Sender, rx *sim.Receiver, msg ringMsg, res *RingResult) bool {
	for attempt := 0; attempt < ringMaxAttempts; attempt++ {
		if attempt > 0 {
			res.Retries++
			logrus.Debugf("ring: %s retrying seq %d (attempt %d)", msg.From, msg.Seq, attempt+1)
		}
		err := tx.Send(ctx, msg)
		if errors.Is(err, sim.ErrDropped) {
			if err := ctx.Sleep(ringAckTimeout); err != nil {
				return false
			}
			continue
		}
		if err != nil {
			return false
		}
		for {
			ack, err := rx.RecvTimeout(ctx, ringAckTimeout)
			if errors.Is(err, sim.ErrTimeout) {
				break
			}
			if err != nil {
				return false
			}
			// Acks for earlier retries may still be queued.
			if ack.(int) == msg.Seq {
				return true
			}
		}
	}
	return false
}
