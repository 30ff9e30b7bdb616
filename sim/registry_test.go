package sim

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	s := newTestSim(t)
	a := s.CreateNode("10.0.0.1")
	b := s.CreateNode("10.0.0.2")

	h, ok := s.Registry().Lookup("10.0.0.2")
	require.True(t, ok)
	assert.Same(t, b, h.Node)
	assert.Same(t, b.Handles(), h)

	_, ok = s.Registry().Lookup("10.0.0.3")
	assert.False(t, ok)
	_, ok = s.Registry().Lookup("nonsense")
	assert.False(t, ok)

	assert.Equal(t, []*Node{a, b}, s.Registry().Nodes())
	assert.Equal(t, 2, s.Registry().Len())
	assert.Equal(t, NodeID(1), b.ID())
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), a.Addr())
}

func TestRegistry_Register_InvalidOrDuplicatePanics(t *testing.T) {
	s := newTestSim(t)
	s.CreateNode("10.0.0.1")

	assert.Panics(t, func() { s.CreateNode("10.0.0.1") }, "duplicate")
	assert.Panics(t, func() { s.CreateNode("not-an-ip") }, "malformed")
	assert.Panics(t, func() { s.CreateNode("0.0.0.0") }, "unspecified")
}

func TestRegistry_PerSimulation(t *testing.T) {
	// Two simulations may use the same addresses.
	s1 := newTestSim(t)
	s2 := newTestSim(t)
	s1.CreateNode("10.0.0.1")
	assert.NotPanics(t, func() { s2.CreateNode("10.0.0.1") })
}

func TestHandles_EachNodeOwnsItsFacilities(t *testing.T) {
	s := newTestSim(t)
	a := s.CreateNode("10.0.0.1")
	b := s.CreateNode("10.0.0.2")

	assert.NotSame(t, a.Handles().FS, b.Handles().FS)
	assert.NotSame(t, a.Handles().Net, b.Handles().Net)
	assert.NotSame(t, a.Handles().Rand, b.Handles().Rand)
	assert.Same(t, s.Network(), a.Handles().Net.Network())
	assert.Equal(t, a.Handles().Clock.Now(), b.Handles().Clock.Now())
}

func TestContext_ExposesCurrentNode(t *testing.T) {
	s := newTestSim(t)
	n := s.CreateNode("10.0.0.7")

	_, ok := s.Current()
	assert.False(t, ok, "driver has no current node")

	require.NoError(t, s.BlockOn(n, "probe", func(ctx *Context) error {
		h, ok := ctx.Simulation().Current()
		assert.True(t, ok)
		assert.Same(t, n.Handles(), h)
		assert.Same(t, n, ctx.Node())
		assert.Same(t, n.Handles(), ctx.Handles())
		assert.Same(t, n.Handles().FS, ctx.FS())
		assert.Same(t, n.Handles().Net, ctx.Net())
		assert.Same(t, n.Handles().Clock, ctx.Clock())
		assert.Same(t, n.Handles().Rand, ctx.Rand())
		assert.Equal(t, "probe", ctx.Task().Name())
		assert.Same(t, n, ctx.Task().Node())
		assert.False(t, ctx.Cancelled())

		var sibling *Node
		child := ctx.SpawnOn(n, "child", func(ctx *Context) error {
			sibling = ctx.Node()
			return nil
		})
		if err := child.Join(ctx); err != nil {
			return err
		}
		assert.Same(t, n, sibling)
		return nil
	}))
}
