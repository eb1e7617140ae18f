package hazcat

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nightduck/rmw-hazcat/internal/telemetry"
	"github.com/nightduck/rmw-hazcat/pkg/queue"
)

func TestInitFiniTearsDownCleanly(t *testing.T) {
	c, err := Init(Options{})
	require.NoError(t, err)
	require.NoError(t, c.Fini())
}

func TestPublishTakeRoundTripThroughFacade(t *testing.T) {
	c, err := Init(Options{})
	require.NoError(t, err)
	defer c.Fini()

	topic := fmt.Sprintf("/%s", t.Name())
	pubAlloc, err := c.AllocatorCreateCPU(fmt.Sprintf("%s_pub", t.Name()), 64, 8, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pubAlloc.Unmap() })
	subAlloc, err := c.AllocatorCreateCPU(fmt.Sprintf("%s_sub", t.Name()), 64, 8, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = subAlloc.Unmap() })

	pubEp, err := c.RegisterPublisher(topic, pubAlloc, 4)
	require.NoError(t, err)
	subEp, err := c.RegisterSubscription(topic, subAlloc, 4)
	require.NoError(t, err)

	require.Equal(t, 1, c.Health().LiveTopics())

	require.NoError(t, c.Publish(pubEp, []byte("payload")))

	buf := make([]byte, 16)
	n, err := c.Take(subEp, buf)
	require.NoError(t, err)
	require.Equal(t, "payload", string(buf[:n]))

	_, err = c.Take(subEp, buf)
	require.ErrorIs(t, err, queue.ErrNoMessage)

	require.Equal(t, float64(1), telemetry.CounterValue(pubEp.Metrics.Publishes))
	require.Equal(t, float64(1), telemetry.CounterValue(subEp.Metrics.Takes))

	require.NoError(t, c.UnregisterSubscription(subEp))
	require.NoError(t, c.UnregisterPublisher(pubEp))
	require.Equal(t, 0, c.Health().LiveTopics())
}

func TestGetMatchingAllocatorReturnsEndpointsOwnAllocator(t *testing.T) {
	c, err := Init(Options{})
	require.NoError(t, err)
	defer c.Fini()

	topic := fmt.Sprintf("/%s", t.Name())
	subAlloc, err := c.AllocatorCreateCPU(fmt.Sprintf("%s_sub", t.Name()), 64, 8, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = subAlloc.Unmap() })
	subEp, err := c.RegisterSubscription(topic, subAlloc, 4)
	require.NoError(t, err)
	defer c.UnregisterSubscription(subEp)

	require.Same(t, subAlloc, c.GetMatchingAllocator(subEp))
}
