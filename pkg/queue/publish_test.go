package queue

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nightduck/rmw-hazcat/pkg/registry"
)

func msg(s string) []byte { return []byte(s) }

// TestPublishTakeKeepLastDropsOldestMessages is literal scenario 4: one
// publisher and two independent subscribers on a depth=4 CPU topic. Five
// publishes leave only the newest four messages reachable; both
// subscribers independently observe m2..m5, and once both have taken m5
// its row's interest count reaches zero.
func TestPublishTakeKeepLastDropsOldestMessages(t *testing.T) {
	reg := registry.New()
	topicName := "/s4_" + t.Name()
	pubAlloc := newCPUAllocator(t, 0)
	subAAlloc := newCPUAllocator(t, 0)
	subBAlloc := newCPUAllocator(t, 0)

	pubEp, err := Register(topicName, RolePublisher, pubAlloc, 4, reg)
	require.NoError(t, err)
	defer Unregister(pubEp, reg)
	subA, err := Register(topicName, RoleSubscriber, subAAlloc, 4, reg)
	require.NoError(t, err)
	defer Unregister(subA, reg)
	subB, err := Register(topicName, RoleSubscriber, subBAlloc, 4, reg)
	require.NoError(t, err)
	defer Unregister(subB, reg)

	for i := 1; i <= 5; i++ {
		require.NoError(t, Publish(pubEp, reg, msg(fmt.Sprintf("m%d", i))))
	}

	buf := make([]byte, 8)
	for _, sub := range []*Endpoint{subA, subB} {
		var got []string
		for {
			n, err := Take(sub, reg, buf)
			if err == ErrNoMessage {
				break
			}
			require.NoError(t, err)
			got = append(got, string(buf[:n]))
		}
		require.Equal(t, []string{"m2", "m3", "m4", "m5"}, got)
	}

	length := pubEp.Topic().h.Len()
	lastIndex := (pubEp.Topic().h.Index() + length - 1) % length
	row := rowAt(pubEp.Topic().region.Addr, int(lastIndex))
	require.Equal(t, int32(0), row.InterestCount())
}

// TestPublishPastRingLengthWithoutSubscribers publishes three messages
// into a depth=2 topic that has no subscriber. Every row's interest_count
// stays 0, so Publish overwrites slot 0 without releasing the copy it
// held; all three publishes still fit in the publisher's ring and succeed.
func TestPublishPastRingLengthWithoutSubscribers(t *testing.T) {
	reg := registry.New()
	topicName := "/s4b_" + t.Name()
	pubAlloc := newCPUAllocator(t, 0)

	pubEp, err := Register(topicName, RolePublisher, pubAlloc, 2, reg)
	require.NoError(t, err)
	defer Unregister(pubEp, reg)

	// No subscriber: sub_count == 0, so every freshly-published row's
	// interest_count is immediately 0 and never blocks overwrite.
	for i := 1; i <= 3; i++ {
		require.NoError(t, Publish(pubEp, reg, msg(fmt.Sprintf("m%d", i))))
	}
}

// TestCrossDomainTakeCopiesOnceThenSharesOffset is literal scenario 5: a
// CPU publisher and two device subscribers. The first take across the
// domain boundary performs a copy and records the new column's
// availability bit; the second device subscriber on the same row reuses
// that copy via the zero-copy path and receives the identical offset.
func TestCrossDomainTakeCopiesOnceThenSharesOffset(t *testing.T) {
	reg := registry.New()
	topicName := "/s5_" + t.Name()
	pubAlloc := newCPUAllocator(t, 0)
	devAlloc1 := newDeviceAllocator(t, 1)
	devAlloc2 := newDeviceAllocator(t, 1)

	pubEp, err := Register(topicName, RolePublisher, pubAlloc, 4, reg)
	require.NoError(t, err)
	defer Unregister(pubEp, reg)
	dev1, err := Register(topicName, RoleSubscriber, devAlloc1, 4, reg)
	require.NoError(t, err)
	defer Unregister(dev1, reg)
	dev2, err := Register(topicName, RoleSubscriber, devAlloc2, 4, reg)
	require.NoError(t, err)
	defer Unregister(dev2, reg)

	require.NoError(t, Publish(pubEp, reg, msg("hello")))

	buf1 := make([]byte, 16)
	n1, err := Take(dev1, reg, buf1)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf1[:n1]))

	length := pubEp.Topic().h.Len()
	row := rowAt(pubEp.Topic().region.Addr, int(pubEp.Topic().h.Index()+length-1)%int(length))
	cell1 := entryAt(pubEp.Topic().region.Addr, int(length), dev1.ArrayNum(), int(pubEp.Topic().h.Index()+length-1)%int(length))
	offsetAfterFirst := cell1.Offset()
	require.NotZero(t, row.Availability()&(1<<uint(dev1.ArrayNum())))

	buf2 := make([]byte, 16)
	n2, err := Take(dev2, reg, buf2)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf2[:n2]))

	cell2 := entryAt(pubEp.Topic().region.Addr, int(length), dev2.ArrayNum(), int(pubEp.Topic().h.Index()+length-1)%int(length))
	require.Equal(t, offsetAfterFirst, cell2.Offset())
}
