package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []AdvertisementEvent
}

func (c *collector) handle(ev AdvertisementEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []AdvertisementEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]AdvertisementEvent(nil), c.events...)
}

func TestBusFansOutInOrder(t *testing.T) {
	bus := NewBus()
	a, b := &collector{}, &collector{}

	_, err := bus.Subscribe("a", a.handle, 16)
	require.NoError(t, err)
	_, err = bus.Subscribe("b", b.handle, 16)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		n, err := bus.Publish(context.Background(), AdvertisementEvent{Address: "AA", RSSI: -i})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	}
	bus.Close()

	for _, c := range []*collector{a, b} {
		got := c.snapshot()
		require.Len(t, got, 10)
		for i, ev := range got {
			assert.Equal(t, -i, ev.RSSI)
		}
	}
}

func TestBusSubscribersOwnTheirCopy(t *testing.T) {
	bus := NewBus()
	a, b := &collector{}, &collector{}
	_, err := bus.Subscribe("a", func(ev AdvertisementEvent) {
		ev.ManufacturerData[76][0] = 0xFF
		a.handle(ev)
	}, 1)
	require.NoError(t, err)
	_, err = bus.Subscribe("b", b.handle, 1)
	require.NoError(t, err)

	src := AdvertisementEvent{ManufacturerData: map[uint16][]byte{76: {0x01}}}
	_, err = bus.Publish(context.Background(), src)
	require.NoError(t, err)
	bus.Close()

	assert.Equal(t, byte(0x01), src.ManufacturerData[76][0])
	require.Len(t, b.snapshot(), 1)
	assert.Equal(t, byte(0x01), b.snapshot()[0].ManufacturerData[76][0])
}

func TestBusPublishWaitsForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	release := make(chan struct{})
	c := &collector{}
	_, err := bus.Subscribe("slow", func(ev AdvertisementEvent) {
		<-release
		c.handle(ev)
	}, 1)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			n, err := bus.Publish(context.Background(), AdvertisementEvent{Address: "AA", RSSI: -i})
			assert.NoError(t, err)
			assert.Equal(t, 1, n)
		}
	}()

	select {
	case <-done:
		t.Fatal("Publish returned while the subscriber queue was full")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish did not resume after the subscriber caught up")
	}
	bus.Close()

	got := c.snapshot()
	require.Len(t, got, 5)
	for i, ev := range got {
		assert.Equal(t, -i, ev.RSSI)
	}
}

func TestBusPublishCancelledWhileWaiting(t *testing.T) {
	bus := NewBus()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	_, err := bus.Subscribe("stuck", func(AdvertisementEvent) {
		started <- struct{}{}
		<-release
	}, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	n, err := bus.Publish(ctx, AdvertisementEvent{Address: "first"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	<-started

	n, err = bus.Publish(ctx, AdvertisementEvent{Address: "queued"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	n, err = bus.Publish(ctx, AdvertisementEvent{Address: "missed"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, n)

	stats := bus.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(1), stats[0].Waits)
	assert.Equal(t, uint64(1), stats[0].Dropped)

	close(release)
	bus.Close()
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	c := &collector{}
	unsubscribe, err := bus.Subscribe("c", c.handle, 4)
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), AdvertisementEvent{Address: "first"})
	require.NoError(t, err)
	unsubscribe()
	unsubscribe()
	n, err := bus.Publish(context.Background(), AdvertisementEvent{Address: "second"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	bus.Close()

	got := c.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "first", got[0].Address)
}

func TestBusRejectsDuplicatesAndClosed(t *testing.T) {
	bus := NewBus()
	_, err := bus.Subscribe("x", func(AdvertisementEvent) {}, 1)
	require.NoError(t, err)
	_, err = bus.Subscribe("x", func(AdvertisementEvent) {}, 1)
	assert.Error(t, err)
	_, err = bus.Subscribe("nil", nil, 1)
	assert.Error(t, err)

	bus.Close()
	bus.Close()
	_, err = bus.Subscribe("y", func(AdvertisementEvent) {}, 1)
	assert.Error(t, err)
}

func TestBusRecoversHandlerPanic(t *testing.T) {
	bus := NewBus()
	c := &collector{}
	_, err := bus.Subscribe("p", func(ev AdvertisementEvent) {
		if ev.Address == "boom" {
			panic("bad handler")
		}
		c.handle(ev)
	}, 4)
	require.NoError(t, err)

	for _, addr := range []string{"boom", "ok"} {
		_, err = bus.Publish(context.Background(), AdvertisementEvent{Address: addr})
		require.NoError(t, err)
	}
	bus.Close()

	got := c.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].Address)
}
