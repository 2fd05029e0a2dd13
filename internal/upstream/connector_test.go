package upstream

import (
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"telemetry-bridge/internal/recorder"
	"telemetry-bridge/internal/ringbuffer"
	"telemetry-bridge/internal/wsproto"
)

func testConnector(t *testing.T, filter map[string]bool) *Connector {
	t.Helper()
	ring := ringbuffer.New(uint64((15 * time.Minute).Nanoseconds()))
	rec := recorder.New(t.TempDir(), zerolog.Nop(), nil)
	return New("ws://upstream.example/x", filter, ring, rec, zerolog.Nop(), nil)
}

func TestHandleAdvertiseRegistersChannel(t *testing.T) {
	c := testConnector(t, nil)
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	drain := make(chan struct{})
	go func() {
		defer close(drain)
		for {
			if _, _, err := wsutil.ReadClientData(server); err != nil {
				return
			}
		}
	}()

	ch := wsproto.Channel{ID: 1, Topic: "/telemetry", MessageEncoding: "json", SchemaName: "S"}
	c.handleAdvertise(client, []wsproto.Channel{ch})

	got := c.Channels()
	if len(got) != 1 || got[0].Topic != "/telemetry" {
		t.Fatalf("expected channel to be registered, got %+v", got)
	}

	client.Close()
	<-drain
}

func TestHandleUnadvertiseForgetsChannel(t *testing.T) {
	c := testConnector(t, nil)
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		for {
			if _, _, err := wsutil.ReadClientData(server); err != nil {
				return
			}
		}
	}()

	ch := wsproto.Channel{ID: 1, Topic: "/telemetry", MessageEncoding: "json", SchemaName: "S"}
	c.handleAdvertise(client, []wsproto.Channel{ch})
	c.handleUnadvertise(client, []uint32{1})

	if got := c.Channels(); len(got) != 0 {
		t.Fatalf("expected no channels after unadvertise, got %+v", got)
	}
}

func TestReconcileSubscribesOnlyFilteredTopics(t *testing.T) {
	c := testConnector(t, map[string]bool{"/a": true})
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	received := make(chan wsproto.ControlFrame, 4)
	go func() {
		for {
			data, _, err := wsutil.ReadClientData(server)
			if err != nil {
				close(received)
				return
			}
			cf, err := wsproto.DecodeControlFrame(data)
			if err == nil {
				received <- cf
			}
		}
	}()

	c.mu.Lock()
	c.channels[1] = wsproto.Channel{ID: 1, Topic: "/a"}
	c.channels[2] = wsproto.Channel{ID: 2, Topic: "/b"}
	c.mu.Unlock()

	c.reconcile(client)
	client.Close()

	var subscribed []uint32
	for cf := range received {
		if cf.Op == "subscribe" {
			for _, s := range cf.Subscriptions {
				subscribed = append(subscribed, s.ChannelID)
			}
		}
	}
	if len(subscribed) != 1 || subscribed[0] != 1 {
		t.Fatalf("expected only channel 1 (/a) to be subscribed, got %v", subscribed)
	}
}

func TestHandleMessagePushesToRingAndListeners(t *testing.T) {
	c := testConnector(t, nil)

	c.mu.Lock()
	c.channels[1] = wsproto.Channel{ID: 1, Topic: "/telemetry"}
	c.subByChan[1] = 100
	c.chanBySub[100] = 1
	c.mu.Unlock()

	var got wsproto.Message
	unsubscribe := c.OnMessage(func(msg wsproto.Message) { got = msg })
	defer unsubscribe()

	c.handleMessage(100, 1000, []byte("hello"))

	if got.ChannelID != 1 || got.TimestampNs != 1000 || string(got.Data) != "hello" {
		t.Fatalf("unexpected dispatched message: %+v", got)
	}

	snap := c.ring.Snapshot("/telemetry")
	if len(snap) != 1 || string(snap[0].Payload) != "hello" {
		t.Fatalf("expected message to reach the ring, got %+v", snap)
	}
}

func TestHandleMessageDropsUnknownSubscription(t *testing.T) {
	c := testConnector(t, nil)

	called := false
	unsubscribe := c.OnMessage(func(msg wsproto.Message) { called = true })
	defer unsubscribe()

	c.handleMessage(999, 1, []byte("x"))

	if called {
		t.Fatalf("expected no dispatch for an unknown subscription id")
	}
}

func TestSetTopicsWhitelistUpdatesFilterSynchronously(t *testing.T) {
	c := testConnector(t, nil)
	c.SetTopicsWhitelist(map[string]bool{"/only": true})

	c.mu.RLock()
	filter := c.filter
	c.mu.RUnlock()

	if !filter["/only"] || len(filter) != 1 {
		t.Fatalf("expected filter to be updated, got %+v", filter)
	}
}

func TestClearSubscriptionsResetsBookkeeping(t *testing.T) {
	c := testConnector(t, nil)
	c.mu.Lock()
	c.subByChan[1] = 10
	c.chanBySub[10] = 1
	c.mu.Unlock()

	c.clearSubscriptions()

	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subByChan) != 0 || len(c.chanBySub) != 0 {
		t.Fatalf("expected subscription bookkeeping to be cleared")
	}
}
