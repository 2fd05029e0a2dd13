// Package upstream implements the per-target upstream WebSocket state
// machine of spec.md §4.5: dial, reconnect-with-backoff,
// advertise/unadvertise bookkeeping, subscription reconciliation against
// a topic filter, and message demultiplexing into the Ring, the
// Recorder, and any attached live listeners.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"telemetry-bridge/internal/logging"
	"telemetry-bridge/internal/metrics"
	"telemetry-bridge/internal/recorder"
	"telemetry-bridge/internal/ringbuffer"
	"telemetry-bridge/internal/wsproto"
)

// State is the Connector's position in the state machine of spec.md §4.5.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

const (
	reconnectAfterClose       = 2 * time.Second
	reconnectAfterDialFailure = 5 * time.Second
)

// MessageListener receives every live message the Connector
// demultiplexes; each listener decides which channels it forwards.
type MessageListener func(msg wsproto.Message)

// ChannelListener receives a newly advertised channel.
type ChannelListener func(ch wsproto.Channel)

// UnadvertiseListener receives the id of a channel that left.
type UnadvertiseListener func(channelID uint32)

// Connector owns the upstream socket for one target and is the single
// writer of its Ring and Recorder (spec.md §5).
type Connector struct {
	url    string
	ring   *ringbuffer.Ring
	rec    *recorder.Recorder
	logger zerolog.Logger
	m      *metrics.Registry

	state atomic.Int32

	mu          sync.RWMutex
	filter      map[string]bool // nil = accept all
	channels    map[uint32]wsproto.Channel
	subByChan   map[uint32]uint32 // channelID -> subscriptionID
	chanBySub   map[uint32]uint32 // subscriptionID -> channelID
	nextSubID   uint32

	listenersMu      sync.RWMutex
	messageListeners map[int]MessageListener
	advertiseListen  map[int]ChannelListener
	unadvertiseListen map[int]UnadvertiseListener
	nextListenerID   int

	commands chan func()
}

// New creates a Connector for url, bound to ring and rec (already
// created by the owning Manager).
func New(url string, filter map[string]bool, ring *ringbuffer.Ring, rec *recorder.Recorder, logger zerolog.Logger, m *metrics.Registry) *Connector {
	return &Connector{
		url:               url,
		ring:              ring,
		rec:               rec,
		logger:            logger,
		m:                 m,
		filter:            filter,
		channels:          make(map[uint32]wsproto.Channel),
		subByChan:         make(map[uint32]uint32),
		chanBySub:         make(map[uint32]uint32),
		messageListeners:  make(map[int]MessageListener),
		advertiseListen:   make(map[int]ChannelListener),
		unadvertiseListen: make(map[int]UnadvertiseListener),
		commands:          make(chan func(), 16),
	}
}

// State returns the Connector's current state.
func (c *Connector) State() State { return State(c.state.Load()) }

// Channels returns a snapshot of every currently known channel, safe to
// call from a session's attach step (spec.md §4.6 step 1).
func (c *Connector) Channels() []wsproto.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]wsproto.Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// OnMessage registers a live-message listener and returns its unsubscribe func.
func (c *Connector) OnMessage(fn MessageListener) func() {
	c.listenersMu.Lock()
	id := c.nextListenerID
	c.nextListenerID++
	c.messageListeners[id] = fn
	c.listenersMu.Unlock()
	return func() {
		c.listenersMu.Lock()
		delete(c.messageListeners, id)
		c.listenersMu.Unlock()
	}
}

// OnAdvertise registers a listener invoked whenever a new channel
// appears after the caller attached (spec.md §4.6 "Channel add during session").
func (c *Connector) OnAdvertise(fn ChannelListener) func() {
	c.listenersMu.Lock()
	id := c.nextListenerID
	c.nextListenerID++
	c.advertiseListen[id] = fn
	c.listenersMu.Unlock()
	return func() {
		c.listenersMu.Lock()
		delete(c.advertiseListen, id)
		c.listenersMu.Unlock()
	}
}

// OnUnadvertise registers a listener invoked when a channel leaves.
func (c *Connector) OnUnadvertise(fn UnadvertiseListener) func() {
	c.listenersMu.Lock()
	id := c.nextListenerID
	c.nextListenerID++
	c.unadvertiseListen[id] = fn
	c.listenersMu.Unlock()
	return func() {
		c.listenersMu.Lock()
		delete(c.unadvertiseListen, id)
		c.listenersMu.Unlock()
	}
}

// SetTopicsWhitelist updates the topic filter before returning and
// queues a subscription reconciliation onto the Connector's own task;
// that reconciliation runs while an upstream session is open.
func (c *Connector) SetTopicsWhitelist(filter map[string]bool) {
	c.mu.Lock()
	c.filter = filter
	c.mu.Unlock()
	select {
	case c.commands <- func() {}:
	default:
		// a reconciliation is already queued; it reads the new filter
	}
}

// Run drives the state machine until ctx is cancelled. It must be
// called on the Connector's own goroutine (spec.md §5: "each Target
// Manager runs its Connector on its own logical task").
func (c *Connector) Run(ctx context.Context) {
	defer logging.RecoverPanic(c.logger, "upstream.Connector.Run")

	for {
		if ctx.Err() != nil {
			c.state.Store(int32(StateDisconnected))
			return
		}

		c.state.Store(int32(StateConnecting))
		conn, err := c.dial(ctx)
		if err != nil {
			if c.m != nil {
				c.m.ReconnectsTotal.Inc()
			}
			c.logger.Warn().Err(err).Str("url", c.url).Msg("upstream: dial failed, retrying")
			if !c.sleep(ctx, reconnectAfterDialFailure) {
				return
			}
			continue
		}

		c.state.Store(int32(StateOpen))
		c.clearSubscriptions()
		closeReason := c.runOpen(ctx, conn)
		conn.Close()
		c.state.Store(int32(StateDisconnected))
		c.clearSubscriptions()

		if c.m != nil {
			c.m.ReconnectsTotal.Inc()
		}
		c.logger.Info().Str("url", c.url).Str("reason", closeReason).Msg("upstream: disconnected")

		if ctx.Err() != nil {
			return
		}
		if !c.sleep(ctx, reconnectAfterClose) {
			return
		}
	}
}

func (c *Connector) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Connector) dial(ctx context.Context) (net.Conn, error) {
	dialer := ws.Dialer{Protocols: []string{wsproto.Subprotocol}}
	conn, _, _, err := dialer.Dial(ctx, c.url)
	if err != nil {
		return nil, fmt.Errorf("upstream: dial %s: %w", c.url, err)
	}
	return conn, nil
}

// clearSubscriptions drops subscription bookkeeping but retains the
// Ring and the open segment, per spec.md §4.5 "On entering Disconnected
// from Open, clear subscription bookkeeping but retain the ring buffer
// and the open segment".
func (c *Connector) clearSubscriptions() {
	c.mu.Lock()
	c.subByChan = make(map[uint32]uint32)
	c.chanBySub = make(map[uint32]uint32)
	c.mu.Unlock()
}

// runOpen processes the upstream event stream until the socket closes
// or ctx is cancelled, returning a human-readable close reason.
func (c *Connector) runOpen(ctx context.Context, conn net.Conn) string {
	type frame struct {
		data []byte
		op   ws.OpCode
		err  error
	}
	frames := make(chan frame, 64)

	go func() {
		reader := wsutil.NewReader(conn, ws.StateClientSide)
		for {
			head, err := reader.NextFrame()
			if err != nil {
				frames <- frame{err: err}
				return
			}
			if head.OpCode == ws.OpClose {
				frames <- frame{op: ws.OpClose}
				return
			}
			payload, err := io.ReadAll(reader)
			if err != nil {
				frames <- frame{err: err}
				return
			}
			frames <- frame{data: payload, op: head.OpCode}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = wsutil.WriteClientMessage(conn, ws.OpClose, nil)
			return "context cancelled"

		case cmd := <-c.commands:
			cmd()
			c.reconcile(conn)

		case f := <-frames:
			if f.err != nil {
				return f.err.Error()
			}
			if f.op == ws.OpClose {
				return "upstream closed"
			}
			c.handleFrame(conn, f.op, f.data)
		}
	}
}

func (c *Connector) handleFrame(conn net.Conn, op ws.OpCode, data []byte) {
	switch op {
	case ws.OpBinary:
		subID, tsNs, payload, err := wsproto.DecodeMessage(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("upstream: malformed binary message frame, dropping")
			return
		}
		c.handleMessage(subID, tsNs, payload)

	case ws.OpText:
		cf, err := wsproto.DecodeControlFrame(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("upstream: malformed control frame, dropping")
			return
		}
		switch cf.Op {
		case "serverInfo":
			c.logger.Info().Str("name", cf.Name).Strs("capabilities", cf.Capabilities).Msg("upstream: server info")
		case "advertise":
			c.handleAdvertise(conn, cf.Channels)
		case "unadvertise":
			c.handleUnadvertise(conn, cf.ChannelIDs)
		}
	}
}

func (c *Connector) handleAdvertise(conn net.Conn, channels []wsproto.Channel) {
	c.mu.Lock()
	for _, ch := range channels {
		c.channels[ch.ID] = ch
	}
	c.mu.Unlock()

	if c.rec != nil {
		for _, ch := range channels {
			c.rec.RegisterChannel(ch.ID, recorder.ChannelDescriptor{
				Topic:           ch.Topic,
				MessageEncoding: ch.MessageEncoding,
				SchemaName:      ch.SchemaName,
				SchemaText:      []byte(ch.SchemaText),
				SchemaEncoding:  ch.SchemaEncoding,
				Metadata:        ch.Metadata,
			})
		}
	}

	c.reconcile(conn)

	c.listenersMu.RLock()
	for _, ch := range channels {
		for _, fn := range c.advertiseListen {
			fn(ch)
		}
	}
	c.listenersMu.RUnlock()
}

func (c *Connector) handleUnadvertise(conn net.Conn, ids []uint32) {
	c.mu.Lock()
	for _, id := range ids {
		delete(c.channels, id)
		if subID, ok := c.subByChan[id]; ok {
			delete(c.subByChan, id)
			delete(c.chanBySub, subID)
		}
	}
	c.mu.Unlock()

	if c.rec != nil {
		for _, id := range ids {
			c.rec.DropChannel(id)
		}
	}

	c.listenersMu.RLock()
	for _, id := range ids {
		for _, fn := range c.unadvertiseListen {
			fn(id)
		}
	}
	c.listenersMu.RUnlock()
}

// reconcile implements spec.md §4.5's subscribe/unsubscribe bookkeeping.
func (c *Connector) reconcile(conn net.Conn) {
	c.mu.Lock()
	type action struct {
		subscribe bool
		channelID uint32
		subID     uint32
	}
	var actions []action

	for id, ch := range c.channels {
		desired := c.filter == nil || c.filter[ch.Topic]
		_, actual := c.subByChan[id]

		if desired && !actual {
			c.nextSubID++
			subID := c.nextSubID
			c.subByChan[id] = subID
			c.chanBySub[subID] = id
			actions = append(actions, action{subscribe: true, channelID: id, subID: subID})
		} else if !desired && actual {
			subID := c.subByChan[id]
			delete(c.subByChan, id)
			delete(c.chanBySub, subID)
			actions = append(actions, action{subscribe: false, subID: subID})
		}
	}
	c.mu.Unlock()

	for _, a := range actions {
		var payload []byte
		var err error
		if a.subscribe {
			payload, err = wsproto.EncodeSubscribe(a.subID, a.channelID)
		} else {
			payload, err = wsproto.EncodeUnsubscribe(a.subID)
		}
		if err != nil {
			continue
		}
		if err := wsutil.WriteClientMessage(conn, ws.OpText, payload); err != nil {
			c.logger.Warn().Err(err).Msg("upstream: failed to write subscribe/unsubscribe frame")
		}
	}
}

// handleMessage demultiplexes one upstream message: resolve
// subscription -> channel, push to Ring, rotate/record, dispatch to
// live listeners (spec.md §4.5's numbered steps).
func (c *Connector) handleMessage(subID uint32, timestampNs uint64, payload []byte) {
	c.mu.RLock()
	channelID, ok := c.chanBySub[subID]
	var ch wsproto.Channel
	if ok {
		ch, ok = c.channels[channelID]
	}
	filter := c.filter
	c.mu.RUnlock()

	if !ok {
		c.logger.Warn().Uint32("subscription_id", subID).Msg("upstream: message for unknown subscription/channel, dropping")
		return
	}
	if filter != nil && !filter[ch.Topic] {
		return // race: unsubscribe in flight
	}

	if earliest, hasEarliest := c.ring.Earliest(ch.Topic); hasEarliest && timestampNs < earliest {
		if c.m != nil {
			c.m.NonMonotonic.Inc()
		}
	}
	c.ring.Push(ch.Topic, timestampNs, payload)

	if c.rec != nil {
		now := time.Now()
		publishNs := uint64(now.UnixNano())
		if err := c.rec.Accept(now, channelID, timestampNs, publishNs, payload); err != nil {
			c.logger.Debug().Err(err).Str("topic", ch.Topic).Msg("upstream: recorder dropped message")
		}
	}

	msg := wsproto.Message{SubscriptionID: subID, ChannelID: channelID, TimestampNs: timestampNs, Data: payload}
	c.listenersMu.RLock()
	for _, fn := range c.messageListeners {
		fn(msg)
	}
	c.listenersMu.RUnlock()
}
