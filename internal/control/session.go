package control

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"telemetry-bridge/internal/logging"
	"telemetry-bridge/internal/wsproto"
)

const sendQueueSize = 256

// outFrame pairs a wire payload with its WebSocket opcode so the write
// loop never needs to sniff payload content.
type outFrame struct {
	op      ws.OpCode
	payload []byte
}

// wsSession is a per-client implementation of target.ServerFacade,
// serving the downstream half of the subprotocol over a gobwas/ws
// server-side connection (spec.md §6 "Downstream protocol (served)").
// Its read/write loop split and send-queue backpressure are adapted
// from the teacher's connection handling in transport/server.go and
// session/hub.go, here scoped to one client rather than a broadcast hub.
type wsSession struct {
	id     string
	slug   string
	conn   net.Conn
	logger zerolog.Logger

	sendQueue chan outFrame

	mu            sync.Mutex
	nextChannelID uint32

	listenersMu sync.RWMutex
	subscribers map[int]func(serverChannelID uint32)
	nextListID  int

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSSession(conn net.Conn, slug string, logger zerolog.Logger) *wsSession {
	id := uuid.NewString()
	return &wsSession{
		id:          id,
		slug:        slug,
		conn:        conn,
		logger:      logger.With().Str("session_id", id).Logger(),
		sendQueue:   make(chan outFrame, sendQueueSize),
		subscribers: make(map[int]func(serverChannelID uint32)),
		closed:      make(chan struct{}),
	}
}

// AddChannel implements target.ServerFacade.
func (s *wsSession) AddChannel(desc wsproto.Channel) (uint32, error) {
	s.mu.Lock()
	s.nextChannelID++
	id := s.nextChannelID
	s.mu.Unlock()

	desc.ID = id
	payload, err := wsproto.EncodeAdvertise([]wsproto.Channel{desc})
	if err != nil {
		return 0, err
	}
	s.enqueue(outFrame{op: ws.OpText, payload: payload})
	return id, nil
}

// SendMessage implements target.ServerFacade.
func (s *wsSession) SendMessage(serverChannelID uint32, timestampNs uint64, payload []byte) error {
	frame := wsproto.EncodeMessage(serverChannelID, timestampNs, payload)
	select {
	case s.sendQueue <- outFrame{op: ws.OpBinary, payload: frame}:
		return nil
	case <-s.closed:
		return io.ErrClosedPipe
	default:
		s.logger.Warn().Msg("control: session send queue full, dropping message")
		return nil
	}
}

// OnSubscribe implements target.ServerFacade.
func (s *wsSession) OnSubscribe(handler func(serverChannelID uint32)) func() {
	s.listenersMu.Lock()
	id := s.nextListID
	s.nextListID++
	s.subscribers[id] = handler
	s.listenersMu.Unlock()
	return func() {
		s.listenersMu.Lock()
		delete(s.subscribers, id)
		s.listenersMu.Unlock()
	}
}

func (s *wsSession) enqueue(f outFrame) {
	select {
	case s.sendQueue <- f:
	case <-s.closed:
	default:
		s.logger.Warn().Msg("control: session send queue full, dropping control frame")
	}
}

// run drives the session's read and write loops until the client
// disconnects or ctx is cancelled, then calls detach.
func (s *wsSession) run(ctx context.Context, detach func()) {
	defer logging.RecoverPanic(s.logger, "control.wsSession.run")
	defer detach()
	defer s.close()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(sessCtx)
	}()

	if payload, err := wsproto.EncodeServerInfo("Bridge "+s.slug, nil); err == nil {
		s.enqueue(outFrame{op: ws.OpText, payload: payload})
	}

	s.readLoop(sessCtx)
	cancel()
	<-done
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *wsSession) readLoop(ctx context.Context) {
	reader := wsutil.NewReader(s.conn, ws.StateServerSide)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		head, err := reader.NextFrame()
		if err != nil {
			return
		}

		switch head.OpCode {
		case ws.OpClose:
			_ = wsutil.WriteServerMessage(s.conn, ws.OpClose, nil)
			return
		case ws.OpPing:
			if err := wsutil.WriteServerMessage(s.conn, ws.OpPong, nil); err != nil {
				return
			}
		case ws.OpText:
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}
			s.handleControlFrame(payload)
		default:
			if _, err := io.CopyN(io.Discard, reader, int64(head.Length)); err != nil {
				return
			}
		}
	}
}

func (s *wsSession) handleControlFrame(data []byte) {
	cf, err := wsproto.DecodeControlFrame(data)
	if err != nil {
		s.logger.Debug().Err(err).Msg("control: malformed client control frame, dropping")
		return
	}
	if cf.Op != "subscribe" {
		return
	}

	s.listenersMu.RLock()
	handlers := make([]func(uint32), 0, len(s.subscribers))
	for _, h := range s.subscribers {
		handlers = append(handlers, h)
	}
	s.listenersMu.RUnlock()

	for _, sub := range cf.Subscriptions {
		for _, h := range handlers {
			h(sub.ChannelID)
		}
	}
}

func (s *wsSession) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-s.sendQueue:
			if !ok {
				return
			}
			if err := wsutil.WriteServerMessage(s.conn, f.op, f.payload); err != nil {
				return
			}
		}
	}
}
