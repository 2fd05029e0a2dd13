// Package target implements the Target Manager of spec.md §4.6: the
// per-target subsystem that composes a Ring, a Recorder and an Upstream
// Connector, and attaches client sessions with the replay-then-live
// merge order spec.md §4.6/§5 requires.
package target

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"telemetry-bridge/internal/config"
	"telemetry-bridge/internal/logging"
	"telemetry-bridge/internal/metrics"
	"telemetry-bridge/internal/recorder"
	"telemetry-bridge/internal/ringbuffer"
	"telemetry-bridge/internal/segment"
	"telemetry-bridge/internal/upstream"
	"telemetry-bridge/internal/wsproto"
)

const retentionSweepPeriod = 6 * time.Minute

// maxSessionsPerTarget is a static admission cap per slug. The teacher's
// DynamicCapacityManager derives this from live CPU/memory headroom
// (src/capacity.go); spec.md has no adaptive-admission concept, so this
// is a fixed ceiling instead (see DESIGN.md).
const maxSessionsPerTarget = 256

// ErrAtCapacity is returned by Attach when a target already holds
// maxSessionsPerTarget sessions.
var ErrAtCapacity = fmt.Errorf("target: at session capacity")

// ServerFacade is the per-client server-side surface a Manager drives
// during Attach (spec.md §4.6's "server_facade"). Implemented by
// internal/control for a live WebSocket client.
type ServerFacade interface {
	AddChannel(desc wsproto.Channel) (serverChannelID uint32, err error)
	SendMessage(serverChannelID uint32, timestampNs uint64, payload []byte) error
	OnSubscribe(handler func(serverChannelID uint32)) (unsubscribe func())
}

// Session is the handle returned by Attach. Detach is idempotent.
type Session struct {
	detachOnce sync.Once
	detachFn   func()
}

// Detach unregisters the session's forwarder and subscribe handler.
func (s *Session) Detach() {
	s.detachOnce.Do(s.detachFn)
}

// Stats is a point-in-time snapshot consumed only by internal/metrics
// (spec.md §5: "no Manager reads another's directory").
type Stats struct {
	Slug          string
	ChannelCount  int
	SessionCount  int
	RingEntries   int
	OpenSegment   string
}

// liveSession's upstreamToServer/serverToTopic maps are read and
// written both from the goroutine running Attach and from the
// Connector's own goroutine delivering OnAdvertise/OnMessage callbacks;
// mapsMu serializes that access.
type liveSession struct {
	facade ServerFacade

	mapsMu           sync.Mutex
	upstreamToServer map[uint32]uint32
	serverToTopic    map[uint32]string

	unsubscribeMsg   func()
	unsubscribeAdv   func()
	unsubscribeUnadv func()
}

// Manager owns one target's Ring, Recorder and Connector, and every
// client session attached to it.
type Manager struct {
	slug    string
	url     string
	dataDir string
	logger  zerolog.Logger
	metrics *metrics.Registry
	cfg     config.Config

	ring *ringbuffer.Ring
	rec  *recorder.Recorder
	conn *upstream.Connector

	// limiter is shared across every Manager in the process (see
	// registry.New): a single token bucket, not one per target, so the
	// I/O budget it enforces is actually process-wide (spec.md §5).
	limiter *rate.Limiter

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	sessions      map[int]*liveSession
	nextSessionID int
}

// New constructs a Manager for slug/url but does not start it. limiter
// paces this Manager's retention sweeps and disk-backlog reads; callers
// should share one limiter across every Manager in the process.
func New(cfg config.Config, slug, url string, topicFilter map[string]bool, logger zerolog.Logger, m *metrics.Registry, limiter *rate.Limiter) *Manager {
	dataDir := filepath.Join(cfg.DataDir, slug)
	ring := ringbuffer.New(uint64(cfg.MaxRingAge.Nanoseconds()))
	rec := recorder.New(dataDir, logger, m)
	conn := upstream.New(url, topicFilter, ring, rec, logger, m)

	return &Manager{
		slug:     slug,
		url:      url,
		dataDir:  dataDir,
		logger:   logger,
		metrics:  m,
		cfg:      cfg,
		ring:     ring,
		rec:      rec,
		conn:     conn,
		limiter:  limiter,
		sessions: make(map[int]*liveSession),
	}
}

// Start opens the current segment and launches the Connector and the
// retention sweeper as independent tasks (spec.md §5).
func (m *Manager) Start(parent context.Context) error {
	if err := m.rec.Start(time.Now()); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.conn.Run(ctx)
	}()

	stop := make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer logging.RecoverPanic(m.logger, "target.Manager.sweeper")
		recorder.StartSweeper(m.dataDir, m.cfg.RetentionSpan, retentionSweepPeriod, m.limiter, m.logger, m.metrics, stop)
	}()
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	if m.metrics != nil {
		m.metrics.TargetsRunning.Inc()
	}
	return nil
}

// Stop cancels the Connector and sweeper, waits for them to exit, then
// closes the open segment (spec.md §5's Manager.stop ordering).
func (m *Manager) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	if m.metrics != nil {
		m.metrics.TargetsRunning.Dec()
	}
	return m.rec.Close()
}

// SetTopicsWhitelist forwards to the Connector (spec.md §4.7).
func (m *Manager) SetTopicsWhitelist(filter map[string]bool) {
	m.conn.SetTopicsWhitelist(filter)
}

// Stats returns a point-in-time snapshot for the metrics exporter.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	sessionCount := len(m.sessions)
	m.mu.Unlock()

	return Stats{
		Slug:         m.slug,
		ChannelCount: len(m.conn.Channels()),
		SessionCount: sessionCount,
		RingEntries:  m.ring.Len(),
		OpenSegment:  m.rec.CurrentSegment(),
	}
}

// Attach implements spec.md §4.6's six numbered steps.
func (m *Manager) Attach(facade ServerFacade, lookback string) (*Session, error) {
	m.mu.Lock()
	atCapacity := len(m.sessions) >= maxSessionsPerTarget
	m.mu.Unlock()
	if atCapacity {
		return nil, ErrAtCapacity
	}

	// Step 1: snapshot channels, build upstream<->server maps.
	channels := m.conn.Channels()
	upstreamToServer := make(map[uint32]uint32, len(channels))
	serverToTopic := make(map[uint32]string, len(channels))

	for _, ch := range channels {
		serverID, err := facade.AddChannel(ch)
		if err != nil {
			return nil, fmt.Errorf("target: addChannel for %s: %w", ch.Topic, err)
		}
		upstreamToServer[ch.ID] = serverID
		serverToTopic[serverID] = ch.Topic
	}

	// Step 2: compute window.
	lookbackDur, err := config.ParseLookback(lookback)
	if err != nil || lookbackDur == 0 {
		lookbackDur = m.cfg.MaxRingAge
	}
	earliestNs := uint64(time.Now().Add(-lookbackDur).UnixNano())

	// Step 3: load disk history (best-effort).
	start := time.Now()
	topicSet := make(map[string]bool, len(channels))
	for _, ch := range channels {
		topicSet[ch.Topic] = true
	}
	backlog := m.loadDiskBacklog(earliestNs, topicSet)
	if m.metrics != nil {
		m.metrics.BacklogLoadSecs.Observe(time.Since(start).Seconds())
	}

	ls := &liveSession{
		facade:           facade,
		upstreamToServer: upstreamToServer,
		serverToTopic:    serverToTopic,
	}

	m.mu.Lock()
	id := m.nextSessionID
	m.nextSessionID++
	m.sessions[id] = ls
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SessionsActive.Inc()
	}

	// Step 4: onSubscribe handler replays backlog then ring for the topic.
	ls.unsubscribeMsg = facade.OnSubscribe(func(serverChannelID uint32) {
		ls.mapsMu.Lock()
		topic, ok := ls.serverToTopic[serverChannelID]
		ls.mapsMu.Unlock()
		if !ok {
			return
		}
		for _, e := range backlog[topic] {
			if e.TimestampNs < earliestNs {
				continue
			}
			_ = facade.SendMessage(serverChannelID, e.TimestampNs, e.Payload)
		}
		for _, e := range m.ring.Snapshot(topic) {
			if e.TimestampNs < earliestNs {
				continue
			}
			_ = facade.SendMessage(serverChannelID, e.TimestampNs, e.Payload)
		}
	})

	// Step 5: register live forwarder; also keep the maps current when a
	// new channel advertises mid-session ("Channel add during session").
	ls.unsubscribeAdv = m.conn.OnAdvertise(func(ch wsproto.Channel) {
		ls.mapsMu.Lock()
		if _, already := ls.upstreamToServer[ch.ID]; already {
			ls.mapsMu.Unlock()
			return
		}
		ls.mapsMu.Unlock()

		serverID, err := facade.AddChannel(ch)
		if err != nil {
			m.logger.Warn().Err(err).Str("topic", ch.Topic).Msg("target: mid-session addChannel failed")
			return
		}

		ls.mapsMu.Lock()
		ls.upstreamToServer[ch.ID] = serverID
		ls.serverToTopic[serverID] = ch.Topic
		ls.mapsMu.Unlock()
	})

	ls.unsubscribeUnadv = m.conn.OnUnadvertise(func(channelID uint32) {
		// server-side id is never recycled (spec.md §4.6); simply stop forwarding.
	})

	stopForward := m.conn.OnMessage(func(msg wsproto.Message) {
		ls.mapsMu.Lock()
		serverID, ok := ls.upstreamToServer[msg.ChannelID]
		ls.mapsMu.Unlock()
		if !ok {
			return
		}
		if err := facade.SendMessage(serverID, msg.TimestampNs, msg.Data); err != nil {
			m.logger.Debug().Err(err).Uint32("channel_id", serverID).Msg("target: live send failed")
		}
	})

	detach := func() {
		ls.unsubscribeMsg()
		ls.unsubscribeAdv()
		ls.unsubscribeUnadv()
		stopForward()

		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.SessionsActive.Dec()
		}
	}

	return &Session{detachFn: detach}, nil
}

// loadDiskBacklog implements spec.md §4.6 step 3: list, filter, sort
// candidate segments, then read and merge per-topic buffers.
func (m *Manager) loadDiskBacklog(earliestNs uint64, topics map[string]bool) map[string][]ringbuffer.Entry {
	backlog := make(map[string][]ringbuffer.Entry)

	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		return backlog
	}

	currentSegment := m.rec.CurrentSegment() + "." + recorder.SegmentExt
	earliestMs := earliestNs / uint64(time.Millisecond)

	type candidate struct {
		path  string
		start time.Time
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() || e.Name() == currentSegment {
			continue
		}
		start, ok := recorder.ParseSegmentKey(e.Name())
		if !ok {
			continue
		}
		if uint64(start.Add(time.Hour).UnixMilli()) < earliestMs {
			continue
		}
		candidates = append(candidates, candidate{path: filepath.Join(m.dataDir, e.Name()), start: start})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].start.Before(candidates[j].start) })

	for _, c := range candidates {
		if m.limiter != nil {
			_ = m.limiter.Wait(context.Background())
		}

		r, err := segment.Open(c.path)
		if err != nil {
			m.logger.Warn().Err(err).Str("path", c.path).Msg("target: skipping corrupt/truncated segment")
			if m.metrics != nil {
				m.metrics.SegmentsCorrupt.Inc()
			}
			continue
		}

		err = r.ReadMessages(earliestNs, topics, func(ch segment.ChannelInfo, logTimeNs uint64, payload []byte) error {
			if logTimeNs < earliestNs {
				return nil
			}
			if earliest, ok := m.ring.Earliest(ch.Topic); ok && logTimeNs >= earliest {
				return nil
			}
			cp := make([]byte, len(payload))
			copy(cp, payload)
			backlog[ch.Topic] = append(backlog[ch.Topic], ringbuffer.Entry{TimestampNs: logTimeNs, Payload: cp})
			return nil
		})
		r.Close()
		if err != nil {
			m.logger.Warn().Err(err).Str("path", c.path).Msg("target: error reading segment, using partial result")
			if m.metrics != nil {
				m.metrics.SegmentsCorrupt.Inc()
			}
		}
	}

	for topic := range backlog {
		sort.Slice(backlog[topic], func(i, j int) bool {
			return backlog[topic][i].TimestampNs < backlog[topic][j].TimestampNs
		})
	}
	return backlog
}
