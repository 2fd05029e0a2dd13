// Package recorder owns the currently open segment for one target and
// coordinates hourly rotation and disk retention (spec.md §4.4).
package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"telemetry-bridge/internal/metrics"
	"telemetry-bridge/internal/segment"
)

// SegmentExt is the on-disk extension for every segment file
// (spec.md §6: "<ext> is the chosen format's conventional extension").
const SegmentExt = "mcap"

var segmentFileName = regexp.MustCompile(`^(\d{8}_\d{2})\.` + SegmentExt + `$`)

// ChannelDescriptor is the immutable, upstream-assigned description of
// one channel, captured so the Recorder can re-register it across
// rotations (spec.md §4.4: "re-register all currently-known channels").
type ChannelDescriptor struct {
	Topic           string
	MessageEncoding string
	SchemaName      string
	SchemaText      []byte
	SchemaEncoding  string // inferred if empty, see inferSchemaEncoding
	Metadata        map[string]string
}

type recordedChannel struct {
	desc    ChannelDescriptor
	localID uint16 // 0 while the writer is unavailable
}

// Recorder is single-owner: only its target's Connector goroutine calls
// Accept/RegisterChannel/DropChannel (spec.md §5).
type Recorder struct {
	mu  sync.Mutex
	dir string

	logger  zerolog.Logger
	metrics *metrics.Registry

	writer     *segment.Writer
	segmentKey string

	channels  map[uint32]*recordedChannel
	sequences map[uint16]uint32 // segment-local channel id -> next sequence
}

// New creates a Recorder for the directory {data_dir}/{slug}. It does
// not open a segment; call Start.
func New(dir string, logger zerolog.Logger, m *metrics.Registry) *Recorder {
	return &Recorder{
		dir:       dir,
		logger:    logger,
		metrics:   m,
		channels:  make(map[uint32]*recordedChannel),
		sequences: make(map[uint16]uint32),
	}
}

// segmentKeyFor returns the UTC "YYYYMMDD_HH" key for instant t.
func segmentKeyFor(t time.Time) string {
	return t.UTC().Format("20060102_15")
}

// Start opens the segment for the current hour, creating dir if needed.
// A failure degrades the target to in-memory-only recording: it is
// logged once and Start returns nil so the caller proceeds without
// recording (spec.md §4.1 "Failure semantics").
func (r *Recorder) Start(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		r.logger.Error().Err(err).Str("dir", r.dir).Msg("recorder: cannot create data directory, recording disabled")
		if r.metrics != nil {
			r.metrics.WriterUnavailable.Inc()
		}
		return nil
	}

	r.segmentKey = segmentKeyFor(now)
	r.openLocked()
	return nil
}

// openLocked opens r.writer at the current segmentKey and re-registers
// every known channel. Caller must hold r.mu.
func (r *Recorder) openLocked() {
	path := filepath.Join(r.dir, r.segmentKey+"."+SegmentExt)
	w, err := segment.Create(path)
	if err != nil {
		r.logger.Error().Err(err).Str("path", path).Msg("recorder: segment open failed, degrading to in-memory-only until next rotation")
		if r.metrics != nil {
			r.metrics.WriterUnavailable.Inc()
		}
		r.writer = nil
		return
	}

	r.writer = w
	r.sequences = make(map[uint16]uint32)
	if r.metrics != nil {
		r.metrics.SegmentsOpen.Inc()
	}

	for _, rc := range r.channels {
		rc.localID = 0
		r.registerChannelLocked(rc)
	}
}

func (r *Recorder) registerChannelLocked(rc *recordedChannel) {
	if r.writer == nil {
		return
	}

	encoding := rc.desc.SchemaEncoding
	if encoding == "" {
		encoding = inferSchemaEncoding(rc.desc.MessageEncoding)
	}

	schemaID, err := r.writer.RegisterSchema(rc.desc.SchemaName, encoding, rc.desc.SchemaText)
	if err != nil {
		r.logger.Error().Err(err).Str("schema", rc.desc.SchemaName).Msg("recorder: register schema failed")
		return
	}

	localID, err := r.writer.RegisterChannel(schemaID, rc.desc.Topic, rc.desc.MessageEncoding, rc.desc.Metadata)
	if err != nil {
		r.logger.Error().Err(err).Str("topic", rc.desc.Topic).Msg("recorder: register channel failed")
		return
	}

	rc.localID = localID
	r.sequences[localID] = 1
}

// inferSchemaEncoding fills in schemaEncoding when the upstream omitted
// it (spec.md §4.4).
func inferSchemaEncoding(messageEncoding string) string {
	switch messageEncoding {
	case "json":
		return "jsonschema"
	case "ros1":
		return "ros1msg"
	case "cdr":
		return "ros2msg"
	default:
		return "text"
	}
}

// RegisterChannel tells the Recorder about a channel so it survives
// rotation. Safe to call again for the same upstreamChannelID (e.g. on
// reconnect) — it simply replaces the descriptor.
func (r *Recorder) RegisterChannel(upstreamChannelID uint32, desc ChannelDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rc := &recordedChannel{desc: desc}
	r.channels[upstreamChannelID] = rc
	r.registerChannelLocked(rc)
}

// DropChannel forgets a channel (on unadvertise); it is not re-registered
// on the next rotation.
func (r *Recorder) DropChannel(upstreamChannelID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, upstreamChannelID)
}

// Accept rotates the segment if now has crossed into a new UTC hour,
// then appends the message for upstreamChannelID. Failures are returned
// to the caller (the Connector), which drops the message's persistence
// only — ring storage and live fan-out are unaffected (spec.md §4.5).
func (r *Recorder) Accept(now time.Time, upstreamChannelID uint32, logTimeNs, publishTimeNs uint64, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key := segmentKeyFor(now); key != r.segmentKey {
		r.rotateLocked(key)
	}

	if r.writer == nil {
		return fmt.Errorf("recorder: writer unavailable for segment %s", r.segmentKey)
	}

	rc, ok := r.channels[upstreamChannelID]
	if !ok || rc.localID == 0 {
		return fmt.Errorf("recorder: channel %d not registered in current segment", upstreamChannelID)
	}

	seq := r.sequences[rc.localID]
	r.sequences[rc.localID] = seq + 1

	if err := r.writer.AddMessage(rc.localID, seq, logTimeNs, publishTimeNs, payload); err != nil {
		if r.metrics != nil {
			r.metrics.RecorderFailures.Inc()
		}
		return err
	}
	if r.metrics != nil {
		r.metrics.MessagesRecorded.Inc()
	}
	return nil
}

// rotateLocked closes the current segment (if any) and opens key's
// segment, re-registering every known channel. Caller holds r.mu.
func (r *Recorder) rotateLocked(key string) {
	if r.writer != nil {
		if err := r.writer.Close(); err != nil {
			r.logger.Error().Err(err).Str("segment", r.segmentKey).Msg("recorder: error closing segment on rotation")
		}
		if r.metrics != nil {
			r.metrics.SegmentsOpen.Dec()
		}
		r.writer = nil
	}
	r.segmentKey = key
	r.openLocked()
}

// ParseSegmentKey parses a segment file name of the form
// "YYYYMMDD_HH.<ext>" into its UTC start instant, for history-loading
// callers outside this package (spec.md §4.6 step 3).
func ParseSegmentKey(name string) (time.Time, bool) {
	m := segmentFileName.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("20060102_15", m[1], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// CurrentSegment returns the currently open segment's file name (without
// extension), or "" if no segment is open.
func (r *Recorder) CurrentSegment() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return ""
	}
	return r.segmentKey
}

// Close flushes and closes the open segment. Safe to call once at
// Manager teardown.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writer == nil {
		return nil
	}
	err := r.writer.Close()
	r.writer = nil
	if r.metrics != nil {
		r.metrics.SegmentsOpen.Dec()
	}
	return err
}

// Sweep deletes every segment file under dir whose modification time is
// older than retention. Best-effort: errors are logged and swallowed,
// matching spec.md §4.4/§7 ("deletion errors are swallowed").
func Sweep(dir string, retention time.Duration, now time.Time, logger zerolog.Logger, m *metrics.Registry) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !segmentFileName.MatchString(entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= retention {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("recorder: retention sweep failed to remove segment")
			continue
		}
		if m != nil {
			m.SegmentsDeleted.Inc()
		}
	}
}

// StartSweeper runs Sweep every period until stop is closed, paced by a
// rate limiter so a data directory holding thousands of targets cannot
// starve the I/O budget of the connector goroutines sharing the process
// (spec.md §5's "Retention sweep... runs on that Manager's I/O budget").
func StartSweeper(dir string, retention time.Duration, period time.Duration, limiter *rate.Limiter, logger zerolog.Logger, m *metrics.Registry, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if limiter != nil {
				_ = limiter.Wait(context.Background())
			}
			Sweep(dir, retention, time.Now(), logger, m)
		}
	}
}
