package segment

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/foxglove/mcap/go/mcap"
)

// ErrCorruptSegment is returned when a segment's summary section (or a
// chunk within it) cannot be parsed. Callers skip the file and continue
// with the remaining ones, per spec.md §4.2/§7.
var ErrCorruptSegment = errors.New("segment: corrupt or truncated file")

// ChannelInfo is the subset of an mcap channel/schema pair the bridge
// needs to filter and label replayed messages.
type ChannelInfo struct {
	ID    uint16
	Topic string
}

// Reader is a random-access reader of one closed segment file.
type Reader struct {
	file     *os.File
	mcap     *mcap.Reader
	channels map[uint16]ChannelInfo
}

// Open parses path's summary section and builds an in-memory channel table.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}

	mr, err := mcap.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptSegment, path, err)
	}

	info, err := mr.Info()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptSegment, path, err)
	}

	channels := make(map[uint16]ChannelInfo, len(info.Channels))
	for id, ch := range info.Channels {
		channels[id] = ChannelInfo{ID: id, Topic: ch.Topic}
	}

	return &Reader{file: f, mcap: mr, channels: channels}, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Channels returns the segment's channel table.
func (r *Reader) Channels() map[uint16]ChannelInfo {
	return r.channels
}

// ReadMessages yields messages with logTimeNs >= startTimeNs, filtered
// to topics (nil/empty means accept every topic), in non-decreasing
// log-time order within each channel (spec.md §4.2). visit is called
// once per accepted message; returning an error from visit stops
// iteration and is propagated.
func (r *Reader) ReadMessages(startTimeNs uint64, topics map[string]bool, visit func(ch ChannelInfo, logTimeNs uint64, payload []byte) error) error {
	it, err := r.mcap.Messages()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptSegment, err)
	}
	defer it.Close()

	for {
		schema, channel, message, err := it.Next(nil)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptSegment, err)
		}
		_ = schema

		if message.LogTime < startTimeNs {
			continue
		}
		if len(topics) > 0 && !topics[channel.Topic] {
			continue
		}

		if err := visit(ChannelInfo{ID: channel.ID, Topic: channel.Topic}, message.LogTime, message.Data); err != nil {
			return err
		}
	}
}
