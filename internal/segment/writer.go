// Package segment implements the indexed chunked-log segment format of
// spec.md §4.1/§4.2, wrapping github.com/foxglove/mcap/go/mcap — the
// indexed-log library this spec's on-disk format is modeled on.
package segment

import (
	"fmt"
	"os"

	"github.com/foxglove/mcap/go/mcap"
)

// LibraryName is embedded in every segment's header record.
const LibraryName = "telemetry-bridge"

type schemaKey struct {
	name     string
	encoding string
}

// Writer produces one self-describing segment file. It is single-owner:
// only the Recorder that opened it may call its methods (spec.md §5).
type Writer struct {
	path   string
	file   *os.File
	mcap   *mcap.Writer
	closed bool

	schemaIDs   map[schemaKey]uint16
	nextSchema  uint16
	nextChannel uint16
}

// Create creates path and writes the segment header. The header's
// Profile field is left empty (the core does not define a domain
// profile); its Library field is LibraryName.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("segment: create %s: %w", path, err)
	}

	mw, err := mcap.NewWriter(f, &mcap.WriterOptions{
		Chunked:     true,
		ChunkSize:   4 * 1024 * 1024,
		Compression: mcap.CompressionZSTD,
		IncludeCRC:  true,
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: init writer for %s: %w", path, err)
	}

	if err := mw.WriteHeader(&mcap.Header{Profile: "", Library: LibraryName}); err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: write header for %s: %w", path, err)
	}

	return &Writer{
		path:      path,
		file:      f,
		mcap:      mw,
		schemaIDs: make(map[schemaKey]uint16),
	}, nil
}

// RegisterSchema assigns a schema id the first time (name, encoding) is
// seen in this file; subsequent calls with the same key reuse it
// (spec.md §4.4's within-segment dedup invariant).
func (w *Writer) RegisterSchema(name, encoding string, data []byte) (uint16, error) {
	key := schemaKey{name: name, encoding: encoding}
	if id, ok := w.schemaIDs[key]; ok {
		return id, nil
	}

	w.nextSchema++
	id := w.nextSchema
	if err := w.mcap.WriteSchema(&mcap.Schema{ID: id, Name: name, Encoding: encoding, Data: data}); err != nil {
		w.nextSchema--
		return 0, fmt.Errorf("segment: write schema %s/%s: %w", name, encoding, err)
	}
	w.schemaIDs[key] = id
	return id, nil
}

// RegisterChannel always assigns a fresh channel id (spec.md §4.1).
func (w *Writer) RegisterChannel(schemaID uint16, topic, messageEncoding string, metadata map[string]string) (uint16, error) {
	w.nextChannel++
	id := w.nextChannel
	err := w.mcap.WriteChannel(&mcap.Channel{
		ID:              id,
		SchemaID:        schemaID,
		Topic:           topic,
		MessageEncoding: messageEncoding,
		Metadata:        metadata,
	})
	if err != nil {
		w.nextChannel--
		return 0, fmt.Errorf("segment: write channel %s: %w", topic, err)
	}
	return id, nil
}

// AddMessage appends one message to the current chunk. sequence must be
// supplied by the caller, monotonically increasing per channel
// (spec.md §4.1, §4.4).
func (w *Writer) AddMessage(channelID uint16, sequence uint32, logTimeNs, publishTimeNs uint64, payload []byte) error {
	err := w.mcap.WriteMessage(&mcap.Message{
		ChannelID:   channelID,
		Sequence:    sequence,
		LogTime:     logTimeNs,
		PublishTime: publishTimeNs,
		Data:        payload,
	})
	if err != nil {
		return fmt.Errorf("segment: write message on channel %d: %w", channelID, err)
	}
	return nil
}

// Close flushes the final chunk and summary section. Idempotent.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	mcapErr := w.mcap.Close()
	fileErr := w.file.Close()
	if mcapErr != nil {
		return fmt.Errorf("segment: close %s: %w", w.path, mcapErr)
	}
	if fileErr != nil {
		return fmt.Errorf("segment: close file %s: %w", w.path, fileErr)
	}
	return nil
}

// Path returns the segment's file path.
func (w *Writer) Path() string { return w.path }
