// Package frame reads and writes the HTTP/2 frames that carry header blocks
// and table acknowledgements between qpackd and its peers.
package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// FrameDeleteAck is the extension frame acknowledging a dynamic table
// deletion. It is sent on stream 0 with the removed slot as a 4-byte
// big-endian payload.
const FrameDeleteAck http2.FrameType = 0xf0

// DefaultMaxFrameSize is the RFC 7540 initial SETTINGS_MAX_FRAME_SIZE.
const DefaultMaxFrameSize = 16384

// MaxReadFrameSize bounds the frames the parser accepts.
const MaxReadFrameSize = 1 << 20

// Parser reads frames progressively from a persistent reader.
type Parser struct {
	framer *http2.Framer
}

// NewParser creates a new frame parser
func NewParser() *Parser {
	return &Parser{}
}

// InitReader binds the parser to a persistent reader. This allows the framer
// to preserve CONTINUATION expectations across frames and read progressively as
// more data arrives.
func (p *Parser) InitReader(r io.Reader) {
	p.framer = http2.NewFramer(io.Discard, r)
	p.framer.SetMaxReadFrameSize(MaxReadFrameSize)
}

// ReadNextFrame reads the next frame using the bound reader.
func (p *Parser) ReadNextFrame() (http2.Frame, error) {
	if p.framer == nil {
		return nil, fmt.Errorf("parser not initialized; call InitReader")
	}
	return p.framer.ReadFrame()
}

// Writer serializes frame writes onto one connection.
type Writer struct {
	framer *http2.Framer
	writer io.Writer
	mu     sync.Mutex
}

// NewWriter creates a new frame writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		framer: http2.NewFramer(w, nil),
		writer: w,
	}
}

// Flush flushes any buffered data
func (w *Writer) Flush() error {
	if flusher, ok := w.writer.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

// WriteSettings writes a SETTINGS frame
func (w *Writer) WriteSettings(settings ...http2.Setting) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteSettings(settings...)
}

// WriteSettingsAck writes a SETTINGS acknowledgment frame
func (w *Writer) WriteSettingsAck() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteSettingsAck()
}

// WriteHeaders writes HEADERS (and CONTINUATION) frames, fragmenting by maxFrameSize
func (w *Writer) WriteHeaders(streamID uint32, endStream bool, headerBlock []byte, maxFrameSize uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	// an empty block still needs its HEADERS frame
	remaining := headerBlock
	first := true
	for first || len(remaining) > 0 {
		chunkLen := int(maxFrameSize)
		if len(remaining) < chunkLen {
			chunkLen = len(remaining)
		}
		frag := remaining[:chunkLen]
		remaining = remaining[chunkLen:]

		if first {
			var flags http2.Flags
			if endStream {
				flags |= http2.FlagHeadersEndStream
			}
			if len(remaining) == 0 {
				flags |= http2.FlagHeadersEndHeaders
			}
			if err := w.framer.WriteRawFrame(http2.FrameHeaders, flags, streamID, frag); err != nil {
				return err
			}
			first = false
			continue
		}

		var flags http2.Flags
		if len(remaining) == 0 {
			flags |= http2.FlagContinuationEndHeaders
		}
		if err := w.framer.WriteRawFrame(http2.FrameContinuation, flags, streamID, frag); err != nil {
			return err
		}
	}
	return nil
}

// WriteRSTStream writes a RST_STREAM frame
func (w *Writer) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteRSTStream(streamID, code)
}

// WriteGoAway writes a GOAWAY frame
func (w *Writer) WriteGoAway(lastStreamID uint32, code http2.ErrCode, debugData []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteGoAway(lastStreamID, code, debugData)
}

// WritePing writes a PING frame
func (w *Writer) WritePing(ack bool, data [8]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WritePing(ack, data)
}

// WriteDeleteAck writes a FrameDeleteAck for slot.
func (w *Writer) WriteDeleteAck(slot uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], slot)
	return w.framer.WriteRawFrame(FrameDeleteAck, 0, 0, payload[:])
}

// ParseDeleteAck returns the slot carried by a FrameDeleteAck payload.
func ParseDeleteAck(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("delete ack payload of %d bytes", len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

// HeaderEncoder HPACK-encodes decoded header lists. It keeps HPACK state, so
// blocks must reach the wire in the order they were encoded.
type HeaderEncoder struct {
	encoder *hpack.Encoder
	buf     *bytes.Buffer
}

// headerBufPool reuses temporary buffers used during HPACK encoding to reduce allocations.
var headerBufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// NewHeaderEncoder creates a new header encoder
func NewHeaderEncoder() *HeaderEncoder {
	buf, ok := headerBufPool.Get().(*bytes.Buffer)
	if !ok {
		buf = new(bytes.Buffer)
	}
	buf.Reset()
	return &HeaderEncoder{
		encoder: hpack.NewEncoder(buf),
		buf:     buf,
	}
}

// Encode encodes fields to HPACK format. Sensitive fields are written
// never-indexed.
func (e *HeaderEncoder) Encode(fields []hpack.HeaderField) ([]byte, error) {
	e.buf.Reset()
	for _, f := range fields {
		if err := e.encoder.WriteField(f); err != nil {
			return nil, err
		}
	}
	// Return a copy to avoid the buffer being reused while data is still being written
	result := make([]byte, e.buf.Len())
	copy(result, e.buf.Bytes())
	return result, nil
}

// Close releases internal resources back to the pool. The encoder instance should
// not be used after Close.
func (e *HeaderEncoder) Close() {
	if e.buf != nil {
		e.buf.Reset()
		headerBufPool.Put(e.buf)
		e.buf = nil
		e.encoder = hpack.NewEncoder(io.Discard)
	}
}
