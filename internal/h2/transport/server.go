// Package transport serves QPACK header blocks over HTTP/2 framing using gnet.
// Each connection owns one decoder; every HEADERS block is decoded against the
// connection's table and answered on its stream once it completes.
package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FumingPower3925/qpackd/internal/h2/frame"
	"github.com/FumingPower3925/qpackd/pkg/qpack"
	"github.com/panjf2000/gnet/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// verboseLogging controls hot-path logging for performance-sensitive operations.
// Keep false for production runs to avoid performance overhead.
const verboseLogging = false

const (
	// HTTP/2 connection preface
	http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

	// DefaultMaxHeaderBlock bounds a header block assembled from
	// HEADERS and CONTINUATION frames.
	DefaultMaxHeaderBlock = 1 << 20

	// DefaultMaxQueuedBytes bounds the decoded bytes one connection's
	// decoder may hold for unfinished blocks.
	DefaultMaxQueuedBytes = 4 << 20
)

var activeConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "qpackd_active_connections",
		Help: "Number of open connections, each with its own header table",
	},
)

// Config defines the configuration options for the transport server.
type Config struct {
	Addr           string
	Multicore      bool
	NumEventLoop   int
	ReusePort      bool
	Logger         *log.Logger
	MaxHeaderBlock uint32
	MaxQueuedBytes uint32
	Decoder        qpack.Config
}

// Server implements the gnet.EventHandler interface. It manages the
// lifecycle of connections and their decoders.
type Server struct {
	gnet.BuiltinEventEngine
	ctx           context.Context
	cancel        context.CancelFunc
	config        Config
	logger        *log.Logger
	engine        gnet.Engine
	activeConns   []gnet.Conn // Track connections for shutdown only
	activeConnsMu sync.Mutex  // Protects activeConns
}

// NewServer creates a new server with gnet transport engine.
func NewServer(config Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.MaxHeaderBlock == 0 {
		config.MaxHeaderBlock = DefaultMaxHeaderBlock
	}
	if config.MaxQueuedBytes == 0 {
		config.MaxQueuedBytes = DefaultMaxQueuedBytes
	}
	if config.Decoder.Logger == nil {
		config.Decoder.Logger = config.Logger
	}

	return &Server{
		ctx:    ctx,
		cancel: cancel,
		config: config,
		logger: config.Logger,
	}
}

// Start starts the gnet server. It blocks until the engine stops.
func (s *Server) Start() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.config.Multicore),
		gnet.WithReusePort(s.config.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
	}

	if s.config.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.config.NumEventLoop))
	}

	s.logger.Printf("Starting qpackd on %s", s.config.Addr)
	return gnet.Run(s, "tcp://"+s.config.Addr, options...)
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Println("Initiating graceful shutdown...")

	// Cancel context to stop accepting new connections
	s.cancel()

	s.activeConnsMu.Lock()
	conns := make([]gnet.Conn, len(s.activeConns))
	copy(conns, s.activeConns)
	s.activeConnsMu.Unlock()

	for _, c := range conns {
		if conn, ok := c.Context().(*Connection); ok {
			_ = conn.SendGoAway(http2.ErrCodeNo, []byte("server shutting down"))
		}
	}

	// Give a very brief moment for GOAWAY to flush, then force close connections
	time.Sleep(50 * time.Millisecond)

	for _, c := range conns {
		s.logger.Printf("Force closing connection to %s", c.RemoteAddr().String())
		_ = c.Close()
	}

	// The caller's context may have expired already
	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer stopCancel()

	if s.engine.Validate() != nil {
		// never booted
		return nil
	}
	if err := s.engine.Stop(stopCtx); err != nil {
		s.logger.Printf("Error stopping gnet engine: %v", err)
	}

	s.logger.Println("Server shutdown complete")
	return nil
}

// OnBoot is called when the server is ready to accept connections
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.logger.Printf("qpackd is listening on %s (multicore: %v)", s.config.Addr, s.config.Multicore)
	return gnet.None
}

// OnOpen is called when a new connection is opened
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	conn := NewConnection(c, s.config)
	c.SetContext(conn)

	s.activeConnsMu.Lock()
	s.activeConns = append(s.activeConns, c)
	s.activeConnsMu.Unlock()
	activeConnections.Inc()

	s.logger.Printf("New connection from %s", c.RemoteAddr().String())
	return nil, gnet.None
}

// OnClose is called when a connection is closed
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	if conn, ok := c.Context().(*Connection); ok {
		// Close blocks until the table's continuations have drained; none
		// of them wait on this event loop.
		_ = conn.Close()
	}

	s.activeConnsMu.Lock()
	for i, conn := range s.activeConns {
		if conn == c {
			s.activeConns[i] = s.activeConns[len(s.activeConns)-1]
			s.activeConns = s.activeConns[:len(s.activeConns)-1]
			break
		}
	}
	s.activeConnsMu.Unlock()
	activeConnections.Dec()

	if err != nil {
		s.logger.Printf("Connection closed with error: %v", err)
	} else {
		s.logger.Printf("Connection closed from %s", c.RemoteAddr().String())
	}

	return gnet.None
}

// OnTraffic is called when data is received on a connection
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	conn, ok := c.Context().(*Connection)
	if !ok {
		s.logger.Printf("Connection context not found")
		return gnet.Close
	}

	buf, err := c.Next(-1)
	if err != nil {
		s.logger.Printf("Error reading data: %v", err)
		return gnet.Close
	}

	if err := conn.HandleData(s.ctx, buf); err != nil {
		s.logger.Printf("Error handling data: %v", err)
		return gnet.Close
	}

	return gnet.None
}

// Connection is one peer's framed session. It implements
// qpack.ConnectionCallback for the decoder it owns.
type Connection struct {
	parser          *frame.Parser
	writer          *frame.Writer
	decoder         *qpack.Decoder
	buffer          *bytes.Buffer
	closeConn       func()
	logger          *log.Logger
	maxHeaderBlock  uint32
	maxQueuedBytes  uint32
	prefaceReceived bool
	readerBound     bool

	// writeMu orders HPACK encoding with the frames carrying the result.
	writeMu       sync.Mutex
	headerEncoder *frame.HeaderEncoder
	sentGoAway    atomic.Bool
	lastStreamID  atomic.Uint32

	// header block being assembled from HEADERS and CONTINUATION frames
	blockStream uint32
	block       []byte
}

// NewConnection creates the session for a gnet connection.
func NewConnection(c gnet.Conn, config Config) *Connection {
	cw := &connWriter{conn: c, mu: &sync.Mutex{}, logger: config.Logger}
	return newConnection(cw, func() { _ = c.Close() }, config)
}

func newConnection(w io.Writer, closeConn func(), config Config) *Connection {
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.MaxHeaderBlock == 0 {
		config.MaxHeaderBlock = DefaultMaxHeaderBlock
	}
	if config.MaxQueuedBytes == 0 {
		config.MaxQueuedBytes = DefaultMaxQueuedBytes
	}

	conn := &Connection{
		parser:         frame.NewParser(),
		writer:         frame.NewWriter(w),
		buffer:         new(bytes.Buffer),
		closeConn:      closeConn,
		logger:         config.Logger,
		maxHeaderBlock: config.MaxHeaderBlock,
		maxQueuedBytes: config.MaxQueuedBytes,
		headerEncoder:  frame.NewHeaderEncoder(),
	}
	conn.decoder = qpack.NewDecoder(config.Decoder, conn)
	return conn
}

// HandleData processes incoming data
//
//nolint:gocyclo // one branch per frame type
func (c *Connection) HandleData(ctx context.Context, data []byte) error {
	if verboseLogging {
		c.logger.Printf("Received %d bytes", len(data))
	}

	c.buffer.Write(data)

	if !c.prefaceReceived {
		if c.buffer.Len() < len(http2Preface) {
			if !bytes.HasPrefix([]byte(http2Preface), c.buffer.Bytes()) {
				return c.rejectPreface()
			}
			return nil
		}
		preface := make([]byte, len(http2Preface))
		_, _ = c.buffer.Read(preface)
		if string(preface) != http2Preface {
			return c.rejectPreface()
		}
		c.prefaceReceived = true

		if err := c.sendServerPreface(); err != nil {
			return fmt.Errorf("failed to send server preface: %w", err)
		}
	}

	// Bind a persistent reader to preserve CONTINUATION state in the framer
	if !c.readerBound {
		c.parser.InitReader(&bufferReader{c: c})
		c.readerBound = true
	}

	for c.buffer.Len() >= 9 {
		// Require full header+payload before parsing to avoid framer partial-read errors
		header := c.buffer.Bytes()[:9]
		length := uint32(header[0])<<16 | uint32(header[1])<<8 | uint32(header[2])
		if c.buffer.Len() < int(9+length) {
			if verboseLogging {
				c.logger.Printf("Waiting for more bytes: have=%d need=%d", c.buffer.Len(), 9+length)
			}
			return nil
		}

		f, err := c.parser.ReadNextFrame()
		if err != nil {
			var connErr http2.ConnectionError
			if errors.As(err, &connErr) {
				c.logger.Printf("Protocol error: %v", err)
				_ = c.SendGoAway(http2.ErrCode(connErr), []byte(err.Error()))
				return nil
			}
			var streamErr http2.StreamError
			if errors.As(err, &streamErr) {
				_ = c.writeRSTStream(streamErr.StreamID, streamErr.Code)
				continue
			}
			return fmt.Errorf("read frame: %w", err)
		}

		if err := c.processFrame(ctx, f); err != nil {
			return err
		}
		if c.sentGoAway.Load() {
			return nil
		}
	}

	return nil
}

func (c *Connection) processFrame(ctx context.Context, f http2.Frame) error {
	switch f := f.(type) {
	case *http2.HeadersFrame:
		if f.StreamID <= c.lastStreamID.Load() {
			return c.SendGoAway(http2.ErrCodeProtocol, []byte("stream id not increasing"))
		}
		c.lastStreamID.Store(f.StreamID)
		c.blockStream = f.StreamID
		c.block = append(c.block[:0], f.HeaderBlockFragment()...)
		if f.HeadersEnded() {
			return c.decodeBlock(ctx)
		}
	case *http2.ContinuationFrame:
		c.block = append(c.block, f.HeaderBlockFragment()...)
		if f.HeadersEnded() {
			return c.decodeBlock(ctx)
		}
	case *http2.SettingsFrame:
		if !f.IsAck() {
			c.writeMu.Lock()
			err := c.writer.WriteSettingsAck()
			if err == nil {
				err = c.writer.Flush()
			}
			c.writeMu.Unlock()
			return err
		}
	case *http2.PingFrame:
		if !f.IsAck() {
			c.writeMu.Lock()
			err := c.writer.WritePing(true, f.Data)
			if err == nil {
				err = c.writer.Flush()
			}
			c.writeMu.Unlock()
			return err
		}
	case *http2.GoAwayFrame:
		c.logger.Printf("Peer sent GOAWAY: code=%v", f.ErrCode)
		c.closeConn()
	default:
		if verboseLogging {
			c.logger.Printf("Ignoring %v frame on stream %d", f.Header().Type, f.Header().StreamID)
		}
	}

	if uint32(len(c.block)) > c.maxHeaderBlock {
		return c.SendGoAway(http2.ErrCodeEnhanceYourCalm, []byte("header block too large"))
	}
	return nil
}

// decodeBlock hands the assembled block to the decoder. The block is copied
// since its outcome may arrive after the next frame is read. A peer that
// leaves more than maxQueuedBytes waiting on the table is sent away.
func (c *Connection) decodeBlock(ctx context.Context) error {
	block := make([]byte, len(c.block))
	copy(block, c.block)
	c.block = c.block[:0]

	r := &streamResponder{conn: c, streamID: c.blockStream}
	c.decoder.Decode(ctx, block, uint32(len(block)), r)

	if queued := c.decoder.QueuedBytes(); queued > c.maxQueuedBytes {
		c.logger.Printf("Decoder holds %d bytes for blocked streams, limit %d", queued, c.maxQueuedBytes)
		return c.SendGoAway(http2.ErrCodeEnhanceYourCalm, []byte("too many bytes queued for blocked streams"))
	}
	return nil
}

func (c *Connection) rejectPreface() error {
	c.logger.Printf("Invalid preface: %q", c.buffer.String())
	_ = c.SendGoAway(http2.ErrCodeProtocol, []byte("invalid connection preface"))
	return nil
}

// sendServerPreface sends the initial SETTINGS frame
func (c *Connection) sendServerPreface() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	settings := []http2.Setting{
		{ID: http2.SettingMaxFrameSize, Val: frame.MaxReadFrameSize},
		{ID: http2.SettingMaxHeaderListSize, Val: c.maxHeaderBlock},
	}
	if err := c.writer.WriteSettings(settings...); err != nil {
		return err
	}
	return c.writer.Flush()
}

// Ack sends a deletion acknowledgement for slot.
func (c *Connection) Ack(slot uint32) {
	if c.sentGoAway.Load() {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.writer.WriteDeleteAck(slot); err != nil {
		c.logger.Printf("Failed to ack deletion of slot %d: %v", slot, err)
		return
	}
	_ = c.writer.Flush()
}

// OnError tears the connection down: its table no longer matches the
// encoder's.
func (c *Connection) OnError(err error) {
	c.logger.Printf("Header table error: %v", err)
	_ = c.SendGoAway(http2.ErrCodeCompression, []byte(err.Error()))
}

// SendGoAway sends a GOAWAY frame once. Codes other than NO_ERROR close the
// connection.
func (c *Connection) SendGoAway(code http2.ErrCode, debug []byte) error {
	if !c.sentGoAway.CompareAndSwap(false, true) {
		return nil
	}

	c.writeMu.Lock()
	err := c.writer.WriteGoAway(c.lastStreamID.Load(), code, debug)
	if err == nil {
		err = c.writer.Flush()
	}
	c.writeMu.Unlock()

	c.logger.Printf("Sent GOAWAY frame: code=%v, lastStream=%d", code, c.lastStreamID.Load())
	if code != http2.ErrCodeNo {
		c.closeConn()
	}
	return err
}

func (c *Connection) writeHeaders(streamID uint32, fields []hpack.HeaderField) error {
	if c.sentGoAway.Load() {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	block, err := c.headerEncoder.Encode(fields)
	if err != nil {
		return err
	}
	if err := c.writer.WriteHeaders(streamID, true, block, frame.DefaultMaxFrameSize); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *Connection) writeRSTStream(streamID uint32, code http2.ErrCode) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.writer.WriteRSTStream(streamID, code); err != nil {
		return err
	}
	return c.writer.Flush()
}

// Close cancels the header blocks still waiting on the table.
func (c *Connection) Close() error {
	c.decoder.Close()

	c.writeMu.Lock()
	c.headerEncoder.Close()
	c.writeMu.Unlock()
	return nil
}

// streamResponder answers one stream with the outcome of its header block.
type streamResponder struct {
	conn     *Connection
	streamID uint32
	fields   []hpack.HeaderField
}

func (r *streamResponder) OnHeader(hf qpack.HeaderField) {
	r.fields = append(r.fields, hpack.HeaderField{Name: hf.Name, Value: hf.Value, Sensitive: hf.Sensitive})
}

func (r *streamResponder) OnHeadersComplete(size qpack.DecodedSize) {
	if verboseLogging {
		r.conn.logger.Printf("Stream %d decoded: %d -> %d bytes", r.streamID, size.Compressed, size.Uncompressed)
	}
	if err := r.conn.writeHeaders(r.streamID, r.fields); err != nil {
		r.conn.logger.Printf("Failed to answer stream %d: %v", r.streamID, err)
	}
}

func (r *streamResponder) OnDecodeError(err error) {
	code := http2.ErrCodeCompression
	if errors.Is(err, qpack.ErrCancelled) {
		code = http2.ErrCodeCancel
	}
	if verboseLogging {
		r.conn.logger.Printf("Stream %d failed: %v", r.streamID, err)
	}
	if err := r.conn.writeRSTStream(r.streamID, code); err != nil {
		r.conn.logger.Printf("Failed to reset stream %d: %v", r.streamID, err)
	}
}

// bufferReader adapts Connection's buffer to an io.Reader that drains as frames are read by http2.Framer.
type bufferReader struct {
	c *Connection
}

func (br *bufferReader) Read(p []byte) (int, error) {
	if br.c.buffer.Len() == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	n := copy(p, br.c.buffer.Bytes())
	br.c.buffer.Next(n)
	return n, nil
}

// connWriter implements io.Writer for gnet.Conn
type connWriter struct {
	conn   gnet.Conn
	mu     *sync.Mutex
	logger *log.Logger
	// pending holds individual frame slices ready to send via AsyncWritev.
	pending  [][]byte
	inflight bool
	// queued holds additional frames to send after inflight batch completes.
	queued [][]byte
}

// Write queues whole frames from p. It copies p since the framer reuses its
// buffer.
func (w *connWriter) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	data := make([]byte, len(p))
	copy(data, p)

	off := 0
	var segments [][]byte
	for len(data)-off >= 9 {
		length := int(uint32(data[off])<<16 | uint32(data[off+1])<<8 | uint32(data[off+2]))
		consume := 9 + length
		if off+consume > len(data) {
			break
		}
		if verboseLogging {
			sid := binary.BigEndian.Uint32(data[off+5:off+9]) & 0x7fffffff
			w.logger.Printf("Queueing %v frame for stream %d", http2.FrameType(data[off+3]), sid)
		}
		segments = append(segments, data[off:off+consume])
		off += consume
	}

	w.mu.Lock()
	w.pending = append(w.pending, segments...)
	w.mu.Unlock()
	return len(p), nil
}

// Flush hands pending frames to gnet.
func (w *connWriter) Flush() error {
	w.mu.Lock()
	if w.inflight {
		w.queued = append(w.queued, w.pending...)
		w.pending = nil
		w.mu.Unlock()
		return nil
	}
	batch := w.pending
	w.pending = nil
	if len(batch) == 0 {
		w.mu.Unlock()
		return nil
	}
	w.inflight = true
	w.mu.Unlock()
	return w.asyncSend(batch)
}

// asyncSend sends parts via AsyncWritev and drains queued parts recursively.
func (w *connWriter) asyncSend(parts [][]byte) error {
	return w.conn.AsyncWritev(parts, func(_ gnet.Conn, err error) error {
		if verboseLogging && err != nil {
			w.logger.Printf("AsyncWritev callback error: %v", err)
		}
		w.mu.Lock()
		next := w.queued
		if len(next) > 0 {
			w.queued = nil
			w.mu.Unlock()
			return w.asyncSend(next)
		}
		w.inflight = false
		w.mu.Unlock()
		return nil
	})
}
