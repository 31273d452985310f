package qpack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/FumingPower3925/qpackd/internal/buffer"
	"github.com/FumingPower3925/qpackd/internal/table"
	"go.opentelemetry.io/otel/trace"
)

// verboseLogging controls hot-path logging for performance-sensitive operations.
// Keep false for production runs to avoid performance overhead.
const verboseLogging = false

// First-byte instruction flags.
const (
	indexedFlag    = 0x80 // 1xxxxxxx indexed reference
	insertFlag     = 0x40 // 01xxxxxx literal with insertion
	deleteFlag     = 0x20 // 001xxxxx delete
	neverIndexFlag = 0x10 // 0001xxxx literal, never indexed
)

// Decoder decodes header blocks against a header table shared by all blocks
// of one connection. It is safe for concurrent use.
type Decoder struct {
	mu     sync.Mutex
	config Config
	logger *log.Logger
	tracer trace.Tracer
	table  *table.Table
	conn   ConnectionCallback

	requests     requestArena
	pendingBytes uint32
	queuedBytes  uint32
	closed       bool
}

// NewDecoder creates a decoder with its own header table. conn receives
// deletion acknowledgements and table-wide errors; it may be nil.
func NewDecoder(config Config, conn ConnectionCallback) *Decoder {
	if err := config.Validate(); err != nil {
		panic(err)
	}
	if conn == nil {
		conn = ConnectionCallbackFuncs{}
	}

	return &Decoder{
		config: config,
		logger: config.Logger,
		tracer: newTracer(config.TracerName),
		table:  table.New(config.TableCapacity),
		conn:   conn,
	}
}

// Decode decodes the first totalBytes of data and reports the outcome to cb.
// Fields that only need the static table or entries already present are
// emitted before Decode returns, in wire order; fields waiting for a dynamic
// entry are emitted later, in the order those entries are inserted. Decode
// returns true if the outcome was reported before it returned.
func (d *Decoder) Decode(ctx context.Context, data []byte, totalBytes uint32, cb StreamingCallback) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, req := d.requests.alloc(cb)
	req.size.Compressed = totalBytes
	req.start = time.Now()
	req.span = startSpan(ctx, d.tracer, totalBytes)

	switch {
	case d.closed:
		req.err = ErrCancelled
	case uint64(len(data)) < uint64(totalBytes):
		d.logger.Printf("qpack: header block has %d bytes, expected %d", len(data), totalBytes)
		req.err = ErrBufferUnderflow
	default:
		dbuf := buffer.New(data, totalBytes, d.config.MaxUncompressed)
		for req.err == nil && !dbuf.Empty() {
			req.pending++
			d.decodeHeader(dbuf, h, req)
		}
		req.consumed = dbuf.ConsumedBytes()
	}
	req.allSubmitted = req.err == nil

	// checkComplete also handles errors
	done := d.checkComplete(h, req)
	d.updateQueuedBytes()
	return done
}

// Close fails every outstanding request with ErrCancelled before returning.
// Lookups already registered with the table run to completion and find
// their requests gone.
func (d *Decoder) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, h := range d.requests.handles() {
		req := d.requests.get(h)
		req.err = ErrCancelled
		d.checkComplete(h, req)
	}
	d.updateQueuedBytes()
	d.mu.Unlock()

	d.table.Close()
}

// QueuedBytes returns the decoded bytes held by unfinished requests, as of
// the last Decode or Close call. Connections compare it against their
// backpressure limit after every block.
func (d *Decoder) QueuedBytes() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queuedBytes
}

// PendingBytes returns the literal value bytes waiting for a dynamic name.
func (d *Decoder) PendingBytes() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pendingBytes
}

// ActiveRequests returns the number of requests that have not finished.
func (d *Decoder) ActiveRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests.active
}

func (d *Decoder) updateQueuedBytes() {
	total := d.pendingBytes
	for _, h := range d.requests.handles() {
		total += d.requests.get(h).size.Uncompressed
	}
	queuedBytes.Add(float64(total) - float64(d.queuedBytes))
	d.queuedBytes = total
}

func (d *Decoder) decodeHeader(dbuf *buffer.DecodeBuffer, h requestHandle, req *decodeRequest) {
	b, err := dbuf.Peek()
	if err != nil {
		req.err = codecError(err)
		return
	}
	if b&indexedFlag != 0 {
		d.decodeIndexedHeader(dbuf, h, req)
	} else {
		d.decodeLiteralHeader(dbuf, h, req)
	}
}

func (d *Decoder) decodeIndexedHeader(dbuf *buffer.DecodeBuffer, h requestHandle, req *decodeRequest) {
	index, err := dbuf.DecodeInteger(7)
	if err != nil {
		d.logger.Printf("qpack: decode error decoding index: %v", err)
		req.err = codecError(err)
		return
	}
	if index == 0 || !isValid(index) {
		d.logger.Printf("qpack: received invalid index: %d", index)
		req.err = ErrInvalidIndex
		return
	}

	if isStatic(index) {
		e := table.Static(index)
		d.emit(h, req, HeaderField{Name: e.Name, Value: e.Value})
		return
	}

	slot := dynamicSlot(index)
	if e, ok := d.table.Get(slot); ok {
		d.emit(h, req, HeaderField{Name: e.Name, Value: e.Value})
		return
	}
	d.resolveDynamic(h, slot, func(req *decodeRequest, e table.Entry) {
		d.emit(h, req, HeaderField{Name: e.Name, Value: e.Value})
	}, nil)
}

//nolint:gocyclo // one branch per instruction shape and name source
func (d *Decoder) decodeLiteralHeader(dbuf *buffer.DecodeBuffer, h requestHandle, req *decodeRequest) {
	b, _ := dbuf.Peek()
	indexing := b&insertFlag != 0
	sensitive := false

	var (
		prefix   uint8
		nameMask byte
		slot     uint32
	)
	if indexing {
		newIndex, err := dbuf.DecodeInteger(6)
		if err != nil {
			d.logger.Printf("qpack: decode error decoding insertion index: %v", err)
			req.err = codecError(err)
			return
		}
		if isStatic(newIndex) {
			d.logger.Printf("qpack: insertion into static index %d", newIndex)
			req.err = ErrInvalidIndex
			return
		}
		slot = dynamicSlot(newIndex)
		if dbuf.Empty() {
			d.logger.Printf("qpack: header block ends after insertion index")
			req.err = ErrBufferUnderflow
			return
		}
		b, _ = dbuf.Peek()
		prefix, nameMask = 8, 0xFF
	} else {
		if b&deleteFlag != 0 {
			d.decodeDelete(dbuf, req)
			return
		}
		sensitive = b&neverIndexFlag != 0
		prefix, nameMask = 4, 0x0F
	}

	var (
		name         string
		nameIndex    uint32
		nameSlot     uint32
		nameDeferred bool
	)
	if b&nameMask != 0 {
		var err error
		nameIndex, err = dbuf.DecodeInteger(prefix)
		if err != nil {
			d.logger.Printf("qpack: decode error decoding name index: %v", err)
			req.err = codecError(err)
			return
		}
		if nameIndex == 0 || !isValid(nameIndex) {
			d.logger.Printf("qpack: received invalid name index: %d", nameIndex)
			req.err = ErrInvalidIndex
			return
		}
		switch {
		case isStatic(nameIndex):
			name = table.Static(nameIndex).Name
		default:
			nameSlot = dynamicSlot(nameIndex)
			if e, ok := d.table.Get(nameSlot); ok {
				name = e.Name
			} else {
				nameDeferred = true
			}
		}
	} else {
		// skip the instruction byte
		_, _ = dbuf.Next()
		var err error
		name, err = dbuf.DecodeLiteral()
		if err != nil {
			d.logger.Printf("qpack: error decoding header name: %v", err)
			req.err = codecError(err)
			return
		}
	}

	value, err := dbuf.DecodeLiteral()
	if err != nil {
		if nameDeferred {
			d.logger.Printf("qpack: error decoding header value name=pending(%d): %v", nameIndex, err)
		} else {
			d.logger.Printf("qpack: error decoding header value name=%s: %v", name, err)
		}
		req.err = codecError(err)
		return
	}

	if !nameDeferred {
		d.emit(h, req, HeaderField{Name: name, Value: value, Sensitive: sensitive})
		if indexing {
			d.insert(slot, table.Entry{Name: name, Value: value})
		}
		return
	}

	valueLen := uint32(len(value))
	d.pendingBytes += valueLen
	d.resolveDynamic(h, nameSlot, func(req *decodeRequest, e table.Entry) {
		d.emit(h, req, HeaderField{Name: e.Name, Value: value, Sensitive: sensitive})
	}, func(e table.Entry, err error) {
		d.pendingBytes -= valueLen
		if indexing && err == nil {
			d.insert(slot, table.Entry{Name: e.Name, Value: value})
		}
	})
}

func (d *Decoder) decodeDelete(dbuf *buffer.DecodeBuffer, req *decodeRequest) {
	refcount, err := dbuf.DecodeInteger(5)
	if err != nil {
		d.logger.Printf("qpack: decode error decoding delete refcount: %v", err)
		req.err = codecError(err)
		return
	}
	if refcount == 0 {
		d.logger.Printf("qpack: invalid refcount decoding delete refcount=0")
		req.err = ErrInvalidIndex
		return
	}
	delIndex, err := dbuf.DecodeInteger(8)
	if err != nil {
		d.logger.Printf("qpack: decode error decoding delete index: %v", err)
		req.err = codecError(err)
		return
	}
	if delIndex == 0 || isStatic(delIndex) {
		d.logger.Printf("qpack: invalid index decoding delete delIndex=%d", delIndex)
		req.err = ErrInvalidIndex
		return
	}

	// The request does not wait for the deletion.
	req.pending--

	slot := dynamicSlot(delIndex)
	d.table.RemoveWhenUnreferenced(slot, refcount, d.config.LookupTimeout, func(err error) {
		d.mu.Lock()
		defer d.mu.Unlock()

		if d.closed || errors.Is(err, table.ErrClosed) {
			return
		}
		deletionsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		if err != nil {
			d.logger.Printf("qpack: deleting dynamic slot %d failed: %v", slot, err)
			d.conn.OnError(fmt.Errorf("qpack: delete slot %d: %w", slot, codecError(err)))
			return
		}
		if verboseLogging {
			d.logger.Printf("qpack: delete complete for slot %d", slot)
		}
		d.conn.Ack(slot)
	})
}

// resolveDynamic waits for the entry in slot on behalf of request h. onEntry
// runs only if the request is still active; settle, when set, runs after it
// for every outcome.
func (d *Decoder) resolveDynamic(h requestHandle, slot uint32, onEntry func(*decodeRequest, table.Entry), settle func(table.Entry, error)) {
	blockedLookupsTotal.Inc()
	start := time.Now()

	d.table.Lookup(slot, d.config.LookupTimeout, func(e table.Entry, err error) {
		d.mu.Lock()
		defer d.mu.Unlock()

		req := d.requests.get(h)
		if err == nil && req != nil {
			observeLookupWait(start)
			onEntry(req, e)
		}
		if settle != nil {
			settle(e, err)
		}

		switch {
		case err == nil:
		case errors.Is(err, table.ErrClosed):
			// the decoder is being closed
			if verboseLogging {
				d.logger.Printf("qpack: lookup of slot %d abandoned", slot)
			}
		case req == nil:
			// the request already finished
		default:
			d.logger.Printf("qpack: lookup of dynamic slot %d failed: %v", slot, err)
			req.err = codecError(err)
			d.checkComplete(h, req)
		}
	})
}

func (d *Decoder) emit(h requestHandle, req *decodeRequest, hf HeaderField) {
	req.cb.OnHeader(hf)
	decodeHeadersTotal.Inc()
	req.headers++
	req.size.Uncompressed += hf.Size()
	req.pending--
	d.checkComplete(h, req)
}

// checkComplete finishes req if it has emitted every field or failed.
func (d *Decoder) checkComplete(h requestHandle, req *decodeRequest) bool {
	switch {
	case req.pending == 0 && req.allSubmitted:
		req.cb.OnHeadersComplete(req.size)
	case req.err != nil:
		req.cb.OnDecodeError(req.err)
	default:
		return false
	}
	observeRequest(req)
	endSpan(req)
	d.requests.release(h)
	return true
}

// isStatic reports whether index falls in the static range. Index 0 counts
// as static so that it is rejected wherever static indices are.
func isStatic(index uint32) bool {
	return index <= table.StaticSize
}

// isValid reports whether index can be used at parse time. Dynamic indices
// are always accepted: their entry may simply not have been inserted yet.
func isValid(index uint32) bool {
	if !isStatic(index) {
		return true
	}
	return table.IsValidStatic(index)
}

// dynamicSlot translates a global dynamic index into a table slot.
func dynamicSlot(index uint32) uint32 {
	return index - table.StaticSize - 1
}
