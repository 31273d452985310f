package qpack

import (
	"time"

	"go.opentelemetry.io/otel/trace"
)

// requestHandle identifies a decode request. A handle whose generation no
// longer matches its arena slot refers to a request that has finished.
type requestHandle struct {
	idx uint32
	gen uint32
}

// decodeRequest is the state of one Decode call.
type decodeRequest struct {
	gen    uint32
	active bool

	cb StreamingCallback
	// pending counts fields submitted but not yet emitted.
	pending      int
	allSubmitted bool
	size         DecodedSize
	consumed     uint32
	headers      int
	err          error

	span  trace.Span
	start time.Time
}

// requestArena stores decode requests by generation-checked handle.
type requestArena struct {
	slots  []*decodeRequest
	free   []uint32
	active int
}

func (a *requestArena) alloc(cb StreamingCallback) (requestHandle, *decodeRequest) {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, &decodeRequest{})
	}

	req := a.slots[idx]
	gen := req.gen
	*req = decodeRequest{gen: gen, active: true, cb: cb}
	a.active++
	return requestHandle{idx: idx, gen: gen}, req
}

// get returns the request for h, or nil if it has already finished.
func (a *requestArena) get(h requestHandle) *decodeRequest {
	if int(h.idx) >= len(a.slots) {
		return nil
	}
	req := a.slots[h.idx]
	if !req.active || req.gen != h.gen {
		return nil
	}
	return req
}

func (a *requestArena) release(h requestHandle) {
	req := a.get(h)
	if req == nil {
		return
	}
	gen := req.gen + 1
	*req = decodeRequest{gen: gen}
	a.free = append(a.free, h.idx)
	a.active--
}

// handles returns the handles of all active requests.
func (a *requestArena) handles() []requestHandle {
	out := make([]requestHandle, 0, a.active)
	for i, req := range a.slots {
		if req.active {
			out = append(out, requestHandle{idx: uint32(i), gen: req.gen})
		}
	}
	return out
}
