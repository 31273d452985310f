package qpack

import "github.com/FumingPower3925/qpackd/internal/table"

// HeaderField is a decoded name/value pair.
type HeaderField struct {
	Name  string
	Value string
	// Sensitive is set for literals the encoder marked never-indexed.
	Sensitive bool
}

// Size returns the accounted size of the field.
func (hf HeaderField) Size() uint32 {
	return uint32(len(hf.Name)+len(hf.Value)) + table.EntryOverhead
}

func (hf HeaderField) String() string {
	return hf.Name + ": " + hf.Value
}

// DecodedSize reports the sizes of a completed header block.
type DecodedSize struct {
	Compressed   uint32 // Bytes of the header block
	Uncompressed uint32 // Sum of the accounted sizes of the emitted fields
}

// StreamingCallback receives the outcome of one Decode call: zero or more
// OnHeader calls followed by exactly one of OnHeadersComplete or
// OnDecodeError.
//
// Callbacks run while the decoder's lock is held, either on the goroutine
// calling Decode or on the header table's dispatcher goroutine. They must not
// call back into the same Decoder.
type StreamingCallback interface {
	OnHeader(hf HeaderField)
	OnHeadersComplete(size DecodedSize)
	OnDecodeError(err error)
}

// ConnectionCallback receives table-wide events that do not belong to any
// single header block. The same locking rules as StreamingCallback apply.
type ConnectionCallback interface {
	// Ack reports that the entry in slot was removed and the slot may be
	// reused by the encoder.
	Ack(slot uint32)
	// OnError reports a failed deletion or insertion. The table is out of
	// sync with the encoder and the connection should be torn down.
	OnError(err error)
}

// StreamingCallbackFuncs adapts functions to StreamingCallback. Nil fields
// are skipped.
type StreamingCallbackFuncs struct {
	Header   func(hf HeaderField)
	Complete func(size DecodedSize)
	Error    func(err error)
}

// OnHeader calls f.Header
func (f StreamingCallbackFuncs) OnHeader(hf HeaderField) {
	if f.Header != nil {
		f.Header(hf)
	}
}

// OnHeadersComplete calls f.Complete
func (f StreamingCallbackFuncs) OnHeadersComplete(size DecodedSize) {
	if f.Complete != nil {
		f.Complete(size)
	}
}

// OnDecodeError calls f.Error
func (f StreamingCallbackFuncs) OnDecodeError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// ConnectionCallbackFuncs adapts functions to ConnectionCallback. Nil fields
// are skipped.
type ConnectionCallbackFuncs struct {
	AckFunc   func(slot uint32)
	ErrorFunc func(err error)
}

// Ack calls f.AckFunc
func (f ConnectionCallbackFuncs) Ack(slot uint32) {
	if f.AckFunc != nil {
		f.AckFunc(slot)
	}
}

// OnError calls f.ErrorFunc
func (f ConnectionCallbackFuncs) OnError(err error) {
	if f.ErrorFunc != nil {
		f.ErrorFunc(err)
	}
}
