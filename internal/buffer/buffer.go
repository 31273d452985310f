// Package buffer provides the bounded byte cursor used to decode header block
// instructions: prefixed integers and length-prefixed string literals.
package buffer

import (
	"errors"
	"math"

	"golang.org/x/net/http2/hpack"
)

// DefaultMaxUncompressed bounds the decoded length of a single literal.
const DefaultMaxUncompressed = 128 * 1024

var (
	ErrBufferUnderflow = errors.New("buffer: underflow")
	ErrIntegerOverflow = errors.New("buffer: integer overflow")
	ErrLiteralTooLarge = errors.New("buffer: literal too large")
	ErrHuffman         = errors.New("buffer: invalid huffman encoding")
)

// huffmanFlag marks a Huffman coded string literal.
const huffmanFlag = 0x80

// DecodeBuffer reads instructions from a header block. It never reads past
// the totalBytes it was created with.
type DecodeBuffer struct {
	data            []byte
	pos             int
	maxUncompressed uint32
}

// New creates a cursor over the first totalBytes of data. If data is shorter
// than totalBytes the cursor covers what is there and reports underflow when
// it runs out.
func New(data []byte, totalBytes uint32, maxUncompressed uint32) *DecodeBuffer {
	if uint64(len(data)) > uint64(totalBytes) {
		data = data[:totalBytes]
	}
	if maxUncompressed == 0 {
		maxUncompressed = DefaultMaxUncompressed
	}
	return &DecodeBuffer{data: data, maxUncompressed: maxUncompressed}
}

// Empty reports whether every byte has been consumed.
func (b *DecodeBuffer) Empty() bool {
	return b.pos >= len(b.data)
}

// Remaining returns the number of unread bytes.
func (b *DecodeBuffer) Remaining() int {
	return len(b.data) - b.pos
}

// ConsumedBytes returns the number of bytes read so far.
func (b *DecodeBuffer) ConsumedBytes() uint32 {
	return uint32(b.pos)
}

// Peek returns the next byte without consuming it.
func (b *DecodeBuffer) Peek() (byte, error) {
	if b.Empty() {
		return 0, ErrBufferUnderflow
	}
	return b.data[b.pos], nil
}

// Next consumes and returns the next byte.
func (b *DecodeBuffer) Next() (byte, error) {
	if b.Empty() {
		return 0, ErrBufferUnderflow
	}
	c := b.data[b.pos]
	b.pos++
	return c, nil
}

// DecodeInteger decodes an integer whose first byte carries prefix value
// bits (RFC 7541 Section 5.1). The high bits of the first byte are ignored.
func (b *DecodeBuffer) DecodeInteger(prefix uint8) (uint32, error) {
	if prefix < 1 || prefix > 8 {
		return 0, ErrIntegerOverflow
	}
	first, err := b.Next()
	if err != nil {
		return 0, err
	}

	mask := uint64(1)<<prefix - 1
	value := uint64(first) & mask
	if value < mask {
		return uint32(value), nil
	}

	var shift uint
	for {
		c, err := b.Next()
		if err != nil {
			return 0, err
		}
		if shift > 28 {
			return 0, ErrIntegerOverflow
		}
		value += uint64(c&0x7f) << shift
		if value > math.MaxUint32 {
			return 0, ErrIntegerOverflow
		}
		shift += 7
		if c&0x80 == 0 {
			return uint32(value), nil
		}
	}
}

// DecodeLiteral decodes a string literal (RFC 7541 Section 5.2), Huffman
// decoding it when the H bit is set.
func (b *DecodeBuffer) DecodeLiteral() (string, error) {
	first, err := b.Peek()
	if err != nil {
		return "", err
	}
	length, err := b.DecodeInteger(7)
	if err != nil {
		return "", err
	}
	if length > b.maxUncompressed {
		return "", ErrLiteralTooLarge
	}
	if uint64(length) > uint64(b.Remaining()) {
		return "", ErrBufferUnderflow
	}

	raw := b.data[b.pos : b.pos+int(length)]
	b.pos += int(length)
	if first&huffmanFlag == 0 {
		return string(raw), nil
	}

	s, err := hpack.HuffmanDecodeToString(raw)
	if err != nil {
		return "", ErrHuffman
	}
	if uint64(len(s)) > uint64(b.maxUncompressed) {
		return "", ErrLiteralTooLarge
	}
	return s, nil
}

// AppendInteger appends v encoded with a prefix-bit first byte whose high
// bits are taken from flags.
func AppendInteger(dst []byte, flags byte, prefix uint8, v uint32) []byte {
	mask := uint32(1)<<prefix - 1
	if v < mask {
		return append(dst, flags|byte(v))
	}
	dst = append(dst, flags|byte(mask))
	v -= mask
	for v >= 0x80 {
		dst = append(dst, byte(v&0x7f)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// AppendLiteral appends s as a string literal, Huffman coded when huffman is
// set and it makes the literal shorter.
func AppendLiteral(dst []byte, s string, huffman bool) []byte {
	if huffman {
		if n := hpack.HuffmanEncodeLength(s); n < uint64(len(s)) {
			dst = AppendInteger(dst, huffmanFlag, 7, uint32(n))
			return hpack.AppendHuffmanString(dst, s)
		}
	}
	dst = AppendInteger(dst, 0, 7, uint32(len(s)))
	return append(dst, s...)
}
