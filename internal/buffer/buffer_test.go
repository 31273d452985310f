package buffer

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeInteger(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		prefix uint8
		want   uint32
	}{
		{"1-byte, 5-bit prefix", []byte{0x0A}, 5, 10},
		{"1-byte, max value", []byte{0x1E}, 5, 30},
		{"2-byte", []byte{0x1F, 0x00}, 5, 31},
		{"2-byte with value", []byte{0x1F, 0x09}, 5, 40},
		{"3-byte", []byte{0x1F, 0x80, 0x01}, 5, 159},
		{"rfc 7541 c.1.2", []byte{0x1F, 0x9A, 0x0A}, 5, 1337},
		{"6-bit prefix", []byte{0x3F, 0x00}, 6, 63},
		{"7-bit prefix ignores flag", []byte{0x85}, 7, 5},
		{"8-bit prefix", []byte{0xFF, 0x00}, 8, 255},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.data, uint32(len(tt.data)), 0)
			got, err := b.DecodeInteger(tt.prefix)
			if err != nil {
				t.Fatalf("DecodeInteger() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DecodeInteger() = %d, want %d", got, tt.want)
			}
			if !b.Empty() {
				t.Errorf("expected buffer to be consumed, %d bytes left", b.Remaining())
			}
		})
	}
}

func TestDecodeIntegerErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrBufferUnderflow},
		{"truncated continuation", []byte{0x1F, 0x80}, ErrBufferUnderflow},
		{"overflow", []byte{0x1F, 0xFF, 0xFF, 0xFF, 0xFF, 0x7F}, ErrIntegerOverflow},
		{"too many bytes", []byte{0x1F, 0x80, 0x80, 0x80, 0x80, 0x80, 0x01}, ErrIntegerOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.data, uint32(len(tt.data)), 0)
			if _, err := b.DecodeInteger(5); !errors.Is(err, tt.want) {
				t.Errorf("DecodeInteger() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestIntegerRoundTrip(t *testing.T) {
	for _, prefix := range []uint8{4, 5, 6, 7, 8} {
		for _, v := range []uint32{0, 1, 14, 15, 16, 62, 63, 127, 128, 255, 256, 1337, 1 << 20, 1<<32 - 1} {
			data := AppendInteger(nil, 0, prefix, v)
			got, err := New(data, uint32(len(data)), 0).DecodeInteger(prefix)
			if err != nil {
				t.Fatalf("prefix %d value %d: %v", prefix, v, err)
			}
			if got != v {
				t.Errorf("prefix %d: got %d, want %d", prefix, got, v)
			}
		}
	}
}

func TestDecodeLiteral(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"empty string", []byte{0x00}, ""},
		{"simple string", []byte{0x05, 'h', 'e', 'l', 'l', 'o'}, "hello"},
		{"with special chars", []byte{0x0B, '/', 'i', 'n', 'd', 'e', 'x', '.', 'h', 't', 'm', 'l'}, "/index.html"},
		// RFC 7541 C.4.1: "www.example.com"
		{"huffman", []byte{0x8C, 0xF1, 0xE3, 0xC2, 0xE5, 0xF2, 0x3A, 0x6B, 0xA0, 0xAB, 0x90, 0xF4, 0xFF}, "www.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.data, uint32(len(tt.data)), 0)
			got, err := b.DecodeLiteral()
			if err != nil {
				t.Fatalf("DecodeLiteral() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DecodeLiteral() = %q, want %q", got, tt.want)
			}
			if b.ConsumedBytes() != uint32(len(tt.data)) {
				t.Errorf("ConsumedBytes() = %d, want %d", b.ConsumedBytes(), len(tt.data))
			}
		})
	}
}

func TestDecodeLiteralErrors(t *testing.T) {
	long := AppendLiteral(nil, strings.Repeat("a", 64), false)

	tests := []struct {
		name  string
		data  []byte
		total uint32
		max   uint32
		want  error
	}{
		{"short payload", []byte{0x05, 'h', 'i'}, 3, 0, ErrBufferUnderflow},
		{"total bytes truncates", []byte{0x02, 'h', 'i'}, 2, 0, ErrBufferUnderflow},
		{"too large", long, uint32(len(long)), 16, ErrLiteralTooLarge},
		{"bad huffman padding", []byte{0x81, 0x00}, 2, 0, ErrHuffman},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.data, tt.total, tt.max)
			if _, err := b.DecodeLiteral(); !errors.Is(err, tt.want) {
				t.Errorf("DecodeLiteral() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLiteralRoundTrip(t *testing.T) {
	for _, s := range []string{"", "x", "custom-key", "text/html; charset=utf-8", strings.Repeat("z", 300)} {
		for _, huffman := range []bool{false, true} {
			data := AppendLiteral(nil, s, huffman)
			got, err := New(data, uint32(len(data)), 0).DecodeLiteral()
			if err != nil {
				t.Fatalf("%q (huffman=%v): %v", s, huffman, err)
			}
			if got != s {
				t.Errorf("got %q, want %q", got, s)
			}
		}
	}
}

func TestPeekNext(t *testing.T) {
	b := New([]byte{0x40, 0x01}, 2, 0)
	if c, err := b.Peek(); err != nil || c != 0x40 {
		t.Fatalf("Peek() = %#x, %v", c, err)
	}
	if c, _ := b.Next(); c != 0x40 {
		t.Errorf("Next() = %#x, want 0x40", c)
	}
	if c, _ := b.Next(); c != 0x01 {
		t.Errorf("Next() = %#x, want 0x01", c)
	}
	if _, err := b.Peek(); !errors.Is(err, ErrBufferUnderflow) {
		t.Errorf("Peek() on empty buffer error = %v", err)
	}
}
