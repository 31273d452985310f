package qpack

import (
	"errors"

	"github.com/FumingPower3925/qpackd/internal/buffer"
	"github.com/FumingPower3925/qpackd/internal/table"
)

// DecodeError is the kind of failure reported to OnDecodeError.
type DecodeError uint8

// Decode error kinds
const (
	ErrBufferUnderflow DecodeError = iota + 1
	ErrIntegerOverflow
	ErrLiteralTooLarge
	ErrHuffman
	ErrInvalidIndex
	ErrTimeout
	ErrCancelled
)

func (e DecodeError) Error() string {
	switch e {
	case ErrBufferUnderflow:
		return "qpack: buffer underflow"
	case ErrIntegerOverflow:
		return "qpack: integer overflow"
	case ErrLiteralTooLarge:
		return "qpack: literal too large"
	case ErrHuffman:
		return "qpack: invalid huffman encoding"
	case ErrInvalidIndex:
		return "qpack: invalid index"
	case ErrTimeout:
		return "qpack: timed out waiting for table"
	case ErrCancelled:
		return "qpack: decoder closed"
	default:
		return "qpack: unknown error"
	}
}

// codecError translates cursor and table errors into decode error kinds.
func codecError(err error) DecodeError {
	var kind DecodeError
	switch {
	case errors.As(err, &kind):
		return kind
	case errors.Is(err, buffer.ErrBufferUnderflow):
		return ErrBufferUnderflow
	case errors.Is(err, buffer.ErrIntegerOverflow):
		return ErrIntegerOverflow
	case errors.Is(err, buffer.ErrLiteralTooLarge):
		return ErrLiteralTooLarge
	case errors.Is(err, buffer.ErrHuffman):
		return ErrHuffman
	case errors.Is(err, table.ErrTimeout):
		return ErrTimeout
	case errors.Is(err, table.ErrClosed):
		return ErrCancelled
	default:
		return ErrInvalidIndex
	}
}
