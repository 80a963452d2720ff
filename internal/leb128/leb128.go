// Package leb128 implements the LEB128 variable-length integer encoding
// used throughout the WebAssembly binary format.
package leb128

import (
	"fmt"
	"io"
)

const (
	maxVarintLen32Wasm = 5
	maxVarintLen64Wasm = 10
)

// EncodeUint32 encodes v as an unsigned LEB128 byte sequence.
func EncodeUint32(v uint32) []byte {
	return EncodeUint64(uint64(v))
}

// EncodeUint64 encodes v as an unsigned LEB128 byte sequence.
func EncodeUint64(v uint64) []byte {
	out := make([]byte, 0, 10)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
		} else {
			out = append(out, b)
			return out
		}
	}
}

// EncodeInt32 encodes v as a signed LEB128 byte sequence.
func EncodeInt32(v int32) []byte {
	return EncodeInt64(int64(v))
}

// EncodeInt64 encodes v as a signed LEB128 byte sequence.
func EncodeInt64(v int64) []byte {
	out := make([]byte, 0, 10)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			out = append(out, b)
			return out
		}
		out = append(out, b|0x80)
	}
}

// LoadUint32 decodes an unsigned LEB128 value from buf, returning the
// decoded value and the number of bytes consumed.
func LoadUint32(buf []byte) (uint32, uint64, error) {
	v, n, err := loadUint(buf, 32)
	return uint32(v), n, err
}

// LoadUint64 decodes an unsigned LEB128 value from buf.
func LoadUint64(buf []byte) (uint64, uint64, error) {
	return loadUint(buf, 64)
}

// LoadInt32 decodes a signed LEB128 value from buf.
func LoadInt32(buf []byte) (int32, uint64, error) {
	v, n, err := loadInt(buf, 32)
	return int32(v), n, err
}

// LoadInt64 decodes a signed LEB128 value from buf.
func LoadInt64(buf []byte) (int64, uint64, error) {
	return loadInt(buf, 64)
}

func loadUint(buf []byte, bitSize int) (uint64, uint64, error) {
	maxLen := maxVarintLen32Wasm
	if bitSize == 64 {
		maxLen = maxVarintLen64Wasm
	}
	var result uint64
	var shift, i uint
	for {
		if int(i) == maxLen || int(i) >= len(buf) {
			return 0, 0, fmt.Errorf("overflows a %d-bit integer", bitSize)
		}
		b := buf[i]
		i++
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			if shift >= uint(bitSize) && b != 0 {
				return 0, 0, fmt.Errorf("overflows a %d-bit integer", bitSize)
			}
			break
		}
		shift += 7
	}
	if bitSize < 64 {
		result &= (uint64(1) << uint(bitSize)) - 1
	}
	return result, uint64(i), nil
}

func loadInt(buf []byte, bitSize int) (int64, uint64, error) {
	maxLen := maxVarintLen32Wasm
	if bitSize == 64 {
		maxLen = maxVarintLen64Wasm
	}
	var result int64
	var shift uint
	var i uint
	var b byte
	for {
		if int(i) == maxLen || int(i) >= len(buf) {
			return 0, 0, fmt.Errorf("overflows a %d-bit integer", bitSize)
		}
		b = buf[i]
		i++
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < uint(bitSize) && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, uint64(i), nil
}

// DecodeUint32 reads an unsigned LEB128 value from r.
func DecodeUint32(r io.ByteReader) (uint32, uint64, error) {
	v, n, err := decodeUint(r, 32)
	return uint32(v), n, err
}

// DecodeUint64 reads an unsigned LEB128 value from r.
func DecodeUint64(r io.ByteReader) (uint64, uint64, error) {
	return decodeUint(r, 64)
}

// DecodeInt32 reads a signed LEB128 value from r.
func DecodeInt32(r io.ByteReader) (int32, uint64, error) {
	v, n, err := decodeInt(r, 32)
	return int32(v), n, err
}

// DecodeInt64 reads a signed LEB128 value from r.
func DecodeInt64(r io.ByteReader) (int64, uint64, error) {
	return decodeInt(r, 64)
}

// DecodeInt33AsInt64 reads the 33-bit signed LEB128 used for block-type
// signatures (which distinguish a numeric typeidx from the empty/value-type
// forms by sign) and sign-extends it to int64.
func DecodeInt33AsInt64(r io.ByteReader) (int64, uint64, error) {
	return decodeInt(r, 33)
}

func decodeUint(r io.ByteReader, bitSize int) (uint64, uint64, error) {
	maxLen := maxVarintLen32Wasm
	if bitSize == 64 {
		maxLen = maxVarintLen64Wasm
	}
	var result uint64
	var shift uint
	var i uint64
	for {
		if int(i) == maxLen {
			return 0, 0, fmt.Errorf("overflows a %d-bit integer", bitSize)
		}
		b, err := r.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		i++
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	if bitSize < 64 {
		result &= (uint64(1) << uint(bitSize)) - 1
	}
	return result, i, nil
}

func decodeInt(r io.ByteReader, bitSize int) (int64, uint64, error) {
	maxLen := maxVarintLen32Wasm
	if bitSize > 32 {
		maxLen = maxVarintLen64Wasm
	}
	var result int64
	var shift uint
	var i uint64
	var b byte
	for {
		if int(i) == maxLen {
			return 0, 0, fmt.Errorf("overflows a %d-bit integer", bitSize)
		}
		var err error
		b, err = r.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		i++
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < uint(bitSize) && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, i, nil
}
