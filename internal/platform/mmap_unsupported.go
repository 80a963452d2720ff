//go:build !linux && !darwin

package platform

import (
	"errors"
	"io"
)

var errUnsupportedPlatform = errors.New("platform: mmap unsupported on this GOOS")

func MmapCodeSegment(r io.Reader, size int) ([]byte, error) {
	if size == 0 {
		panic("BUG: MmapCodeSegment with zero length")
	}
	return nil, errUnsupportedPlatform
}

func MunmapCodeSegment(code []byte) error {
	if len(code) == 0 {
		panic("BUG: MunmapCodeSegment with zero length")
	}
	return errUnsupportedPlatform
}

func RemapCodeSegmentWritable(code []byte) error { return errUnsupportedPlatform }

func FinishWritingCodeSegment(code []byte) error { return errUnsupportedPlatform }

const guardMmapAvailable = false

func mmapGuardRegion(size int) ([]byte, error) { return make([]byte, size), nil }

func mmapCommitPrefix(region []byte, committedBytes int) error { return nil }

func munmapRegion(region []byte) error { return nil }
