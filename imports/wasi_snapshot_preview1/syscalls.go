package wasi_snapshot_preview1

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/shoalwasm/shoal/api"
	"github.com/shoalwasm/shoal/sys"
)

// writeOffsetsAndNullTerminatedValues lays out a string list the way
// args_get and environ_get expect: a table of uint32le offsets at offsets,
// and the null-terminated strings packed at buf.
func writeOffsetsAndNullTerminatedValues(mem api.Memory, values []string, offsets, buf uint32) uint32 {
	for _, v := range values {
		if !mem.WriteUint32Le(offsets, buf) {
			return ErrnoFault
		}
		offsets += 4
		if !mem.Write(buf, append([]byte(v), 0)) {
			return ErrnoFault
		}
		buf += uint32(len(v)) + 1
	}
	return ErrnoSuccess
}

func sizesOf(values []string) (count, bufLen uint32) {
	count = uint32(len(values))
	for _, v := range values {
		bufLen += uint32(len(v)) + 1
	}
	return
}

func argsGet(s *SysContext, mod api.Module, params []uint64) uint32 {
	return writeOffsetsAndNullTerminatedValues(mod.Memory(), s.Args, uint32(params[0]), uint32(params[1]))
}

func argsSizesGet(s *SysContext, mod api.Module, params []uint64) uint32 {
	count, bufLen := sizesOf(s.Args)
	mem := mod.Memory()
	if !mem.WriteUint32Le(uint32(params[0]), count) || !mem.WriteUint32Le(uint32(params[1]), bufLen) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func environGet(s *SysContext, mod api.Module, params []uint64) uint32 {
	s.require(CapEnviron, "environ_get")
	return writeOffsetsAndNullTerminatedValues(mod.Memory(), s.Environ, uint32(params[0]), uint32(params[1]))
}

func environSizesGet(s *SysContext, mod api.Module, params []uint64) uint32 {
	// Sizing is allowed without the capability so that libc startup in a
	// sandboxed module sees "no environment" instead of failing; reading
	// the actual values is what the gate protects.
	if s.Caps&CapEnviron == 0 {
		mem := mod.Memory()
		if !mem.WriteUint32Le(uint32(params[0]), 0) || !mem.WriteUint32Le(uint32(params[1]), 0) {
			return ErrnoFault
		}
		return ErrnoSuccess
	}
	count, bufLen := sizesOf(s.Environ)
	mem := mod.Memory()
	if !mem.WriteUint32Le(uint32(params[0]), count) || !mem.WriteUint32Le(uint32(params[1]), bufLen) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func clockTimeGet(s *SysContext, mod api.Module, params []uint64) uint32 {
	s.require(CapClock, "clock_time_get")
	// params: clock id, precision (ignored), result offset.
	if !mod.Memory().WriteUint64Le(uint32(params[2]), uint64(s.Walltime())) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func randomGet(s *SysContext, mod api.Module, params []uint64) uint32 {
	s.require(CapRandom, "random_get")
	buf, bufLen := uint32(params[0]), uint32(params[1])
	b, ok := mod.Memory().Read(buf, bufLen)
	if !ok {
		return ErrnoFault
	}
	if s.RandSource == nil {
		return ErrnoNosys
	}
	if err := s.RandSource(b); err != nil {
		return ErrnoIo
	}
	return ErrnoSuccess
}

// iovec walks an iovec array, invoking f per buffer until it reports done.
func iovec(mem api.Memory, iovs, iovsCount uint32, f func(b []byte) (int, bool)) (nTotal uint32, errno uint32) {
	for i := uint32(0); i < iovsCount; i++ {
		off, ok := mem.ReadUint32Le(iovs + i*8)
		if !ok {
			return 0, ErrnoFault
		}
		l, ok := mem.ReadUint32Le(iovs + i*8 + 4)
		if !ok {
			return 0, ErrnoFault
		}
		b, ok := mem.Read(off, l)
		if !ok {
			return 0, ErrnoFault
		}
		n, done := f(b)
		nTotal += uint32(n)
		if done {
			break
		}
	}
	return nTotal, ErrnoSuccess
}

func (s *SysContext) writerFor(fd uint32) (io.Writer, uint32) {
	switch fd {
	case 1:
		s.require(CapStdio, "fd_write")
		if s.Stdout == nil {
			return io.Discard, ErrnoSuccess
		}
		return s.Stdout, ErrnoSuccess
	case 2:
		s.require(CapStdio, "fd_write")
		if s.Stderr == nil {
			return io.Discard, ErrnoSuccess
		}
		return s.Stderr, ErrnoSuccess
	}
	s.require(CapFSWrite, "fd_write")
	if f, ok := s.openFiles[fd]; ok && f.writer != nil {
		return f.writer, ErrnoSuccess
	}
	return nil, ErrnoBadf
}

func fdWrite(s *SysContext, mod api.Module, params []uint64) uint32 {
	fd, iovs, iovsCount, resultN := uint32(params[0]), uint32(params[1]), uint32(params[2]), uint32(params[3])
	w, errno := s.writerFor(fd)
	if errno != ErrnoSuccess {
		return errno
	}
	var failed bool
	n, errno := iovec(mod.Memory(), iovs, iovsCount, func(b []byte) (int, bool) {
		n, err := w.Write(b)
		failed = err != nil
		return n, failed
	})
	if errno != ErrnoSuccess {
		return errno
	}
	if failed {
		return ErrnoIo
	}
	if !mod.Memory().WriteUint32Le(resultN, n) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func (s *SysContext) readerFor(fd uint32) (io.Reader, uint32) {
	if fd == 0 {
		s.require(CapStdio, "fd_read")
		if s.Stdin == nil {
			return nil, ErrnoBadf
		}
		return s.Stdin, ErrnoSuccess
	}
	s.require(CapFSRead, "fd_read")
	if f, ok := s.openFiles[fd]; ok && f.reader != nil {
		return f.reader, ErrnoSuccess
	}
	return nil, ErrnoBadf
}

func fdRead(s *SysContext, mod api.Module, params []uint64) uint32 {
	fd, iovs, iovsCount, resultN := uint32(params[0]), uint32(params[1]), uint32(params[2]), uint32(params[3])
	r, errno := s.readerFor(fd)
	if errno != ErrnoSuccess {
		return errno
	}
	var eof bool
	n, errno := iovec(mod.Memory(), iovs, iovsCount, func(b []byte) (int, bool) {
		n, err := r.Read(b)
		eof = err != nil
		return n, eof || n < len(b)
	})
	if errno != ErrnoSuccess {
		return errno
	}
	if !mod.Memory().WriteUint32Le(resultN, n) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func fdClose(s *SysContext, mod api.Module, params []uint64) uint32 {
	fd := uint32(params[0])
	if f, ok := s.openFiles[fd]; ok {
		if f.closer != nil {
			_ = f.closer.Close()
		}
		delete(s.openFiles, fd)
		return ErrnoSuccess
	}
	if fd <= 2 {
		return ErrnoSuccess
	}
	return ErrnoBadf
}

func fdSeek(s *SysContext, mod api.Module, params []uint64) uint32 {
	fd := uint32(params[0])
	f, ok := s.openFiles[fd]
	if !ok {
		return ErrnoBadf
	}
	seeker, ok := f.reader.(io.Seeker)
	if !ok {
		return ErrnoNotsup
	}
	pos, err := seeker.Seek(int64(params[1]), int(uint32(params[2])))
	if err != nil {
		return ErrnoInval
	}
	if !mod.Memory().WriteUint64Le(uint32(params[3]), uint64(pos)) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

// fdFdstatGet reports a minimal fdstat: character device for stdio,
// directory for preopens, regular file otherwise.
func fdFdstatGet(s *SysContext, mod api.Module, params []uint64) uint32 {
	fd, result := uint32(params[0]), uint32(params[1])
	var filetype byte
	switch {
	case fd <= 2:
		filetype = 2 // character_device
	case int(fd-preopenFdBase) < len(s.Preopens):
		filetype = 3 // directory
	default:
		if _, ok := s.openFiles[fd]; !ok {
			return ErrnoBadf
		}
		filetype = 4 // regular_file
	}
	mem := mod.Memory()
	buf := make([]byte, 24)
	buf[0] = filetype
	if !mem.Write(result, buf) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func (s *SysContext) preopenAt(fd uint32) *Preopen {
	i := int(fd) - preopenFdBase
	if i < 0 || i >= len(s.Preopens) {
		return nil
	}
	return &s.Preopens[i]
}

func fdPrestatGet(s *SysContext, mod api.Module, params []uint64) uint32 {
	p := s.preopenAt(uint32(params[0]))
	if p == nil {
		return ErrnoBadf
	}
	mem := mod.Memory()
	result := uint32(params[1])
	// prestat: tag 0 (dir) + name length.
	if !mem.WriteUint32Le(result, 0) || !mem.WriteUint32Le(result+4, uint32(len(p.GuestPath))) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func fdPrestatDirName(s *SysContext, mod api.Module, params []uint64) uint32 {
	p := s.preopenAt(uint32(params[0]))
	if p == nil {
		return ErrnoBadf
	}
	path, pathLen := uint32(params[1]), uint32(params[2])
	if int(pathLen) < len(p.GuestPath) {
		return ErrnoInval
	}
	if !mod.Memory().Write(path, []byte(p.GuestPath)) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func pathOpen(s *SysContext, mod api.Module, params []uint64) uint32 {
	s.require(CapPath, "path_open")
	dirFd := uint32(params[0])
	p := s.preopenAt(dirFd)
	if p == nil {
		return ErrnoBadf
	}
	pathOff, pathLen := uint32(params[2]), uint32(params[3])
	raw, ok := mod.Memory().Read(pathOff, pathLen)
	if !ok {
		return ErrnoFault
	}
	rights := params[5]
	const rightFdWrite = 1 << 6
	hostPath := filepath.Join(p.HostPath, filepath.Clean("/"+string(raw)))

	var of *openFile
	if rights&rightFdWrite != 0 {
		s.require(CapFSWrite, "path_open")
		f, err := os.Create(hostPath)
		if err != nil {
			return ErrnoNoent
		}
		of = &openFile{name: hostPath, writer: f, closer: f}
	} else {
		s.require(CapFSRead, "path_open")
		f, err := os.Open(hostPath)
		if err != nil {
			return ErrnoNoent
		}
		of = &openFile{name: hostPath, reader: f, closer: f}
	}
	fd := s.nextFd + uint32(len(s.Preopens))
	s.nextFd++
	s.openFiles[fd] = of
	if !mod.Memory().WriteUint32Le(uint32(params[8]), fd) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

// pollOneoff reports every subscription as ready at once: it writes
// nsubscriptions as the event count and returns. It does not sleep, does
// not inspect the subscriptions and writes no event records.
func pollOneoff(s *SysContext, mod api.Module, params []uint64) uint32 {
	s.require(CapClock, "poll_oneoff")
	nsubscriptions := uint32(params[2])
	if nsubscriptions == 0 {
		return ErrnoInval
	}
	// Minimal: report every subscription immediately ready.
	if !mod.Memory().WriteUint32Le(uint32(params[3]), nsubscriptions) {
		return ErrnoFault
	}
	return ErrnoSuccess
}

func schedYield(s *SysContext, mod api.Module, params []uint64) uint32 {
	return ErrnoSuccess
}

// procExit records the exit code and unwinds the whole invocation with a
// sys.ExitError; this is the one WASI function that does not return.
func procExit(ctx context.Context, mod api.Module, stack []uint64) {
	s := sysOf(mod)
	s.require(CapProc, "proc_exit")
	code := uint32(stack[0])
	s.exitCode = code
	s.exited = true
	panic(sys.NewExitError(code))
}
