//go:build amd64

package compiler

import (
	"bytes"
	"encoding/binary"
	"unsafe"

	"github.com/shoalwasm/shoal/internal/platform"
	"github.com/shoalwasm/shoal/internal/regmach"
)

// nativecall transfers control to compiled code; see arch_amd64.s.
func nativecall(entry uintptr, ctx *nativeContext)

// Pinned registers for generated code: r15 = ctx, r14 = wasm stack base,
// r13 = memory base, r12 = current frame base. rax/rcx/rdx are scratch
// (rcx doubles as the shift/rotate count register, rdx as the divide
// high half).
type amd64Compiler struct {
	me       *moduleEngine
	rc       *regmach.Code
	localIdx int
	buf      []byte

	pcMap   []uint32
	patches []amd64Patch
	fused   uint32
}

type amd64Patch struct {
	off    uint32 // offset of the rel32 field to patch
	target uint32 // register-IR PC, or a trap/self pseudo target
}

func (c *amd64Compiler) emitBytes(bs ...byte) { c.buf = append(c.buf, bs...) }

func (c *amd64Compiler) emitU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	c.buf = append(c.buf, b[:]...)
}

func (c *amd64Compiler) emitU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	c.buf = append(c.buf, b[:]...)
}

func (c *amd64Compiler) off() uint32 { return uint32(len(c.buf)) }

// Scratch register encodings (low 3 bits; none need REX.B).
const (
	rAX = 0
	rCX = 1
	rDX = 2
)

// loadVReg emits mov rax-family, [r12 + v*8].
func (c *amd64Compiler) loadVReg(reg byte, v uint8) {
	// REX.W + B(r12): 49 8B modrm(10 reg 100) SIB(24) disp32
	c.emitBytes(0x49, 0x8B, 0x84|reg<<3, 0x24)
	c.emitU32(uint32(v) * 8)
}

func (c *amd64Compiler) storeVReg(v uint8, reg byte) {
	c.emitBytes(0x49, 0x89, 0x84|reg<<3, 0x24)
	c.emitU32(uint32(v) * 8)
}

// frameSlot addresses an arbitrary slot (for staging callee arguments).
func (c *amd64Compiler) storeFrameSlot(slot uint32, reg byte) {
	c.emitBytes(0x49, 0x89, 0x84|reg<<3, 0x24)
	c.emitU32(slot * 8)
}

func (c *amd64Compiler) loadFrameSlot(reg byte, slot uint32) {
	c.emitBytes(0x49, 0x8B, 0x84|reg<<3, 0x24)
	c.emitU32(slot * 8)
}

// ctx field access: mov reg, [r15+disp8] / mov [r15+disp8], reg.
func (c *amd64Compiler) loadCtx(reg byte, fieldOff byte) {
	c.emitBytes(0x49, 0x8B, 0x47|reg<<3, fieldOff)
}

func (c *amd64Compiler) storeCtx(fieldOff byte, reg byte) {
	c.emitBytes(0x49, 0x89, 0x47|reg<<3, fieldOff)
}

func (c *amd64Compiler) movImm64(reg byte, v uint64) {
	if v <= 0xffffffff {
		c.emitBytes(0xB8 | reg) // mov r32, imm32 (zero-extends)
		c.emitU32(uint32(v))
		return
	}
	c.emitBytes(0x48, 0xB8|reg)
	c.emitU64(v)
}

// jmpTo / jccTo emit rel32 branches patched in finalize.
func (c *amd64Compiler) jmpTo(target uint32) {
	c.emitBytes(0xE9)
	c.patches = append(c.patches, amd64Patch{off: c.off(), target: target})
	c.emitU32(0)
}

func (c *amd64Compiler) jccTo(cc byte, target uint32) {
	c.emitBytes(0x0F, cc)
	c.patches = append(c.patches, amd64Patch{off: c.off(), target: target})
	c.emitU32(0)
}

func (c *amd64Compiler) trapJcc(cc byte, code uint64) {
	c.jccTo(cc, trapPCBase+uint32(code))
}

// Condition-code bytes (jcc second opcode byte; setcc is jcc+0x10).
const (
	ccE  = 0x84
	ccNE = 0x85
	ccB  = 0x82
	ccAE = 0x83
	ccA  = 0x87
	ccBE = 0x86
	ccL  = 0x8C
	ccGE = 0x8D
	ccG  = 0x8F
	ccLE = 0x8E
	ccS  = 0x88
)

func invCC(cc byte) byte { return cc ^ 1 }

// fuelCheck decrements the fuel counter when metering is on.
func (c *amd64Compiler) fuelCheck() {
	c.loadCtx(rAX, ctxFuelOn)
	c.emitBytes(0x48, 0x85, 0xC0) // test rax, rax
	skip := c.offJccShortPlaceholder(ccE)
	c.loadCtx(rAX, ctxFuel)
	c.emitBytes(0x48, 0xFF, 0xC8) // dec rax
	c.storeCtx(ctxFuel, rAX)
	c.trapJcc(ccS, trapFuelExhausted) // sign set: fuel went negative
	c.patchJccShort(skip)
}

// offJccShortPlaceholder emits a short jcc with an 8-bit displacement to
// patch, used for tiny local skips.
func (c *amd64Compiler) offJccShortPlaceholder(cc byte) uint32 {
	c.emitBytes(cc - 0x10, 0) // 0x74 = je short, etc.
	return c.off() - 1
}

func (c *amd64Compiler) patchJccShort(at uint32) {
	c.buf[at] = byte(c.off() - (at + 1))
}

func compileNative(me *moduleEngine, localIdx int, rc *regmach.Code) (*nativeFunc, error) {
	c := &amd64Compiler{me: me, rc: rc, localIdx: localIdx, fused: ^uint32(0)}
	if err := c.emit(); err != nil {
		return nil, err
	}
	code, err := platform.MmapCodeSegment(bytes.NewReader(c.buf), len(c.buf))
	if err != nil {
		return nil, err
	}
	return &nativeFunc{
		code:       code,
		entry:      uintptr(unsafe.Pointer(&code[0])),
		pcMap:      c.pcMap,
		regCount:   rc.RegCount,
		paramRegs:  rc.ParamRegs,
		resultRegs: rc.ResultRegs,
	}, nil
}

func (c *amd64Compiler) emit() error {
	rc := c.rc

	// Prologue: frame slot allocation with the exhaustion check, then
	// fuel on entry. r12 is saved because callers rely on it.
	c.emitBytes(0x55)             // push rbp
	c.emitBytes(0x48, 0x89, 0xE5) // mov rbp, rsp
	c.emitBytes(0x41, 0x54)       // push r12
	c.loadCtx(rAX, ctxSP)
	c.emitBytes(0x48, 0x8D, 0x88) // lea rcx, [rax+disp32]
	c.emitU32(uint32(rc.RegCount))
	c.emitBytes(0x49, 0x3B, 0x4F, ctxStackLenSlots) // cmp rcx, [r15+8]
	c.trapJcc(ccA, trapStackExhausted)
	c.storeCtx(ctxSP, rCX)
	c.emitBytes(0x4D, 0x8B, 0x27)       // mov r12, [r15] (stackBase)
	c.emitBytes(0x4D, 0x8D, 0x24, 0xC4) // lea r12, [r12+rax*8]
	c.fuelCheck()

	for pc := 0; pc < len(rc.Instrs); pc++ {
		c.pcMap = append(c.pcMap, c.off())
		if err := c.instr(uint32(pc), rc.Instrs[pc]); err != nil {
			return err
		}
	}
	return c.finalize()
}

func (c *amd64Compiler) epilogue(resultReg uint8) {
	if resultReg != regmach.NoReg {
		c.loadVReg(rAX, resultReg)
		c.storeVReg(0, rAX)
	}
	c.loadCtx(rAX, ctxSP)
	c.emitBytes(0x48, 0x2D) // sub rax, imm32
	c.emitU32(uint32(c.rc.RegCount))
	c.storeCtx(ctxSP, rAX)
	c.emitBytes(0x41, 0x5C) // pop r12
	c.emitBytes(0x5D)       // pop rbp
	c.emitBytes(0xC3)       // ret
}

func (c *amd64Compiler) finalize() error {
	stubs := map[uint32]uint32{}
	for _, p := range c.patches {
		if p.target >= trapPCBase && p.target != selfEntryPC {
			code := p.target - trapPCBase
			if _, ok := stubs[code]; !ok {
				stubs[code] = c.off()
				if code != trapPropagate {
					c.movImm64(rAX, uint64(code))
					c.storeCtx(ctxTrap, rAX)
				}
				c.epilogue(regmach.NoReg)
			}
		}
	}
	for _, p := range c.patches {
		var targetOff uint32
		switch {
		case p.target == selfEntryPC:
			targetOff = 0
		case p.target >= trapPCBase:
			targetOff = stubs[p.target-trapPCBase]
		default:
			targetOff = c.pcMap[p.target]
		}
		rel := int32(targetOff) - int32(p.off+4)
		binary.LittleEndian.PutUint32(c.buf[p.off:], uint32(rel))
	}
	return nil
}

// The pseudo branch targets mirror the arm64 backend's convention; only
// one backend builds per GOARCH.
const (
	trapPCBase    = 1 << 30
	selfEntryPC   = 1<<30 - 1
	trapPropagate = 0xff
)
