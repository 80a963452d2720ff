//go:build arm64

package compiler

import (
	"bytes"
	"encoding/binary"
	"unsafe"

	"github.com/shoalwasm/shoal/internal/platform"
	"github.com/shoalwasm/shoal/internal/regmach"
)

// nativecall transfers control to compiled code: it saves the Go stack
// pointer, switches to the context's dedicated machine stack, loads the
// pinned context registers and branches to entry. Implemented in
// arch_arm64.s.
func nativecall(entry uintptr, ctx *nativeContext)

// Pinned registers for generated code. x25/x26/x27 are invariant across
// the whole native call tree; x24 is each frame's base address and is
// saved/restored around calls.
const (
	regFrame     = 24 // x24: current frame base (byte address)
	regStackBase = 25 // x25: wasm stack base
	regCtx       = 26 // x26: *nativeContext
	regMemBase   = 27 // x27: linear memory base

	scratch0 = 8
	scratch1 = 9
	scratch2 = 10
	scratch3 = 11

	regZR = 31
)

type arm64Compiler struct {
	me       *moduleEngine
	rc       *regmach.Code
	localIdx int
	buf      []byte

	pcMap   []uint32
	patches []arm64Patch

	// fused marks the PC of a conditional branch already emitted by the
	// CMP+B.cond peephole on the preceding comparison.
	fused uint32
}

type arm64Patch struct {
	off    uint32 // byte offset of the instruction to patch
	target uint32 // register-IR PC
	kind   byte   // 'b' = B imm26, 'c' = B.cond/CBZ/CBNZ imm19
}

func (c *arm64Compiler) word(w uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], w)
	c.buf = append(c.buf, b[:]...)
}

func (c *arm64Compiler) off() uint32 { return uint32(len(c.buf)) }

// loadReg materializes virtual register v into machine register rd.
func (c *arm64Compiler) loadReg(rd uint8, v uint8) {
	c.word(0xF9400000 | uint32(v)<<10 | uint32(regFrame)<<5 | uint32(rd)) // ldr rd, [x24, #v*8]
}

func (c *arm64Compiler) storeReg(v uint8, rs uint8) {
	c.word(0xF9000000 | uint32(v)<<10 | uint32(regFrame)<<5 | uint32(rs)) // str rs, [x24, #v*8]
}

func (c *arm64Compiler) ldrCtx(rd uint8, fieldOff uint32) {
	c.word(0xF9400000 | (fieldOff/8)<<10 | uint32(regCtx)<<5 | uint32(rd))
}

func (c *arm64Compiler) strCtx(rs uint8, fieldOff uint32) {
	c.word(0xF9000000 | (fieldOff/8)<<10 | uint32(regCtx)<<5 | uint32(rs))
}

// movImm64 materializes an arbitrary 64-bit constant with movz/movk.
func (c *arm64Compiler) movImm64(rd uint8, v uint64) {
	c.word(0xD2800000 | uint32(v&0xffff)<<5 | uint32(rd)) // movz
	for hw := uint32(1); hw < 4; hw++ {
		part := uint32((v >> (16 * hw)) & 0xffff)
		if part != 0 {
			c.word(0xF2800000 | hw<<21 | part<<5 | uint32(rd)) // movk
		}
	}
}

func (c *arm64Compiler) addImm(rd, rn uint8, imm uint32) {
	if imm < 1<<12 {
		c.word(0x91000000 | imm<<10 | uint32(rn)<<5 | uint32(rd))
	} else {
		c.movImm64(scratch3, uint64(imm))
		c.word(0x8B000000 | uint32(scratch3)<<16 | uint32(rn)<<5 | uint32(rd))
	}
}

func (c *arm64Compiler) subImm(rd, rn uint8, imm uint32) {
	c.word(0xD1000000 | imm<<10 | uint32(rn)<<5 | uint32(rd))
}

// br emits an unconditional branch to an IR PC, patched later.
func (c *arm64Compiler) brTo(target uint32) {
	c.patches = append(c.patches, arm64Patch{off: c.off(), target: target, kind: 'b'})
	c.word(0x14000000)
}

// condTo emits a resolved-later conditional branch word (B.cond/CBZ/CBNZ
// with the imm19 field patched).
func (c *arm64Compiler) condTo(word uint32, target uint32) {
	c.patches = append(c.patches, arm64Patch{off: c.off(), target: target, kind: 'c'})
	c.word(word)
}

// trap emits a jump to the shared stub writing code into ctx.trap and
// unwinding through the abnormal epilogue.
func (c *arm64Compiler) trapIf(condWord uint32, trapCode uint64) {
	// The stubs live at the end; record a conditional branch to a
	// per-trap-code island resolved in finalize.
	c.patches = append(c.patches, arm64Patch{off: c.off(), target: trapPCBase + uint32(trapCode), kind: 'c'})
	c.word(condWord)
}

// trapPCBase offsets trap-stub pseudo-targets above any real IR PC.
const trapPCBase = 1 << 30

// fuelCheck burns one fuel unit when metering is on; emitted on entry and
// at every loop back-edge.
func (c *arm64Compiler) fuelCheck() {
	c.ldrCtx(scratch2, ctxFuelOn)
	skip := c.off()
	c.word(0xB4000000 | uint32(scratch2)) // cbz x10, +patched below
	c.ldrCtx(scratch2, ctxFuel)
	c.word(0xF1000400 | uint32(scratch2)<<5 | uint32(scratch2)) // subs x10, x10, #1
	c.strCtx(scratch2, ctxFuel)
	c.trapIf(0x54000000|condLT, trapFuelExhausted) // b.lt -> fuel stub
	// Patch the cbz to land here.
	delta := (c.off() - skip) / 4
	w := binary.LittleEndian.Uint32(c.buf[skip:])
	binary.LittleEndian.PutUint32(c.buf[skip:], w|delta<<5)
}

// Condition codes.
const (
	condEQ = 0x0
	condNE = 0x1
	condHS = 0x2
	condLO = 0x3
	condMI = 0x4
	condHI = 0x8
	condLS = 0x9
	condGE = 0xA
	condLT = 0xB
	condGT = 0xC
	condLE = 0xD
)

func inv(cond uint32) uint32 { return cond ^ 1 }

// cset rd, cond (64-bit).
func (c *arm64Compiler) cset(rd uint8, cond uint32) {
	c.word(0x9A9F07E0 | inv(cond)<<12 | uint32(rd))
}

// compileNative lowers one register-IR function to A64 machine code.
func compileNative(me *moduleEngine, localIdx int, rc *regmach.Code) (*nativeFunc, error) {
	c := &arm64Compiler{me: me, rc: rc, localIdx: localIdx, fused: ^uint32(0)}
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

func (c *arm64Compiler) emit() error {
	rc := c.rc

	// Prologue: machine frame, x24 save, wasm-frame allocation with the
	// stack-exhaustion check, fuel on entry.
	c.word(0xA9BF7BFD) // stp x29, x30, [sp, #-16]!
	c.word(0x910003FD) // mov x29, sp
	c.word(0xF81F0FF8) // str x24, [sp, #-16]!
	c.ldrCtx(scratch0, ctxSP)              // x8 = sp slots
	c.addImm(scratch1, scratch0, uint32(rc.RegCount))
	c.ldrCtx(scratch2, ctxStackLenSlots)
	c.word(0xEB00001F | uint32(scratch2)<<16 | uint32(scratch1)<<5) // cmp x9, x10
	c.trapIf(0x54000000|condHI, trapStackExhausted)
	c.strCtx(scratch1, ctxSP)
	c.ldrCtx(scratch2, ctxStackBase)
	// x24 = stackBase + sp*8
	c.word(0x8B000C00 | uint32(scratch0)<<16 | uint32(scratch2)<<5 | uint32(regFrame)) // add x24, x10, x8, lsl #3
	c.fuelCheck()

	for pc := 0; pc < len(rc.Instrs); pc++ {
		c.pcMap = append(c.pcMap, c.off())
		if err := c.instr(uint32(pc), rc.Instrs[pc]); err != nil {
			return err
		}
	}

	// Normal epilogue target is the RRet case emitted inline; the
	// abnormal (trap) path shares the tail below it. finalize resolves
	// everything.
	return c.finalize()
}

// epilogue emits the frame teardown and return; withResult stores the
// result register into frame slot 0 first.
func (c *arm64Compiler) epilogue(resultReg uint8) {
	if resultReg != regmach.NoReg {
		c.loadReg(scratch0, resultReg)
		c.storeReg(0, scratch0)
	}
	c.ldrCtx(scratch0, ctxSP)
	c.subImm(scratch0, scratch0, uint32(c.rc.RegCount))
	c.strCtx(scratch0, ctxSP)
	c.word(0xF84107F8) // ldr x24, [sp], #16
	c.word(0xA8C17BFD) // ldp x29, x30, [sp], #16
	c.word(0xD65F03C0) // ret
}

func (c *arm64Compiler) finalize() error {
	// Trap stubs: one island per code used.
	stubs := map[uint32]uint32{}
	for _, p := range c.patches {
		if p.target >= trapPCBase && p.target != selfEntryPC {
			code := p.target - trapPCBase
			if _, ok := stubs[code]; !ok {
				stubs[code] = c.off()
				if code != trapPropagate {
					c.movImm64(scratch0, uint64(code))
					c.strCtx(scratch0, ctxTrap)
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
		delta := int32(targetOff-p.off) / 4
		w := binary.LittleEndian.Uint32(c.buf[p.off:])
		switch p.kind {
		case 'b':
			w |= uint32(delta) & 0x03ffffff
		case 'c':
			w |= (uint32(delta) & 0x7ffff) << 5
		}
		binary.LittleEndian.PutUint32(c.buf[p.off:], w)
	}
	return nil
}
