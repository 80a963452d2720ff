package binary

import (
	"fmt"

	"github.com/shoalwasm/shoal/internal/wasm"
)

// decodeNameSection parses the "name" custom section's module/function/local
// name subsections, skipping any subsection this decoder doesn't recognize.
func decodeNameSection(data []byte) (*wasm.NameSection, error) {
	d := &decoder{data: data}
	ns := &wasm.NameSection{
		FunctionNames: map[wasm.Index]string{},
		LocalNames:    map[wasm.Index]map[wasm.Index]string{},
	}
	for len(d.data) > 0 {
		id, err := d.readByte()
		if err != nil {
			return ns, nil
		}
		size, err := d.readU32()
		if err != nil {
			return ns, nil
		}
		body, err := d.readBytes(size)
		if err != nil {
			return ns, nil
		}
		sd := &decoder{data: body}
		switch id {
		case 0: // module name
			name, err := sd.readName()
			if err == nil {
				ns.ModuleName = name
			}
		case 1: // function names
			n, err := sd.readU32()
			if err != nil {
				continue
			}
			for i := uint32(0); i < n; i++ {
				idx, err := sd.readU32()
				if err != nil {
					break
				}
				name, err := sd.readName()
				if err != nil {
					break
				}
				ns.FunctionNames[idx] = name
			}
		case 2: // local names
			n, err := sd.readU32()
			if err != nil {
				continue
			}
			for i := uint32(0); i < n; i++ {
				fnIdx, err := sd.readU32()
				if err != nil {
					break
				}
				localCount, err := sd.readU32()
				if err != nil {
					break
				}
				locals := map[wasm.Index]string{}
				for j := uint32(0); j < localCount; j++ {
					localIdx, err := sd.readU32()
					if err != nil {
						break
					}
					name, err := sd.readName()
					if err != nil {
						break
					}
					locals[localIdx] = name
				}
				ns.LocalNames[fnIdx] = locals
			}
		}
	}
	return ns, nil
}

// decodeBranchHints parses the "metadata.code.branch_hint" custom section,
// associating a likely/unlikely hint with each hinted instruction's byte
// offset within its function, per the branch-hinting proposal.
func decodeBranchHints(data []byte) ([]wasm.BranchHint, error) {
	d := &decoder{data: data}
	fnCount, err := d.readU32()
	if err != nil {
		return nil, err
	}
	var hints []wasm.BranchHint
	for i := uint32(0); i < fnCount; i++ {
		if _, err := d.readU32(); err != nil { // function index
			return hints, err
		}
		hintCount, err := d.readU32()
		if err != nil {
			return hints, err
		}
		for j := uint32(0); j < hintCount; j++ {
			offset, err := d.readU32()
			if err != nil {
				return hints, err
			}
			length, err := d.readU32()
			if err != nil {
				return hints, err
			}
			if length != 1 {
				return hints, fmt.Errorf("invalid wasm: unexpected branch hint byte length %d", length)
			}
			flag, err := d.readByte()
			if err != nil {
				return hints, err
			}
			hints = append(hints, wasm.BranchHint{InstrOffset: uint64(offset), Likely: flag == 1})
		}
	}
	return hints, nil
}
