package kclist

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/blacktop/go-macho/types"
	"github.com/google/uuid"
)

// UUID is a Mach-O LC_UUID build identifier.
type UUID [16]byte

// String renders u in the uppercase 8-4-4-4-12 form used by Apple tooling.
func (u UUID) String() string {
	return strings.ToUpper(uuid.UUID(u).String())
}

// ParseUUID parses the 8-4-4-4-12 form, in either case.
func ParseUUID(s string) (UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, err
	}
	return UUID(id), nil
}

// SegmentInfo describes one segment declared by a Mach-O header.
type SegmentInfo struct {
	Name       string `json:"name" yaml:"name"`
	Addr       uint64 `json:"addr" yaml:"addr"`
	Size       uint64 `json:"size" yaml:"size"`
	FileOffset uint64 `json:"file_offset" yaml:"file_offset"`
	FileSize   uint64 `json:"file_size" yaml:"file_size"`
}

type machSection struct {
	segment string
	name    string
	addr    uint64
	size    uint64
	offset  uint32
	flags   uint32
}

// zeroFill reports whether the section occupies no file bytes.
func (s machSection) zeroFill() bool {
	switch s.flags & 0xff {
	case 0x1, 0xc, 0x12: // S_ZEROFILL, S_GB_ZEROFILL, S_THREAD_LOCAL_ZEROFILL
		return true
	}
	return false
}

type machSegment struct {
	SegmentInfo
	sections []machSection
}

// machHeader is the subset of a Mach-O image this package reads: the header
// fields, the segment table and the LC_UUID payload.
type machHeader struct {
	order    binary.ByteOrder
	is64     bool
	arch     Arch
	fileType uint32
	segments []machSegment
	uuid     *UUID
}

func (h *machHeader) segment(name string) *machSegment {
	for i := range h.segments {
		if h.segments[i].Name == name {
			return &h.segments[i]
		}
	}
	return nil
}

func (h *machHeader) section(segment, name string) *machSection {
	seg := h.segment(segment)
	if seg == nil {
		return nil
	}
	for i := range seg.sections {
		if seg.sections[i].name == name {
			return &seg.sections[i]
		}
	}
	return nil
}

const (
	segment32Size = 56
	segment64Size = 72
	section32Size = 68
	section64Size = 80
	uuidCmdSize   = 24
)

// isMachO reports whether data starts with a thin Mach-O magic in either byte order.
func isMachO(data []byte) bool {
	_, _, ok := machMagic(data)
	return ok
}

func machMagic(data []byte) (binary.ByteOrder, bool, bool) {
	if len(data) < 4 {
		return nil, false, false
	}
	be := binary.BigEndian.Uint32(data)
	le := binary.LittleEndian.Uint32(data)
	switch {
	case types.Magic(be) == types.Magic32:
		return binary.BigEndian, false, true
	case types.Magic(be) == types.Magic64:
		return binary.BigEndian, true, true
	case types.Magic(le) == types.Magic32:
		return binary.LittleEndian, false, true
	case types.Magic(le) == types.Magic64:
		return binary.LittleEndian, true, true
	}
	return nil, false, false
}

// parseMachHeader decodes the Mach-O header and walks its load commands.
// Every table is validated against len(data); offsets in errors are relative
// to the start of data.
func parseMachHeader(data []byte) (*machHeader, error) {
	order, is64, ok := machMagic(data)
	if !ok {
		return nil, fmt.Errorf("not a Mach-O image")
	}
	hdrSize := types.FileHeaderSize32
	if is64 {
		hdrSize = types.FileHeaderSize64
	}
	if len(data) < hdrSize {
		return nil, fmt.Errorf("truncated Mach-O header: %d bytes", len(data))
	}

	var raw [types.FileHeaderSize64]byte
	copy(raw[:], data[:hdrSize])
	var fh types.FileHeader
	if err := binary.Read(bytes.NewReader(raw[:]), order, &fh); err != nil {
		return nil, fmt.Errorf("read Mach-O header: %w", err)
	}

	h := &machHeader{
		order:    order,
		is64:     is64,
		arch:     Arch{CPU: fh.CPU, SubCPU: fh.SubCPU},
		fileType: uint32(fh.Type),
	}

	cmds := data[hdrSize:]
	if uint64(fh.SizeCommands) > uint64(len(cmds)) {
		return nil, fmt.Errorf("load commands (%d bytes) exceed image size", fh.SizeCommands)
	}
	cmds = cmds[:fh.SizeCommands]
	offset := hdrSize

	for i := uint32(0); i < fh.NCommands; i++ {
		if len(cmds) < 8 {
			return nil, fmt.Errorf("load command %d at offset 0x%x: command block too small", i, offset)
		}
		cmd := types.LoadCmd(order.Uint32(cmds[0:4]))
		size := order.Uint32(cmds[4:8])
		if size < 8 || uint64(size) > uint64(len(cmds)) {
			return nil, fmt.Errorf("load command %d at offset 0x%x: invalid size %d", i, offset, size)
		}
		body := cmds[:size]

		switch cmd {
		case types.LC_SEGMENT:
			seg, err := parseSegment32(body, order)
			if err != nil {
				return nil, fmt.Errorf("load command %d at offset 0x%x: %w", i, offset, err)
			}
			h.segments = append(h.segments, seg)
		case types.LC_SEGMENT_64:
			seg, err := parseSegment64(body, order)
			if err != nil {
				return nil, fmt.Errorf("load command %d at offset 0x%x: %w", i, offset, err)
			}
			h.segments = append(h.segments, seg)
		case types.LC_UUID:
			if len(body) < uuidCmdSize {
				return nil, fmt.Errorf("load command %d at offset 0x%x: short LC_UUID", i, offset)
			}
			var u UUID
			copy(u[:], body[8:uuidCmdSize])
			h.uuid = &u
		}

		cmds = cmds[size:]
		offset += int(size)
	}
	return h, nil
}

func parseSegment32(body []byte, order binary.ByteOrder) (machSegment, error) {
	if len(body) < segment32Size {
		return machSegment{}, fmt.Errorf("short LC_SEGMENT")
	}
	r := bytes.NewReader(body)
	var seg types.Segment32
	if err := binary.Read(r, order, &seg); err != nil {
		return machSegment{}, err
	}
	if uint64(seg.Nsect)*section32Size > uint64(len(body)-segment32Size) {
		return machSegment{}, fmt.Errorf("segment %q: %d sections exceed command size", cstring(seg.Name[:]), seg.Nsect)
	}
	out := machSegment{SegmentInfo: SegmentInfo{
		Name:       cstring(seg.Name[:]),
		Addr:       uint64(seg.Addr),
		Size:       uint64(seg.Memsz),
		FileOffset: uint64(seg.Offset),
		FileSize:   uint64(seg.Filesz),
	}}
	for j := uint32(0); j < seg.Nsect; j++ {
		var sh types.Section32
		if err := binary.Read(r, order, &sh); err != nil {
			return machSegment{}, err
		}
		out.sections = append(out.sections, machSection{
			segment: cstring(sh.Seg[:]),
			name:    cstring(sh.Name[:]),
			addr:    uint64(sh.Addr),
			size:    uint64(sh.Size),
			offset:  sh.Offset,
			flags:   uint32(sh.Flags),
		})
	}
	return out, nil
}

func parseSegment64(body []byte, order binary.ByteOrder) (machSegment, error) {
	if len(body) < segment64Size {
		return machSegment{}, fmt.Errorf("short LC_SEGMENT_64")
	}
	r := bytes.NewReader(body)
	var seg types.Segment64
	if err := binary.Read(r, order, &seg); err != nil {
		return machSegment{}, err
	}
	if uint64(seg.Nsect)*section64Size > uint64(len(body)-segment64Size) {
		return machSegment{}, fmt.Errorf("segment %q: %d sections exceed command size", cstring(seg.Name[:]), seg.Nsect)
	}
	out := machSegment{SegmentInfo: SegmentInfo{
		Name:       cstring(seg.Name[:]),
		Addr:       seg.Addr,
		Size:       seg.Memsz,
		FileOffset: seg.Offset,
		FileSize:   seg.Filesz,
	}}
	for j := uint32(0); j < seg.Nsect; j++ {
		var sh types.Section64
		if err := binary.Read(r, order, &sh); err != nil {
			return machSegment{}, err
		}
		out.sections = append(out.sections, machSection{
			segment: cstring(sh.Seg[:]),
			name:    cstring(sh.Name[:]),
			addr:    sh.Addr,
			size:    sh.Size,
			offset:  sh.Offset,
			flags:   uint32(sh.Flags),
		})
	}
	return out, nil
}

func cstring(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i == -1 {
		i = len(b)
	}
	return string(b[:i])
}
