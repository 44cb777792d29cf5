package kclist

import (
	"encoding/binary"
	"fmt"
	"hash/adler32"
	"strings"
)

// Synthetic kernel caches for tests. Everything is little-endian 64-bit
// Mach-O unless stated otherwise.

const (
	testTextAddr   uint64 = 0xffffff8000100000
	testTextOffset uint64 = 0x1000
	testTextAlign  uint64 = 0x100
)

var (
	testArm64e = Arch{CPU: 0x0100000c, SubCPU: 2}
	testX86_64 = Arch{CPU: 0x01000007, SubCPU: 3}
)

type testSection struct {
	name   string
	addr   uint64
	size   uint64
	offset uint32
	flags  uint32
}

type testSegment struct {
	name     string
	addr     uint64
	size     uint64
	offset   uint64
	fileSize uint64
	sections []testSection
}

func putName(b []byte, name string) {
	copy(b[:16], name)
}

// machOHeader encodes a 64-bit Mach-O header followed by one LC_SEGMENT_64
// per segment and, when uuid is set, an LC_UUID.
func machOHeader(arch Arch, segs []testSegment, uuid *UUID) []byte {
	var cmds []byte
	ncmds := 0
	for _, s := range segs {
		c := make([]byte, 72+80*len(s.sections))
		binary.LittleEndian.PutUint32(c[0:], 0x19) // LC_SEGMENT_64
		binary.LittleEndian.PutUint32(c[4:], uint32(len(c)))
		putName(c[8:], s.name)
		binary.LittleEndian.PutUint64(c[24:], s.addr)
		binary.LittleEndian.PutUint64(c[32:], s.size)
		binary.LittleEndian.PutUint64(c[40:], s.offset)
		binary.LittleEndian.PutUint64(c[48:], s.fileSize)
		binary.LittleEndian.PutUint32(c[56:], 5)
		binary.LittleEndian.PutUint32(c[60:], 5)
		binary.LittleEndian.PutUint32(c[64:], uint32(len(s.sections)))
		for i, sect := range s.sections {
			e := c[72+80*i:]
			putName(e[0:], sect.name)
			putName(e[16:], s.name)
			binary.LittleEndian.PutUint64(e[32:], sect.addr)
			binary.LittleEndian.PutUint64(e[40:], sect.size)
			binary.LittleEndian.PutUint32(e[48:], sect.offset)
			binary.LittleEndian.PutUint32(e[64:], sect.flags)
		}
		cmds = append(cmds, c...)
		ncmds++
	}
	if uuid != nil {
		c := make([]byte, 24)
		binary.LittleEndian.PutUint32(c[0:], 0x1b) // LC_UUID
		binary.LittleEndian.PutUint32(c[4:], 24)
		copy(c[8:], uuid[:])
		cmds = append(cmds, c...)
		ncmds++
	}

	h := make([]byte, 32)
	binary.LittleEndian.PutUint32(h[0:], 0xfeedfacf)
	binary.LittleEndian.PutUint32(h[4:], uint32(arch.CPU))
	binary.LittleEndian.PutUint32(h[8:], uint32(arch.SubCPU))
	binary.LittleEndian.PutUint32(h[12:], 0x2) // MH_EXECUTE
	binary.LittleEndian.PutUint32(h[16:], uint32(ncmds))
	binary.LittleEndian.PutUint32(h[20:], uint32(len(cmds)))
	return append(h, cmds...)
}

// moduleImage returns a kext executable of exactly size bytes: a Mach-O
// header with a __TEXT segment and an optional LC_UUID, zero padded.
func moduleImage(size uint64, uuid *UUID) []byte {
	h := machOHeader(testArm64e, []testSegment{{name: "__TEXT", addr: 0, size: size, fileSize: size}}, uuid)
	if uint64(len(h)) > size {
		panic(fmt.Sprintf("module size 0x%x smaller than header", size))
	}
	out := make([]byte, size)
	copy(out, h)
	return out
}

type testModule struct {
	id      string
	version string
	size    uint64
	uuid    *UUID
	// loadAddr overrides the address the module is placed at.
	loadAddr *uint64
	// body replaces the generated executable.
	body []byte
}

type testCache struct {
	arch       Arch
	kernelUUID *UUID
	modules    []testModule
	// info replaces the generated catalog bytes.
	info []byte
	// compressInfo wraps the info region in an lzss compression header.
	compressInfo bool
	// noInfo omits the __PRELINK_INFO segment.
	noInfo bool
	// textSegmentOnly declares __PRELINK_TEXT without sections.
	textSegmentOnly bool
}

func uuidFor(n byte) *UUID {
	var u UUID
	for i := range u {
		u[i] = n + byte(i)
	}
	return &u
}

func ptr[T any](v T) *T { return &v }

func alignUp(n, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}

// layout assigns every module its place in the text region and returns the
// region's bytes.
func (tc *testCache) layout() ([]testModule, []byte) {
	mods := make([]testModule, len(tc.modules))
	copy(mods, tc.modules)
	var text []byte
	for i := range mods {
		m := &mods[i]
		if m.size == 0 {
			if m.loadAddr == nil {
				m.loadAddr = ptr(uint64(0))
			}
			continue
		}
		at := uint64(len(text))
		body := m.body
		if body == nil {
			body = moduleImage(m.size, m.uuid)
		}
		text = append(text, body...)
		text = append(text, make([]byte, alignUp(uint64(len(text)), testTextAlign)-uint64(len(text)))...)
		if m.loadAddr == nil {
			m.loadAddr = ptr(testTextAddr + at)
		}
	}
	if len(text) == 0 {
		text = make([]byte, testTextAlign)
	}
	return mods, text
}

func (tc *testCache) build() []byte {
	arch := tc.arch
	if arch == (Arch{}) {
		arch = testArm64e
	}
	mods, text := tc.layout()

	info := tc.info
	if info == nil {
		info = []byte(catalogXML(mods))
	}
	if tc.compressInfo {
		info = compressLZSS(info)
	}

	textSize := uint64(len(text))
	infoOffset := alignUp(testTextOffset+textSize, 0x1000)
	infoAddr := testTextAddr + 0x10000000

	textSeg := testSegment{name: "__PRELINK_TEXT", addr: testTextAddr, size: textSize, offset: testTextOffset, fileSize: textSize}
	if !tc.textSegmentOnly {
		textSeg.sections = []testSection{{name: "__text", addr: testTextAddr, size: textSize, offset: uint32(testTextOffset)}}
	}
	segs := []testSegment{
		{name: "__TEXT", addr: testTextAddr - 0x100000, size: 0x1000, offset: 0, fileSize: 0x1000},
		textSeg,
	}
	if !tc.noInfo {
		segs = append(segs, testSegment{
			name: "__PRELINK_INFO", addr: infoAddr, size: uint64(len(info)), offset: infoOffset, fileSize: uint64(len(info)),
			sections: []testSection{{name: "__info", addr: infoAddr, size: uint64(len(info)), offset: uint32(infoOffset)}},
		})
	}

	out := make([]byte, infoOffset+uint64(len(info)))
	copy(out, machOHeader(arch, segs, tc.kernelUUID))
	copy(out[testTextOffset:], text)
	copy(out[infoOffset:], info)
	return out
}

func catalogXML(mods []testModule) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0"><dict><key>_PrelinkInfoDictionary</key><array>`)
	for _, m := range mods {
		b.WriteString("<dict>")
		if m.id != "" {
			fmt.Fprintf(&b, "<key>CFBundleIdentifier</key><string>%s</string>", m.id)
		}
		if m.version != "" {
			fmt.Fprintf(&b, "<key>CFBundleVersion</key><string>%s</string>", m.version)
		}
		var addr uint64
		if m.loadAddr != nil {
			addr = *m.loadAddr
		}
		fmt.Fprintf(&b, "<key>_PrelinkExecutableLoadAddr</key><integer>0x%x</integer>", addr)
		fmt.Fprintf(&b, "<key>_PrelinkExecutableSize</key><integer>0x%x</integer>", m.size)
		b.WriteString("</dict>")
	}
	b.WriteString("</array></dict></plist>\n")
	return b.String()
}

// encodeLZSS emits a literal-only LZSS stream: every group of eight bytes
// is preceded by an all-literal flag byte.
func encodeLZSS(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/8+1)
	for i := 0; i < len(data); i += 8 {
		end := min(i+8, len(data))
		out = append(out, 0xff)
		out = append(out, data[i:end]...)
	}
	return out
}

// compHeaderFor builds a compression header for data and payload.
func compHeaderFor(tag uint32, data, payload []byte) []byte {
	h := make([]byte, compHeaderSize)
	binary.BigEndian.PutUint32(h[0:], compSignature)
	binary.BigEndian.PutUint32(h[4:], tag)
	binary.BigEndian.PutUint32(h[8:], adler32.Checksum(data))
	binary.BigEndian.PutUint32(h[12:], uint32(len(data)))
	binary.BigEndian.PutUint32(h[16:], uint32(len(payload)))
	return h
}

// compressLZSS wraps data in an lzss compression envelope. data is padded
// with NULs to a multiple of eight so the stream ends on a group boundary.
func compressLZSS(data []byte) []byte {
	padded := append([]byte(nil), data...)
	padded = append(padded, make([]byte, alignUp(uint64(len(padded)), 8)-uint64(len(padded)))...)
	payload := encodeLZSS(padded)
	return append(compHeaderFor(compTypeLZSS, padded, payload), payload...)
}

type fatEntry struct {
	arch Arch
	data []byte
}

// fatContainer builds a big-endian fat container with 4 KiB aligned slices.
func fatContainer(wide bool, entries ...fatEntry) []byte {
	entrySize := fatArchSize
	magic := uint32(fatMagic)
	if wide {
		entrySize = fatArch64Size
		magic = fatMagic64
	}
	hdr := make([]byte, fatHeaderSize+entrySize*len(entries))
	binary.BigEndian.PutUint32(hdr[0:], magic)
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(entries)))

	out := hdr
	for i, e := range entries {
		off := alignUp(uint64(len(out)), 0x1000)
		out = append(out, make([]byte, off-uint64(len(out)))...)
		out = append(out, e.data...)

		ent := out[fatHeaderSize+i*entrySize:]
		binary.BigEndian.PutUint32(ent[0:], uint32(e.arch.CPU))
		binary.BigEndian.PutUint32(ent[4:], uint32(e.arch.SubCPU))
		if wide {
			binary.BigEndian.PutUint64(ent[8:], off)
			binary.BigEndian.PutUint64(ent[16:], uint64(len(e.data)))
			binary.BigEndian.PutUint32(ent[24:], 12)
		} else {
			binary.BigEndian.PutUint32(ent[8:], uint32(off))
			binary.BigEndian.PutUint32(ent[12:], uint32(len(e.data)))
			binary.BigEndian.PutUint32(ent[16:], 12)
		}
	}
	return out
}

// sampleCache is a three-module cache used across tests.
func sampleCache() *testCache {
	return &testCache{
		kernelUUID: uuidFor(0xa0),
		modules: []testModule{
			{id: "com.apple.kpi.bsd", version: "20.0.0", size: 0x200, uuid: uuidFor(0x10)},
			{id: "com.apple.driver.AppleACPIPlatform", version: "6.1", size: 0x400, uuid: uuidFor(0x20)},
			{id: "com.apple.iokit.IONetworkingFamily", version: "3.4", size: 0x300},
		},
	}
}
