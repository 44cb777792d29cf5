package kclist

import "fmt"

// RegionName names a region by segment and, optionally, section.
type RegionName struct {
	Segment string
	Section string
}

func (n RegionName) String() string {
	if n.Section == "" {
		return n.Segment
	}
	return n.Segment + "," + n.Section
}

// RegionNames selects the two regions the pipeline needs.
type RegionNames struct {
	Text RegionName
	Info RegionName
}

// DefaultRegionNames are the region names used by prelinked kernels.
var DefaultRegionNames = RegionNames{
	Text: RegionName{Segment: "__PRELINK_TEXT", Section: "__text"},
	Info: RegionName{Segment: "__PRELINK_INFO", Section: "__info"},
}

// Region is a named byte range of the active slice.
type Region struct {
	Name RegionName
	// Offset is relative to the start of the slice.
	Offset uint64
	// Addr is the virtual address the region is mapped at.
	Addr uint64
	Size uint64
	// Encoding describes how the region's bytes are stored on disk.
	Encoding Encoding
}

// Contains reports whether [off, off+n) lies within the region, with off
// relative to the start of the slice.
func (r Region) Contains(off, n uint64) bool {
	return off >= r.Offset && off-r.Offset <= r.Size && n <= r.Size-(off-r.Offset)
}

// Regions is the output of [LocateRegions].
type Regions struct {
	Text Region
	Info Region
	// InfoData is the decoded content of the info region.
	InfoData []byte
	// KernelUUID is the LC_UUID of the slice itself, when present.
	KernelUUID *UUID
}

// LocateRegions walks the slice's load commands and returns the prelink text
// region and the decoded prelink info catalog bytes. The text region is
// never decompressed.
func LocateRegions(img *Image, opts ...Option) (*Regions, error) {
	return locateRegions(img, newConfig(opts))
}

func locateRegions(img *Image, cfg *config) (*Regions, error) {
	h, err := parseMachHeader(img.Bytes())
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Name: img.Arch().String() + " slice", Err: err}
	}

	text, err := findRegion(h, img, cfg.names.Text)
	if err != nil {
		return nil, err
	}
	info, err := findRegion(h, img, cfg.names.Info)
	if err != nil {
		return nil, err
	}

	raw, err := img.Range(info.Offset, info.Size)
	if err != nil {
		return nil, errorAt(KindRegionNotFound, info.Name.String(), info.Offset, err)
	}
	data, enc, err := cfg.decompressor().decode(info.Name.String(), raw)
	info.Encoding = enc
	if err != nil {
		return nil, err
	}
	text.Encoding = EncodingNone

	return &Regions{
		Text:       text,
		Info:       info,
		InfoData:   trimPadding(data),
		KernelUUID: h.uuid,
	}, nil
}

// findRegion resolves name by exact match. A segment without sections
// stands in for a missing section of the same segment.
func findRegion(h *machHeader, img *Image, name RegionName) (Region, error) {
	r := Region{Name: name}
	seg := h.segment(name.Segment)
	if seg == nil {
		return r, &Error{Kind: KindRegionNotFound, Name: name.String(), Err: fmt.Errorf("no segment %s", name.Segment)}
	}

	sect := h.section(name.Segment, name.Section)
	switch {
	case name.Section == "" || (sect == nil && len(seg.sections) == 0):
		r.Offset = seg.FileOffset
		r.Addr = seg.Addr
		r.Size = seg.FileSize
	case sect == nil:
		return r, &Error{Kind: KindRegionNotFound, Name: name.String(), Err: fmt.Errorf("no section %s in segment %s", name.Section, name.Segment)}
	case sect.zeroFill():
		return r, &Error{Kind: KindRegionNotFound, Name: name.String(), Err: fmt.Errorf("section occupies no file bytes")}
	default:
		r.Offset = uint64(sect.offset)
		r.Addr = sect.addr
		r.Size = sect.size
	}

	if _, err := img.Range(r.Offset, r.Size); err != nil {
		return r, errorAt(KindRegionNotFound, name.String(), r.Offset, err)
	}
	return r, nil
}
