package kclist

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ResolvedModule is a descriptor plus the facts derived from its bytes.
type ResolvedModule struct {
	Descriptor ModuleDescriptor
	// Valid is false when the declared range falls outside the text region.
	Valid bool
	// Problem explains why the module is invalid.
	Problem string
	// Address is the address the range was computed from: the load address,
	// or the source address when so configured.
	Address uint64
	// RelativeOffset is Address minus the text region's base address.
	RelativeOffset uint64
	// FileOffset is the slice-relative offset of the module's first byte.
	FileOffset uint64
	// BinaryUUID is the LC_UUID read from the module's own header.
	BinaryUUID *UUID
	// Segments is the segment table of the module's own header.
	Segments []SegmentInfo
	// HeaderError explains why the module header could not be read.
	// It never affects validity.
	HeaderError string
}

// UUID returns the module's build identifier. The identifier read from the
// module's binary header takes precedence over the one declared in the
// catalog; both remain available on the struct.
func (m *ResolvedModule) UUID() *UUID {
	if m.BinaryUUID != nil {
		return m.BinaryUUID
	}
	return m.Descriptor.CatalogUUID
}

// ResolveOptions tune [Resolve].
type ResolveOptions struct {
	// UseSourceAddress locates module bytes by _PrelinkExecutableSourceAddr
	// when the catalog provides one.
	UseSourceAddress bool
}

// Resolve computes the module's range within the text region and, when the
// range is non-empty, reads its Mach-O header. It is a pure function of its
// inputs.
func Resolve(d ModuleDescriptor, text Region, img *Image, opts ResolveOptions) ResolvedModule {
	m := ResolvedModule{Descriptor: d, Address: d.LoadAddress}
	if opts.UseSourceAddress && d.SourceAddress != 0 {
		m.Address = d.SourceAddress
	}

	// Codeless modules declare no range, so there is nothing to bound.
	if d.Size == 0 {
		m.Valid = true
		if m.Address >= text.Addr && m.Address-text.Addr <= text.Size {
			m.RelativeOffset = m.Address - text.Addr
			m.FileOffset = text.Offset + m.RelativeOffset
		}
		return m
	}

	if m.Address < text.Addr {
		m.Problem = fmt.Sprintf("%s: address 0x%x below %s base 0x%x", KindOutOfBounds, m.Address, text.Name, text.Addr)
		return m
	}
	m.RelativeOffset = m.Address - text.Addr
	if m.RelativeOffset > text.Size || d.Size > text.Size-m.RelativeOffset {
		m.Problem = fmt.Sprintf("%s: range [0x%x, +0x%x) exceeds %s size 0x%x",
			KindOutOfBounds, m.RelativeOffset, d.Size, text.Name, text.Size)
		return m
	}
	m.FileOffset = text.Offset + m.RelativeOffset
	m.Valid = true

	body, err := img.Range(m.FileOffset, d.Size)
	if err != nil {
		// The text region was validated against the slice, so this only
		// happens for an Image that does not match the region.
		m.Valid = false
		m.Problem = err.Error()
		return m
	}
	if !isMachO(body) {
		m.HeaderError = "no Mach-O header at start of executable"
		return m
	}
	h, err := parseMachHeader(body)
	if err != nil {
		m.HeaderError = err.Error()
		return m
	}
	m.BinaryUUID = h.uuid
	for _, seg := range h.segments {
		m.Segments = append(m.Segments, seg.SegmentInfo)
	}
	return m
}

// ResolveAll resolves every descriptor. With workers > 1 modules are
// resolved concurrently; the result is always in descriptor order.
func ResolveAll(ctx context.Context, descs []ModuleDescriptor, text Region, img *Image, opts ResolveOptions, workers int) ([]ResolvedModule, error) {
	out := make([]ResolvedModule, len(descs))
	if workers <= 1 {
		for i, d := range descs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			out[i] = Resolve(d, text, img, opts)
		}
		return out, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, d := range descs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out[i] = Resolve(d, text, img, opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
