package kclist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
)

// ContainerKind identifies the outer format of a container file.
type ContainerKind int

const (
	// ContainerThin is a single-architecture Mach-O image.
	ContainerThin ContainerKind = iota
	// ContainerFat is a multi-architecture image with 32-bit slice offsets.
	ContainerFat
	// ContainerFat64 is a multi-architecture image with 64-bit slice offsets.
	ContainerFat64
	// ContainerCompressed is a single image wrapped in a "comp" header.
	ContainerCompressed
)

func (k ContainerKind) String() string {
	switch k {
	case ContainerThin:
		return "thin"
	case ContainerFat:
		return "fat"
	case ContainerFat64:
		return "fat64"
	case ContainerCompressed:
		return "compressed"
	default:
		return fmt.Sprintf("ContainerKind(%d)", k)
	}
}

const (
	fatMagic   = 0xcafebabe
	fatMagic64 = 0xcafebabf

	fatHeaderSize    = 8
	fatArchSize      = 20
	fatArch64Size    = 32
	maxFatArchCount  = 128
	maxFatAlignShift = 31
)

// Slice is one architecture variant inside a container.
type Slice struct {
	Arch   Arch
	Offset uint64
	Size   uint64
}

// Container is a loaded container file. It is immutable after [Open] or
// [Load] and must be closed to release the underlying mapping.
type Container struct {
	Kind   ContainerKind
	Slices []Slice

	data    []byte
	release func() error
	once    sync.Once
	dec     *decompressor
}

// Open maps the container at path and classifies it. Any failure to open,
// size, or map the file is reported as [KindIO].
func Open(path string, opts ...Option) (*Container, error) {
	if strings.TrimSpace(path) == "" {
		return nil, newError(KindIO, path, fmt.Errorf("empty path"))
	}
	data, release, err := mapFile(path)
	if err != nil {
		return nil, newError(KindIO, path, err)
	}
	c, err := newContainer(data, release, newConfig(opts))
	if err != nil {
		release()
		return nil, err
	}
	return c, nil
}

// Load classifies an in-memory container. The data must not be modified
// while the container is in use.
func Load(data []byte, opts ...Option) (*Container, error) {
	if len(data) == 0 {
		return nil, newError(KindIO, "", fmt.Errorf("empty container"))
	}
	return newContainer(data, nil, newConfig(opts))
}

func newContainer(data []byte, release func() error, cfg *config) (*Container, error) {
	c := &Container{
		data:    data,
		release: release,
		dec:     cfg.decompressor(),
	}
	if len(data) < 4 {
		return nil, malformed(0, "file too short for a magic number (%d bytes)", len(data))
	}

	be := binary.BigEndian.Uint32(data)
	le := binary.LittleEndian.Uint32(data)
	switch {
	case be == fatMagic || le == fatMagic:
		c.Kind = ContainerFat
	case be == fatMagic64 || le == fatMagic64:
		c.Kind = ContainerFat64
	case be == compSignature:
		c.Kind = ContainerCompressed
	case isMachO(data):
		c.Kind = ContainerThin
	default:
		return nil, malformed(0, "unrecognized magic 0x%08x", be)
	}

	switch c.Kind {
	case ContainerFat, ContainerFat64:
		order := binary.ByteOrder(binary.BigEndian)
		if le == fatMagic || le == fatMagic64 {
			order = binary.LittleEndian
		}
		slices, err := parseFatSlices(data, order, c.Kind == ContainerFat64)
		if err != nil {
			return nil, err
		}
		c.Slices = slices
	case ContainerThin:
		h, err := parseMachHeader(data)
		if err != nil {
			return nil, &Error{Kind: KindMalformed, Err: err}
		}
		c.Slices = []Slice{{Arch: h.arch, Offset: 0, Size: uint64(len(data))}}
	case ContainerCompressed:
		// The architecture is only known once the payload is decompressed.
		inner, _, err := c.dec.decode("container", data)
		if err != nil {
			return nil, err
		}
		h, err := parseMachHeader(inner)
		if err != nil {
			return nil, &Error{Kind: KindMalformed, Name: "decompressed container", Err: err}
		}
		c.data = inner
		c.Slices = []Slice{{Arch: h.arch, Offset: 0, Size: uint64(len(inner))}}
	}
	return c, nil
}

func parseFatSlices(data []byte, order binary.ByteOrder, wide bool) ([]Slice, error) {
	if len(data) < fatHeaderSize {
		return nil, malformed(0, "truncated fat header")
	}
	count := order.Uint32(data[4:8])
	if count == 0 {
		return nil, malformed(4, "fat header lists no architectures")
	}
	if count > maxFatArchCount {
		return nil, malformed(4, "fat header lists too many architectures (%d)", count)
	}
	entrySize := fatArchSize
	if wide {
		entrySize = fatArch64Size
	}
	table := uint64(fatHeaderSize) + uint64(count)*uint64(entrySize)
	if table > uint64(len(data)) {
		return nil, malformed(fatHeaderSize, "fat architecture table (%d entries) exceeds file size", count)
	}

	slices := make([]Slice, 0, count)
	for i := uint32(0); i < count; i++ {
		off := fatHeaderSize + int(i)*entrySize
		e := data[off : off+entrySize]
		s := Slice{Arch: archFromRaw(order.Uint32(e[0:4]), order.Uint32(e[4:8]))}
		var align uint32
		if wide {
			s.Offset = order.Uint64(e[8:16])
			s.Size = order.Uint64(e[16:24])
			align = order.Uint32(e[24:28])
		} else {
			s.Offset = uint64(order.Uint32(e[8:12]))
			s.Size = uint64(order.Uint32(e[12:16]))
			align = order.Uint32(e[16:20])
		}
		if align > maxFatAlignShift {
			return nil, malformed(uint64(off), "slice %d (%s): alignment 2^%d too large", i, s.Arch, align)
		}
		if s.Size == 0 || s.Offset < table || s.Offset > uint64(len(data)) || s.Size > uint64(len(data))-s.Offset {
			return nil, malformed(uint64(off), "slice %d (%s): range [0x%x, +0x%x) outside file of %d bytes",
				i, s.Arch, s.Offset, s.Size, len(data))
		}
		for j, prev := range slices {
			if prev.Arch.Matches(s.Arch) {
				return nil, malformed(uint64(off), "slice %d duplicates architecture %s of slice %d", i, s.Arch, j)
			}
		}
		slices = append(slices, s)
	}
	return slices, nil
}

// Architectures returns the architecture of every slice in table order.
func (c *Container) Architectures() []Arch {
	archs := make([]Arch, 0, len(c.Slices))
	for _, s := range c.Slices {
		archs = append(archs, s.Arch)
	}
	return archs
}

// Len returns the size of the container's bytes.
func (c *Container) Len() int {
	return len(c.data)
}

// Select chooses the active slice. With a requested architecture the slice
// must match exactly; without one the container must hold a single slice.
// Compressed slices are decompressed here.
func (c *Container) Select(want *Arch) (*Image, error) {
	if c.data == nil {
		return nil, newError(KindIO, "", fmt.Errorf("container is closed"))
	}
	var chosen *Slice
	switch {
	case want != nil:
		for i := range c.Slices {
			if c.Slices[i].Arch.Matches(*want) {
				chosen = &c.Slices[i]
				break
			}
		}
		if chosen == nil {
			return nil, &Error{Kind: KindArchitectureNotFound, Name: want.String(), Available: c.Architectures()}
		}
	case len(c.Slices) == 1:
		chosen = &c.Slices[0]
	default:
		return nil, &Error{Kind: KindArchitectureAmbiguous, Name: "no architecture requested", Available: c.Architectures()}
	}

	data := c.data[chosen.Offset : chosen.Offset+chosen.Size]
	if c.Kind == ContainerFat || c.Kind == ContainerFat64 {
		inner, _, err := c.dec.decode(chosen.Arch.String()+" slice", data)
		if err != nil {
			return nil, err
		}
		data = inner
	}
	return &Image{arch: chosen.Arch, slice: *chosen, data: data}, nil
}

// Close releases the container's mapping. It is safe to call more than once.
func (c *Container) Close() error {
	var err error
	c.once.Do(func() {
		if c.release != nil {
			err = c.release()
		}
		c.data = nil
	})
	return err
}

// Image is the byte view of the active slice. All offsets are relative to
// the start of the slice.
type Image struct {
	arch  Arch
	slice Slice
	data  []byte
}

// NewImage wraps raw slice bytes, typically for tests and tools that already
// hold a thin image.
func NewImage(arch Arch, data []byte) *Image {
	return &Image{arch: arch, slice: Slice{Arch: arch, Size: uint64(len(data))}, data: data}
}

// Arch returns the architecture of the slice.
func (img *Image) Arch() Arch { return img.arch }

// Slice returns the container-level description of the slice.
func (img *Image) Slice() Slice { return img.slice }

// Len returns the size of the slice's bytes.
func (img *Image) Len() uint64 { return uint64(len(img.data)) }

// Bytes returns the slice's bytes. Callers must not modify them.
func (img *Image) Bytes() []byte { return img.data }

// Range returns the n bytes starting at off, or a [KindOutOfBounds] error
// when the range does not lie within the slice.
func (img *Image) Range(off, n uint64) ([]byte, error) {
	if off > img.Len() || n > img.Len()-off {
		return nil, errorAt(KindOutOfBounds, "", off,
			fmt.Errorf("range [0x%x, +0x%x) outside slice of 0x%x bytes", off, n, img.Len()))
	}
	return img.data[off : off+n], nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
