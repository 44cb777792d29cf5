package kclist

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func resolveFixture() (Region, *Image) {
	data := make([]byte, 0x1600)
	copy(data[0x1100:], moduleImage(0x200, uuidFor(0x40)))
	text := Region{Name: DefaultRegionNames.Text, Offset: 0x1000, Addr: 0x1000, Size: 0x500}
	return text, NewImage(testArm64e, data)
}

func TestResolve(t *testing.T) {
	text, img := resolveFixture()

	tests := []struct {
		name       string
		desc       ModuleDescriptor
		opts       ResolveOptions
		valid      bool
		rel        uint64
		fileOffset uint64
		problem    string
		header     string
		uuid       *UUID
	}{
		{
			name:       "inside region",
			desc:       ModuleDescriptor{Identifier: "com.example.driver", LoadAddress: 0x1010, Size: 0x20},
			valid:      true,
			rel:        0x10,
			fileOffset: 0x1010,
			header:     "no Mach-O header",
		},
		{
			name:       "with module header",
			desc:       ModuleDescriptor{Identifier: "com.example.kext", LoadAddress: 0x1100, Size: 0x200},
			valid:      true,
			rel:        0x100,
			fileOffset: 0x1100,
			uuid:       uuidFor(0x40),
		},
		{
			name:       "ends at region end",
			desc:       ModuleDescriptor{Identifier: "tail", LoadAddress: 0x1400, Size: 0x100},
			valid:      true,
			rel:        0x400,
			fileOffset: 0x1400,
			header:     "no Mach-O header",
		},
		{
			name:    "below base",
			desc:    ModuleDescriptor{Identifier: "low", LoadAddress: 0xff0, Size: 0x20},
			problem: "below __PRELINK_TEXT,__text base 0x1000",
		},
		{
			name:    "past end",
			desc:    ModuleDescriptor{Identifier: "long", LoadAddress: 0x1400, Size: 0x101},
			problem: "exceeds __PRELINK_TEXT,__text size 0x500",
		},
		{
			name:    "size overflow",
			desc:    ModuleDescriptor{Identifier: "huge", LoadAddress: 0x1010, Size: ^uint64(0)},
			problem: "out of bounds",
		},
		{
			name:  "codeless below base",
			desc:  ModuleDescriptor{Identifier: "codeless", LoadAddress: 0, Size: 0},
			valid: true,
		},
		{
			name:       "codeless inside region",
			desc:       ModuleDescriptor{Identifier: "codeless", LoadAddress: 0x1020},
			valid:      true,
			rel:        0x20,
			fileOffset: 0x1020,
		},
		{
			name:       "source address",
			desc:       ModuleDescriptor{Identifier: "moved", LoadAddress: 0x9000, SourceAddress: 0x1100, Size: 0x200},
			opts:       ResolveOptions{UseSourceAddress: true},
			valid:      true,
			rel:        0x100,
			fileOffset: 0x1100,
			uuid:       uuidFor(0x40),
		},
		{
			name:    "source address ignored by default",
			desc:    ModuleDescriptor{Identifier: "moved", LoadAddress: 0x9000, SourceAddress: 0x1100, Size: 0x200},
			problem: "exceeds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Resolve(tt.desc, text, img, tt.opts)
			if m.Valid != tt.valid {
				t.Fatalf("Valid = %v, want %v (problem %q)", m.Valid, tt.valid, m.Problem)
			}
			if !tt.valid {
				if !strings.Contains(m.Problem, tt.problem) {
					t.Fatalf("Problem = %q, want %q", m.Problem, tt.problem)
				}
				if m.BinaryUUID != nil {
					t.Fatal("invalid module carries a UUID")
				}
				return
			}
			if m.Problem != "" {
				t.Fatalf("Problem = %q for a valid module", m.Problem)
			}
			if m.RelativeOffset != tt.rel || m.FileOffset != tt.fileOffset {
				t.Fatalf("offsets = 0x%x/0x%x, want 0x%x/0x%x", m.RelativeOffset, m.FileOffset, tt.rel, tt.fileOffset)
			}
			if !strings.Contains(m.HeaderError, tt.header) || (tt.header == "" && m.HeaderError != "") {
				t.Fatalf("HeaderError = %q, want %q", m.HeaderError, tt.header)
			}
			switch {
			case tt.uuid == nil && m.BinaryUUID != nil:
				t.Fatalf("BinaryUUID = %s, want none", m.BinaryUUID)
			case tt.uuid != nil && (m.BinaryUUID == nil || *m.BinaryUUID != *tt.uuid):
				t.Fatalf("BinaryUUID = %v, want %s", m.BinaryUUID, tt.uuid)
			}
		})
	}
}

func TestResolveSegments(t *testing.T) {
	text, img := resolveFixture()
	m := Resolve(ModuleDescriptor{Identifier: "k", LoadAddress: 0x1100, Size: 0x200}, text, img, ResolveOptions{})

	if len(m.Segments) != 1 || m.Segments[0].Name != "__TEXT" || m.Segments[0].Size != 0x200 {
		t.Fatalf("Segments = %+v, want one __TEXT of 0x200", m.Segments)
	}
}

func TestResolveMalformedModuleHeader(t *testing.T) {
	text, img := resolveFixture()
	// Claim more load commands than fit in the module.
	data := img.Bytes()
	data[0x1100+20] = 0xff
	data[0x1100+21] = 0xff

	m := Resolve(ModuleDescriptor{Identifier: "k", LoadAddress: 0x1100, Size: 0x200}, text, img, ResolveOptions{})
	if !m.Valid {
		t.Fatalf("Valid = false, want true: header problems are not fatal (%s)", m.Problem)
	}
	if !strings.Contains(m.HeaderError, "exceed image size") {
		t.Fatalf("HeaderError = %q", m.HeaderError)
	}
}

func TestResolvedModuleUUIDPrecedence(t *testing.T) {
	bin, cat := uuidFor(1), uuidFor(2)

	tests := []struct {
		name string
		m    ResolvedModule
		want *UUID
	}{
		{name: "none", m: ResolvedModule{}},
		{name: "catalog only", m: ResolvedModule{Descriptor: ModuleDescriptor{CatalogUUID: cat}}, want: cat},
		{name: "binary only", m: ResolvedModule{BinaryUUID: bin}, want: bin},
		{name: "binary wins", m: ResolvedModule{BinaryUUID: bin, Descriptor: ModuleDescriptor{CatalogUUID: cat}}, want: bin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.UUID(); got != tt.want {
				t.Fatalf("UUID() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveAllKeepsOrder(t *testing.T) {
	text, img := resolveFixture()

	var descs []ModuleDescriptor
	for i := range 64 {
		descs = append(descs, ModuleDescriptor{
			Identifier:  fmt.Sprintf("com.example.%02d", i),
			LoadAddress: 0x1000 + uint64(i)*0x10,
			Size:        0x10,
		})
	}

	for _, workers := range []int{0, 1, 4, 100} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			mods, err := ResolveAll(context.Background(), descs, text, img, ResolveOptions{}, workers)
			if err != nil {
				t.Fatalf("ResolveAll() error = %v", err)
			}
			if len(mods) != len(descs) {
				t.Fatalf("len = %d, want %d", len(mods), len(descs))
			}
			for i := range mods {
				if mods[i].Descriptor.Identifier != descs[i].Identifier {
					t.Fatalf("mods[%d] = %s, want %s", i, mods[i].Descriptor.Identifier, descs[i].Identifier)
				}
				if !mods[i].Valid {
					t.Fatalf("mods[%d] invalid: %s", i, mods[i].Problem)
				}
			}
		})
	}
}

func TestResolveAllCanceled(t *testing.T) {
	text, img := resolveFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	descs := []ModuleDescriptor{{Identifier: "a", LoadAddress: 0x1000, Size: 0x10}}
	for _, workers := range []int{1, 4} {
		if _, err := ResolveAll(ctx, descs, text, img, ResolveOptions{}, workers); err == nil {
			t.Fatalf("ResolveAll(workers=%d) on canceled context: expected error", workers)
		}
	}
}
