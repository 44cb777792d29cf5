package kclist

import (
	"fmt"
	"slices"
	"strings"

	"github.com/blacktop/go-macho/types"
)

// cpuSubtypeMask strips the capability bits (e.g. CPU_SUBTYPE_LIB64 or the
// arm64e pointer-auth ABI version) from a CPU subtype.
const cpuSubtypeMask = 0x00ffffff

// Arch identifies one architecture variant by CPU type and subtype.
type Arch struct {
	CPU    types.CPU
	SubCPU types.CPUSubtype
}

type archName struct {
	name string
	arch Arch
}

// archNames lists the architectures known by name, most specific first
// within each CPU family so that String picks the canonical spelling.
var archNames = []archName{
	{"i386", Arch{CPU: types.CPUI386, SubCPU: 3}},
	{"x86_64", Arch{CPU: types.CPUAmd64, SubCPU: 3}},
	{"x86_64h", Arch{CPU: types.CPUAmd64, SubCPU: 8}},
	{"armv6", Arch{CPU: types.CPUArm, SubCPU: 6}},
	{"armv7", Arch{CPU: types.CPUArm, SubCPU: 9}},
	{"armv7f", Arch{CPU: types.CPUArm, SubCPU: 10}},
	{"armv7s", Arch{CPU: types.CPUArm, SubCPU: 11}},
	{"armv7k", Arch{CPU: types.CPUArm, SubCPU: 12}},
	{"arm64", Arch{CPU: types.CPUArm64, SubCPU: 0}},
	{"arm64v8", Arch{CPU: types.CPUArm64, SubCPU: 1}},
	{"arm64e", Arch{CPU: types.CPUArm64, SubCPU: 2}},
}

// ParseArch parses an architecture name such as "x86_64" or "arm64e".
// Matching is case-insensitive.
func ParseArch(s string) (Arch, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return Arch{}, fmt.Errorf("empty architecture name")
	}
	for _, n := range archNames {
		if n.name == name {
			return n.arch, nil
		}
	}
	return Arch{}, fmt.Errorf("unknown architecture %q (known: %s)", s, strings.Join(ArchNames(), ", "))
}

// ArchNames returns the known architecture names in table order.
func ArchNames() []string {
	names := make([]string, 0, len(archNames))
	for _, n := range archNames {
		names = append(names, n.name)
	}
	return names
}

// Matches reports whether a and other name the same architecture,
// ignoring subtype capability bits.
func (a Arch) Matches(other Arch) bool {
	return a.CPU == other.CPU && a.SubCPU&cpuSubtypeMask == other.SubCPU&cpuSubtypeMask
}

func (a Arch) String() string {
	i := slices.IndexFunc(archNames, func(n archName) bool { return n.arch.Matches(a) })
	if i >= 0 {
		return archNames[i].name
	}
	return fmt.Sprintf("cpu(0x%x)/subtype(0x%x)", uint32(a.CPU), uint32(a.SubCPU)&cpuSubtypeMask)
}

func archFromRaw(cpu, sub uint32) Arch {
	return Arch{CPU: types.CPU(cpu), SubCPU: types.CPUSubtype(sub)}
}
