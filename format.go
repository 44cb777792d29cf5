package kclist

import (
	"fmt"
	"strings"
)

// String returns a human-readable summary of the report.
func (r *Report) String() string {
	var b strings.Builder

	if r.Path != "" {
		fmt.Fprintf(&b, "Kernel cache: %s\n", r.Path)
	}
	fmt.Fprintf(&b, "Container: %s (%s)\n", r.Container, r.Arch)
	if r.KernelUUID != nil {
		fmt.Fprintf(&b, "Kernel UUID: %s\n", r.KernelUUID)
	}
	b.WriteString("\n")

	b.WriteString("Regions:\n")
	writeRegion(&b, "  text", r.Text)
	writeRegion(&b, "  info", r.Info)
	b.WriteString("\n")

	fmt.Fprintf(&b, "Modules: %d (%d invalid)\n", len(r.Modules), r.InvalidCount())
	for i := range r.Modules {
		writeModule(&b, &r.Modules[i])
	}

	if len(r.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "  %s\n", w)
		}
	}
	return b.String()
}

func writeRegion(b *strings.Builder, name string, r Region) {
	fmt.Fprintf(b, "%s: %s at 0x%x (addr 0x%x, size 0x%x", name, r.Name, r.Offset, r.Addr, r.Size)
	if r.Encoding != EncodingNone {
		fmt.Fprintf(b, ", %s", r.Encoding)
	}
	b.WriteString(")\n")
}

func writeModule(b *strings.Builder, m *ResolvedModule) {
	d := m.Descriptor
	status := "ok"
	if !m.Valid {
		status = "invalid: " + m.Problem
	}
	fmt.Fprintf(b, "  %s %s: 0x%x+0x%x %s\n", d.Identifier, d.Version, d.LoadAddress, d.Size, status)
}
