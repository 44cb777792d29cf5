package kclist

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

// Format selects the emitter's output encoding.
type Format int

const (
	FormatText Format = iota
	FormatJSON
	FormatYAML
)

var formatNames = map[Format]string{
	FormatText: "text",
	FormatJSON: "json",
	FormatYAML: "yaml",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Format(%d)", f)
}

// FormatValues returns every supported format in declaration order.
func FormatValues() []Format {
	return []Format{FormatText, FormatJSON, FormatYAML}
}

// EmitterConfig is passed explicitly to [NewEmitter]; the emitter keeps no
// global state.
type EmitterConfig struct {
	Format Format
	// UUIDs adds build identifiers to every record.
	UUIDs bool
	// Verbose adds addresses, paths, dependencies and segments.
	Verbose bool
	// Color highlights invalid and denied modules in text output.
	Color bool
	// Policy, when set, adds a load-eligibility verdict to every record.
	Policy Policy
}

// Record is the rendered form of one resolved module.
type Record struct {
	Identifier    string `json:"identifier" yaml:"identifier"`
	Version       string `json:"version" yaml:"version"`
	LoadAddress   string `json:"load_address" yaml:"load_address"`
	Size          string `json:"size" yaml:"size"`
	Valid         bool   `json:"valid" yaml:"valid"`
	Problem       string `json:"problem,omitempty" yaml:"problem,omitempty"`
	UUID          string `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	BinaryUUID    string `json:"binary_uuid,omitempty" yaml:"binary_uuid,omitempty"`
	CatalogUUID   string `json:"catalog_uuid,omitempty" yaml:"catalog_uuid,omitempty"`
	LoadPermitted *bool  `json:"load_permitted,omitempty" yaml:"load_permitted,omitempty"`

	Name           string        `json:"name,omitempty" yaml:"name,omitempty"`
	SourceAddress  string        `json:"source_address,omitempty" yaml:"source_address,omitempty"`
	KmodInfo       string        `json:"kmod_info,omitempty" yaml:"kmod_info,omitempty"`
	FileOffset     string        `json:"file_offset,omitempty" yaml:"file_offset,omitempty"`
	BundlePath     string        `json:"bundle_path,omitempty" yaml:"bundle_path,omitempty"`
	ExecutablePath string        `json:"executable_path,omitempty" yaml:"executable_path,omitempty"`
	Dependencies   []Dependency  `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Segments       []SegmentInfo `json:"segments,omitempty" yaml:"segments,omitempty"`
	HeaderError    string        `json:"header_error,omitempty" yaml:"header_error,omitempty"`
}

// Summary describes the report as a whole.
type Summary struct {
	Path       string   `json:"path,omitempty" yaml:"path,omitempty"`
	Container  string   `json:"container" yaml:"container"`
	Arch       string   `json:"arch" yaml:"arch"`
	KernelUUID string   `json:"kernel_uuid,omitempty" yaml:"kernel_uuid,omitempty"`
	Modules    int      `json:"modules" yaml:"modules"`
	Invalid    int      `json:"invalid" yaml:"invalid"`
	Warnings   []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

type document struct {
	Summary Summary  `json:"summary" yaml:"summary"`
	Modules []Record `json:"modules" yaml:"modules"`
}

// Emitter renders reports.
type Emitter struct {
	w   io.Writer
	cfg EmitterConfig
	red *color.Color
	yel *color.Color
}

// NewEmitter returns an emitter writing to w.
func NewEmitter(w io.Writer, cfg EmitterConfig) *Emitter {
	e := &Emitter{
		w:   w,
		cfg: cfg,
		red: color.New(color.FgRed),
		yel: color.New(color.FgYellow),
	}
	for _, c := range []*color.Color{e.red, e.yel} {
		if cfg.Color {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return e
}

// Records converts every module of r, in report order.
func (e *Emitter) Records(r *Report) []Record {
	recs := make([]Record, 0, len(r.Modules))
	for i := range r.Modules {
		recs = append(recs, e.record(&r.Modules[i]))
	}
	return recs
}

func (e *Emitter) record(m *ResolvedModule) Record {
	d := m.Descriptor
	rec := Record{
		Identifier:  d.Identifier,
		Version:     d.Version,
		LoadAddress: hex(d.LoadAddress),
		Size:        hex(d.Size),
		Valid:       m.Valid,
		Problem:     m.Problem,
	}
	if e.cfg.UUIDs {
		rec.UUID = uuidString(m.UUID())
		rec.BinaryUUID = uuidString(m.BinaryUUID)
		rec.CatalogUUID = uuidString(d.CatalogUUID)
	}
	if e.cfg.Policy != nil {
		ok := e.cfg.Policy.IsLoadPermitted(d.Identifier)
		rec.LoadPermitted = &ok
	}
	if e.cfg.Verbose {
		rec.Name = d.Name
		rec.SourceAddress = hexNonZero(d.SourceAddress)
		rec.KmodInfo = hexNonZero(d.KmodInfo)
		if m.Valid && d.Size > 0 {
			rec.FileOffset = hex(m.FileOffset)
		}
		rec.BundlePath = d.BundlePath
		rec.ExecutablePath = d.ExecutablePath
		rec.Dependencies = d.Dependencies
		rec.Segments = m.Segments
		rec.HeaderError = m.HeaderError
	}
	return rec
}

// Summarize returns the report-level summary.
func Summarize(r *Report) Summary {
	return Summary{
		Path:       r.Path,
		Container:  r.Container.String(),
		Arch:       r.Arch.String(),
		KernelUUID: uuidString(r.KernelUUID),
		Modules:    len(r.Modules),
		Invalid:    r.InvalidCount(),
		Warnings:   r.Warnings,
	}
}

// Emit writes r in the configured format.
func (e *Emitter) Emit(r *Report) error {
	switch e.cfg.Format {
	case FormatJSON:
		enc := json.NewEncoder(e.w)
		enc.SetIndent("", "  ")
		return enc.Encode(document{Summary: Summarize(r), Modules: e.Records(r)})
	case FormatYAML:
		enc := yaml.NewEncoder(e.w)
		enc.SetIndent(2)
		if err := enc.Encode(document{Summary: Summarize(r), Modules: e.Records(r)}); err != nil {
			return err
		}
		return enc.Close()
	case FormatText:
		return e.emitText(r)
	default:
		return fmt.Errorf("unsupported format %s", e.cfg.Format)
	}
}

func (e *Emitter) emitText(r *Report) error {
	var b strings.Builder
	for _, rec := range e.Records(r) {
		fields := []string{rec.Identifier, rec.Version, rec.LoadAddress, rec.Size}
		if e.cfg.UUIDs {
			fields = append(fields, orDash(rec.UUID))
		}
		if rec.LoadPermitted != nil {
			if *rec.LoadPermitted {
				fields = append(fields, "permitted")
			} else {
				fields = append(fields, e.yel.Sprint("denied"))
			}
		}
		if !rec.Valid {
			fields = append(fields, e.red.Sprintf("INVALID: %s", rec.Problem))
		}
		b.WriteString(strings.Join(fields, "\t"))
		b.WriteString("\n")

		if e.cfg.Verbose {
			writeVerbose(&b, rec)
		}
	}

	s := Summarize(r)
	fmt.Fprintf(&b, "%d modules, %d invalid\n", s.Modules, s.Invalid)
	_, err := io.WriteString(e.w, b.String())
	return err
}

func writeVerbose(b *strings.Builder, rec Record) {
	writeField(b, "name", rec.Name)
	writeField(b, "source address", rec.SourceAddress)
	writeField(b, "kmod info", rec.KmodInfo)
	writeField(b, "file offset", rec.FileOffset)
	writeField(b, "bundle path", rec.BundlePath)
	writeField(b, "executable", rec.ExecutablePath)
	for _, dep := range rec.Dependencies {
		fmt.Fprintf(b, "    depends on %s %s\n", dep.Identifier, dep.Version)
	}
	for _, seg := range rec.Segments {
		fmt.Fprintf(b, "    segment %-16s 0x%x +0x%x\n", seg.Name, seg.Addr, seg.Size)
	}
	writeField(b, "header", rec.HeaderError)
}

func writeField(b *strings.Builder, name, value string) {
	if value != "" {
		fmt.Fprintf(b, "    %s: %s\n", name, value)
	}
}

func hex(n uint64) string { return fmt.Sprintf("0x%x", n) }

func hexNonZero(n uint64) string {
	if n == 0 {
		return ""
	}
	return hex(n)
}

func uuidString(u *UUID) string {
	if u == nil {
		return ""
	}
	return u.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
