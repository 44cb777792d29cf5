package kclist

import (
	"context"
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
)

// config holds the configuration for an inspection.
type config struct {
	arch          *Arch
	names         RegionNames
	maxSize       int64
	codecs        map[Encoding]Codec
	resolve       ResolveOptions
	workers       int
	logger        log.Interface
	identifiers   []string
	identifierSet map[string]struct{}
}

// Option configures [Inspect], [Open], [Load] and [LocateRegions].
type Option func(*config)

func newConfig(opts []Option) *config {
	c := &config{
		names:   DefaultRegionNames,
		maxSize: DefaultMaxDecompressedSize,
		codecs:  defaultCodecs(),
		workers: 1,
		logger:  &log.Logger{Handler: discard.New(), Level: log.DebugLevel},
	}
	for _, opt := range opts {
		opt(c)
	}
	if len(c.identifiers) > 0 {
		c.identifierSet = make(map[string]struct{}, len(c.identifiers))
		for _, id := range c.identifiers {
			c.identifierSet[id] = struct{}{}
		}
	}
	return c
}

func (c *config) decompressor() *decompressor {
	return &decompressor{codecs: c.codecs, maxSize: c.maxSize}
}

// WithArch requests a specific architecture slice.
func WithArch(a Arch) Option {
	return func(c *config) {
		c.arch = &a
	}
}

// WithRegionNames overrides the segment and section names of the text and
// info regions.
func WithRegionNames(names RegionNames) Option {
	return func(c *config) {
		c.names = names
	}
}

// WithMaxDecompressedSize bounds the declared size of any compressed payload.
func WithMaxDecompressedSize(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithCodec registers a codec for a compressed encoding, replacing any
// default one.
func WithCodec(enc Encoding, codec Codec) Option {
	return func(c *config) {
		c.codecs[enc] = codec
	}
}

// WithSourceAddresses locates module bytes by their declared source address
// instead of their load address, where the catalog provides one.
func WithSourceAddresses() Option {
	return func(c *config) {
		c.resolve.UseSourceAddress = true
	}
}

// WithWorkers resolves modules with up to n goroutines.
func WithWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithLogger sets the logger that receives pipeline progress at debug level.
func WithLogger(l log.Interface) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithIdentifiers restricts the report to the given bundle identifiers.
// Warnings still cover the whole catalog.
func WithIdentifiers(ids ...string) Option {
	return func(c *config) {
		c.identifiers = append(c.identifiers, ids...)
	}
}

// Report is the result of inspecting a container.
type Report struct {
	Path       string
	Container  ContainerKind
	Arch       Arch
	KernelUUID *UUID
	Text       Region
	Info       Region
	Modules    []ResolvedModule
	Warnings   []string
}

// InvalidCount returns how many modules resolved outside the text region.
func (r *Report) InvalidCount() int {
	n := 0
	for i := range r.Modules {
		if !r.Modules[i].Valid {
			n++
		}
	}
	return n
}

// Inspect runs the whole pipeline over the container at path. The file
// mapping is released before Inspect returns, on every path.
func Inspect(ctx context.Context, path string, opts ...Option) (*Report, error) {
	cfg := newConfig(opts)
	data, release, err := mapFile(path)
	if err != nil {
		return nil, newError(KindIO, path, err)
	}
	c, err := newContainer(data, release, cfg)
	if err != nil {
		release()
		return nil, err
	}
	defer c.Close()

	r, err := inspect(ctx, c, cfg)
	if err != nil {
		return nil, err
	}
	r.Path = path
	return r, nil
}

// InspectBytes runs the whole pipeline over an in-memory container.
func InspectBytes(ctx context.Context, data []byte, opts ...Option) (*Report, error) {
	cfg := newConfig(opts)
	if len(data) == 0 {
		return nil, newError(KindIO, "", fmt.Errorf("empty container"))
	}
	c, err := newContainer(data, nil, cfg)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return inspect(ctx, c, cfg)
}

func inspect(ctx context.Context, c *Container, cfg *config) (*Report, error) {
	logger := cfg.logger

	archs := make([]string, 0, len(c.Slices))
	for _, s := range c.Slices {
		archs = append(archs, s.Arch.String())
	}
	logger.WithFields(log.Fields{
		"kind":   c.Kind,
		"slices": strings.Join(archs, ","),
		"bytes":  c.Len(),
	}).Debug("container loaded")

	img, err := c.Select(cfg.arch)
	if err != nil {
		return nil, err
	}
	logger.WithFields(log.Fields{
		"arch":   img.Arch(),
		"offset": fmt.Sprintf("0x%x", img.Slice().Offset),
		"bytes":  img.Len(),
	}).Debug("slice selected")

	regions, err := locateRegions(img, cfg)
	if err != nil {
		return nil, err
	}
	for _, r := range []Region{regions.Text, regions.Info} {
		logger.WithFields(log.Fields{
			"region":   r.Name,
			"offset":   fmt.Sprintf("0x%x", r.Offset),
			"addr":     fmt.Sprintf("0x%x", r.Addr),
			"size":     fmt.Sprintf("0x%x", r.Size),
			"encoding": r.Encoding,
		}).Debug("region located")
	}

	cat, err := DecodeCatalog(regions.InfoData)
	if err != nil {
		return nil, err
	}
	logger.WithField("modules", len(cat.Modules)).Debug("catalog decoded")
	for _, w := range cat.Warnings {
		logger.Warn(w)
	}

	descs := cat.Modules
	if cfg.identifierSet != nil {
		descs = descs[:0:0]
		for _, d := range cat.Modules {
			if _, ok := cfg.identifierSet[d.Identifier]; ok {
				descs = append(descs, d)
			}
		}
	}

	mods, err := ResolveAll(ctx, descs, regions.Text, img, cfg.resolve, cfg.workers)
	if err != nil {
		return nil, err
	}

	r := &Report{
		Container:  c.Kind,
		Arch:       img.Arch(),
		KernelUUID: regions.KernelUUID,
		Text:       regions.Text,
		Info:       regions.Info,
		Modules:    mods,
		Warnings:   cat.Warnings,
	}
	for i := range mods {
		if !mods[i].Valid {
			logger.WithField("module", mods[i].Descriptor.Identifier).Warn(mods[i].Problem)
		}
	}
	logger.WithFields(log.Fields{
		"modules": len(mods),
		"invalid": r.InvalidCount(),
	}).Debug("modules resolved")
	return r, nil
}
