package kclist

import (
	"bytes"
	"fmt"
	"regexp"
	"slices"

	"howett.net/plist"
)

// Catalog keys read by [DecodeCatalog].
const (
	KeyPrelinkInfoDictionary = "_PrelinkInfoDictionary"
	KeyBundleIdentifier      = "CFBundleIdentifier"
	KeyBundleVersion         = "CFBundleVersion"
	KeyBundleName            = "CFBundleName"
	KeyExecutableLoadAddr    = "_PrelinkExecutableLoadAddr"
	KeyExecutableSize        = "_PrelinkExecutableSize"
	KeyExecutableSourceAddr  = "_PrelinkExecutableSourceAddr"
	KeyKmodInfo              = "_PrelinkKmodInfo"
	KeyBundlePath            = "_PrelinkBundlePath"
	KeyExecutableRelPath     = "_PrelinkExecutableRelativePath"
	KeyBundleLibraries       = "OSBundleLibraries"
	KeyBundleUUID            = "OSBundleUUID"
)

// Dependency is one entry of a module's OSBundleLibraries.
type Dependency struct {
	Identifier string `json:"identifier" yaml:"identifier"`
	Version    string `json:"version" yaml:"version"`
}

// ModuleDescriptor is one catalog record.
type ModuleDescriptor struct {
	Identifier string
	Version    string
	Name       string
	// LoadAddress is the declared virtual address of the executable.
	LoadAddress uint64
	// Size is the declared executable size; zero means no executable payload.
	Size uint64
	// SourceAddress is where the executable sits in the cache's address
	// space, when it differs from the load address.
	SourceAddress  uint64
	KmodInfo       uint64
	BundlePath     string
	ExecutablePath string
	// Dependencies are sorted by identifier.
	Dependencies []Dependency
	// CatalogUUID is the build identifier declared by the catalog, if any.
	CatalogUUID *UUID
	// Attributes is the complete record.
	Attributes Value
}

// Catalog is the decoded prelink info region.
type Catalog struct {
	Modules  []ModuleDescriptor
	Warnings []string
	Root     Value
}

// DecodeCatalog parses the prelink info bytes. A buffer that is not a
// property list, or whose root lacks the module collection, is reported as
// [KindCatalogCorrupt]; individual records that cannot become descriptors
// are skipped with a warning.
func DecodeCatalog(data []byte) (*Catalog, error) {
	data = trimPadding(data)
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, newError(KindCatalogCorrupt, KeyPrelinkInfoDictionary, fmt.Errorf("empty catalog"))
	}

	var tree any
	if _, err := plist.Unmarshal(resolveIDRefs(data), &tree); err != nil {
		return nil, newError(KindCatalogCorrupt, "", err)
	}
	root := valueFrom(tree)
	if root.Type() != TypeMapping {
		return nil, newError(KindCatalogCorrupt, "", fmt.Errorf("root is a %s, want mapping", root.Type()))
	}
	list := root.Lookup(KeyPrelinkInfoDictionary)
	if list.Type() != TypeCollection {
		return nil, newError(KindCatalogCorrupt, KeyPrelinkInfoDictionary,
			fmt.Errorf("missing or not a collection (%s)", list.Type()))
	}

	cat := &Catalog{Root: root}
	seen := make(map[string]int, list.Len())
	for i, rec := range list.Elements() {
		if rec.Type() != TypeMapping {
			cat.Warnings = append(cat.Warnings, fmt.Sprintf("record %d: %s is not a mapping, skipped", i, rec.Type()))
			continue
		}
		d := descriptorFrom(rec)
		if d.Identifier == "" {
			cat.Warnings = append(cat.Warnings, fmt.Sprintf("record %d: missing %s, skipped", i, KeyBundleIdentifier))
			continue
		}
		if first, dup := seen[d.Identifier]; dup {
			cat.Warnings = append(cat.Warnings, fmt.Sprintf("record %d: duplicate identifier %s (first at record %d)", i, d.Identifier, first))
		} else {
			seen[d.Identifier] = i
		}
		cat.Modules = append(cat.Modules, d)
	}
	return cat, nil
}

// trimPadding drops the NUL padding that follows an XML catalog in its
// section. Binary property lists end in a trailer whose last byte may
// legitimately be zero, so they are returned unchanged.
func trimPadding(data []byte) []byte {
	if bytes.HasPrefix(data, []byte("bplist")) {
		return data
	}
	return bytes.TrimRight(data, "\x00")
}

func descriptorFrom(rec Value) ModuleDescriptor {
	d := ModuleDescriptor{
		Identifier:     rec.Lookup(KeyBundleIdentifier).AsString(),
		Version:        rec.Lookup(KeyBundleVersion).AsString(),
		Name:           rec.Lookup(KeyBundleName).AsString(),
		LoadAddress:    rec.Lookup(KeyExecutableLoadAddr).AsUint(),
		Size:           rec.Lookup(KeyExecutableSize).AsUint(),
		SourceAddress:  rec.Lookup(KeyExecutableSourceAddr).AsUint(),
		KmodInfo:       rec.Lookup(KeyKmodInfo).AsUint(),
		BundlePath:     rec.Lookup(KeyBundlePath).AsString(),
		ExecutablePath: rec.Lookup(KeyExecutableRelPath).AsString(),
		Attributes:     rec,
	}

	libs := rec.Lookup(KeyBundleLibraries)
	for _, id := range libs.Keys() {
		d.Dependencies = append(d.Dependencies, Dependency{Identifier: id, Version: libs.Lookup(id).AsString()})
	}

	switch u := rec.Lookup(KeyBundleUUID); u.Type() {
	case TypeBlob:
		if b := u.AsBytes(); len(b) == len(UUID{}) {
			var id UUID
			copy(id[:], b)
			d.CatalogUUID = &id
		}
	case TypeString:
		if id, err := ParseUUID(u.AsString()); err == nil {
			d.CatalogUUID = &id
		}
	}
	return d
}

// Serialized kernel catalogs share repeated leaf values through ID/IDREF
// attributes, which generic property list decoders do not understand.
var (
	idDefinition = regexp.MustCompile(`<(string|integer|data|real|date)(\s[^>]*?)?\s+ID="([^"]*)"([^>]*)>([^<]*)</(string|integer|data|real|date)>`)
	idReference  = regexp.MustCompile(`<([a-z]+)(\s[^>]*?)?\s+IDREF="([^"]*)"[^>]*/>`)
)

// resolveIDRefs inlines ID/IDREF leaf references of an XML property list.
// Binary property lists are returned unchanged.
// Definitions lose their ID attribute; references to unknown IDs or to
// non-leaf values become empty strings, which the attribute coercions treat
// as missing.
func resolveIDRefs(data []byte) []byte {
	if bytes.HasPrefix(data, []byte("bplist")) || !bytes.Contains(data, []byte("ID=")) {
		return data
	}

	defs := make(map[string][]byte)
	data = idDefinition.ReplaceAllFunc(data, func(m []byte) []byte {
		sub := idDefinition.FindSubmatch(m)
		if !bytes.Equal(sub[1], sub[6]) {
			return m
		}
		var el []byte
		el = fmt.Appendf(el, "<%s%s%s>%s</%s>", sub[1], sub[2], sub[4], sub[5], sub[1])
		defs[string(sub[3])] = el
		return el
	})

	return idReference.ReplaceAllFunc(data, func(m []byte) []byte {
		sub := idReference.FindSubmatch(m)
		if el, ok := defs[string(sub[3])]; ok {
			return slices.Clone(el)
		}
		return []byte("<string></string>")
	})
}
