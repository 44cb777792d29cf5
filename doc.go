// Package kclist lists the kernel extensions embedded in a prelinked kernel
// cache.
//
// A prelinked kernel cache is a Mach-O image, possibly wrapped in a fat
// container or in a compressed envelope, that carries every kernel module
// ahead of time. Two regions matter: the prelink text region holds the
// executable bytes of every module, and the prelink info region holds a
// property list cataloguing them. kclist reads both and reports, per module,
// its identifier, version, load address, size and build UUID.
//
// # Pipeline
//
// The stages run strictly in order and each can be used on its own:
//   - [Open]/[Load] parse the container and [Container.Select] picks a slice
//   - [LocateRegions] finds the text and info regions, decompressing the
//     info payload when needed
//   - [DecodeCatalog] turns the info payload into [ModuleDescriptor] records
//   - [Resolve]/[ResolveAll] bound each module against the text region and
//     read the LC_UUID of its own Mach-O header
//   - [Emitter] renders a [Report] as text, JSON or YAML
//
// # Quick Inspect
//
//	r, err := kclist.Inspect(ctx, "/System/Library/Caches/kernelcache",
//	    kclist.WithArch(kclist.Arch{CPU: types.CPUArm64}),
//	)
//	if err != nil {
//	    var ke *kclist.Error
//	    if errors.As(err, &ke) {
//	        log.Fatalf("%s: %s", ke.Kind, ke.Name)
//	    }
//	    log.Fatal(err)
//	}
//	for _, m := range r.Modules {
//	    fmt.Println(m.Descriptor.Identifier, m.Valid)
//	}
//
// # Errors
//
// Every failure is an [*Error] carrying a [Kind]. Failures in the first
// three stages abort the run. A module whose declared range falls outside
// the text region does not: it is reported with Valid set to false and the
// remaining modules are still resolved. [ClassOf] maps an error to the
// coarse class the command line tool turns into an exit status.
//
// # Policy
//
// A [Policy] answers whether a module may be loaded. The pipeline never
// consults it; only the [Emitter] does, when one is configured.
package kclist
