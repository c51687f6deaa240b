// Package hostfunc holds the named capabilities the host offers to the
// startup handshake and to guest code.
//
// A capability is a Go function looked up by name in a [Registry]. The host
// registers the backend factory under [CreateBackend]; in deferred mode the
// lifecycle dispatcher registers [GetOrCreateDir] once the filesystem is
// ready, and the mount coordinator finds it there. Guests reach the same
// registry through the call protocol of the wasmhost package.
//
//	registry := hostfunc.NewRegistry()
//	registry.Register(hostfunc.CreateBackend, backend.AsCapability(factory))
//
// # Built-in Capabilities
//
// Namespace: [FS] answers fs_stat, fs_exists, fs_mkdir and fs_list from the
// mount table. Directories created below a mount point land in the backend.
// fs_sync flushes every mounted backend.
//
//	hostfunc.NewFS(table).Register(registry)
//
// Readiness flags: [Flags] answers flag_get and flag_set. flag_set writes on
// behalf of the external environment, so core-owned keys are refused.
//
//	hostfunc.NewFlags(channel).Register(registry)
package hostfunc
