// Package readiness implements the readiness signal channel: a fixed-schema
// set of flags that the handshake core publishes and an external environment
// observes.
//
// # Ownership
//
// Every key has exactly one writer. The core owns all keys except
// [KeyCapabilityAvailable], which the external environment writes to report
// that its mount functions exist. Writes through the wrong side fail with
// [ErrNotOwner]:
//
//	ch := readiness.New()
//	ch.Core().SetBool(readiness.KeyFilesystemReady, true)
//	ch.External().SetBool(readiness.KeyCapabilityAvailable, true)
//	ch.External().SetBool(readiness.KeyBackendMounted, true) // ErrNotOwner
//
// # Observation
//
// Writes are last-writer-wins per key. Readers either poll [Channel.Snapshot]
// or block on [Channel.Wait] until a condition over the flags holds:
//
//	flags, err := ch.Wait(ctx, func(f readiness.Flags) bool {
//	    return f.FilesystemReady
//	})
//
// Every read may be stale by the time it is used; the channel promises only
// that a write is eventually visible to every reader.
package readiness
