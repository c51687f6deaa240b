// Package lifecycle drives the startup handshake that brings a storage
// backend online.
//
// The host runtime fires three hooks in a fixed order: [HookEarlyInit] and
// [HookLateInit] while the module is being constructed, then
// [HookBeforePreload] once the virtual filesystem accepts backend
// registration and before any preload operation. A [Dispatcher] holds the
// hooks as an ordered list and rejects any other order.
//
// The dispatcher runs in one of two modes:
//
//   - [ModeDeferred] (the default): before_preload only publishes
//     filesystemReady and offers the directory capability. An external mount
//     coordinator later calls it with the real target path.
//   - [ModeSynchronous]: before_preload looks up the host's backend factory,
//     suspends until the backend exists and mounts it at a configured path.
//
// Every phase change is published on the readiness channel, together with
// the kind of any failure. The handshake moves forward one [Phase] at a time
// and [PhaseFailed] is terminal.
//
// Backend creation is not cancellable and has no timeout. A worker that never
// comes up leaves the handshake in [PhaseBackendCreating].
package lifecycle
