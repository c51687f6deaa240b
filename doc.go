// Package wasmfs boots a WebAssembly virtual filesystem and mounts
// origin-private storage backends into it.
//
// # Overview
//
// The runtime fires the lifecycle hooks early_init, late_init and
// before_preload in that order, then preload. Each step is published on a
// readiness channel that outside code can poll or wait on. In deferred mode
// the filesystem becomes ready without a backend and a mount coordinator
// later mounts each top-level storage directory at "/" + name. In
// synchronous mode before_preload creates one backend and mounts it at
// /home.
//
// # Basic Usage
//
//	ch := readiness.New()
//	reg := hostfunc.NewRegistry()
//	table := mount.New()
//	opfs := backend.NewOPFS(backend.NewMemRoot())
//
//	d := lifecycle.New(ch, reg, table, lifecycle.Config{}, lifecycle.WithStorage(opfs))
//	host, _ := wasmhost.New(d)
//	defer host.Close()
//
//	coord := coordinator.New(ch, reg, opfs.Root(), coordinator.WithDependencies(d.Dependencies()))
//	done := coord.Go(ctx)
//	_ = host.Boot(ctx)
//	fmt.Println((<-done).Mounted)
//
// # Packages
//
//   - lifecycle: hook dispatcher, handshake phases and run dependencies
//   - backend: storage roots, backend handles and the blocking factory task
//   - mount: the mount table and its errno-coded errors
//   - readiness: the typed flag channel shared with outside code
//   - coordinator: the deferred-mode mount coordinator
//   - watch: polling change watchers over the namespace
//   - hostfunc: host capability registry and guest-callable functions
//   - wasmhost: wazero host module exposing the hooks, and guest runs
//   - config, metrics: configuration and Prometheus metrics
//
// The wasmfs command (cmd/wasmfs) wires all of this from a config file.
package wasmfs
