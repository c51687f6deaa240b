// Package wasmhost is the wazero side of the handshake.
//
// A [Host] owns a wazero runtime with WASI and installs a host module named
// "wasmfs" whose exports are the lifecycle hooks. The runtime (or [Host.Boot],
// which plays the runtime's part) calls them in order:
//
//	early_init -> late_init -> before_preload -> preload
//
// Every export takes no arguments and returns an i32 errno, 0 on success.
// The non-zero values are the wazero experimental/sys Errno numbers.
//
// # Basic Usage
//
//	host, err := wasmhost.New(dispatcher)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer host.Close()
//
//	if err := host.Boot(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	result := host.Run(ctx, guestWasm, []string{"guest"})
//
// # Guest Calls
//
// A running guest reaches the host capability registry by writing
//
//	\x00WASMFS:{"fn":"fs_stat","args":{"path":"/home"}}\x00
//
// to stderr. The reply is one JSON line on stdin: {"data":...} or
// {"error":"..."}. All other stderr output is passed through.
package wasmhost
