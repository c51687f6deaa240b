package logger

// Standard field keys. Use these consistently so handshake logs can be
// filtered by hook, phase or path.
const (
	KeyHook       = "hook"
	KeyPhase      = "phase"
	KeyMode       = "mode"
	KeyPath       = "path"
	KeyPerm       = "perm"
	KeyBackend    = "backend"
	KeyCapability = "capability"
	KeyAvailable  = "available"
	KeyKind       = "kind"
	KeyCode       = "code"
	KeyDependency = "dependency"
	KeyError      = "error"
	KeyDuration   = "duration_ms"
	KeyFlag       = "flag"
)
