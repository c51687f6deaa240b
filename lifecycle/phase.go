package lifecycle

import "fmt"

// Phase is the position of the handshake.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseEarlyInit
	PhaseFilesystemReady
	PhaseBackendCreating
	PhaseBackendCreated
	PhaseMounted
	PhaseFailed
)

var phaseNames = [...]string{
	PhaseUninitialized:   "Uninitialized",
	PhaseEarlyInit:       "EarlyInit",
	PhaseFilesystemReady: "FilesystemReady",
	PhaseBackendCreating: "BackendCreating",
	PhaseBackendCreated:  "BackendCreated",
	PhaseMounted:         "Mounted",
	PhaseFailed:          "Failed",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// CanTransition reports whether the handshake may move from p to next.
// Phases advance one step at a time; any phase but Failed may fail.
func (p Phase) CanTransition(next Phase) bool {
	if p == PhaseFailed {
		return false
	}
	if next == PhaseFailed {
		return true
	}
	return next == p+1 && next <= PhaseMounted
}

// HasHandle reports whether a backend handle exists in phase p.
func (p Phase) HasHandle() bool {
	return p == PhaseBackendCreated || p == PhaseMounted
}

// Mode selects who mounts the backend.
type Mode int

const (
	// ModeDeferred publishes readiness only; the mount coordinator mounts
	// through the directory capability.
	ModeDeferred Mode = iota
	// ModeSynchronous creates and mounts the backend inside before_preload.
	ModeSynchronous
)

func (m Mode) String() string {
	switch m {
	case ModeDeferred:
		return "deferred"
	case ModeSynchronous:
		return "synchronous"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses "deferred" or "synchronous" ("sync" is accepted too).
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "deferred":
		return ModeDeferred, nil
	case "synchronous", "sync":
		return ModeSynchronous, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}
