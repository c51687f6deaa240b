package readiness

import "errors"

// Key names a readiness flag. The set of keys is fixed.
type Key string

const (
	KeyFilesystemReady     Key = "filesystemReady"
	KeyBackendMounted      Key = "backendMounted"
	KeyMountPath           Key = "mountPath"
	KeyMountedPaths        Key = "mountedPaths"
	KeyEarlyInitCalled     Key = "earlyInitCalled"
	KeyLateInitCalled      Key = "lateInitCalled"
	KeyCapabilityAvailable Key = "opfsFunctionsAvailable"
	KeyPhase               Key = "handshakePhase"
	KeyFailure             Key = "failureKind"
	KeyFailureDetail       Key = "failureDetail"
)

// Owner identifies the side allowed to write a key.
type Owner int

const (
	OwnerCore Owner = iota
	OwnerExternal
)

func (o Owner) String() string {
	switch o {
	case OwnerCore:
		return "core"
	case OwnerExternal:
		return "external"
	default:
		return "unknown"
	}
}

type valueKind int

const (
	kindBool valueKind = iota
	kindString
	kindStrings
)

func (k valueKind) String() string {
	switch k {
	case kindBool:
		return "bool"
	case kindString:
		return "string"
	default:
		return "[]string"
	}
}

type field struct {
	owner Owner
	kind  valueKind
}

var schema = map[Key]field{
	KeyFilesystemReady:     {OwnerCore, kindBool},
	KeyBackendMounted:      {OwnerCore, kindBool},
	KeyMountPath:           {OwnerCore, kindString},
	KeyMountedPaths:        {OwnerCore, kindStrings},
	KeyEarlyInitCalled:     {OwnerCore, kindBool},
	KeyLateInitCalled:      {OwnerCore, kindBool},
	KeyCapabilityAvailable: {OwnerExternal, kindBool},
	KeyPhase:               {OwnerCore, kindString},
	KeyFailure:             {OwnerCore, kindString},
	KeyFailureDetail:       {OwnerCore, kindString},
}

// allKeys lists the schema in a stable order.
var allKeys = []Key{
	KeyFilesystemReady,
	KeyBackendMounted,
	KeyMountPath,
	KeyMountedPaths,
	KeyEarlyInitCalled,
	KeyLateInitCalled,
	KeyCapabilityAvailable,
	KeyPhase,
	KeyFailure,
	KeyFailureDetail,
}

var (
	ErrUnknownKey = errors.New("unknown readiness flag")
	ErrNotOwner   = errors.New("readiness flag owned by the other side")
	ErrWrongType  = errors.New("readiness flag value has the wrong type")
)

// Keys returns every known key in a stable order.
func Keys() []Key {
	out := make([]Key, len(allKeys))
	copy(out, allKeys)
	return out
}

// OwnerOf reports which side writes key.
func OwnerOf(key Key) (Owner, bool) {
	f, ok := schema[key]
	return f.owner, ok
}

// ParseKey validates a key name received across the host boundary.
func ParseKey(name string) (Key, error) {
	key := Key(name)
	if _, ok := schema[key]; !ok {
		return "", ErrUnknownKey
	}
	return key, nil
}
