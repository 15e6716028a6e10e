package lock

import "strings"

// Mode is a multiple-granularity lock mode. Intent modes are taken on
// ancestors to announce finer-grained locks below without blocking them.
type Mode int

const (
	ModeIntentShared Mode = iota
	ModeIntentExclusive
	ModeShared
	ModeExclusive
)

var modeNames = map[Mode]string{
	ModeIntentShared:    "intent-shared",
	ModeIntentExclusive: "intent-exclusive",
	ModeShared:          "shared",
	ModeExclusive:       "exclusive",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return "unknown"
}

// compatibility is the standard multiple-granularity matrix:
//
//	     IS   IX   S    X
//	IS   ok   ok   ok   -
//	IX   ok   ok   -    -
//	S    ok   -    ok   -
//	X    -    -    -    -
var compatibility = map[Mode]map[Mode]bool{
	ModeIntentShared:    {ModeIntentShared: true, ModeIntentExclusive: true, ModeShared: true},
	ModeIntentExclusive: {ModeIntentShared: true, ModeIntentExclusive: true},
	ModeShared:          {ModeIntentShared: true, ModeShared: true},
	ModeExclusive:       {},
}

func (m Mode) CompatibleWith(other Mode) bool {
	return compatibility[m][other]
}

// Scope selects how much of the key space a lock covers. Entity and File
// cover a single key; Subtree and Directory cover the key and everything
// beneath it.
type Scope int

const (
	ScopeEntity Scope = iota
	ScopeFile
	ScopeSubtree
	ScopeDirectory
)

var scopeNames = map[Scope]string{
	ScopeEntity:    "entity",
	ScopeFile:      "file",
	ScopeSubtree:   "subtree",
	ScopeDirectory: "directory",
}

func (s Scope) String() string {
	if name, ok := scopeNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s Scope) isPrefix() bool {
	return s == ScopeSubtree || s == ScopeDirectory
}

// covers reports whether a lock with the given scope on lockKey covers key.
func covers(lockKey string, scope Scope, key string) bool {
	if lockKey == key {
		return true
	}
	if !scope.isPrefix() {
		return false
	}
	return strings.HasPrefix(key, lockKey+"/")
}

// targetsOverlap reports whether two lock targets share any key.
func targetsOverlap(aKey string, aScope Scope, bKey string, bScope Scope) bool {
	return covers(aKey, aScope, bKey) || covers(bKey, bScope, aKey)
}

// parentKey returns the path prefix one level above key, or "" for top-level
// keys.
func parentKey(key string) string {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return ""
	}
	return key[:idx]
}
