// Package seen reconciles the seen state of a message across the store row,
// the in-memory override map and the remote flag.
package seen

import "github.com/matheus3301/chatsync/internal/store"

// Flag is an optional boolean: a source either has no opinion or reports one.
type Flag uint8

const (
	Unknown Flag = iota
	No
	Yes
)

// FlagOf converts a concrete remote value into a Flag.
func FlagOf(b bool) Flag {
	if b {
		return Yes
	}
	return No
}

func (f Flag) String() string {
	switch f {
	case No:
		return "no"
	case Yes:
		return "yes"
	default:
		return "unknown"
	}
}

// Merge returns the seen state of row given the override and remote flags.
// Any true source wins; absent sources count as false.
func Merge(row store.Message, override, remote Flag) bool {
	return row.Seen || override == Yes || remote == Yes
}
