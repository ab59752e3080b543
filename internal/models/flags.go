package models

import "strings"

// Flag is a bitset over the five system flags defined by RFC 9051.
type Flag uint8

const (
	FlagSeen Flag = 1 << iota
	FlagAnswered
	FlagFlagged
	FlagDeleted
	FlagDraft
)

// flagNames holds the canonical wire order used in FLAGS responses.
var flagNames = []struct {
	bit  Flag
	name string
}{
	{FlagSeen, `\Seen`},
	{FlagAnswered, `\Answered`},
	{FlagFlagged, `\Flagged`},
	{FlagDeleted, `\Deleted`},
	{FlagDraft, `\Draft`},
}

// AllFlags is the full set of system flags the server supports.
const AllFlags = FlagSeen | FlagAnswered | FlagFlagged | FlagDeleted | FlagDraft

// Has reports whether all bits in mask are set.
func (f Flag) Has(mask Flag) bool {
	return f&mask == mask
}

// String renders the flag set as space-joined backslash-prefixed tokens
// in canonical order, e.g. `\Seen \Deleted`.
func (f Flag) String() string {
	var names []string
	for _, fn := range flagNames {
		if f&fn.bit != 0 {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, " ")
}

// ParseFlags scans raw for known flag tokens, case-insensitively and in any
// order. Unknown tokens are ignored.
func ParseFlags(raw string) Flag {
	var f Flag
	upper := strings.ToUpper(raw)
	for _, fn := range flagNames {
		if strings.Contains(upper, strings.ToUpper(fn.name)) {
			f |= fn.bit
		}
	}
	return f
}

// FlagList renders the canonical FLAGS list used in SELECT responses.
func FlagList() string {
	names := make([]string, 0, len(flagNames))
	for _, fn := range flagNames {
		names = append(names, fn.name)
	}
	return strings.Join(names, " ")
}
