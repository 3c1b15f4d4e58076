package syncstate

import "strings"

// Flags is the synchronized message flag bitfield: {Draft, Flagged, Replied,
// Seen, Trashed}. Serialized in the fixed alphabetical order D,F,R,S,T.
type Flags uint8

const (
	FlagDraft Flags = 1 << iota
	FlagFlagged
	FlagReplied
	FlagSeen
	FlagTrashed
)

// flagLetters is the fixed DFRST serialization order from the state-file format.
var flagLetters = [...]struct {
	bit    Flags
	letter byte
}{
	{FlagDraft, 'D'},
	{FlagFlagged, 'F'},
	{FlagReplied, 'R'},
	{FlagSeen, 'S'},
	{FlagTrashed, 'T'},
}

// ParseFlags decodes a DFRST-subset string into a Flags bitfield.
func ParseFlags(s string) Flags {
	var f Flags
	i := 0
	for _, fl := range flagLetters {
		if i < len(s) && s[i] == fl.letter {
			f |= fl.bit
			i++
		}
	}
	return f
}

// String encodes Flags back into its fixed-order letter representation.
func (f Flags) String() string {
	var b strings.Builder
	for _, fl := range flagLetters {
		if f&fl.bit != 0 {
			b.WriteByte(fl.letter)
		}
	}
	return b.String()
}

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// Added returns the bits present in next but not in f.
func (f Flags) Added(next Flags) Flags { return next &^ f }

// Removed returns the bits present in f but not in next.
func (f Flags) Removed(next Flags) Flags { return f &^ next }
