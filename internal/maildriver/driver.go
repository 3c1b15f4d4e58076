// Package maildriver defines the storage-agnostic contract the sync engine
// drives both the master and slave sides through (spec.md §6 External
// Interfaces), and the two concrete implementations: imapdriver and
// localdriver.
package maildriver

import (
	"context"
)

// Capability is a bitset of optional behaviors a driver supports.
type Capability uint8

const (
	// CapCRLF indicates the driver stores/transmits messages with CRLF line
	// endings (IMAP); its absence means LF-only (maildir).
	CapCRLF Capability = 1 << iota
	// CapUIDPlus indicates UID EXPUNGE is available, avoiding a full mailbox
	// scan to trash a single message.
	CapUIDPlus
)

// Flags mirrors syncstate.Flags without importing it, so drivers stay
// decoupled from the state-store package; the engine translates between the
// two at its boundary.
type Flags uint8

const (
	FlagDraft Flags = 1 << iota
	FlagFlagged
	FlagReplied
	FlagSeen
	FlagTrashed
)

// Message is a single fetched or about-to-be-stored message as the engine
// sees it: enough to pair, diff flags, and re-upload.
type Message struct {
	UID   int
	Flags Flags
	// TUID is the message's X-TUID marker as Load found it (the header for
	// IMAP, the filename's tuid segment for maildir); empty when it has none.
	TUID string
	Size int64
	// Body is present only when the message content itself was requested
	// (FetchMsg); nil for a flags-only Load listing.
	Body []byte
}

// BoxSpec names the mailbox a Select/List call should operate on.
type BoxSpec struct {
	// Path is the store-relative mailbox path (already through map_inbox /
	// flat-delimiter translation done by the engine).
	Path string
}

// SelectOptions narrows what Select needs to report back.
type SelectOptions struct {
	// SinceUID restricts Load to UIDs beyond a known high-water mark when the
	// driver can do this cheaply (UIDSearch("UID %d:*")); the driver may
	// ignore this and return everything.
	SinceUID int
	// WantBody requests full content be preloaded where cheap to do so.
	WantBody bool
}

// Driver is the contract spec.md §6 requires of both the master and slave
// side of a channel. Every method that can block on network I/O accepts a
// context so the orchestrator's errgroup can cancel the sibling side the
// moment one side fails (§4.7).
type Driver interface {
	// Capabilities reports this driver instance's static capability bits.
	Capabilities() Capability

	// Open prepares the store for use (connect, authenticate, or open the
	// local maildir root) but selects no mailbox yet.
	Open(ctx context.Context) error

	// List enumerates mailbox paths under the store root.
	List(ctx context.Context) ([]string, error)

	// Select opens the named mailbox and returns its UIDVALIDITY, the
	// highest UID currently present, and the message count.
	Select(ctx context.Context, box BoxSpec) (uidValidity int, maxUID int, count int, err error)

	// Load lists messages (UID + flags, optionally body) currently present
	// in the selected mailbox.
	Load(ctx context.Context, opts SelectOptions) ([]Message, error)

	// FetchMsg retrieves the full body of a single message by UID.
	FetchMsg(ctx context.Context, uid int) (*Message, error)

	// StoreMsg appends a new message, injecting (or, for maildir, encoding
	// into the filename) the given TUID so FindNewMsgs can locate it on the
	// next Load. Returns the assigned UID immediately if the driver knows it
	// synchronously (maildir always does; IMAP only with UIDPLUS).
	StoreMsg(ctx context.Context, msg *Message, tuid string) (uid int, known bool, err error)

	// FindNewMsgs scans for a message previously stored with StoreMsg whose
	// UID wasn't known synchronously, by its TUID.
	FindNewMsgs(ctx context.Context, tuid string) (uid int, found bool, err error)

	// SetFlags updates a message's flag set in place.
	SetFlags(ctx context.Context, uid int, add, remove Flags) error

	// TrashMsg removes a message from the selected mailbox, optionally first
	// copying it to a configured trash mailbox (the engine decides whether
	// to call Copy-then-delete or delete directly based on channel config).
	TrashMsg(ctx context.Context, uid int, trashBox string) error

	// Close expunges every message flagged deleted in the selected mailbox,
	// then ends the session for it.
	Close(ctx context.Context) error

	// Cancel aborts any in-flight operation immediately without a clean
	// protocol close, used when the sibling side has failed (§4.7).
	Cancel()
}
