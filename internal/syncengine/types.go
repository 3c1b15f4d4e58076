// Package syncengine implements the per-channel bidirectional synchronization
// state machine: pairing, propagation planning, expiration, and dispatch
// over the maildriver.Driver contract and the syncstate persistence layer.
package syncengine

import (
	"github.com/mbsyncgo/mbsyncgo/internal/maildriver"
	"github.com/mbsyncgo/mbsyncgo/internal/syncstate"
)

// Ops is the per-side operation mask a channel configures (§6 prepare_opts).
type Ops uint16

const (
	OpNew Ops = 1 << iota
	OpRenew
	OpFlags
	OpExpunge
	OpDelete
	OpTrashOnlyNew
)

func (o Ops) Has(bit Ops) bool { return o&bit != 0 }

// ChannelConfig is the policy for one channel run: two sides, their op
// masks, and the slave-only expiration/trash settings.
type ChannelConfig struct {
	Name string

	Ops [2]Ops

	MasterBox string
	SlaveBox  string

	MaxSize int64 // bytes; 0 means unlimited

	// MaxMessages enforces the slave-side expiration cap (§4.5). 0 disables it.
	MaxMessages int

	// LocalTrash[t], when non-empty, is a driver-native trash mailbox path on
	// side t. RemoteTrash[t] allows a cross-side copy-to-trash fallback.
	LocalTrash  [2]string
	RemoteTrash [2]string

	FSync syncstate.FSyncLevel
}

// msgStatus mirrors the transient per-message bits from spec.md §3.
type msgStatus uint8

const (
	msgRecent msgStatus = 1 << iota
	msgDead             // expunged on its side, observed this run
	msgFlagsKnown
	msgTimeKnown
)

// message is the per-run, per-side view of a loaded message, richer than
// maildriver.Message: it carries the transient status bits and the
// back-pointer to its paired Record.
type message struct {
	driverMsg maildriver.Message
	status    msgStatus
	tuid      syncstate.TUID
	record    *syncstate.Record
}

func (m *message) deleted() bool { return m.driverMsg.Flags&maildriver.FlagTrashed != 0 }

// sideState is the per-side working set for one channel run: the loaded
// messages, a UID index for pairing, and the phase/progress bits the
// dispatcher tracks.
type sideState struct {
	side     syncstate.Side
	driver   maildriver.Driver
	box      string
	uidValidity int
	maxUID      int

	messages []*message
	byUID    map[int]*message

	phases PhaseSet

	newTotal, newDone     int
	flagsTotal, flagsDone int
	trashTotal, trashDone int

	// lastTUIDCursor is the message index of the last TUID match, used only
	// for matchTUIDs' "adjacently"/"after gap"/"after reset" diagnostic.
	lastTUIDCursor int

	// expunged records UIDs removed from this side's mailbox by Close
	// during this run, distinguishing "just vanished" from "never existed"
	// in the final purge pass (§4.6).
	expunged map[int]bool
}

// ChannelState is the full in-memory working state for one run of one
// channel, spanning both sides plus the shared record list and header.
type ChannelState struct {
	Config ChannelConfig
	Store  *syncstate.Store

	Sides [2]*sideState

	// ret accumulates the exit status bitmask (§6 Exit statuses).
	ret RetCode
}

// RetCode is the exit-status bitmask from spec.md §6.
type RetCode uint8

const (
	RetOK          RetCode = 0
	RetFail        RetCode = 1
	RetFailAll     RetCode = 2
	RetBadMaster   RetCode = 4
	RetBadSlave    RetCode = 8
)

// badBit returns the SYNC_BAD_* bit for a side.
func badBit(side syncstate.Side) RetCode {
	if side == syncstate.Master {
		return RetBadMaster
	}
	return RetBadSlave
}
