package syncengine

import (
	"fmt"

	"github.com/mbsyncgo/mbsyncgo/internal/syncstate"
)

// Phase is one step of the per-side progress state machine (§4.6). The
// ordering LOADED < SENT_NEW < FOUND_NEW < SENT_FLAGS < SENT_TRASH < CLOSED <
// SENT_CANCEL < CANCELED is a real invariant (§9 Design Notes: "bitfields for
// phases... ordering is a real invariant and should be enforced by
// construction"), so PhaseSet only ever advances through Advance, never via
// raw bit assignment.
type Phase int

const (
	PhaseLoaded Phase = iota
	PhaseSentNew
	PhaseFoundNew
	PhaseSentFlags
	PhaseSentTrash
	PhaseClosed
	PhaseSentCancel
	PhaseCanceled
	phaseCount
)

// PhaseSet tracks which phases a side has reached, plus the two phase bits
// that aren't part of the total order: DID_EXPUNGE and FIND (a copy is
// awaiting find_new_msgs, independent of progress elsewhere).
type PhaseSet struct {
	reached     [phaseCount]bool
	didExpunge  bool
	findPending bool
}

// Has reports whether the side has reached at least phase p.
func (ps PhaseSet) Has(p Phase) bool { return ps.reached[p] }

// Advance marks phase p reached. It panics if an earlier phase hasn't been
// reached yet, which is exactly the invariant the spec asks to enforce by
// construction rather than by convention.
func (ps *PhaseSet) Advance(p Phase) {
	for i := Phase(0); i < p; i++ {
		if !ps.reached[i] {
			panic(fmt.Sprintf("syncengine: phase %d reached before phase %d", p, i))
		}
	}
	ps.reached[p] = true
}

func (ps *PhaseSet) SetDidExpunge()    { ps.didExpunge = true }
func (ps PhaseSet) DidExpunge() bool   { return ps.didExpunge }
func (ps *PhaseSet) SetFindPending(v bool) { ps.findPending = v }
func (ps PhaseSet) FindPending() bool  { return ps.findPending }

// newPhaseComplete reports whether the NEW phase for a side is done: the
// phase bit is set and every dispatched copy has been accounted for
// (§5 "done == total && SENT_X is an unambiguous phase-complete signal").
func (s *sideState) newPhaseComplete() bool {
	return s.phases.Has(PhaseSentNew) && s.newDone == s.newTotal
}

func (s *sideState) flagsPhaseComplete() bool {
	return s.phases.Has(PhaseSentFlags) && s.flagsDone == s.flagsTotal
}

func (s *sideState) trashPhaseComplete() bool {
	return s.phases.Has(PhaseSentTrash) && s.trashDone == s.trashTotal
}

// readyToClose reports whether side t may issue driver Close: FOUND_NEW and
// SENT_TRASH both reached, and the trash counters have drained (§4.6).
func (s *sideState) readyToClose() bool {
	return s.phases.Has(PhaseFoundNew) && s.trashPhaseComplete()
}

// finalPurge implements §4.6's final purge pass, run once both sides have
// reached CLOSED. Expunge during Close can make a UID this run believed
// present vanish without ever being re-Loaded; sideState.expunged records
// exactly those so the purge can tell "gone" from "never was".
func finalPurge(cs *ChannelState) error {
	j := cs.Store.Journal()

	for _, r := range cs.Store.Records {
		if r.Dead() {
			continue
		}
		goneM := gone(cs.Sides[syncstate.Master], r.UID[syncstate.Master])
		goneS := gone(cs.Sides[syncstate.Slave], r.UID[syncstate.Slave])

		switch {
		case goneM && goneS:
			if err := j.Kill(r); err != nil {
				return err
			}
			r.Status |= syncstate.StatusDead
		case r.Status.Has(syncstate.StatusExpired) && r.UID[syncstate.Slave].Int() <= cs.Store.Header.SMaxXUID:
			// Housekeeping: an EXPIRED record at or below the persisted
			// smaxxuid floor has already been accounted for in the header
			// and need not be retained to prevent re-copy.
			if goneM {
				if err := j.Kill(r); err != nil {
					return err
				}
				r.Status |= syncstate.StatusDead
			}
		case goneM:
			if err := j.ResolveUID(r, syncstate.Master, syncstate.UIDNone); err != nil {
				return err
			}
			r.UID[syncstate.Master] = syncstate.UIDNone
		case goneS:
			if err := j.ResolveUID(r, syncstate.Slave, syncstate.UIDNone); err != nil {
				return err
			}
			r.UID[syncstate.Slave] = syncstate.UIDNone
		}
	}
	return nil
}

// gone reports whether a record's UID on the given side was present but was
// expunged from the mailbox during this run's Close.
func gone(s *sideState, uid syncstate.UID) bool {
	if !uid.IsPresent() {
		return false
	}
	return s.expunged[uid.Int()]
}
