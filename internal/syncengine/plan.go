package syncengine

import (
	"context"
	"fmt"

	"github.com/mbsyncgo/mbsyncgo/internal/logging"
	"github.com/mbsyncgo/mbsyncgo/internal/maildriver"
	"github.com/mbsyncgo/mbsyncgo/internal/syncstate"
)

var planLog = logging.WithComponent("syncengine.plan")

// pendingCopy is one Phase A decision carried through to dispatch.
type pendingCopy struct {
	record  *syncstate.Record
	side    syncstate.Side // destination side
	srcMsg  *message
}

// planPhaseA implements §4.4 Phase A: propose new-message copies (or RENEW
// re-proposals) for every unpaired message, honoring max_size and the
// FLAGGED override.
func planPhaseA(cs *ChannelState, side syncstate.Side) []pendingCopy {
	src := cs.Sides[side.Other()]
	ops := cs.Config.Ops[side]

	var copies []pendingCopy
	for _, m := range src.messages {
		eligible := (m.record == nil && ops.Has(OpNew)) ||
			(m.record != nil && m.record.UID[side].IsSkipped() && ops.Has(OpRenew))
		if !eligible {
			continue
		}

		if m.deleted() && cs.Config.Ops[side.Other()].Has(OpExpunge) {
			continue // will be expunged on its own side anyway
		}

		sizeOK := cs.Config.MaxSize == 0 || m.driverMsg.Size <= cs.Config.MaxSize
		flagged := m.driverMsg.Flags&maildriver.FlagFlagged != 0
		if !flagged && !sizeOK {
			rec := m.record
			if rec == nil {
				rec = newPlaceholderRecord(cs, side.Other(), m)
			}
			rec.UID[side] = syncstate.UIDSkip
			if err := cs.Store.Journal().ResolveUID(rec, side, syncstate.UIDSkip); err != nil {
				planLog.Error().Err(err).Msg("journal renew-skip")
			}
			continue
		}

		rec := m.record
		if rec == nil {
			rec = newPlaceholderRecord(cs, side.Other(), m)
		}
		copies = append(copies, pendingCopy{record: rec, side: side, srcMsg: m})
	}
	return copies
}

func newPlaceholderRecord(cs *ChannelState, srcSide syncstate.Side, m *message) *syncstate.Record {
	rec := &syncstate.Record{}
	rec.UID[srcSide] = syncstate.UID(m.driverMsg.UID)
	rec.UID[srcSide.Other()] = syncstate.UIDPending
	rec.Flags = toStateFlags(m.driverMsg.Flags)
	cs.Store.Records = append(cs.Store.Records, rec)
	m.record = rec
	rec.Msg[srcSide] = m
	if err := cs.Store.Journal().New(rec); err != nil {
		planLog.Error().Err(err).Msg("journal new-record")
	}
	if rec.Flags != 0 {
		if err := cs.Store.Journal().Flags(rec); err != nil {
			planLog.Error().Err(err).Msg("journal flags")
		}
	}
	return rec
}

// dispatchCopy performs one Phase A copy end to end: assign and durably
// journal the TUID, fetch from the source, rewrite, store to the
// destination, and resolve (or mark pending) the destination UID.
func dispatchCopy(ctx context.Context, cs *ChannelState, c pendingCopy) error {
	srcSide := c.side.Other()
	src := cs.Sides[srcSide]
	dst := cs.Sides[c.side]

	planLog.Debug().Int("uid", c.srcMsg.driverMsg.UID).Str("verb", c.side.HotlinkVerb()).Msg("copying new message")

	tuid, err := syncstate.NewTUID()
	if err != nil {
		return fmt.Errorf("generate tuid: %w", err)
	}
	c.record.TUID = tuid
	c.record.UID[c.side] = syncstate.UIDPending
	if err := cs.Store.Journal().TUIDAssigned(c.record); err != nil {
		return fmt.Errorf("journal tuid: %w", err)
	}

	full, err := src.driver.FetchMsg(ctx, c.srcMsg.driverMsg.UID)
	if err != nil {
		if de, ok := asDriverError(err); ok && de.Kind == KindMsgBad {
			planLog.Warn().Err(err).Int("uid", c.srcMsg.driverMsg.UID).Msg("message unreadable, killing record")
			if jerr := cs.Store.Journal().Kill(c.record); jerr != nil {
				return jerr
			}
			c.record.Status |= syncstate.StatusDead
			return nil
		}
		return fmt.Errorf("fetch uid %d: %w", c.srcMsg.driverMsg.UID, err)
	}

	out, err := prepareCopy(full, string(tuid), src.driver.Capabilities(), dst.driver.Capabilities())
	if err != nil {
		planLog.Warn().Err(err).Int("uid", c.srcMsg.driverMsg.UID).Msg("skipping message with malformed header")
		return nil
	}

	uid, known, err := dst.driver.StoreMsg(ctx, out, string(tuid))
	if err != nil {
		return fmt.Errorf("store to %s: %w", c.side, err)
	}
	if known {
		if err := cs.Store.Journal().ResolveUID(c.record, c.side, syncstate.UID(uid)); err != nil {
			return err
		}
		c.record.UID[c.side] = syncstate.UID(uid)
		c.record.TUID = ""
	} else {
		dst.phases.SetFindPending(true)
	}
	dst.newDone++
	return nil
}

// sideDiff is the Phase B outcome for one record on one side.
type sideDiff struct {
	vanished bool
	aflags   syncstate.Flags
	dflags   syncstate.Flags
}

// planPhaseB implements §4.4 Phase B over every live, non-DONE record.
func planPhaseB(cs *ChannelState) {
	for _, r := range cs.Store.Records {
		if r.Dead() || r.Done() {
			continue
		}
		noM := messageAbsent(cs, syncstate.Master, r)
		noS := messageAbsent(cs, syncstate.Slave, r)
		delM := noM && r.UID[syncstate.Master].IsPresent()
		delS := noS && r.UID[syncstate.Slave].IsPresent()

		if noM && noS {
			if err := cs.Store.Journal().Kill(r); err != nil {
				planLog.Error().Err(err).Msg("journal kill")
			}
			r.Status |= syncstate.StatusDead
			continue
		}

		if delS && cs.Config.Ops[syncstate.Master].Has(OpDelete) {
			r.AFlags[syncstate.Master] |= syncstate.FlagTrashed
			r.Status |= syncstate.DelBit(syncstate.Slave)
			continue
		}
		if delM && cs.Config.Ops[syncstate.Slave].Has(OpDelete) {
			r.AFlags[syncstate.Slave] |= syncstate.FlagTrashed
			r.Status |= syncstate.DelBit(syncstate.Master)
			continue
		}

		for _, t := range []syncstate.Side{syncstate.Master, syncstate.Slave} {
			if !cs.Config.Ops[t].Has(OpFlags) {
				continue
			}
			m := messageFor(cs, t.Other(), r)
			if m == nil {
				continue
			}
			srcFlags := toStateFlags(m.driverMsg.Flags)
			add := srcFlags &^ r.Flags
			del := r.Flags &^ srcFlags

			// §4.5: master must never gain DELETED purely because slave's
			// DELETED is an expiration artifact.
			if t == syncstate.Master && r.Status&(syncstate.StatusExpire|syncstate.StatusExpired) != 0 {
				add &^= syncstate.FlagTrashed
			}
			r.AFlags[t] |= add
			r.DFlags[t] |= del
		}
	}
}

func messageAbsent(cs *ChannelState, side syncstate.Side, r *syncstate.Record) bool {
	if !r.UID[side].IsPresent() {
		return false
	}
	s := cs.Sides[side]
	_, ok := s.byUID[r.UID[side].Int()]
	return !ok
}

func messageFor(cs *ChannelState, side syncstate.Side, r *syncstate.Record) *message {
	if !r.UID[side].IsPresent() {
		return nil
	}
	return cs.Sides[side].byUID[r.UID[side].Int()]
}

// planPhaseC implements §4.4 Phase C: dispatch set_flags for every record
// with a pending delta, and apply the EXPUNGE-without-trash flag-discard
// rule.
func planPhaseC(ctx context.Context, cs *ChannelState, side syncstate.Side) error {
	s := cs.Sides[side]
	ops := cs.Config.Ops[side]
	hasTrash := cs.Config.LocalTrash[side] != "" || cs.Config.RemoteTrash[side] != ""

	for _, r := range cs.Store.Records {
		if r.Dead() || r.Done() {
			continue
		}
		add, del := r.AFlags[side], r.DFlags[side]
		if add == 0 && del == 0 {
			continue
		}
		if ops.Has(OpExpunge) && !hasTrash {
			// Discard everything except the DELETED addition: the message
			// is going away regardless, so other flag churn is wasted work.
			deletedAdd := add & syncstate.FlagTrashed
			add = deletedAdd
			del = 0
		}
		if add == 0 && del == 0 {
			r.AFlags[side] = 0
			r.DFlags[side] = 0
			continue
		}

		uid := r.UID[side]
		if !uid.IsPresent() {
			continue
		}
		s.flagsTotal++
		if err := s.driver.SetFlags(ctx, uid.Int(), toDriverFlags(add), toDriverFlags(del)); err != nil {
			return fmt.Errorf("set flags uid %d: %w", uid.Int(), err)
		}
		s.flagsDone++

		r.Flags = (r.Flags &^ del) | add
		r.AFlags[side] = 0
		r.DFlags[side] = 0

		if side == syncstate.Slave {
			if err := commitExpireTransition(cs, r); err != nil {
				return err
			}
		}
	}
	s.phases.Advance(PhaseSentFlags)
	return nil
}

// commitExpireTransition journals the EXPIRE<->EXPIRED transition once the
// corresponding flag write has actually landed (§4.4 Phase C, §4.5).
func commitExpireTransition(cs *ChannelState, r *syncstate.Record) error {
	switch {
	case r.Status.Has(syncstate.StatusExpire) && !r.Status.Has(syncstate.StatusExpired):
		if err := cs.Store.Journal().ExpireCommit(r); err != nil {
			return err
		}
		r.Status |= syncstate.StatusExpired
		if r.UID[syncstate.Slave].Int() > cs.Store.Header.SMaxXUID {
			cs.Store.Header.SMaxXUID = r.UID[syncstate.Slave].Int()
		}
	case !r.Status.Has(syncstate.StatusExpire) && r.Status.Has(syncstate.StatusExpired):
		if err := cs.Store.Journal().ExpireRevert(r); err != nil {
			return err
		}
		r.Status &^= syncstate.StatusExpired
	}
	return nil
}

func toStateFlags(f maildriver.Flags) syncstate.Flags {
	var out syncstate.Flags
	if f&maildriver.FlagDraft != 0 {
		out |= syncstate.FlagDraft
	}
	if f&maildriver.FlagFlagged != 0 {
		out |= syncstate.FlagFlagged
	}
	if f&maildriver.FlagReplied != 0 {
		out |= syncstate.FlagReplied
	}
	if f&maildriver.FlagSeen != 0 {
		out |= syncstate.FlagSeen
	}
	if f&maildriver.FlagTrashed != 0 {
		out |= syncstate.FlagTrashed
	}
	return out
}

func toDriverFlags(f syncstate.Flags) maildriver.Flags {
	var out maildriver.Flags
	if f&syncstate.FlagDraft != 0 {
		out |= maildriver.FlagDraft
	}
	if f&syncstate.FlagFlagged != 0 {
		out |= maildriver.FlagFlagged
	}
	if f&syncstate.FlagReplied != 0 {
		out |= maildriver.FlagReplied
	}
	if f&syncstate.FlagSeen != 0 {
		out |= maildriver.FlagSeen
	}
	if f&syncstate.FlagTrashed != 0 {
		out |= maildriver.FlagTrashed
	}
	return out
}
