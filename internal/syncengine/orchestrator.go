package syncengine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mbsyncgo/mbsyncgo/internal/logging"
	"github.com/mbsyncgo/mbsyncgo/internal/maildriver"
	"github.com/mbsyncgo/mbsyncgo/internal/syncstate"
)

var orchLog = logging.WithComponent("syncengine")

// Stats reports the per-side dispatch totals from one SyncBoxes run, for
// callers (runlog) that want to record more than just the exit code.
type Stats struct {
	New   [2]int
	Flags [2]int
	Trash [2]int
}

// SyncBoxes is the channel orchestrator entry point (§4.1's sync_boxes):
// open the state store, select both mailboxes concurrently, load and pair
// messages, run the propagation planner and expiration controller, dispatch
// the resulting actions, close both sides, and commit.
func SyncBoxes(ctx context.Context, statePath string, masterDriver, slaveDriver maildriver.Driver, cfg ChannelConfig) (RetCode, Stats, error) {
	orchLog.Info().Str("channel", cfg.Name).Msg("starting sync")

	store, err := syncstate.Open(statePath, cfg.FSync)
	if err != nil {
		return RetFail, Stats{}, fmt.Errorf("open sync state: %w", err)
	}

	cs := &ChannelState{Config: cfg, Store: store}
	cs.Sides[syncstate.Master] = &sideState{side: syncstate.Master, driver: masterDriver, box: cfg.MasterBox, expunged: make(map[int]bool)}
	cs.Sides[syncstate.Slave] = &sideState{side: syncstate.Slave, driver: slaveDriver, box: cfg.SlaveBox, expunged: make(map[int]bool)}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctrl := newCancelController(cancel)

	ret, err := runChannel(ctx, cs, ctrl)
	stats := Stats{
		New:   [2]int{cs.Sides[syncstate.Master].newDone, cs.Sides[syncstate.Slave].newDone},
		Flags: [2]int{cs.Sides[syncstate.Master].flagsDone, cs.Sides[syncstate.Slave].flagsDone},
		Trash: [2]int{cs.Sides[syncstate.Master].trashDone, cs.Sides[syncstate.Slave].trashDone},
	}
	if err != nil {
		_ = store.Close()
		return ret, stats, err
	}
	return ret, stats, nil
}

func runChannel(ctx context.Context, cs *ChannelState, ctrl *cancelController) (RetCode, error) {
	fail := func(err error) (RetCode, error) {
		if de, ok := asDriverError(err); ok && de.Kind == KindStoreBad {
			ctrl.markBad(de.Side)
			for _, side := range []syncstate.Side{syncstate.Master, syncstate.Slave} {
				cs.Sides[side].driver.Cancel()
			}
			return ctrl.result() | RetFail, err
		}
		return RetFail, err
	}

	if err := selectBothSides(ctx, cs); err != nil {
		return fail(err)
	}
	if err := checkUIDValidity(cs); err != nil {
		return fail(err)
	}

	if err := loadBothSides(ctx, cs); err != nil {
		return fail(err)
	}

	pairByUID(cs)
	for _, side := range []syncstate.Side{syncstate.Master, syncstate.Slave} {
		matchTUIDs(cs, side)
	}

	if err := runPropagation(ctx, cs); err != nil {
		return fail(err)
	}

	runExpirationController(cs)

	for _, side := range []syncstate.Side{syncstate.Master, syncstate.Slave} {
		if err := planPhaseC(ctx, cs, side); err != nil {
			return fail(err)
		}
	}

	if err := closeBothSides(ctx, cs); err != nil {
		return fail(err)
	}
	if err := finalPurge(cs); err != nil {
		return fail(err)
	}

	if err := cs.Store.Commit(); err != nil {
		return RetFail, fmt.Errorf("commit sync state: %w", err)
	}
	if err := cs.Store.Close(); err != nil {
		return RetFail, err
	}
	return ctrl.result(), nil
}

// selectBothSides issues Select concurrently on both sides (§4.1 "master and
// slave selection are issued concurrently; processing proceeds only after
// both complete; failure of either aborts with SYNC_FAIL").
func selectBothSides(ctx context.Context, cs *ChannelState) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, side := range []syncstate.Side{syncstate.Master, syncstate.Slave} {
		side := side
		g.Go(func() error {
			s := cs.Sides[side]
			if err := s.driver.Open(gctx); err != nil {
				return fmt.Errorf("open %s: %w", side, err)
			}
			uv, maxUID, _, err := s.driver.Select(gctx, maildriver.BoxSpec{Path: s.box})
			if err != nil {
				return fmt.Errorf("select %s: %w", side, err)
			}
			s.uidValidity = uv
			s.maxUID = maxUID
			s.phases.Advance(PhaseLoaded)
			return nil
		})
	}
	return g.Wait()
}

func checkUIDValidity(cs *ChannelState) error {
	h := cs.Store.Header
	if h.UIDValidity[syncstate.Master] != 0 && h.UIDValidity[syncstate.Master] != cs.Sides[syncstate.Master].uidValidity {
		return fmt.Errorf("master UIDVALIDITY changed (%d -> %d), aborting",
			h.UIDValidity[syncstate.Master], cs.Sides[syncstate.Master].uidValidity)
	}
	if h.UIDValidity[syncstate.Slave] != 0 && h.UIDValidity[syncstate.Slave] != cs.Sides[syncstate.Slave].uidValidity {
		return fmt.Errorf("slave UIDVALIDITY changed (%d -> %d), aborting",
			h.UIDValidity[syncstate.Slave], cs.Sides[syncstate.Slave].uidValidity)
	}
	if h.UIDValidity[syncstate.Master] == 0 && h.UIDValidity[syncstate.Slave] == 0 {
		if err := cs.Store.Journal().UIDValidity(cs.Sides[syncstate.Master].uidValidity, cs.Sides[syncstate.Slave].uidValidity); err != nil {
			return err
		}
		cs.Store.Header.UIDValidity[syncstate.Master] = cs.Sides[syncstate.Master].uidValidity
		cs.Store.Header.UIDValidity[syncstate.Slave] = cs.Sides[syncstate.Slave].uidValidity
	}
	return nil
}

func loadBothSides(ctx context.Context, cs *ChannelState) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, side := range []syncstate.Side{syncstate.Master, syncstate.Slave} {
		side := side
		g.Go(func() error {
			s := cs.Sides[side]
			// Master-side loads skip UIDs at or below smaxxuid whose record
			// is already EXPIRED, so already-expired messages aren't
			// re-proposed (§4.5).
			since := 0
			if side == syncstate.Master {
				since = cs.Store.Header.SMaxXUID
			}
			msgs, err := s.driver.Load(gctx, maildriver.SelectOptions{SinceUID: since})
			if err != nil {
				return fmt.Errorf("load %s: %w", side, err)
			}
			s.byUID = make(map[int]*message, len(msgs))
			for i := range msgs {
				m := &message{driverMsg: msgs[i], tuid: syncstate.TUID(msgs[i].TUID)}
				s.messages = append(s.messages, m)
				s.byUID[m.driverMsg.UID] = m
			}
			return nil
		})
	}
	return g.Wait()
}

// runPropagation runs Phase A (both directions) and Phase B.
func runPropagation(ctx context.Context, cs *ChannelState) error {
	for _, side := range []syncstate.Side{syncstate.Master, syncstate.Slave} {
		copies := planPhaseA(cs, side)
		dst := cs.Sides[side]
		dst.newTotal += len(copies)
		for _, c := range copies {
			if err := dispatchCopy(ctx, cs, c); err != nil {
				return err
			}
		}
		dst.phases.Advance(PhaseSentNew)
		if dst.phases.FindPending() {
			if err := resolvePendingFinds(ctx, cs, side); err != nil {
				return err
			}
		}
		dst.phases.Advance(PhaseFoundNew)
	}

	planPhaseB(cs)
	return nil
}

// resolvePendingFinds implements the driver FindNewMsgs + re-run-TUID-pairing
// sequence for copies whose destination UID wasn't known synchronously.
func resolvePendingFinds(ctx context.Context, cs *ChannelState, side syncstate.Side) error {
	s := cs.Sides[side]
	for _, r := range cs.Store.Records {
		if r.Dead() || r.TUID == "" || !r.UID[side].IsPending() {
			continue
		}
		uid, found, err := s.driver.FindNewMsgs(ctx, string(r.TUID))
		if err != nil {
			return fmt.Errorf("find new msgs on %s: %w", side, err)
		}
		if found {
			if err := cs.Store.Journal().ResolveUID(r, side, syncstate.UID(uid)); err != nil {
				return err
			}
			r.UID[side] = syncstate.UID(uid)
		}
	}
	matchTUIDs(cs, side)
	s.phases.SetFindPending(false)
	return nil
}

func closeBothSides(ctx context.Context, cs *ChannelState) error {
	g, _ := errgroup.WithContext(ctx)
	for _, side := range []syncstate.Side{syncstate.Master, syncstate.Slave} {
		side := side
		g.Go(func() error { return closeSide(ctx, cs, side) })
	}
	return g.Wait()
}

func closeSide(ctx context.Context, cs *ChannelState, side syncstate.Side) error {
	s := cs.Sides[side]
	s.phases.Advance(PhaseSentTrash)

	if err := dispatchTrash(ctx, cs, side); err != nil {
		return err
	}

	if cs.Config.Ops[side].Has(OpExpunge) {
		deletedUIDs := deletedUIDsFor(cs, side)
		if err := s.driver.Close(ctx); err != nil {
			return fmt.Errorf("close %s: %w", side, err)
		}
		for _, uid := range deletedUIDs {
			s.expunged[uid] = true
		}
		s.phases.SetDidExpunge()
	}
	s.phases.Advance(PhaseClosed)
	return nil
}

func deletedUIDsFor(cs *ChannelState, side syncstate.Side) []int {
	var uids []int
	for _, r := range cs.Store.Records {
		if r.Dead() {
			continue
		}
		if r.Flags.Has(syncstate.FlagTrashed) && r.UID[side].IsPresent() {
			uids = append(uids, r.UID[side].Int())
		}
	}
	return uids
}

// dispatchTrash implements §4.6's trash phase: for each DELETED message on
// side, either move it to a configured local trash, or copy it across to
// the other side's remote trash folder, honoring trash_only_new.
func dispatchTrash(ctx context.Context, cs *ChannelState, side syncstate.Side) error {
	s := cs.Sides[side]
	ops := cs.Config.Ops[side]
	localTrash := cs.Config.LocalTrash[side]
	remoteTrash := cs.Config.RemoteTrash[side.Other()]

	for _, r := range cs.Store.Records {
		if r.Dead() || !r.Flags.Has(syncstate.FlagTrashed) || !r.UID[side].IsPresent() {
			continue
		}
		if ops.Has(OpTrashOnlyNew) {
			other := r.UID[side.Other()]
			if other.IsPresent() {
				continue
			}
		}

		s.trashTotal++
		switch {
		case localTrash != "":
			if err := s.driver.TrashMsg(ctx, r.UID[side].Int(), localTrash); err != nil {
				if de, ok := asDriverError(err); ok && de.Kind == KindMsgBad {
					return &DriverError{Kind: KindBoxBad, Side: side, Err: err}
				}
				return fmt.Errorf("trash uid %d on %s: %w", r.UID[side].Int(), side, err)
			}
		case remoteTrash != "":
			if err := copyToRemoteTrash(ctx, cs, side, r, remoteTrash); err != nil {
				return err
			}
		}
		s.trashDone++
	}
	return nil
}

func copyToRemoteTrash(ctx context.Context, cs *ChannelState, side syncstate.Side, r *syncstate.Record, trashBox string) error {
	src := cs.Sides[side]
	dst := cs.Sides[side.Other()]

	full, err := src.driver.FetchMsg(ctx, r.UID[side].Int())
	if err != nil {
		return fmt.Errorf("fetch for remote trash uid %d: %w", r.UID[side].Int(), err)
	}
	if cs.Config.MaxSize != 0 && full.Size > cs.Config.MaxSize {
		return nil
	}

	// StoreMsg always appends into whatever mailbox the destination driver
	// last Selected, so the trash folder has to be selected around the
	// append and the synced mailbox reselected afterward.
	if _, _, _, err := dst.driver.Select(ctx, maildriver.BoxSpec{Path: trashBox}); err != nil {
		return fmt.Errorf("select remote trash %s: %w", trashBox, err)
	}
	// No TUID/record link for a trash copy: it's a one-off archival copy.
	_, _, storeErr := dst.driver.StoreMsg(ctx, full, "")
	if _, _, _, selErr := dst.driver.Select(ctx, maildriver.BoxSpec{Path: dst.box}); selErr != nil {
		if storeErr == nil {
			storeErr = selErr
		}
	}
	if storeErr != nil {
		return fmt.Errorf("copy to remote trash %s: %w", trashBox, storeErr)
	}
	return nil
}
