package syncengine

import (
	"testing"

	"github.com/mbsyncgo/mbsyncgo/internal/maildriver"
	"github.com/mbsyncgo/mbsyncgo/internal/syncstate"
)

func planTestChannelState(t *testing.T, masterOps, slaveOps Ops) *ChannelState {
	cs := newTestChannelState(t)
	cs.Config.Ops[syncstate.Master] = masterOps
	cs.Config.Ops[syncstate.Slave] = slaveOps
	cs.Sides[syncstate.Master].byUID = map[int]*message{}
	cs.Sides[syncstate.Slave].byUID = map[int]*message{}
	return cs
}

func TestExpirationDoesNotPropagateToMaster(t *testing.T) {
	cs := planTestChannelState(t, OpFlags, 0)

	rec := &syncstate.Record{UID: [2]syncstate.UID{10, 20}, Status: syncstate.StatusExpire}
	cs.Store.Records = []*syncstate.Record{rec}

	mMaster := &message{driverMsg: maildriver.Message{UID: 10}}
	mSlave := &message{driverMsg: maildriver.Message{UID: 20, Flags: maildriver.FlagTrashed}}
	cs.Sides[syncstate.Master].byUID[10] = mMaster
	cs.Sides[syncstate.Slave].byUID[20] = mSlave

	planPhaseB(cs)

	if rec.AFlags[syncstate.Master].Has(syncstate.FlagTrashed) {
		t.Error("expected DELETED masked out of master's AFlags during expiration")
	}
}

func TestNonExpirationDeleteDoesPropagateToMaster(t *testing.T) {
	cs := planTestChannelState(t, OpFlags, 0)

	rec := &syncstate.Record{UID: [2]syncstate.UID{10, 20}}
	cs.Store.Records = []*syncstate.Record{rec}

	mMaster := &message{driverMsg: maildriver.Message{UID: 10}}
	mSlave := &message{driverMsg: maildriver.Message{UID: 20, Flags: maildriver.FlagTrashed}}
	cs.Sides[syncstate.Master].byUID[10] = mMaster
	cs.Sides[syncstate.Slave].byUID[20] = mSlave

	planPhaseB(cs)

	if !rec.AFlags[syncstate.Master].Has(syncstate.FlagTrashed) {
		t.Error("expected DELETED to propagate to master when the record isn't mid-expiration")
	}
}

func TestPlanPhaseBKillsRecordAbsentOnBothSides(t *testing.T) {
	cs := planTestChannelState(t, OpFlags, OpFlags)
	rec := &syncstate.Record{UID: [2]syncstate.UID{10, 20}}
	cs.Store.Records = []*syncstate.Record{rec}
	// Neither side's byUID map has an entry for these UIDs: both vanished.

	planPhaseB(cs)

	if !rec.Dead() {
		t.Error("expected record marked dead when absent on both sides")
	}
}

func TestPlanPhaseBPropagatesDeleteWhenOpDeleteEnabled(t *testing.T) {
	cs := planTestChannelState(t, OpDelete, 0)
	rec := &syncstate.Record{UID: [2]syncstate.UID{10, 20}}
	cs.Store.Records = []*syncstate.Record{rec}
	// Slave message vanished (deleted there); master side unaffected.
	cs.Sides[syncstate.Master].byUID[10] = &message{driverMsg: maildriver.Message{UID: 10}}

	planPhaseB(cs)

	if !rec.AFlags[syncstate.Master].Has(syncstate.FlagTrashed) {
		t.Error("expected master AFlags to gain DELETED when slave-side deletion propagates")
	}
	if !rec.Status.Has(syncstate.StatusDelS) {
		t.Error("expected StatusDelS set")
	}
}

func TestPlanPhaseAProposesNewCopyForUnpairedMessage(t *testing.T) {
	cs := planTestChannelState(t, OpNew, 0)
	m := &message{driverMsg: maildriver.Message{UID: 99, Size: 10}}
	cs.Sides[syncstate.Slave].messages = []*message{m}

	copies := planPhaseA(cs, syncstate.Master)
	if len(copies) != 1 {
		t.Fatalf("expected 1 pending copy, got %d", len(copies))
	}
	if copies[0].side != syncstate.Master {
		t.Errorf("expected copy destined for master, got %v", copies[0].side)
	}
	if m.record == nil {
		t.Error("expected a placeholder record to be created and linked")
	}
}

func TestPlanPhaseASkipsOversizedUnflaggedMessage(t *testing.T) {
	cs := planTestChannelState(t, OpNew, 0)
	cs.Config.MaxSize = 5
	m := &message{driverMsg: maildriver.Message{UID: 99, Size: 100}}
	cs.Sides[syncstate.Slave].messages = []*message{m}

	copies := planPhaseA(cs, syncstate.Master)
	if len(copies) != 0 {
		t.Fatalf("expected oversized message to be skipped, got %d copies", len(copies))
	}
	if m.record == nil || m.record.UID[syncstate.Master] != syncstate.UIDSkip {
		t.Error("expected a skip placeholder recorded for the oversized message")
	}
}

func TestPlanPhaseAAllowsOversizedFlaggedMessage(t *testing.T) {
	cs := planTestChannelState(t, OpNew, 0)
	cs.Config.MaxSize = 5
	m := &message{driverMsg: maildriver.Message{UID: 99, Size: 100, Flags: maildriver.FlagFlagged}}
	cs.Sides[syncstate.Slave].messages = []*message{m}

	copies := planPhaseA(cs, syncstate.Master)
	if len(copies) != 1 {
		t.Fatalf("expected FLAGGED override to bypass max_size, got %d copies", len(copies))
	}
}
