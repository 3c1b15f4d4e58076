package syncengine

import (
	"github.com/mbsyncgo/mbsyncgo/internal/logging"
	"github.com/mbsyncgo/mbsyncgo/internal/maildriver"
	"github.com/mbsyncgo/mbsyncgo/internal/syncstate"
)

var expireLog = logging.WithComponent("syncengine.expire")

// effectiveDeleted folds Phase B's not-yet-applied AFlags[Slave]/DFlags[Slave]
// delta into the raw loaded FlagTrashed bit: runPropagation runs before this
// controller, so a same-run propagated delete is visible only on the record,
// not yet on m.driverMsg.Flags.
func effectiveDeleted(r *syncstate.Record, m *message) bool {
	deleted := m.deleted()
	if r != nil {
		if r.AFlags[syncstate.Slave].Has(syncstate.FlagTrashed) {
			deleted = true
		}
		if r.DFlags[syncstate.Slave].Has(syncstate.FlagTrashed) {
			deleted = false
		}
	}
	return deleted
}

// runExpirationController implements §4.5: when the slave has a configured
// max_messages cap and at least one of {NEW, RENEW, FLAGS} is enabled for
// the slave, mark the oldest excess messages NEXPIRE and fold that intent
// into EXPIRE (the actual DELETED flag mutation happens in Phase C).
func runExpirationController(cs *ChannelState) {
	if cs.Config.MaxMessages <= 0 {
		return
	}
	slaveOps := cs.Config.Ops[syncstate.Slave]
	if !slaveOps.Has(OpNew) && !slaveOps.Has(OpRenew) && !slaveOps.Has(OpFlags) {
		return
	}
	slave := cs.Sides[syncstate.Slave]

	// Step 1: compute excess, crediting already-(effectively-)deleted-and-
	// not-yet-expiring messages toward the cap since they're leaving
	// anyway. "Effectively" folds in Phase B's AFlags[Slave]/DFlags[Slave]
	// delta, since the planner runs before this controller and a
	// same-run propagated delete hasn't been written to the driver (and
	// so isn't on m.driverMsg.Flags) yet.
	excess := len(slave.messages) + slave.newTotal - cs.Config.MaxMessages
	for _, m := range slave.messages {
		if m.record == nil {
			continue
		}
		if effectiveDeleted(m.record, m) && !m.record.Status.Has(syncstate.StatusExpire) && !m.record.Status.Has(syncstate.StatusExpired) {
			excess--
		}
	}
	if excess <= 0 {
		return
	}

	// Step 2: walk in arrival (load) order, marking NEXPIRE on eligible
	// records until excess is exhausted. A record already mid-expiration
	// (EXPIRE or EXPIRED) is reconsidered even if effectively deleted,
	// mirroring sync.c's own gate: "!(nflags & F_DELETED) || (srec->status
	// & (S_EXPIRE|S_EXPIRED))".
	for _, m := range slave.messages {
		if excess <= 0 {
			break
		}
		r := m.record
		if r == nil {
			continue
		}
		if effectiveDeleted(r, m) && !r.Status.Has(syncstate.StatusExpire) && !r.Status.Has(syncstate.StatusExpired) {
			continue
		}
		if !r.UID[syncstate.Master].IsPresent() {
			// No master counterpart: counts toward the cap but is never
			// itself a candidate for expiration.
			excess--
			continue
		}
		if m.driverMsg.Flags&maildriver.FlagFlagged != 0 {
			continue
		}
		// Unseen-and-not-recent, or already stable/confirmed-deleted: both
		// fold into the same NEXPIRE marking per §4.5 step 2.
		r.Status |= syncstate.StatusNExpire
		excess--
	}

	// Step 3: for every record whose NEXPIRE differs from EXPIRED, journal
	// the pre-intent and fold NEXPIRE into EXPIRE for Phase C to act on.
	for _, r := range cs.Store.Records {
		if r.Dead() {
			continue
		}
		nexpire := r.Status.Has(syncstate.StatusNExpire)
		if nexpire == r.Status.Has(syncstate.StatusExpired) {
			r.Status &^= syncstate.StatusNExpire
			continue
		}
		if err := cs.Store.Journal().ExpireIntent(r, nexpire); err != nil {
			expireLog.Error().Err(err).Msg("journal expire-intent")
			continue
		}
		if nexpire {
			r.Status |= syncstate.StatusExpire
			r.AFlags[syncstate.Slave] |= syncstate.FlagTrashed
		} else {
			r.Status &^= syncstate.StatusExpire
		}
		r.Status &^= syncstate.StatusNExpire
	}
}
