package syncstate

import "fmt"

// TUIDLen is the fixed length of a temporary identifier (§4.2/§4.4/GLOSSARY).
const TUIDLen = 12

// TUID is a 12-character temporary identifier embedded as an X-TUID: header
// to locate a just-copied message whose final UID the driver could not
// return synchronously. A zero value (empty string) means "no TUID assigned".
type TUID string

// Valid reports whether t is either empty or exactly TUIDLen characters.
func (t TUID) Valid() bool { return t == "" || len(t) == TUIDLen }

// Record is the persistent pairing atom described in spec.md §3 (SyncRecord).
type Record struct {
	UID    [2]UID
	Flags  Flags
	Status Status
	TUID   TUID

	// AFlags/DFlags are the transient per-run "add"/"delete" flag deltas
	// computed by the propagation planner (§4.4 Phase B) and consumed by
	// Phase C. They are never persisted.
	AFlags [2]Flags
	DFlags [2]Flags

	// Msg is a transient back-pointer to the matched in-memory message on
	// each side for this run, set by the pairing engine. Never persisted.
	Msg [2]interface{}
}

// Dead reports whether the record has been logically removed.
func (r *Record) Dead() bool { return r.Status.Has(StatusDead) }

// Done reports whether the record was already handled this run (so Phase B
// must skip it).
func (r *Record) Done() bool { return r.Status.Has(StatusDone) }

// Validate enforces the invariants from spec.md §3:
//   - at least one of UID[M]/UID[S] is a positive UID, OR both are
//     placeholders, OR status is DEAD.
//   - both UIDs are never simultaneously 0 or -1 on a live record.
//   - a non-DEAD record with TUID set has exactly one side with UID == -2.
func (r *Record) Validate() error {
	if r.Dead() {
		return nil
	}
	present := r.UID[Master].IsPresent() || r.UID[Slave].IsPresent()
	bothPlaceholder := r.UID[Master].Placeholder() && r.UID[Slave].Placeholder()
	if !present && !bothPlaceholder {
		return fmt.Errorf("record (%d,%d): neither UID present nor both placeholders", r.UID[Master], r.UID[Slave])
	}
	if (r.UID[Master] == UIDNone || r.UID[Master] == UIDSkip) &&
		(r.UID[Slave] == UIDNone || r.UID[Slave] == UIDSkip) {
		return fmt.Errorf("record (%d,%d): both UIDs simultaneously absent/skipped", r.UID[Master], r.UID[Slave])
	}
	if r.TUID != "" {
		pendingSides := 0
		for _, u := range r.UID {
			if u.IsPending() {
				pendingSides++
			}
		}
		if pendingSides != 1 {
			return fmt.Errorf("record (%d,%d): TUID set but %d sides pending (want exactly 1)", r.UID[Master], r.UID[Slave], pendingSides)
		}
	}
	return nil
}

// NoPlaceholders reports whether neither side carries a placeholder UID,
// the post-commit invariant from spec.md §8 invariant 1.
func (r *Record) NoPlaceholders() bool {
	return !r.UID[Master].Placeholder() && !r.UID[Slave].Placeholder()
}
