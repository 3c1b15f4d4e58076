package syncstate

// UID is a per-side message UID slot on a Record. The on-disk format (§4.2)
// is a plain signed integer, so we keep the numeric encoding but never let
// call sites compare against the magic values directly — they go through
// the accessor methods below instead (Design Note: "model as a sum type
// {Absent, Skipped, Pending(TUID), Present(uid)}; the numeric encoding
// exists only to fit into the on-disk format").
type UID int

const (
	// UIDNone means no counterpart exists on this side.
	UIDNone UID = 0
	// UIDSkip means "would have been created but wasn't" (RENEW trigger).
	UIDSkip UID = -1
	// UIDPending means a copy is in flight; the final UID isn't known yet,
	// and the record carries a TUID used to find it later.
	UIDPending UID = -2
)

// IsNone reports whether no counterpart exists on this side.
func (u UID) IsNone() bool { return u == UIDNone }

// IsSkipped reports whether this side was deliberately not propagated.
func (u UID) IsSkipped() bool { return u == UIDSkip }

// IsPending reports whether a copy is in flight awaiting TUID resolution.
func (u UID) IsPending() bool { return u == UIDPending }

// IsPresent reports whether this is a real, positive UID.
func (u UID) IsPresent() bool { return u > 0 }

// Placeholder reports whether the UID is any non-present placeholder value.
func (u UID) Placeholder() bool { return !u.IsPresent() }

// Int returns the raw numeric encoding, for persistence.
func (u UID) Int() int { return int(u) }
