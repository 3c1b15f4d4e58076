package syncengine

import (
	"github.com/mbsyncgo/mbsyncgo/internal/logging"
	"github.com/mbsyncgo/mbsyncgo/internal/syncstate"
)

// pairByUID cross-links every just-loaded message to its persisted Record by
// UID (§4.3). The teacher's and original's open-addressed hash sized ×3 is
// replaced per the Design Notes with a plain map; any collision-safe
// structure suffices.
func pairByUID(cs *ChannelState) {
	index := make(map[syncstate.Side]map[int]*syncstate.Record, 2)
	index[syncstate.Master] = make(map[int]*syncstate.Record)
	index[syncstate.Slave] = make(map[int]*syncstate.Record)

	for _, r := range cs.Store.Records {
		if r.Dead() {
			continue
		}
		for _, side := range []syncstate.Side{syncstate.Master, syncstate.Slave} {
			if r.UID[side].IsPresent() {
				index[side][r.UID[side].Int()] = r
			}
		}
	}

	for _, side := range []syncstate.Side{syncstate.Master, syncstate.Slave} {
		s := cs.Sides[side]
		for _, m := range s.messages {
			if m.record != nil {
				continue
			}
			if rec, ok := index[side][m.driverMsg.UID]; ok {
				m.record = rec
				rec.Msg[side] = m
			}
		}
	}
}

// matchTUIDs implements §4.3's TUID pairing: records with a pending UID
// (UIDPending) on `side` and a non-empty TUID are matched by exact TUID
// lookup among the side's unpaired messages. The debug diagnostic compares
// the match's position with the side's last cursor: "adjacently" for the
// very next message, "after gap" further on, "after reset" at or before
// it. A record whose TUID isn't found anywhere is logged as lost.
func matchTUIDs(cs *ChannelState, side syncstate.Side) (lost int) {
	log := logging.WithComponent("syncengine.pairing")
	s := cs.Sides[side]

	byTUID := make(map[syncstate.TUID]*message)
	for _, m := range s.messages {
		if m.record == nil && m.tuid != "" {
			byTUID[m.tuid] = m
		}
	}

	var pending []*syncstate.Record
	for _, r := range cs.Store.Records {
		if r.Dead() || r.TUID == "" || !r.UID[side].IsPending() {
			continue
		}
		pending = append(pending, r)
	}

	cursor := s.lastTUIDCursor
	for _, r := range pending {
		m, ok := byTUID[r.TUID]
		if !ok {
			lost++
			if err := cs.Store.Journal().TUIDLost(r); err != nil {
				log.Error().Err(err).Msg("journal tuid-lost")
			}
			r.Flags = 0
			r.TUID = ""
			continue
		}

		idx := indexOf(s.messages, m)
		switch {
		case idx == cursor+1:
			log.Debug().Str("tuid", string(r.TUID)).Msg("matched adjacently")
		case idx > cursor:
			log.Debug().Str("tuid", string(r.TUID)).Msg("matched after gap")
		default:
			log.Debug().Str("tuid", string(r.TUID)).Msg("matched after reset")
		}
		cursor = idx

		m.record = r
		r.Msg[side] = m
		if err := cs.Store.Journal().ResolveUID(r, side, syncstate.UID(m.driverMsg.UID)); err != nil {
			log.Error().Err(err).Msg("journal resolve-uid")
		}
		r.UID[side] = syncstate.UID(m.driverMsg.UID)
		r.TUID = ""
	}
	s.lastTUIDCursor = cursor

	if lost > 0 {
		log.Warn().Int("count", lost).Str("side", side.String()).Msg("lost messages during tuid matching")
	}
	return lost
}

func indexOf(msgs []*message, target *message) int {
	for i, m := range msgs {
		if m == target {
			return i
		}
	}
	return -1
}
