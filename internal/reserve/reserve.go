// Package reserve builds the authoritative reservation list from the
// schedule snapshot, the rule set and the device inventory.
package reserve

import (
	"sort"
	"time"

	"tunerd/internal/epg"
	"tunerd/internal/rules"
	logx "tunerd/pkg/logx"
)

// Reservation is a program promoted to "intend to record".
type Reservation struct {
	epg.Program

	// IsManualReserve marks a reservation added directly by the user.
	// It bypasses rule matching but competes for capacity like any
	// other candidate and is pruned once expired.
	IsManualReserve bool `json:"isManualReserve,omitempty"`

	// IsConflict marks a candidate eliminated for lack of capacity.
	// Conflicted entries never reach the recording controller.
	IsConflict bool `json:"isConflict,omitempty"`

	// IsSkip suppresses recording of this one airing without deleting
	// the reservation. Set externally, honored by the controller.
	IsSkip bool `json:"isSkip,omitempty"`
}

// Input is everything one rebuild of the reservation list depends on.
type Input struct {
	Schedule epg.Schedule
	Rules    []*rules.Rule
	// Prior is the previous reservation list; only its manual entries
	// carry over, everything else is recomputed.
	Prior []*Reservation
	// Capacity is the per-type simultaneous-recording budget.
	Capacity map[epg.ChannelType]int
}

// Build recomputes the reservation list. Deterministic for identical
// inputs; the input schedule is never mutated.
//
// Candidates are considered in schedule order, manual reservations
// last. When overlapping same-type candidates exceed the type's
// capacity, the later-considered candidate is marked conflicted, so
// up to capacity mutually overlapping programs survive.
func Build(in Input, log logx.Logger) []*Reservation {
	var candidates []*Reservation
	for _, ch := range in.Schedule {
		for _, p := range ch.Programs {
			if rules.Matches(in.Rules, p) {
				candidates = append(candidates, &Reservation{Program: *p})
			}
		}
	}
	for _, r := range in.Prior {
		if r.IsManualReserve {
			cp := *r
			cp.IsConflict = false
			candidates = append(candidates, &cp)
		}
	}
	log.Info("matches", logx.Int("count", len(candidates)))

	conflicts := 0
	for i, b := range candidates {
		tik := in.Capacity[b.Channel.Type]
		for _, a := range candidates[:i] {
			if a.IsConflict || a.ID == b.ID {
				continue
			}
			if a.Channel.Type != b.Channel.Type {
				continue
			}
			if !overlaps(&a.Program, &b.Program) {
				continue
			}
			if tik > 1 {
				tik--
				continue
			}
			b.IsConflict = true
			conflicts++
			log.Info("conflict",
				logx.String("id", b.ID), logx.String("title", b.Title),
				logx.Time("start", b.Start))
			break
		}
	}
	log.Info("conflicts", logx.Int("count", conflicts))

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Start.Before(candidates[j].Start)
	})

	reserves := make([]*Reservation, 0, len(candidates))
	for _, c := range candidates {
		if c.IsConflict {
			continue
		}
		reserves = append(reserves, c)
		log.Info("reserve",
			logx.String("id", c.ID), logx.String("title", c.Title),
			logx.Time("start", c.Start))
	}
	log.Info("reserves", logx.Int("count", len(reserves)))
	return reserves
}

// Prune drops reservations whose end has already passed.
func Prune(list []*Reservation, now time.Time) []*Reservation {
	out := make([]*Reservation, 0, len(list))
	for _, r := range list {
		if r.End.After(now) {
			out = append(out, r)
		}
	}
	return out
}

// Remove returns list without the reservation for id.
func Remove(list []*Reservation, id string) []*Reservation {
	out := make([]*Reservation, 0, len(list))
	for _, r := range list {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}

func overlaps(a, b *epg.Program) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}
