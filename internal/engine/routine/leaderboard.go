package routine

import (
	"sort"

	"focusbot/internal/state"
	"focusbot/internal/stats"
)

// Leaderboard returns the routine's trailing-window standings.
func (e *Engine) Leaderboard(routineID int64) ([]stats.Entry, error) {
	now := e.now()
	var (
		out   []stats.Entry
		opErr error = state.ErrNotFound
	)
	e.store.View(func(d *state.Data) {
		r := d.RoutineByID(routineID)
		if r == nil {
			return
		}
		opErr = nil
		out = stats.Leaderboard(r.Confirmations, now, locFor(d, "", r.Guild))
	})
	return out, opErr
}

// GlobalLeaderboard aggregates across every routine: totals are summed, the
// streak shown is the user's best streak on any single routine.
func (e *Engine) GlobalLeaderboard() []stats.Entry {
	now := e.now()
	agg := map[string]stats.UserStats{}
	e.store.View(func(d *state.Data) {
		for _, r := range d.Routines {
			w := stats.Window(r.Confirmations, now, locFor(d, "", r.Guild))
			for userID, st := range w {
				cur := agg[userID]
				cur.Total += st.Total
				if st.Streak > cur.Streak {
					cur.Streak = st.Streak
				}
				agg[userID] = cur
			}
		}
	})

	out := make([]stats.Entry, 0, len(agg))
	for userID, st := range agg {
		out = append(out, stats.Entry{UserID: userID, UserStats: st})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Streak != out[j].Streak {
			return out[i].Streak > out[j].Streak
		}
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}
