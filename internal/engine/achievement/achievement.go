// Package achievement converges guild role assignments to the state implied
// by a routine's confirmation history: streak-threshold roles and the
// monthly-top role.
package achievement

import (
	"context"
	"errors"
	"sort"
	"time"

	"focusbot/internal/metrics"
	"focusbot/internal/state"
	"focusbot/internal/stats"
	"focusbot/internal/storage"
	"focusbot/internal/timeutil"
	"focusbot/internal/transport"
	logx "focusbot/pkg/logx"
)

const EngineName = "achievement"

type Engine struct {
	store   *state.Store
	adapter transport.Adapter
	log     logx.Logger
	now     func() time.Time

	archive storage.Store // audit trail; optional
}

func New(store *state.Store, adapter transport.Adapter, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		store:   store,
		adapter: adapter,
		log:     log.With(logx.String("engine", EngineName)),
		now:     time.Now,
	}
}

// SetArchive attaches the audit store.
func (e *Engine) SetArchive(s storage.Store) { e.archive = s }

// SetStreakRole configures (or replaces) the role granted at a consecutive-day
// threshold. Thresholds are kept in ascending order.
func (e *Engine) SetStreakRole(routineID int64, thresholdDays int, roleID string) error {
	if thresholdDays < 1 {
		return errors.New("streak threshold must be at least 1 day")
	}
	if roleID == "" {
		return errors.New("role id is required")
	}
	return e.mutate(routineID, func(r *state.Routine) bool {
		for i := range r.Achievements.StreakRoles {
			if r.Achievements.StreakRoles[i].ThresholdDays == thresholdDays {
				if r.Achievements.StreakRoles[i].Role == roleID {
					return false
				}
				r.Achievements.StreakRoles[i].Role = roleID
				return true
			}
		}
		r.Achievements.StreakRoles = append(r.Achievements.StreakRoles, state.StreakRole{
			ThresholdDays: thresholdDays,
			Role:          roleID,
		})
		sort.Slice(r.Achievements.StreakRoles, func(i, j int) bool {
			return r.Achievements.StreakRoles[i].ThresholdDays < r.Achievements.StreakRoles[j].ThresholdDays
		})
		return true
	})
}

// RemoveStreakRole drops the threshold configuration. Roles already granted
// stay granted.
func (e *Engine) RemoveStreakRole(routineID int64, thresholdDays int) error {
	return e.mutate(routineID, func(r *state.Routine) bool {
		for i, sr := range r.Achievements.StreakRoles {
			if sr.ThresholdDays == thresholdDays {
				r.Achievements.StreakRoles = append(
					r.Achievements.StreakRoles[:i], r.Achievements.StreakRoles[i+1:]...)
				return true
			}
		}
		return false
	})
}

// SetMonthlyRole configures the monthly-top role. An empty role id disables
// the mechanism without touching the stored winner.
func (e *Engine) SetMonthlyRole(routineID int64, roleID string) error {
	return e.mutate(routineID, func(r *state.Routine) bool {
		if r.Achievements.MonthlyTop.Role == roleID {
			return false
		}
		r.Achievements.MonthlyTop.Role = roleID
		return true
	})
}

func (e *Engine) mutate(id int64, fn func(*state.Routine) bool) error {
	opErr := state.ErrNotFound
	err := e.store.Update(func(d *state.Data) bool {
		r := d.RoutineByID(id)
		if r == nil {
			return false
		}
		opErr = nil
		return fn(r)
	})
	if opErr != nil {
		return opErr
	}
	return err
}

// ReconcileUser runs both reconciliations for one user, typically right after
// a confirmation.
func (e *Engine) ReconcileUser(ctx context.Context, routineID int64, userID string) error {
	now := e.now()
	var (
		guild  string
		streak int
		roles  []state.StreakRole
		found  bool
	)
	e.store.View(func(d *state.Data) {
		r := d.RoutineByID(routineID)
		if r == nil {
			return
		}
		found = true
		guild = r.Guild
		roles = append(roles, r.Achievements.StreakRoles...)
		loc := timeutil.LoadLocation(d.Timezones.Resolve(userID, r.Guild))
		streak = stats.StreakEndingToday(r.Confirmations, userID, now, loc)
	})
	if !found {
		return state.ErrNotFound
	}
	if guild == "" {
		// Roles live in guilds; nothing to converge for a guildless routine.
		return nil
	}
	e.grantStreakRoles(ctx, guild, userID, streak, roles, routineID)
	e.evaluateMonthly(ctx, routineID)
	return nil
}

// Sweep re-evaluates every routine: monthly-top convergence plus streak-role
// repair for users who confirmed today.
func (e *Engine) Sweep(ctx context.Context) {
	started := time.Now()
	defer metrics.ObserveTick(EngineName, started)

	now := e.now()
	type streakWork struct {
		userID string
		streak int
	}
	type routineWork struct {
		id    int64
		guild string
		roles []state.StreakRole
		users []streakWork
	}
	var work []routineWork
	e.store.View(func(d *state.Data) {
		for _, r := range d.Routines {
			if r.Guild == "" {
				continue
			}
			w := routineWork{id: r.ID, guild: r.Guild}
			w.roles = append(w.roles, r.Achievements.StreakRoles...)
			if len(w.roles) > 0 {
				for userID := range r.Enrollments {
					loc := timeutil.LoadLocation(d.Timezones.Resolve(userID, r.Guild))
					if !r.Confirmed(timeutil.DayKey(now, loc), userID) {
						continue
					}
					w.users = append(w.users, streakWork{
						userID: userID,
						streak: stats.StreakEndingToday(r.Confirmations, userID, now, loc),
					})
				}
			}
			work = append(work, w)
		}
	})

	for _, w := range work {
		for _, u := range w.users {
			e.grantStreakRoles(ctx, w.guild, u.userID, u.streak, w.roles, w.id)
		}
		e.evaluateMonthly(ctx, w.id)
	}
}

// grantStreakRoles grants every configured role whose threshold the streak
// meets. Grants are monotonic: a later, shorter streak never revokes them.
func (e *Engine) grantStreakRoles(ctx context.Context, guild, userID string, streak int, roles []state.StreakRole, routineID int64) {
	for _, sr := range roles {
		if sr.Role == "" || sr.ThresholdDays < 1 || streak < sr.ThresholdDays {
			continue
		}
		e.grant(ctx, guild, userID, sr.Role, routineID)
	}
}

// evaluateMonthly converges the monthly-top role for one routine: handles the
// month rollover, transfers the role when the leader changed and repairs a
// winner who lost the role out of band. The stored month key is refreshed on
// every evaluation, including months with zero confirmations.
func (e *Engine) evaluateMonthly(ctx context.Context, routineID int64) {
	now := e.now()
	var (
		guild      string
		role       string
		prevWinner string
		prevMonth  string
		monthKey   string
		ranking    []stats.Ranked
		found      bool
	)
	e.store.View(func(d *state.Data) {
		r := d.RoutineByID(routineID)
		if r == nil {
			return
		}
		found = true
		guild = r.Guild
		role = r.Achievements.MonthlyTop.Role
		prevWinner = r.Achievements.MonthlyTop.Winner
		prevMonth = r.Achievements.MonthlyTop.Month
		loc := timeutil.LoadLocation(d.Timezones.Resolve("", r.Guild))
		monthKey = timeutil.MonthKey(now, loc)
		ranking = stats.RankMonthly(r.Confirmations, monthKey, now, loc)
	})
	if !found || guild == "" || role == "" {
		return
	}

	if prevMonth != "" && prevMonth != monthKey && prevWinner != "" {
		e.revoke(ctx, guild, prevWinner, role, routineID)
		prevWinner = ""
	}

	winner := ""
	if len(ranking) > 0 {
		winner = ranking[0].UserID
		if winner != prevWinner {
			if prevWinner != "" {
				e.revoke(ctx, guild, prevWinner, role, routineID)
			}
			e.grant(ctx, guild, winner, role, routineID)
		} else {
			// Leader unchanged: repair if the role was removed out of band.
			e.grant(ctx, guild, winner, role, routineID)
		}
	} else if prevWinner != "" {
		e.revoke(ctx, guild, prevWinner, role, routineID)
	}

	if err := e.mutate(routineID, func(r *state.Routine) bool {
		mt := &r.Achievements.MonthlyTop
		if mt.Winner == winner && mt.Month == monthKey {
			return false
		}
		mt.Winner = winner
		mt.Month = monthKey
		return true
	}); err != nil {
		e.log.Error("monthly-top flush failed", logx.Int64("routine", routineID), logx.Err(err))
	}
}

// grant adds a role unless the user already holds it.
func (e *Engine) grant(ctx context.Context, guild, userID, roleID string, routineID int64) {
	held, err := e.adapter.HasRole(ctx, guild, userID, roleID)
	if err != nil {
		e.log.Warn("role lookup failed", logx.String("user", userID), logx.String("role", roleID), logx.Err(err))
		return
	}
	if held {
		return
	}
	err = e.adapter.GrantRole(ctx, guild, userID, roleID)
	metrics.IncRoleOp("grant", err)
	if err != nil {
		e.log.Warn("role grant failed",
			logx.String("user", userID), logx.String("role", roleID), logx.Err(err))
	} else {
		e.log.Info("role granted",
			logx.Int64("routine", routineID), logx.String("user", userID), logx.String("role", roleID))
	}
	e.audit(ctx, "role.grant", guild, userID, roleID, err)
}

// revoke removes a role unless the user no longer holds it.
func (e *Engine) revoke(ctx context.Context, guild, userID, roleID string, routineID int64) {
	held, err := e.adapter.HasRole(ctx, guild, userID, roleID)
	if err != nil {
		e.log.Warn("role lookup failed", logx.String("user", userID), logx.String("role", roleID), logx.Err(err))
		return
	}
	if !held {
		return
	}
	err = e.adapter.RevokeRole(ctx, guild, userID, roleID)
	metrics.IncRoleOp("revoke", err)
	if err != nil {
		e.log.Warn("role revoke failed",
			logx.String("user", userID), logx.String("role", roleID), logx.Err(err))
	} else {
		e.log.Info("role revoked",
			logx.Int64("routine", routineID), logx.String("user", userID), logx.String("role", roleID))
	}
	e.audit(ctx, "role.revoke", guild, userID, roleID, err)
}

func (e *Engine) audit(ctx context.Context, action, guild, userID, roleID string, opErr error) {
	if e.archive == nil {
		return
	}
	entry := storage.AuditEntry{
		At:     e.now(),
		Engine: EngineName,
		Action: action,
		Guild:  guild,
		User:   userID,
		Target: roleID,
	}
	if opErr != nil {
		entry.Error = opErr.Error()
	}
	if err := e.archive.AppendAudit(ctx, entry); err != nil {
		e.log.Warn("audit append failed", logx.Err(err))
	}
}
