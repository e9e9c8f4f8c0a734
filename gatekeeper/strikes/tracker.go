package strikes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/splshield/splguard/gatekeeper"
	"github.com/splshield/splguard/gatekeeper/cachestore"
	"github.com/splshield/splguard/gatekeeper/store"
)

// cache namespace for mirrored probation deadlines
const probationCache = "probation"

type Action string

const (
	ActionWarn      Action = "warn"
	ActionProbation Action = "probation"
	ActionBan       Action = "ban"
)

// Durable side of the tracker. Implemented by *store.Store.
type InfractionStore interface {
	GetInfraction(ctx context.Context, subject gatekeeper.Subject) (*store.UserInfraction, error)
	UpdateInfraction(ctx context.Context, subject gatekeeper.Subject, mutate func(rec *store.UserInfraction)) (*store.UserInfraction, error)
}

type Outcome struct {
	StrikeCount      int
	ProbationApplied bool
	// Deadline after this infraction. May be set even when ProbationApplied is false, if an earlier probation is still running.
	ProbationUntil gatekeeper.Instant
	Action         Action
}

// Tracker records infractions per subject and answers probation membership.
//
// The durable store is the source of record. Probation deadlines are mirrored into the cache as a positive hint only: a cache miss or failure always falls through to the store.
type Tracker struct {
	Store  InfractionStore
	Cache  cachestore.CacheStore
	Policy Policy
	Logger *slog.Logger
	// for tests; defaults to time.Now
	Clock func() time.Time
}

func NewTracker(st InfractionStore, cache cachestore.CacheStore, policy Policy, logger *slog.Logger) (*Tracker, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if cache == nil {
		cache = cachestore.NoopCacheStore{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		Store:  st,
		Cache:  cache,
		Policy: policy,
		Logger: logger.With("component", "strikes"),
		Clock:  time.Now,
	}, nil
}

func (t *Tracker) now() gatekeeper.Instant {
	if t.Clock == nil {
		return gatekeeper.Now()
	}
	return gatekeeper.InstantOf(t.Clock())
}

// RecordInfraction adds severity strikes (at least one) to the subject and applies the escalation policy.
//
// Strikes decay: if the previous infraction is older than the decay horizon, counting restarts before this one is added. A running probation is never shortened.
func (t *Tracker) RecordInfraction(ctx context.Context, subject gatekeeper.Subject, severity int, reason string) (Outcome, error) {
	if severity < 1 {
		severity = 1
	}
	now := t.now()

	var out Outcome
	rec, err := t.Store.UpdateInfraction(ctx, subject, func(rec *store.UserInfraction) {
		count := rec.StrikeCount
		if !rec.LastInfractionAt.IsZero() && now.Sub(rec.LastInfractionAt) > t.Policy.DecayHorizon {
			count = 0
		}
		count += severity

		out = Outcome{StrikeCount: count, Action: ActionWarn}
		until := rec.ProbationUntil
		if d := t.Policy.ProbationFor(count); d > 0 {
			out.Action = ActionProbation
			out.ProbationApplied = true
			if next := now.Add(d); next.After(until) {
				until = next
			}
		}
		if !until.After(now) {
			until = 0
		}
		out.ProbationUntil = until
		if t.Policy.Bans(count) {
			out.Action = ActionBan
			if rec.BannedAt.IsZero() {
				rec.BannedAt = now
			}
		}

		rec.StrikeCount = count
		rec.LastInfractionAt = now
		rec.ProbationUntil = until
		rec.History = append(rec.History, store.InfractionEvent{
			At:             now,
			Severity:       severity,
			Reason:         reason,
			StrikeCount:    count,
			ProbationUntil: until,
			Action:         string(out.Action),
		})
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("recording infraction for %s: %w", subject, err)
	}

	infractionCount.WithLabelValues(string(out.Action)).Inc()
	if out.Action == ActionBan {
		t.Logger.Warn("ban threshold reached", "subject", subject.Key(), "strikes", rec.StrikeCount, "bannedAt", rec.BannedAt)
	}
	t.Logger.Info("infraction recorded", "subject", subject.Key(), "strikes", rec.StrikeCount, "action", out.Action, "probationUntil", out.ProbationUntil, "reason", reason)
	if out.ProbationApplied {
		t.mirror(ctx, subject, out.ProbationUntil, now)
	}
	return out, nil
}

// StartProbation puts a subject on probation for d without adding a strike, eg for a newly joined member. It never shortens a running probation.
func (t *Tracker) StartProbation(ctx context.Context, subject gatekeeper.Subject, username string, d time.Duration) (gatekeeper.Instant, error) {
	if d <= 0 {
		return 0, fmt.Errorf("probation duration must be positive, got %s", d)
	}
	now := t.now()
	rec, err := t.Store.UpdateInfraction(ctx, subject, func(rec *store.UserInfraction) {
		if username != "" {
			rec.Username = username
		}
		if rec.JoinedAt.IsZero() {
			rec.JoinedAt = now
		}
		if next := now.Add(d); next.After(rec.ProbationUntil) {
			rec.ProbationUntil = next
		}
	})
	if err != nil {
		return 0, fmt.Errorf("starting probation for %s: %w", subject, err)
	}
	probationsStarted.Inc()
	t.mirror(ctx, subject, rec.ProbationUntil, now)
	return rec.ProbationUntil, nil
}

// IsProbated reports whether the subject's probation deadline is in the future, evaluated now.
func (t *Tracker) IsProbated(ctx context.Context, subject gatekeeper.Subject) (bool, error) {
	now := t.now()

	val, err := t.Cache.Get(ctx, probationCache, subject.Key())
	if err != nil {
		t.Logger.Debug("probation cache read failed", "subject", subject.Key(), "err", err)
	} else if val != "" {
		ms, perr := strconv.ParseInt(val, 10, 64)
		if perr == nil && gatekeeper.Instant(ms).After(now) {
			probationLookups.WithLabelValues("cache").Inc()
			return true, nil
		}
	}

	rec, err := t.Store.GetInfraction(ctx, subject)
	if errors.Is(err, gatekeeper.ErrNotFound) {
		probationLookups.WithLabelValues("store").Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probation lookup for %s: %w", subject, err)
	}
	probationLookups.WithLabelValues("store").Inc()
	if rec.ProbationUntil.After(now) {
		t.mirror(ctx, subject, rec.ProbationUntil, now)
		return true, nil
	}
	return false, nil
}

// Status returns the subject's durable record, or gatekeeper.ErrNotFound.
func (t *Tracker) Status(ctx context.Context, subject gatekeeper.Subject) (*store.UserInfraction, error) {
	return t.Store.GetInfraction(ctx, subject)
}

// minMirrorTTL is the shortest TTL the redis cache tier honors; go-redis/cache substitutes its one hour default below it.
const minMirrorTTL = time.Second

// mirror writes the deadline into the cache with a TTL equal to the remaining probation. Deadlines closer than minMirrorTTL are left to the store. Failures are ignored.
func (t *Tracker) mirror(ctx context.Context, subject gatekeeper.Subject, until, now gatekeeper.Instant) {
	ttl := until.Sub(now)
	if ttl < minMirrorTTL {
		return
	}
	err := t.Cache.Set(ctx, probationCache, subject.Key(), strconv.FormatInt(int64(until), 10), ttl)
	if err != nil && !errors.Is(err, cachestore.ErrUnavailable) {
		t.Logger.Warn("failed to mirror probation into cache", "subject", subject.Key(), "err", err)
	}
}
