package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/splshield/splguard/gatekeeper"
	"github.com/splshield/splguard/gatekeeper/ratelimit"
)

type Reason string

const (
	ReasonNone        Reason = ""
	ReasonProbated    Reason = "probated"
	ReasonRateLimited Reason = "rate_limited"
)

type Decision struct {
	Allowed bool
	Reason  Reason
	// Only set for ReasonRateLimited.
	RetryAfter time.Duration
}

func Allow() Decision {
	return Decision{Allowed: true}
}

func (d Decision) String() string {
	switch {
	case d.Allowed:
		return "allow"
	case d.Reason == ReasonRateLimited:
		return fmt.Sprintf("deny(%s, retry after %s)", d.Reason, d.RetryAfter)
	default:
		return fmt.Sprintf("deny(%s)", d.Reason)
	}
}

// ActionContext carries caller details which don't affect the key of the decision.
type ActionContext struct {
	Username string
	// eg message id; only logged
	Ref string
}

type ProbationChecker interface {
	IsProbated(ctx context.Context, subject gatekeeper.Subject) (bool, error)
}

type RateChecker interface {
	Check(ctx context.Context, subject gatekeeper.Subject, actionClass string, p ratelimit.Policy) (ratelimit.Result, error)
}

// Gate is the single entry point the transport layer calls before performing a gated action.
type Gate struct {
	Probation ProbationChecker
	Limiter   RateChecker
	// Per action class. Classes without a policy are not rate limited.
	Policies map[string]ratelimit.Policy
	// User IDs (owner, admins) which are always admitted and consume no budget.
	Exempt map[int64]bool
	Logger *slog.Logger
}

func NewGate(probation ProbationChecker, limiter RateChecker, policies map[string]ratelimit.Policy, exempt []int64, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	ex := make(map[int64]bool, len(exempt))
	for _, id := range exempt {
		ex[id] = true
	}
	return &Gate{
		Probation: probation,
		Limiter:   limiter,
		Policies:  policies,
		Exempt:    ex,
		Logger:    logger.With("component", "admission"),
	}
}

// Admit decides whether subject may perform an action of actionClass.
//
// Probation is checked first, so a probated subject is denied without spending rate limit budget. Errors wrap gatekeeper.ErrStoreUnavailable when the durable store could not answer; callers should show gatekeeper.UserMessage and not perform the action.
func (g *Gate) Admit(ctx context.Context, subject gatekeeper.Subject, actionClass string, actx ActionContext) (Decision, error) {
	ctx, span := otel.Tracer("admission").Start(ctx, "Admit")
	defer span.End()
	span.SetAttributes(
		attribute.String("class", actionClass),
		attribute.Int64("chat", subject.ChatID),
	)

	start := time.Now()
	d, err := g.admit(ctx, subject, actionClass)
	admitDuration.WithLabelValues(actionClass).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		admitCount.WithLabelValues(actionClass, "error").Inc()
		g.Logger.Error("admission check failed", "subject", subject.Key(), "class", actionClass, "ref", actx.Ref, "err", err)
		return Decision{}, err
	}

	outcome := "allow"
	if !d.Allowed {
		outcome = string(d.Reason)
		g.Logger.Info("action denied", "subject", subject.Key(), "username", actx.Username, "class", actionClass, "reason", d.Reason, "retryAfter", d.RetryAfter, "ref", actx.Ref)
	}
	span.SetAttributes(attribute.String("decision", outcome))
	admitCount.WithLabelValues(actionClass, outcome).Inc()
	return d, nil
}

func (g *Gate) admit(ctx context.Context, subject gatekeeper.Subject, actionClass string) (Decision, error) {
	if g.Exempt[subject.UserID] {
		return Allow(), nil
	}

	probated, err := g.Probation.IsProbated(ctx, subject)
	if err != nil {
		return Decision{}, err
	}
	if probated {
		return Decision{Reason: ReasonProbated}, nil
	}

	policy, ok := g.Policies[actionClass]
	if !ok {
		return Allow(), nil
	}
	res, err := g.Limiter.Check(ctx, subject, actionClass, policy)
	if err != nil {
		return Decision{}, err
	}
	if !res.Allowed {
		return Decision{Reason: ReasonRateLimited, RetryAfter: res.RetryAfter}, nil
	}
	return Allow(), nil
}
