package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/splshield/splguard/gatekeeper"
	"github.com/splshield/splguard/gatekeeper/store"
	"github.com/splshield/splguard/internal/ticker"
)

// Durable side of the monitor. Implemented by *store.Store.
type RecordStore interface {
	GetCampaign(ctx context.Context, name string) (*store.CampaignRecord, error)
	SaveCampaign(ctx context.Context, rec *store.CampaignRecord) (*store.CampaignRecord, error)
	CreateCampaignIfAbsent(ctx context.Context, rec *store.CampaignRecord) (bool, error)
}

// Notifier is called after a cycle wrote a changed record. prev is nil when the record was created.
type Notifier func(ctx context.Context, prev, next *store.CampaignRecord)

type State int32

const (
	StateUnknown State = iota
	StateSynced
	StateFetching
	StateStale
)

func (s State) String() string {
	switch s {
	case StateSynced:
		return "synced"
	case StateFetching:
		return "fetching"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

type MonitorConfig struct {
	// Campaign row name
	Name         string
	Interval     time.Duration
	FetchTimeout time.Duration
}

// Monitor periodically reconciles the external campaign snapshot into the durable record. It is the only writer of that record.
//
// At most one cycle runs at a time. A failed cycle leaves the stored record as it was.
type Monitor struct {
	Name         string
	Fetcher      Fetcher
	Store        RecordStore
	Interval     time.Duration
	FetchTimeout time.Duration
	Notifiers    []Notifier
	Logger       *slog.Logger
	// for tests; defaults to time.Now
	Clock func() time.Time

	running     atomic.Bool
	state       atomic.Int32
	lastSuccess atomic.Int64
}

func NewMonitor(config MonitorConfig, fetcher Fetcher, st RecordStore, logger *slog.Logger) *Monitor {
	if config.Name == "" {
		config.Name = DefaultName
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		Name:         config.Name,
		Fetcher:      fetcher,
		Store:        st,
		Interval:     config.Interval,
		FetchTimeout: config.FetchTimeout,
		Logger:       logger.With("component", "campaign", "campaign", config.Name),
		Clock:        time.Now,
	}
}

// DefaultName is the campaign row used when none is configured.
const DefaultName = "presale"

func (m *Monitor) now() gatekeeper.Instant {
	if m.Clock == nil {
		return gatekeeper.Now()
	}
	return gatekeeper.InstantOf(m.Clock())
}

func (m *Monitor) State() State {
	return State(m.state.Load())
}

// LastSuccess is the time of the last successful cycle, whether or not it changed the record.
func (m *Monitor) LastSuccess() gatekeeper.Instant {
	return gatekeeper.Instant(m.lastSuccess.Load())
}

func (m *Monitor) OnChange(n Notifier) {
	m.Notifiers = append(m.Notifiers, n)
}

// Run reconciles immediately, then every Interval, until ctx is cancelled. Cycle failures are logged and do not stop the loop.
func (m *Monitor) Run(ctx context.Context) error {
	m.Logger.Info("campaign monitor starting", "interval", m.Interval, "fetchTimeout", m.FetchTimeout)
	err := ticker.Periodically(ctx, m.Interval, func(ctx context.Context) error {
		_, err := m.Reconcile(ctx)
		if err != nil && !errors.Is(err, ErrCycleInProgress) && ctx.Err() == nil {
			m.Logger.Warn("campaign reconciliation failed, keeping last known record", "err", err, "state", m.State())
		}
		return nil
	}, func() {
		cyclesSkipped.Inc()
	})
	if errors.Is(err, context.Canceled) {
		m.Logger.Info("campaign monitor stopped")
		return nil
	}
	return err
}

// Reconcile runs one fetch-compare-upsert cycle. It returns ErrCycleInProgress without doing anything if another cycle is running.
func (m *Monitor) Reconcile(ctx context.Context) (bool, error) {
	if !m.running.CompareAndSwap(false, true) {
		cyclesSkipped.Inc()
		return false, ErrCycleInProgress
	}
	defer m.running.Store(false)

	ctx, span := otel.Tracer("campaign").Start(ctx, "Reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("campaign", m.Name))

	start := time.Now()
	prior := m.State()
	m.state.Store(int32(StateFetching))

	changed, err := m.reconcile(ctx)
	cycleDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		cycleCount.WithLabelValues("failed").Inc()
		// nothing known-good to be stale against
		if prior == StateUnknown {
			m.state.Store(int32(StateUnknown))
		} else {
			m.state.Store(int32(StateStale))
		}
		return false, err
	}

	m.state.Store(int32(StateSynced))
	m.lastSuccess.Store(int64(m.now()))
	span.SetAttributes(attribute.Bool("changed", changed))
	if changed {
		cycleCount.WithLabelValues("changed").Inc()
	} else {
		cycleCount.WithLabelValues("unchanged").Inc()
	}
	return changed, nil
}

func (m *Monitor) reconcile(ctx context.Context) (bool, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, m.FetchTimeout)
	payload, err := m.Fetcher.Fetch(fetchCtx)
	cancel()
	if err != nil {
		return false, fmt.Errorf("fetch: %w", err)
	}
	next, err := normalize(m.Name, payload)
	if err != nil {
		return false, err
	}

	prev, err := m.Store.GetCampaign(ctx, m.Name)
	if err != nil && !errors.Is(err, gatekeeper.ErrNotFound) {
		return false, err
	}
	if prev != nil && sameContent(prev, next) {
		m.Logger.Debug("campaign unchanged", "version", prev.Version)
		return false, nil
	}

	next.SyncedAt = m.now()
	saved, err := m.Store.SaveCampaign(ctx, next)
	if err != nil {
		return false, err
	}
	m.Logger.Info("campaign record updated", "version", saved.Version, "status", saved.Status, "start", saved.StartTime, "end", saved.EndTime)
	for _, n := range m.Notifiers {
		n(ctx, prev, saved)
	}
	return true, nil
}

// Seed writes the initial record from p only if no record exists yet. Reports whether a record was written.
func (m *Monitor) Seed(ctx context.Context, p *Payload) (bool, error) {
	rec, err := normalize(m.Name, p)
	if err != nil {
		return false, err
	}
	rec.SyncedAt = m.now()
	created, err := m.Store.CreateCampaignIfAbsent(ctx, rec)
	if err != nil {
		return false, err
	}
	if created {
		m.Logger.Info("campaign record seeded", "status", rec.Status, "start", rec.StartTime)
	}
	return created, nil
}
