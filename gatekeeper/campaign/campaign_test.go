package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splshield/splguard/gatekeeper"
	"github.com/splshield/splguard/gatekeeper/store"
)

type fetchFunc func(ctx context.Context) (*Payload, error)

func (f fetchFunc) Fetch(ctx context.Context) (*Payload, error) {
	return f(ctx)
}

var tStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testMonitor(t *testing.T, f Fetcher) (*Monitor, *Reader) {
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	m := NewMonitor(MonitorConfig{FetchTimeout: 50 * time.Millisecond}, f, st, nil)
	m.Clock = func() time.Time { return tStart.Add(-time.Hour) }
	r := NewReader("", st)
	r.Clock = m.Clock
	return m, r
}

func upcoming() *Payload {
	hardcap := decimal.RequireFromString("1000.50")
	return &Payload{
		Status:    "upcoming",
		Platform:  "pinksale",
		StartTime: Timestamp(tStart.Format(time.RFC3339)),
		Hardcap:   &hardcap,
		Links:     map[string]string{"website": "https://example.org"},
	}
}

func TestReconcileWritesOnlyOnChange(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	payload := upcoming()
	m, r := testMonitor(t, fetchFunc(func(ctx context.Context) (*Payload, error) {
		return payload, nil
	}))
	var notified []int64
	m.OnChange(func(ctx context.Context, prev, next *store.CampaignRecord) {
		notified = append(notified, next.Version)
	})

	_, err := r.CurrentSnapshot(ctx)
	assert.ErrorIs(err, ErrUnknown)
	assert.Equal(StateUnknown, m.State())

	changed, err := m.Reconcile(ctx)
	require.NoError(err)
	assert.True(changed)
	assert.Equal(StateSynced, m.State())

	snap, err := r.CurrentSnapshot(ctx)
	require.NoError(err)
	assert.Equal(int64(1), snap.Version)
	assert.Equal(store.CampaignUpcoming, snap.Status)
	assert.Equal(gatekeeper.InstantOf(tStart), snap.StartTime)
	assert.Equal("1000.5", snap.Metadata["hardcap"])
	assert.Equal("pinksale", snap.Metadata["platform"])

	changed, err = m.Reconcile(ctx)
	require.NoError(err)
	assert.False(changed)
	snap, err = r.CurrentSnapshot(ctx)
	require.NoError(err)
	assert.Equal(int64(1), snap.Version)

	// cosmetic link differences are not a change
	payload.Links = map[string]string{"website": "HTTPS://Example.ORG:443/"}
	changed, err = m.Reconcile(ctx)
	require.NoError(err)
	assert.False(changed)

	raised := decimal.RequireFromString("250")
	payload.Raised = &raised
	changed, err = m.Reconcile(ctx)
	require.NoError(err)
	assert.True(changed)
	snap, err = r.CurrentSnapshot(ctx)
	require.NoError(err)
	assert.Equal(int64(2), snap.Version)
	assert.Equal("250", snap.Metadata["raised"])

	assert.Equal([]int64{1, 2}, notified)
}

func TestFailedFetchKeepsSnapshot(t *testing.T) {
	ctx := context.Background()

	var mode atomic.Int32
	m, r := testMonitor(t, fetchFunc(func(ctx context.Context) (*Payload, error) {
		switch mode.Load() {
		case 1:
			return nil, errors.New("connection refused")
		case 2:
			<-ctx.Done()
			return nil, ctx.Err()
		case 3:
			return &Payload{Status: "upcoming", StartTime: "not a time"}, nil
		case 4:
			return &Payload{Status: "postponed", StartTime: "2025-03-01T12:00:00Z"}, nil
		case 5:
			return &Payload{Status: "live"}, nil
		}
		return upcoming(), nil
	}))

	_, err := m.Reconcile(ctx)
	require.NoError(t, err)
	before, err := r.CurrentSnapshot(ctx)
	require.NoError(t, err)
	beforeJSON, err := json.Marshal(before)
	require.NoError(t, err)

	for i := int32(1); i <= 5; i++ {
		mode.Store(i)
		changed, err := m.Reconcile(ctx)
		assert.Error(t, err, "mode %d", i)
		assert.False(t, changed)
		assert.Equal(t, StateStale, m.State())

		after, err := r.CurrentSnapshot(ctx)
		require.NoError(t, err)
		afterJSON, err := json.Marshal(after)
		require.NoError(t, err)
		assert.Equal(t, string(beforeJSON), string(afterJSON), "mode %d", i)
	}

	mode.Store(0)
	changed, err := m.Reconcile(ctx)
	assert.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StateSynced, m.State())
}

func TestFirstFailureStaysUnknown(t *testing.T) {
	m, r := testMonitor(t, fetchFunc(func(ctx context.Context) (*Payload, error) {
		return nil, errors.New("dns failure")
	}))
	_, err := m.Reconcile(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateUnknown, m.State())
	_, err = r.CurrentSnapshot(context.Background())
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestDerivedStatus(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	p := upcoming()
	p.EndTime = Timestamp(tStart.Add(48 * time.Hour).Format(time.RFC3339))
	m, r := testMonitor(t, fetchFunc(func(ctx context.Context) (*Payload, error) {
		return p, nil
	}))
	_, err := m.Reconcile(ctx)
	require.NoError(t, err)

	r.Clock = func() time.Time { return tStart.Add(-time.Millisecond) }
	snap, err := r.CurrentSnapshot(ctx)
	assert.NoError(err)
	assert.Equal(store.CampaignUpcoming, snap.Status)

	// no re-fetch needed
	r.Clock = func() time.Time { return tStart }
	snap, err = r.CurrentSnapshot(ctx)
	assert.NoError(err)
	assert.Equal(store.CampaignLive, snap.Status)
	assert.Equal(store.CampaignUpcoming, snap.StoredStatus)

	r.Clock = func() time.Time { return tStart.Add(48 * time.Hour) }
	snap, err = r.CurrentSnapshot(ctx)
	assert.NoError(err)
	assert.Equal(store.CampaignEnded, snap.Status)
}

func TestDeriveStatus(t *testing.T) {
	assert := assert.New(t)
	start := gatekeeper.Instant(1000)

	assert.Equal(store.CampaignUpcoming, DeriveStatus(store.CampaignUpcoming, start, 0, 999))
	assert.Equal(store.CampaignLive, DeriveStatus(store.CampaignUpcoming, start, 0, 1000))
	assert.Equal(store.CampaignLive, DeriveStatus(store.CampaignLive, start, 0, 1_000_000))
	assert.Equal(store.CampaignEnded, DeriveStatus(store.CampaignLive, start, 2000, 2000))
	assert.Equal(store.CampaignEnded, DeriveStatus(store.CampaignUpcoming, start, 2000, 3000))
	// explicit status from the source is never walked backwards
	assert.Equal(store.CampaignEnded, DeriveStatus(store.CampaignEnded, start, 0, 0))
}

func TestNaiveTimestamp(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	// host zone must not matter
	orig := time.Local
	time.Local = time.FixedZone("UTC+9", 9*60*60)
	t.Cleanup(func() { time.Local = orig })

	m, r := testMonitor(t, fetchFunc(func(ctx context.Context) (*Payload, error) {
		return &Payload{Status: "upcoming", StartTime: "2025-03-01 12:00:00"}, nil
	}))
	_, err := m.Reconcile(ctx)
	require.NoError(t, err)

	snap, err := r.CurrentSnapshot(ctx)
	assert.NoError(err)
	assert.Equal(gatekeeper.InstantOf(tStart), snap.StartTime)

	r.Clock = func() time.Time { return tStart }
	snap, err = r.CurrentSnapshot(ctx)
	assert.NoError(err)
	assert.Equal(store.CampaignLive, snap.Status)
}

func TestOverlappingCycleSkipped(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})

	m, _ := testMonitor(t, fetchFunc(func(ctx context.Context) (*Payload, error) {
		close(started)
		<-release
		return upcoming(), nil
	}))
	m.FetchTimeout = 5 * time.Second

	done := make(chan error)
	go func() {
		_, err := m.Reconcile(ctx)
		done <- err
	}()
	<-started

	changed, err := m.Reconcile(ctx)
	assert.ErrorIs(t, err, ErrCycleInProgress)
	assert.False(t, changed)
	assert.Equal(t, StateFetching, m.State())

	close(release)
	assert.NoError(t, <-done)
	assert.Equal(t, StateSynced, m.State())
}

type slowRecords struct {
	RecordReader
	started chan struct{}
	release chan struct{}
	once    atomic.Bool
}

func (s *slowRecords) GetCampaign(ctx context.Context, name string) (*store.CampaignRecord, error) {
	if s.once.CompareAndSwap(false, true) {
		close(s.started)
	}
	<-s.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.RecordReader.GetCampaign(ctx, name)
}

func TestSnapshotReadersDoNotShareCancellation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	m, r := testMonitor(t, fetchFunc(func(ctx context.Context) (*Payload, error) {
		return upcoming(), nil
	}))
	_, err := m.Reconcile(ctx)
	require.NoError(err)

	slow := &slowRecords{RecordReader: r.Store, started: make(chan struct{}), release: make(chan struct{})}
	r.Store = slow

	first, cancel := context.WithCancel(ctx)
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.CurrentSnapshot(first)
		firstErr <- err
	}()
	<-slow.started

	type result struct {
		snap Snapshot
		err  error
	}
	second := make(chan result, 1)
	go func() {
		snap, err := r.CurrentSnapshot(ctx)
		second <- result{snap, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(<-firstErr, context.Canceled)

	close(slow.release)
	res := <-second
	require.NoError(res.err)
	assert.Equal(store.CampaignUpcoming, res.snap.StoredStatus)
	assert.Equal(gatekeeper.InstantOf(tStart), res.snap.StartTime)
}

func TestSeed(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	m, r := testMonitor(t, fetchFunc(func(ctx context.Context) (*Payload, error) {
		return nil, errors.New("unused")
	}))

	created, err := m.Seed(ctx, upcoming())
	assert.NoError(err)
	assert.True(created)

	other := upcoming()
	other.Status = "ended"
	created, err = m.Seed(ctx, other)
	assert.NoError(err)
	assert.False(created)

	snap, err := r.CurrentSnapshot(ctx)
	assert.NoError(err)
	assert.Equal(store.CampaignUpcoming, snap.StoredStatus)

	_, err = m.Seed(ctx, &Payload{Status: "upcoming"})
	assert.ErrorIs(err, ErrMalformed)
}

func TestNormalize(t *testing.T) {
	assert := assert.New(t)

	rec, err := normalize("presale", &Payload{Status: " ACTIVE ", StartTime: "1740830400"})
	assert.NoError(err)
	assert.Equal(store.CampaignLive, rec.Status)
	assert.Equal(gatekeeper.InstantOf(tStart), rec.StartTime)
	assert.Nil(rec.Metadata)

	for name, p := range map[string]*Payload{
		"nil":        nil,
		"no status":  {StartTime: "2025-03-01T12:00:00Z"},
		"bad status": {Status: "soon", StartTime: "2025-03-01T12:00:00Z"},
		"no start":   {Status: "live"},
		"bad start":  {Status: "live", StartTime: "yesterday-ish"},
		"bad end":    {Status: "live", StartTime: "2025-03-01T12:00:00Z", EndTime: "whenever"},
		"end first":  {Status: "live", StartTime: "2025-03-01T12:00:00Z", EndTime: "2025-02-01T12:00:00Z"},
		"zone abbr":  {Status: "live", StartTime: "2025-03-01 04:00:00 PST"},
		"end abbr":   {Status: "live", StartTime: "2025-03-01T12:00:00Z", EndTime: "2025-03-02 12:00:00 EST"},
	} {
		_, err := normalize("presale", p)
		assert.ErrorIs(err, ErrMalformed, name)
	}
}

func TestNormalizeLink(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("https://example.org", normalizeLink("https://example.org"))
	assert.Equal("https://example.org", normalizeLink(" HTTPS://Example.org:443/ "))
	assert.Equal("http://example.org/sale?ref=1", normalizeLink("http://example.org:80/sale/?ref=1"))
	assert.Equal("https://t.me/SplToken", normalizeLink("https://t.me/SplToken/"))
}

func TestDecodePayload(t *testing.T) {
	assert := assert.New(t)

	p, err := DecodePayload([]byte(`{"status":"live","start_time":1740830400,"hardcap":"100.00","softcap":50,"raised":null,"links":{"x":"https://x.example"}}`))
	assert.NoError(err)
	assert.Equal(Timestamp("1740830400"), p.StartTime)
	assert.Equal("100", p.Hardcap.String())
	assert.Equal("50", p.Softcap.String())
	assert.Nil(p.Raised)

	_, err = DecodePayload([]byte(`{"status":"live","start_time":"2025-03-01T12:00:00Z","hardcap":"a lot"}`))
	assert.ErrorIs(err, ErrMalformed)
	_, err = DecodePayload([]byte(`{"status":"live","start_time":{}}`))
	assert.ErrorIs(err, ErrMalformed)
	_, err = DecodePayload([]byte(`<html>`))
	assert.ErrorIs(err, ErrMalformed)
}

func TestHTTPFetcher(t *testing.T) {
	assert := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/presale" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"upcoming","start_time":"2025-03-01T12:00:00Z","platform":"pinksale"}`))
	}))
	defer srv.Close()

	f := &HTTPFetcher{URL: srv.URL + "/presale", Client: srv.Client()}
	p, err := f.Fetch(context.Background())
	assert.NoError(err)
	assert.Equal("pinksale", p.Platform)

	f.URL = srv.URL + "/missing"
	_, err = f.Fetch(context.Background())
	assert.Error(err)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m, r := testMonitor(t, fetchFunc(func(ctx context.Context) (*Payload, error) {
		return upcoming(), nil
	}))
	m.Interval = time.Hour

	done := make(chan error)
	go func() {
		done <- m.Run(ctx)
	}()
	assert.Eventually(t, func() bool {
		return m.State() == StateSynced
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)

	snap, err := r.CurrentSnapshot(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
}
