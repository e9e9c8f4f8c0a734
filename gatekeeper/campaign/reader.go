package campaign

import (
	"context"
	"errors"
	"maps"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/splshield/splguard/gatekeeper"
	"github.com/splshield/splguard/gatekeeper/store"
)

// Snapshot is a point-in-time copy of the campaign record, with Status derived for the time of the read. Instants are epoch milliseconds.
type Snapshot struct {
	Campaign     string               `json:"campaign"`
	Status       store.CampaignStatus `json:"status"`
	StoredStatus store.CampaignStatus `json:"stored_status"`
	StartTime    gatekeeper.Instant   `json:"start_time"`
	EndTime      gatekeeper.Instant   `json:"end_time,omitempty"`
	Links        map[string]string    `json:"links,omitempty"`
	Metadata     map[string]string    `json:"metadata,omitempty"`
	Version      int64                `json:"version"`
	SyncedAt     gatekeeper.Instant   `json:"synced_at"`
}

type RecordReader interface {
	GetCampaign(ctx context.Context, name string) (*store.CampaignRecord, error)
}

// Reader serves snapshots from the durable record. Concurrent reads are collapsed into one store query.
type Reader struct {
	Name  string
	Store RecordReader
	// for tests; defaults to time.Now
	Clock func() time.Time

	group singleflight.Group
}

func NewReader(name string, st RecordReader) *Reader {
	if name == "" {
		name = DefaultName
	}
	return &Reader{Name: name, Store: st, Clock: time.Now}
}

// CurrentSnapshot returns the current record, or ErrUnknown if there is none yet.
//
// The shared store read is detached from any one caller's cancellation; each caller only stops waiting on its own ctx.
func (r *Reader) CurrentSnapshot(ctx context.Context) (Snapshot, error) {
	flight := context.WithoutCancel(ctx)
	ch := r.group.DoChan(r.Name, func() (any, error) {
		return r.Store.GetCampaign(flight, r.Name)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case res = <-ch:
	}
	v, err := res.Val, res.Err
	if errors.Is(err, gatekeeper.ErrNotFound) {
		return Snapshot{}, ErrUnknown
	}
	if err != nil {
		return Snapshot{}, err
	}
	rec := v.(*store.CampaignRecord)

	now := gatekeeper.Now()
	if r.Clock != nil {
		now = gatekeeper.InstantOf(r.Clock())
	}
	return Snapshot{
		Campaign:     rec.Campaign,
		Status:       DeriveStatus(rec.Status, rec.StartTime, rec.EndTime, now),
		StoredStatus: rec.Status,
		StartTime:    rec.StartTime,
		EndTime:      rec.EndTime,
		Links:        maps.Clone(rec.Links),
		Metadata:     maps.Clone(rec.Metadata),
		Version:      rec.Version,
		SyncedAt:     rec.SyncedAt,
	}, nil
}

// DeriveStatus applies the time-based transitions: upcoming becomes live once now reaches start, and live becomes ended once now reaches a set end.
func DeriveStatus(stored store.CampaignStatus, start, end, now gatekeeper.Instant) store.CampaignStatus {
	status := stored
	if status == store.CampaignUpcoming && !now.Before(start) {
		status = store.CampaignLive
	}
	if status == store.CampaignLive && !end.IsZero() && !now.Before(end) {
		status = store.CampaignEnded
	}
	return status
}
