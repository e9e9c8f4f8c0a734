package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/splshield/splguard/gatekeeper"
)

// IncrementWindow adds one hit to the counter for (bucket, windowStart), creating it if needed, and returns the new count.
//
// The upsert and the read-back run in one transaction. On postgres the upsert holds the row lock until commit, so concurrent callers for the same bucket observe distinct counts.
func (s *Store) IncrementWindow(ctx context.Context, bucket string, windowStart, expiresAt gatekeeper.Instant) (int, error) {
	var hits int
	err := s.transact(ctx, "increment_window", func(tx *gorm.DB) error {
		row := RateWindow{
			Bucket:      bucket,
			WindowStart: windowStart,
			Hits:        1,
			ExpiresAt:   expiresAt,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "bucket"}, {Name: "window_start"}},
			DoUpdates: clause.Assignments(map[string]any{
				"hits": gorm.Expr("rate_windows.hits + 1"),
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
		return tx.Model(&RateWindow{}).
			Select("hits").
			Where("bucket = ? AND window_start = ?", bucket, windowStart).
			Row().
			Scan(&hits)
	})
	if err != nil {
		return 0, err
	}
	return hits, nil
}

// PurgeExpiredWindows deletes counters whose window closed before now. Returns the number of rows removed.
func (s *Store) PurgeExpiredWindows(ctx context.Context, now gatekeeper.Instant) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&RateWindow{})
	if res.Error != nil {
		return 0, s.readErr("purge_windows", res.Error)
	}
	return res.RowsAffected, nil
}
