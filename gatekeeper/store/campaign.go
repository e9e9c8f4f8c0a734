package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

func (s *Store) GetCampaign(ctx context.Context, name string) (*CampaignRecord, error) {
	var rec CampaignRecord
	err := s.db.WithContext(ctx).Where("campaign = ?", name).Take(&rec).Error
	if err != nil {
		return nil, s.readErr("get_campaign", err)
	}
	return &rec, nil
}

// SaveCampaign writes rec as the new state of its campaign row, creating the row if none exists. The row's Version is bumped; a concurrent writer causes a retry.
func (s *Store) SaveCampaign(ctx context.Context, rec *CampaignRecord) (*CampaignRecord, error) {
	var out CampaignRecord
	err := s.transact(ctx, "save_campaign", func(tx *gorm.DB) error {
		var cur CampaignRecord
		err := tx.Where("campaign = ?", rec.Campaign).Take(&cur).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			next := *rec
			next.ID = 0
			next.Version = 1
			if err := tx.Create(&next).Error; err != nil {
				return err
			}
			out = next
			return nil
		} else if err != nil {
			return err
		}

		next := *rec
		next.ID = cur.ID
		next.CreatedAt = cur.CreatedAt
		next.Version = cur.Version + 1
		res := tx.Model(&CampaignRecord{}).
			Where("id = ? AND version = ?", cur.ID, cur.Version).
			Select("*").
			Omit("id", "created_at").
			Updates(&next)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errVersionConflict
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateCampaignIfAbsent inserts rec only when no row exists for its campaign. Reports whether a row was written.
func (s *Store) CreateCampaignIfAbsent(ctx context.Context, rec *CampaignRecord) (bool, error) {
	created := false
	err := s.transact(ctx, "seed_campaign", func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&CampaignRecord{}).Where("campaign = ?", rec.Campaign).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			created = false
			return nil
		}
		next := *rec
		next.ID = 0
		next.Version = 1
		if err := tx.Create(&next).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}
