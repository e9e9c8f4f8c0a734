package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/splshield/splguard/gatekeeper"
)

func (s *Store) GetInfraction(ctx context.Context, subject gatekeeper.Subject) (*UserInfraction, error) {
	var rec UserInfraction
	err := s.db.WithContext(ctx).Where("subject_key = ?", subject.Key()).Take(&rec).Error
	if err != nil {
		return nil, s.readErr("get_infraction", err)
	}
	return &rec, nil
}

// UpdateInfraction applies mutate to the subject's row (a fresh zero row if none exists yet) and writes it back.
//
// The write is conditional on the row version read at the start of the transaction; a concurrent writer causes a retry with a fresh read, so mutate may run more than once and must only depend on its argument. History is append-only: mutate may add events but any events already stored are kept.
func (s *Store) UpdateInfraction(ctx context.Context, subject gatekeeper.Subject, mutate func(rec *UserInfraction)) (*UserInfraction, error) {
	var out UserInfraction
	err := s.transact(ctx, "update_infraction", func(tx *gorm.DB) error {
		var rec UserInfraction
		created := false
		err := tx.Where("subject_key = ?", subject.Key()).Take(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			rec = UserInfraction{
				SubjectKey: subject.Key(),
				ChatID:     subject.ChatID,
				UserID:     subject.UserID,
			}
			created = true
		} else if err != nil {
			return err
		}

		prevVersion := rec.Version
		prevHistory := len(rec.History)
		mutate(&rec)
		if len(rec.History) < prevHistory {
			return errors.New("infraction history is append-only")
		}
		rec.SubjectKey = subject.Key()
		rec.ChatID = subject.ChatID
		rec.UserID = subject.UserID
		rec.Version = prevVersion + 1

		if created {
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
			out = rec
			return nil
		}

		res := tx.Model(&UserInfraction{}).
			Where("id = ? AND version = ?", rec.ID, prevVersion).
			Select("*").
			Omit("id", "created_at").
			Updates(&rec)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errVersionConflict
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
