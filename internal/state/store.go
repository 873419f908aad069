package state

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/conveyhq/convey/internal/db"
	"github.com/conveyhq/convey/internal/fault"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists state documents and their leases in the database.
type Store struct {
	db    *gorm.DB
	clock clock.Clock
}

// NewStore creates a state store. Pass clock.WallClock outside tests.
func NewStore(gormDB *gorm.DB, clk clock.Clock) *Store {
	return &Store{db: gormDB, clock: clk}
}

// Read fetches the current document for key. A key that was never written
// yields a fresh empty document with a new lineage and serial zero.
func (s *Store) Read(key string) (*Document, error) {
	var rec db.StateRecord
	err := s.db.First(&rec, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Document{
			Version: FormatVersion,
			Serial:  0,
			Lineage: uuid.NewString(),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state %q: %w", key, err)
	}
	doc, err := ParseDocument([]byte(rec.Data))
	if err != nil {
		return nil, fmt.Errorf("state %q: %w", key, err)
	}
	return doc, nil
}

// Write commits doc as the new state for key. The caller must hold the lease
// as holder; the write is atomic — either the full document lands with its
// serial advanced, or nothing changes. A serial that does not advance the
// stored one by exactly one is rejected.
func (s *Store) Write(key, holder string, doc *Document) error {
	data, err := doc.Encode()
	if err != nil {
		return fmt.Errorf("encoding state %q: %w", key, err)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		var lease db.StateLease
		err := tx.First(&lease, "key = ?", key).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: no lease held for %q", fault.ErrStateLockUnavailable, key)
		}
		if err != nil {
			return err
		}
		if lease.Holder != holder || !lease.ExpiresAt.After(s.clock.Now()) {
			return fmt.Errorf("%w: lease for %q not held by %s", fault.ErrStateLockUnavailable, key, holder)
		}

		var rec db.StateRecord
		err = tx.First(&rec, "key = ?", key).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if doc.Serial != 1 {
				return fmt.Errorf("state %q: first write must have serial 1, got %d", key, doc.Serial)
			}
		case err != nil:
			return err
		default:
			if doc.Serial != rec.Serial+1 {
				return fmt.Errorf("state %q: serial %d does not follow committed serial %d", key, doc.Serial, rec.Serial)
			}
			if rec.Lineage != doc.Lineage {
				return fmt.Errorf("state %q: lineage mismatch", key)
			}
		}

		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"serial", "lineage", "data", "updated_at"}),
		}).Create(&db.StateRecord{
			Key:     key,
			Serial:  doc.Serial,
			Lineage: doc.Lineage,
			Data:    string(data),
		})
		return result.Error
	})
}

// AcquireLease claims the exclusive lease on key for holder with the given
// TTL. A free or expired lease is taken over; a live lease held by someone
// else fails with StateLockUnavailable. Re-acquiring an own live lease
// renews it.
func (s *Store) AcquireLease(key, holder string, ttl time.Duration) error {
	now := s.clock.Now()
	return s.db.Transaction(func(tx *gorm.DB) error {
		var lease db.StateLease
		err := tx.First(&lease, "key = ?", key).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&db.StateLease{
				Key:       key,
				Holder:    holder,
				ExpiresAt: now.Add(ttl),
			}).Error
		case err != nil:
			return err
		}

		if lease.Holder != holder && lease.ExpiresAt.After(now) {
			return fmt.Errorf("%w: %q held by %s until %s", fault.ErrStateLockUnavailable, key, lease.Holder, lease.ExpiresAt.Format(time.RFC3339))
		}

		if lease.Holder != holder {
			log.Printf("[INFO] Taking over expired lease on %q from %s", key, lease.Holder)
		}
		lease.Holder = holder
		lease.ExpiresAt = now.Add(ttl)
		return tx.Save(&lease).Error
	})
}

// RenewLease extends an own live lease by ttl; renewing a lost or expired
// lease fails with StateLockUnavailable.
func (s *Store) RenewLease(key, holder string, ttl time.Duration) error {
	now := s.clock.Now()
	result := s.db.Model(&db.StateLease{}).
		Where("key = ? AND holder = ? AND expires_at > ?", key, holder, now).
		Update("expires_at", now.Add(ttl))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: cannot renew lease on %q for %s", fault.ErrStateLockUnavailable, key, holder)
	}
	return nil
}

// ReleaseLease drops holder's lease on key. Releasing a lease that is not
// held is a no-op, so release is safe to call on every exit path.
func (s *Store) ReleaseLease(key, holder string) error {
	// Hard delete: a soft-deleted row would still occupy the unique key
	// and block the next acquisition.
	return s.db.Unscoped().Where("key = ? AND holder = ?", key, holder).
		Delete(&db.StateLease{}).Error
}

// SweepExpiredLeases deletes lease rows past their expiry. The server runs
// this periodically as housekeeping; correctness never depends on it since
// acquisition already treats expired rows as free.
func (s *Store) SweepExpiredLeases() (int64, error) {
	result := s.db.Unscoped().Where("expires_at <= ?", s.clock.Now()).Delete(&db.StateLease{})
	return result.RowsAffected, result.Error
}
