// Package release tracks the active release record per workload. Each
// successful rollout supersedes the previous record wholesale; superseded
// records are kept as rollback candidates.
package release

import (
	"errors"
	"fmt"

	"github.com/conveyhq/convey/internal/db"
	"gorm.io/gorm"
)

// ErrNoRelease indicates that no matching release record exists.
var ErrNoRelease = errors.New("no release record")

// Store persists release records.
type Store struct {
	db *gorm.DB
}

// NewStore creates a release store.
func NewStore(gormDB *gorm.DB) *Store {
	return &Store{db: gormDB}
}

// Active returns the current release record for the workload.
func (s *Store) Active(namespace, name string) (*db.ReleaseRecord, error) {
	var rec db.ReleaseRecord
	err := s.db.Where("namespace = ? AND name = ? AND active = ?", namespace, name, true).
		Order("id DESC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoRelease, namespace, name)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Previous returns the most recent superseded record for the workload, the
// rollback candidate.
func (s *Store) Previous(namespace, name string) (*db.ReleaseRecord, error) {
	var rec db.ReleaseRecord
	err := s.db.Where("namespace = ? AND name = ? AND active = ?", namespace, name, false).
		Order("id DESC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no rollback candidate for %s/%s", ErrNoRelease, namespace, name)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Supersede replaces the active record with a new one in a single
// transaction: the previous active row is deactivated, never merged.
func (s *Store) Supersede(namespace, name, imageRef string, replicas int, status string) (*db.ReleaseRecord, error) {
	rec := &db.ReleaseRecord{
		Namespace: namespace,
		Name:      name,
		Image:     imageRef,
		Replicas:  replicas,
		Status:    status,
		Active:    true,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&db.ReleaseRecord{}).
			Where("namespace = ? AND name = ? AND active = ?", namespace, name, true).
			Update("active", false).Error; err != nil {
			return err
		}
		return tx.Create(rec).Error
	})
	if err != nil {
		return nil, fmt.Errorf("superseding release %s/%s: %w", namespace, name, err)
	}
	return rec, nil
}

// List returns all active release records.
func (s *Store) List() ([]db.ReleaseRecord, error) {
	var recs []db.ReleaseRecord
	err := s.db.Where("active = ?", true).Order("namespace, name").Find(&recs).Error
	return recs, err
}
