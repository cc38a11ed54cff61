package badger

import (
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/aranea/internal/models"
)

// RobotsStorage persists fetched robots.txt records keyed by host, so
// restarts and concurrent jobs reuse earlier fetches until they expire.
type RobotsStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewRobotsStorage creates a robots record store on the shared connection.
func NewRobotsStorage(db *BadgerDB, logger arbor.ILogger) *RobotsStorage {
	return &RobotsStorage{
		db:     db,
		logger: logger,
	}
}

// Get returns the cached record for a host, or nil when none is stored.
func (s *RobotsStorage) Get(host string) (*models.RobotsRecord, error) {
	var rec models.RobotsRecord
	err := s.db.Store().Get(host, &rec)
	if err == badgerhold.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get robots record for %s: %w", host, err)
	}
	return &rec, nil
}

// Put inserts or replaces the record for its host.
func (s *RobotsStorage) Put(rec *models.RobotsRecord) error {
	if err := s.db.Store().Upsert(rec.Host, rec); err != nil {
		return fmt.Errorf("failed to store robots record for %s: %w", rec.Host, err)
	}
	return nil
}

// SweepExpired deletes every record fetched before the cutoff and returns
// how many were removed.
func (s *RobotsStorage) SweepExpired(cutoff time.Time) (int, error) {
	query := badgerhold.Where("FetchedAt").Lt(cutoff)

	var stale []models.RobotsRecord
	if err := s.db.Store().Find(&stale, query); err != nil {
		return 0, fmt.Errorf("failed to query stale robots records: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	if err := s.db.Store().DeleteMatching(&models.RobotsRecord{}, query); err != nil {
		return 0, fmt.Errorf("failed to delete stale robots records: %w", err)
	}

	s.logger.Debug().Int("count", len(stale)).Msg("Swept expired robots records")
	return len(stale), nil
}

// GC reclaims value log space freed by earlier sweeps.
func (s *RobotsStorage) GC() error {
	return s.db.RunGC()
}
