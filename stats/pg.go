package stats

import (
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type HashrateSample struct {
	Name         string    `gorm:"primaryKey;size:255"`
	CapturedAt   time.Time `gorm:"primaryKey;type:timestamp;index"`
	AcceptedRate float64   `gorm:"not null"`
	RejectedRate float64   `gorm:"not null"`
}

type PGStore struct{ db *gorm.DB }

func NewPGStore(dsn string) (*PGStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	s := &PGStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PGStore) ensureSchema() error { return s.db.AutoMigrate(&HashrateSample{}) }

// InsertSample overwrites a sample captured at the same instant.
func (s *PGStore) InsertSample(name string, accepted, rejected float64, t time.Time) error {
	rec := HashrateSample{Name: name, CapturedAt: t.UTC(), AcceptedRate: accepted, RejectedRate: rejected}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}, {Name: "captured_at"}},
		DoUpdates: clause.AssignmentColumns([]string{"accepted_rate", "rejected_rate"}),
	}).Create(&rec).Error
}

func (s *PGStore) DeleteOlderThan(t time.Time) error {
	return s.db.Where("captured_at < ?", t.UTC()).Delete(&HashrateSample{}).Error
}

func (s *PGStore) DeleteSamples(name string) error {
	return s.db.Where("name = ?", name).Delete(&HashrateSample{}).Error
}

func (s *PGStore) Samples(name string, since time.Time) ([]Sample, error) {
	var recs []HashrateSample
	err := s.db.Where("name = ? AND captured_at >= ?", name, since.UTC()).Order("captured_at").Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]Sample, 0, len(recs))
	for _, r := range recs {
		out = append(out, Sample{Name: r.Name, Accepted: r.AcceptedRate, Rejected: r.RejectedRate, Time: r.CapturedAt})
	}
	return out, nil
}

func (s *PGStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
