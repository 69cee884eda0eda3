package model

import (
	"sync"
	"time"
)

// HashesPerDifficulty is the expected number of hashes for one difficulty-1 share.
const HashesPerDifficulty = 4294967296.0

// DefaultSamplingWindow is the rolling window used when none is configured.
const DefaultSamplingWindow = 10 * time.Minute

// Share is one submission outcome.
type Share struct {
	Difficulty float64
	Time       time.Time
	Accepted   bool
}

// ShareStats is a rolling accepted/rejected accumulator. Counts and
// difficulty totals are lifetime values; hashrates only look at the window.
type ShareStats struct {
	mu                 sync.Mutex
	window             time.Duration
	acceptedCount      uint64
	rejectedCount      uint64
	acceptedDifficulty float64
	rejectedDifficulty float64
	accepted           []Share
	rejected           []Share
	last               time.Time
}

func NewShareStats(window time.Duration) *ShareStats {
	if window <= 0 {
		window = DefaultSamplingWindow
	}
	return &ShareStats{window: window}
}

func (s *ShareStats) Add(share Share) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if share.Accepted {
		s.acceptedCount++
		s.acceptedDifficulty += share.Difficulty
		s.accepted = append(s.accepted, share)
	} else {
		s.rejectedCount++
		s.rejectedDifficulty += share.Difficulty
		s.rejected = append(s.rejected, share)
	}
	if share.Time.After(s.last) {
		s.last = share.Time
	}
	s.pruneLocked(share.Time)
}

func (s *ShareStats) Counts() (accepted, rejected uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceptedCount, s.rejectedCount
}

func (s *ShareStats) Difficulties() (accepted, rejected float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceptedDifficulty, s.rejectedDifficulty
}

func (s *ShareStats) LastShareTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *ShareStats) Window() time.Duration { return s.window }

// Hashrates returns accepted and rejected hashes per second over the window ending at now.
func (s *ShareStats) Hashrates(now time.Time) (accepted, rejected float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	secs := s.window.Seconds()
	return sumDifficulty(s.accepted) * HashesPerDifficulty / secs, sumDifficulty(s.rejected) * HashesPerDifficulty / secs
}

func (s *ShareStats) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.window)
	s.accepted = prune(s.accepted, cutoff)
	s.rejected = prune(s.rejected, cutoff)
}

func prune(shares []Share, cutoff time.Time) []Share {
	i := 0
	for i < len(shares) && shares[i].Time.Before(cutoff) {
		i++
	}
	if i == 0 {
		return shares
	}
	return append(shares[:0], shares[i:]...)
}

func sumDifficulty(shares []Share) float64 {
	var total float64
	for _, sh := range shares {
		total += sh.Difficulty
	}
	return total
}
