package stats

import (
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]Sample
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]Sample)}
}

func (s *MemoryStore) InsertSample(name string, accepted, rejected float64, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	samples := append(s.data[name], Sample{Name: name, Accepted: accepted, Rejected: rejected, Time: t})
	if n := len(samples); n > 1 && samples[n-1].Time.Before(samples[n-2].Time) {
		sort.SliceStable(samples, func(i, j int) bool { return samples[i].Time.Before(samples[j].Time) })
	}
	s.data[name] = samples
	return nil
}

func (s *MemoryStore) DeleteOlderThan(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, samples := range s.data {
		i := sort.Search(len(samples), func(i int) bool { return !samples[i].Time.Before(t) })
		if i == len(samples) {
			delete(s.data, name)
			continue
		}
		s.data[name] = append([]Sample(nil), samples[i:]...)
	}
	return nil
}

func (s *MemoryStore) DeleteSamples(name string) error {
	s.mu.Lock()
	delete(s.data, name)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Samples(name string, since time.Time) ([]Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	samples := s.data[name]
	i := sort.Search(len(samples), func(i int) bool { return !samples[i].Time.Before(since) })
	return append([]Sample(nil), samples[i:]...), nil
}

func (s *MemoryStore) Close() error { return nil }
