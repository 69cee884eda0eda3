package stats

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var hashrateBkt = []byte("hashrate")

// BoltStore keeps one nested bucket per name, keyed by big endian capture
// time in nanoseconds so cursor order is time order.
type BoltStore struct{ db *bolt.DB }

type boltValue struct {
	Accepted float64 `json:"a"`
	Rejected float64 `json:"r"`
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(hashrateBkt)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

var maxKeyTime = time.Unix(0, math.MaxInt64)

// timeKey orders samples by capture time. Times before the epoch map to key 0
// and times past 2262 to the largest key.
func timeKey(t time.Time) []byte {
	k := make([]byte, 8)
	var ns int64
	switch {
	case t.Before(time.Unix(0, 0)):
		ns = 0
	case t.After(maxKeyTime):
		ns = math.MaxInt64
	default:
		ns = t.UnixNano()
	}
	binary.BigEndian.PutUint64(k, uint64(ns))
	return k
}

func (s *BoltStore) InsertSample(name string, accepted, rejected float64, t time.Time) error {
	v, err := sonic.Marshal(boltValue{Accepted: accepted, Rejected: rejected})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.Bucket(hashrateBkt).CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return err
		}
		return bkt.Put(timeKey(t), v)
	})
}

func (s *BoltStore) DeleteOlderThan(t time.Time) error {
	cutoff := timeKey(t)
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(hashrateBkt)
		var empty [][]byte
		err := root.ForEach(func(name, _ []byte) error {
			bkt := root.Bucket(name)
			if bkt == nil {
				return nil
			}
			c := bkt.Cursor()
			for k, _ := c.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, _ = c.First() {
				if err := c.Delete(); err != nil {
					return err
				}
			}
			if k, _ := c.First(); k == nil {
				empty = append(empty, append([]byte(nil), name...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range empty {
			if err := root.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) DeleteSamples(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(hashrateBkt).DeleteBucket([]byte(name))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func (s *BoltStore) Samples(name string, since time.Time) ([]Sample, error) {
	var out []Sample
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(hashrateBkt).Bucket([]byte(name))
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()
		for k, v := c.Seek(timeKey(since)); k != nil; k, v = c.Next() {
			var bv boltValue
			if err := sonic.Unmarshal(v, &bv); err != nil {
				return errors.Wrapf(err, "sample %s", name)
			}
			ts := time.Unix(0, int64(binary.BigEndian.Uint64(k)))
			out = append(out, Sample{Name: name, Accepted: bv.Accepted, Rejected: bv.Rejected, Time: ts})
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Close() error { return s.db.Close() }
