// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2025 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package pmstats persists cumulative power management statistics, so
// idle residency and performance state change counts survive restarts
// of the hosting process.
package pmstats

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"

	"github.com/helioslabs/powercore/cpufreq"
	"github.com/helioslabs/powercore/cpuidle"
)

var (
	idleBucketKey = []byte("cstate-residency")
	freqBucketKey = []byte("pstate-governor")

	governorKey = []byte("governor")
)

// Store is a bbolt backed statistics store.
type Store struct {
	db *bolt.DB
}

// Open opens, creating as needed, the statistics database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, xerrors.Errorf("cannot open stats database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(idleBucketKey); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(freqBucketKey)
		return err
	})
	if err != nil {
		db.Close()
		return nil, xerrors.Errorf("cannot prepare stats database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveIdleStats stores one JSON row per processor with its cumulative
// idle state residency.
func (s *Store) SaveIdleStats(stats []cpuidle.ProcessorStats) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(idleBucketKey)
		for _, ps := range stats {
			row, err := json.Marshal(ps)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(fmt.Sprintf("cpu-%d", ps.Processor)), row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return xerrors.Errorf("cannot save idle statistics: %w", err)
	}
	return nil
}

// LoadIdleStats returns the stored per-processor idle statistics,
// sorted by processor.
func (s *Store) LoadIdleStats() ([]cpuidle.ProcessorStats, error) {
	var stats []cpuidle.ProcessorStats
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(idleBucketKey).ForEach(func(k, v []byte) error {
			var ps cpuidle.ProcessorStats
			if err := json.Unmarshal(v, &ps); err != nil {
				return fmt.Errorf("cannot decode row %q: %v", k, err)
			}
			stats = append(stats, ps)
			return nil
		})
	})
	if err != nil {
		return nil, xerrors.Errorf("cannot load idle statistics: %w", err)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Processor < stats[j].Processor })
	return stats, nil
}

// SaveFreqStats stores the governor snapshot.
func (s *Store) SaveFreqStats(snap cpufreq.Snapshot) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		row, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return tx.Bucket(freqBucketKey).Put(governorKey, row)
	})
	if err != nil {
		return xerrors.Errorf("cannot save governor statistics: %w", err)
	}
	return nil
}

// LoadFreqStats returns the stored governor snapshot; the second return
// value is false if none was ever saved.
func (s *Store) LoadFreqStats() (cpufreq.Snapshot, bool, error) {
	var snap cpufreq.Snapshot
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(freqBucketKey).Get(governorKey)
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &snap)
	})
	if err != nil {
		return cpufreq.Snapshot{}, false, xerrors.Errorf("cannot load governor statistics: %w", err)
	}
	return snap, found, nil
}
