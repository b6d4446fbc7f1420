// Package store is the in-memory tick repository. It keeps the latest
// tick plus a bounded history ring per (exchange, symbol) pair, sharded
// by key hash so writers on different pairs rarely contend.
package store

import (
	"hash/fnv"
	"sort"
	"sync"

	"tickerflow/models"
)

const (
	defaultShards      = 16
	defaultHistorySize = 100
)

type Store struct {
	shards      []*shard
	historySize int
}

type shard struct {
	mu      sync.RWMutex
	entries map[models.Key]*entry
}

// entry holds the latest tick and a fixed-size ring of recent ticks.
// next is the slot the next accepted tick will overwrite.
type entry struct {
	latest models.Tick
	ring   []models.Tick
	next   int
	count  int
}

func New(shardCount, historySize int) *Store {
	if shardCount <= 0 {
		shardCount = defaultShards
	}
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	s := &Store{
		shards:      make([]*shard, shardCount),
		historySize: historySize,
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[models.Key]*entry)}
	}
	return s
}

func (s *Store) shardFor(key models.Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Upsert stores tick as the latest value for its key and appends it to
// the history ring. A tick observed earlier than the stored latest is
// rejected; ticks with equal timestamps are accepted last-writer-wins.
func (s *Store) Upsert(tick models.Tick) bool {
	key := tick.Key()
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		e = &entry{ring: make([]models.Tick, s.historySize)}
		sh.entries[key] = e
	} else if tick.ObservedAt.Before(e.latest.ObservedAt) {
		return false
	}

	e.latest = tick
	e.ring[e.next] = tick
	e.next = (e.next + 1) % len(e.ring)
	if e.count < len(e.ring) {
		e.count++
	}
	return true
}

// Latest returns the most recent tick for key.
func (s *Store) Latest(key models.Key) (models.Tick, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.entries[key]
	if !ok {
		return models.Tick{}, false
	}
	return e.latest, true
}

// History returns up to limit recent ticks for key in chronological
// order, oldest first. limit <= 0 returns the full retained window.
func (s *Store) History(key models.Key, limit int) []models.Tick {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.entries[key]
	if !ok || e.count == 0 {
		return nil
	}

	n := e.count
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]models.Tick, n)
	// Walk backwards from the most recent slot.
	idx := e.next
	for i := n - 1; i >= 0; i-- {
		idx--
		if idx < 0 {
			idx = len(e.ring) - 1
		}
		out[i] = e.ring[idx]
	}
	return out
}

// Snapshot copies the latest tick of every tracked pair. Each shard is
// copied under its own read lock, so the result is consistent per shard
// but not across shards.
func (s *Store) Snapshot() []models.Tick {
	var out []models.Tick
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			out = append(out, e.latest)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Exchange < out[j].Exchange
	})
	return out
}

// Len reports the number of tracked (exchange, symbol) pairs.
func (s *Store) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.entries)
		sh.mu.RUnlock()
	}
	return total
}
