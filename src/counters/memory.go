package counters

import (
	"context"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"time"
)

const shardCount = 64

type entry struct {
	at time.Time
	id uint64
}

type window struct {
	entries []entry
	span    time.Duration
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// MemoryStore is an in-process sliding-window log sharded by key
type MemoryStore struct {
	shards [shardCount]*shard
	seq    uint64
	seqMu  sync.Mutex
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{windows: make(map[string]*window)}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) nextID() uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seq++
	return s.seq
}

// prune drops entries at or before cutoff. Entries are kept sorted by time.
func (w *window) prune(cutoff time.Time) {
	i := sort.Search(len(w.entries), func(i int) bool {
		return w.entries[i].at.After(cutoff)
	})
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

func (w *window) insert(e entry) {
	i := sort.Search(len(w.entries), func(i int) bool {
		return w.entries[i].at.After(e.at)
	})
	w.entries = append(w.entries, entry{})
	copy(w.entries[i+1:], w.entries[i:])
	w.entries[i] = e
}

// Admit implements Store
func (s *MemoryStore) Admit(ctx context.Context, key string, limit int, span time.Duration, now time.Time) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok {
		w = &window{}
		sh.windows[key] = w
	}
	w.span = span
	w.prune(now.Add(-span))

	if len(w.entries) >= limit {
		retry := time.Duration(0)
		if len(w.entries) > 0 {
			retry = w.entries[0].at.Add(span).Sub(now)
		}
		if retry <= 0 {
			retry = time.Millisecond
		}
		return Decision{Allowed: false, Count: len(w.entries), Limit: limit, RetryAfter: retry}, nil
	}

	id := s.nextID()
	w.insert(entry{at: now, id: id})
	return Decision{
		Allowed: true,
		Count:   len(w.entries),
		Limit:   limit,
		Token:   strconv.FormatUint(id, 10),
	}, nil
}

// Undo implements Store
func (s *MemoryStore) Undo(_ context.Context, key, token string) error {
	id, err := strconv.ParseUint(token, 10, 64)
	if err != nil {
		return nil
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok {
		return nil
	}
	for i, e := range w.entries {
		if e.id == id {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			break
		}
	}
	return nil
}

// Sweep removes windows with no live entries and returns how many were dropped
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, w := range sh.windows {
			w.prune(now.Add(-w.span))
			if len(w.entries) == 0 {
				delete(sh.windows, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked windows
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Sweeper = (*MemoryStore)(nil)
)
