// Package store provides the concurrent indexed in-memory database of log
// records. A DB holds up to a configured maximum number of records with
// O(1) insert and point lookup, secondary indexes on IP, URL and status
// code, and a set of analytics queries layered on top (see analytics.go).
//
// The primary table, each index and the error-id set are sharded
// structures with per-shard locks, so inserts touching unrelated keys do
// not serialize against each other. Only the aggregate stats block uses a
// single exclusive lock, held for a handful of counter updates. Insert and
// its index updates are not one transaction: a reader may observe a record
// before all of its index entries have landed. Every query tolerates that.
package store

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/akarpov/logutil/internal/signatures"
	"github.com/akarpov/logutil/pkg/models"
)

const (
	numShards = 16

	// DefaultMaxRecords bounds the store when no explicit capacity is
	// configured.
	DefaultMaxRecords = 100_000

	// findLimit caps FindByIP/FindByURL result sizes.
	findLimit = 1000

	// topKeySample caps how many index keys a top-N query examines.
	topKeySample = 1000
)

// DB is the indexed store. Construct it with New; the zero value is not
// usable.
type DB struct {
	maxRecords int
	sigs       *signatures.Set

	nextID atomic.Uint64
	size   atomic.Int64

	records  [numShards]recordShard
	ipIndex  listIndex
	urlIndex listIndex
	statuses statusIndex
	errorIDs idSet

	statsMu sync.Mutex
	stats   aggregates
}

// aggregates are the incrementally maintained counters behind GetStats.
type aggregates struct {
	totalRequests int
	rtSum         float64
	rtCount       int
	totalSize     uint64
}

type recordShard struct {
	mu   sync.RWMutex
	recs map[uint64]*models.Record
}

// listIndex maps a string key to the ordered list of record ids holding
// that key. Sharded by fnv of the key, the same selection scheme the
// template miner uses.
type listIndex struct {
	shards [numShards]struct {
		mu  sync.RWMutex
		ids map[string][]uint64
	}
}

type statusIndex struct {
	shards [numShards]struct {
		mu  sync.RWMutex
		ids map[int][]uint64
	}
}

type idSet struct {
	shards [numShards]struct {
		mu  sync.RWMutex
		ids map[uint64]struct{}
	}
}

// New creates a store bounded to maxRecords. Non-positive values fall back
// to DefaultMaxRecords. sigs may be nil, in which case the built-in
// signature vocabulary is used for the security and bot queries.
func New(maxRecords int, sigs *signatures.Set) *DB {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	if sigs == nil {
		sigs = signatures.Default()
	}
	db := &DB{
		maxRecords: maxRecords,
		sigs:       sigs,
	}
	for i := range db.records {
		db.records[i].recs = make(map[uint64]*models.Record)
	}
	for i := 0; i < numShards; i++ {
		db.ipIndex.shards[i].ids = make(map[string][]uint64)
		db.urlIndex.shards[i].ids = make(map[string][]uint64)
		db.statuses.shards[i].ids = make(map[int][]uint64)
		db.errorIDs.shards[i].ids = make(map[uint64]struct{})
	}
	return db
}

// Insert stores rec, assigns its id and updates every index and the
// aggregate stats. It returns the assigned id. The record must not be
// modified by the caller afterwards.
func (db *DB) Insert(rec models.Record) uint64 {
	if int(db.size.Load()) >= db.maxRecords {
		db.evict()
	}

	rec.ID = db.nextID.Add(1)
	r := &rec

	shard := &db.records[r.ID%numShards]
	shard.mu.Lock()
	shard.recs[r.ID] = r
	shard.mu.Unlock()
	db.size.Add(1)

	db.ipIndex.append(r.IP, r.ID)
	db.urlIndex.append(r.URL, r.ID)
	if r.Status != nil {
		db.statuses.append(*r.Status, r.ID)
		if *r.Status >= 400 {
			db.errorIDs.add(r.ID)
		}
	}

	db.statsMu.Lock()
	db.stats.totalRequests++
	if r.Size != nil {
		db.stats.totalSize += *r.Size
	}
	if r.ResponseTime != nil {
		db.stats.rtSum += *r.ResponseTime
		db.stats.rtCount++
	}
	db.statsMu.Unlock()

	return r.ID
}

// evict removes records until the store is at half capacity. Candidates
// come from the natural iteration order of the primary shards, which is an
// approximation of oldest-first, not a strict guarantee. Evicted ids are
// never reused.
func (db *DB) evict() {
	target := db.maxRecords / 2
	remove := int(db.size.Load()) - target
	if remove <= 0 {
		return
	}

	victims := make([]*models.Record, 0, remove)
	for i := range db.records {
		shard := &db.records[i]
		shard.mu.RLock()
		for _, r := range shard.recs {
			victims = append(victims, r)
			if len(victims) >= remove {
				break
			}
		}
		shard.mu.RUnlock()
		if len(victims) >= remove {
			break
		}
	}

	for _, r := range victims {
		shard := &db.records[r.ID%numShards]
		shard.mu.Lock()
		_, present := shard.recs[r.ID]
		delete(shard.recs, r.ID)
		shard.mu.Unlock()
		if !present {
			continue
		}
		db.size.Add(-1)

		db.ipIndex.remove(r.IP, r.ID)
		db.urlIndex.remove(r.URL, r.ID)
		if r.Status != nil {
			db.statuses.remove(*r.Status, r.ID)
			if *r.Status >= 400 {
				db.errorIDs.delete(r.ID)
			}
		}
	}
}

// Get returns the record with the given id, or nil when absent or evicted.
func (db *DB) Get(id uint64) *models.Record {
	shard := &db.records[id%numShards]
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return shard.recs[id]
}

// Len returns the current number of live records.
func (db *DB) Len() int {
	return int(db.size.Load())
}

// FindByIP returns up to 1000 records for ip, in insertion order.
func (db *DB) FindByIP(ip string) []*models.Record {
	return db.fetch(db.ipIndex.get(ip, findLimit))
}

// FindByURL returns up to 1000 records for url, in insertion order.
func (db *DB) FindByURL(url string) []*models.Record {
	return db.fetch(db.urlIndex.get(url, findLimit))
}

// fetch resolves ids against the primary table, silently skipping ids
// whose records were evicted between the index read and now.
func (db *DB) fetch(ids []uint64) []*models.Record {
	out := make([]*models.Record, 0, len(ids))
	for _, id := range ids {
		if r := db.Get(id); r != nil {
			out = append(out, r)
		}
	}
	return out
}

// GetStats returns a point-in-time snapshot of the aggregate stats.
// TotalRecords reflects the live table; TotalRequests, the running mean
// and the cumulative size survive eviction.
func (db *DB) GetStats() models.Stats {
	db.statsMu.Lock()
	agg := db.stats
	db.statsMu.Unlock()

	s := models.Stats{
		TotalRecords:      db.Len(),
		UniqueIPs:         db.ipIndex.keyCount(),
		UniqueURLs:        db.urlIndex.keyCount(),
		TotalRequests:     agg.totalRequests,
		TotalResponseSize: agg.totalSize,
	}
	if agg.rtCount > 0 {
		s.AvgResponseTime = agg.rtSum / float64(agg.rtCount)
	}
	return s
}

// scan visits live records in shard order until fn returns false or max
// records have been visited. max <= 0 means no bound. The snapshot per
// shard is taken under the shard read lock; fn runs outside any lock.
func (db *DB) scan(max int, fn func(*models.Record) bool) {
	visited := 0
	for i := range db.records {
		shard := &db.records[i]
		shard.mu.RLock()
		batch := make([]*models.Record, 0, len(shard.recs))
		for _, r := range shard.recs {
			batch = append(batch, r)
		}
		shard.mu.RUnlock()

		for _, r := range batch {
			if max > 0 && visited >= max {
				return
			}
			visited++
			if !fn(r) {
				return
			}
		}
	}
}

func shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % numShards)
}

func (ix *listIndex) append(key string, id uint64) {
	s := &ix.shards[shardFor(key)]
	s.mu.Lock()
	s.ids[key] = append(s.ids[key], id)
	s.mu.Unlock()
}

func (ix *listIndex) remove(key string, id uint64) {
	s := &ix.shards[shardFor(key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.ids[key]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.ids, key)
	} else {
		s.ids[key] = ids
	}
}

// get copies up to max ids for key, preserving index order.
func (ix *listIndex) get(key string, max int) []uint64 {
	s := &ix.shards[shardFor(key)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.ids[key]
	if max > 0 && len(ids) > max {
		ids = ids[:max]
	}
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}

func (ix *listIndex) keyCount() int {
	total := 0
	for i := range ix.shards {
		s := &ix.shards[i]
		s.mu.RLock()
		total += len(s.ids)
		s.mu.RUnlock()
	}
	return total
}

// sampleCounts returns up to max (key, occurrence count) pairs in shard
// iteration order. This is the bounded sampling behind the top-N queries.
func (ix *listIndex) sampleCounts(max int) []models.KeyCount {
	out := make([]models.KeyCount, 0, max)
	for i := range ix.shards {
		s := &ix.shards[i]
		s.mu.RLock()
		for key, ids := range s.ids {
			out = append(out, models.KeyCount{Key: key, Count: len(ids)})
			if len(out) >= max {
				break
			}
		}
		s.mu.RUnlock()
		if len(out) >= max {
			break
		}
	}
	return out
}

// entryCount returns the total number of (key, id) entries in the index.
func (ix *listIndex) entryCount() int {
	total := 0
	for i := range ix.shards {
		s := &ix.shards[i]
		s.mu.RLock()
		for _, ids := range s.ids {
			total += len(ids)
		}
		s.mu.RUnlock()
	}
	return total
}

func (ix *statusIndex) append(status int, id uint64) {
	s := &ix.shards[status%numShards]
	s.mu.Lock()
	s.ids[status] = append(s.ids[status], id)
	s.mu.Unlock()
}

func (ix *statusIndex) remove(status int, id uint64) {
	s := &ix.shards[status%numShards]
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.ids[status]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.ids, status)
	} else {
		s.ids[status] = ids
	}
}

// counts returns every (status, count) pair currently indexed.
func (ix *statusIndex) counts() []models.StatusCount {
	var out []models.StatusCount
	for i := range ix.shards {
		s := &ix.shards[i]
		s.mu.RLock()
		for status, ids := range s.ids {
			out = append(out, models.StatusCount{Status: status, Count: len(ids)})
		}
		s.mu.RUnlock()
	}
	return out
}

func (ix *statusIndex) entryCount() int {
	total := 0
	for i := range ix.shards {
		s := &ix.shards[i]
		s.mu.RLock()
		for _, ids := range s.ids {
			total += len(ids)
		}
		s.mu.RUnlock()
	}
	return total
}

func (s *idSet) add(id uint64) {
	sh := &s.shards[id%numShards]
	sh.mu.Lock()
	sh.ids[id] = struct{}{}
	sh.mu.Unlock()
}

func (s *idSet) delete(id uint64) {
	sh := &s.shards[id%numShards]
	sh.mu.Lock()
	delete(sh.ids, id)
	sh.mu.Unlock()
}

func (s *idSet) contains(id uint64) bool {
	sh := &s.shards[id%numShards]
	sh.mu.RLock()
	_, ok := sh.ids[id]
	sh.mu.RUnlock()
	return ok
}

// snapshot copies the current id set.
func (s *idSet) snapshot() []uint64 {
	var out []uint64
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for id := range sh.ids {
			out = append(out, id)
		}
		sh.mu.RUnlock()
	}
	return out
}

func (s *idSet) len() int {
	total := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		total += len(sh.ids)
		sh.mu.RUnlock()
	}
	return total
}
