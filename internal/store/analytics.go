// Read-only analytics queries over the store. Every potentially expensive
// query self-limits with a fixed scan or result cap so worst-case latency
// stays bounded regardless of how much the store holds. Results are
// point-in-time snapshots; repeated calls within one refresh cycle may
// disagree with each other.
package store

import (
	"sort"

	"github.com/akarpov/logutil/pkg/models"
)

const (
	// responseTimeSample caps how many records with a response time the
	// response-time summary examines.
	responseTimeSample = 5000

	// slowScanLimit caps the linear scan behind SlowRequests.
	slowScanLimit = 25000

	// timeSeriesSample caps how many records the time series buckets.
	timeSeriesSample = 5000

	// securityTopLimit caps the suspicious-IP and attack-pattern results.
	securityTopLimit = 10
)

// TopIPs returns up to limit IPs sorted by descending request count.
// The ranking samples at most 1000 observed keys, so it approximates the
// global top-N; ties break on the key for within-run determinism.
func (db *DB) TopIPs(limit int) []models.KeyCount {
	return topCounts(db.ipIndex.sampleCounts(topKeySample), limit)
}

// TopURLs returns up to limit URLs sorted by descending request count,
// with the same sampling bound as TopIPs.
func (db *DB) TopURLs(limit int) []models.KeyCount {
	return topCounts(db.urlIndex.sampleCounts(topKeySample), limit)
}

func topCounts(counts []models.KeyCount, limit int) []models.KeyCount {
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Key < counts[j].Key
	})
	if limit > 0 && len(counts) > limit {
		counts = counts[:limit]
	}
	return counts
}

// TopStatusCodes returns up to limit status codes by descending count.
func (db *DB) TopStatusCodes(limit int) []models.StatusCount {
	counts := db.statuses.counts()
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Status < counts[j].Status
	})
	if limit > 0 && len(counts) > limit {
		counts = counts[:limit]
	}
	return counts
}

// ErrorStats summarizes the records whose status is classified as an
// error (>= 400).
func (db *DB) ErrorStats() models.ErrorStats {
	codes := make(map[int]struct{})
	urls := make(map[string]struct{})
	ips := make(map[string]struct{})
	total := 0
	for _, id := range db.errorIDs.snapshot() {
		r := db.Get(id)
		if r == nil {
			continue
		}
		total++
		if r.Status != nil {
			codes[*r.Status] = struct{}{}
		}
		urls[r.URL] = struct{}{}
		ips[r.IP] = struct{}{}
	}
	return models.ErrorStats{
		TotalErrors:   total,
		DistinctCodes: len(codes),
		UniqueURLs:    len(urls),
		UniqueIPs:     len(ips),
	}
}

// ResponseTimeStats computes mean/max/min over the first 5000 records
// observed with a response time present.
func (db *DB) ResponseTimeStats() models.ResponseTimeStats {
	var (
		sum        float64
		max        float64
		min        float64
		seen       int
		haveMinMax bool
	)
	db.scan(0, func(r *models.Record) bool {
		if r.ResponseTime == nil {
			return true
		}
		rt := *r.ResponseTime
		sum += rt
		if !haveMinMax || rt > max {
			max = rt
		}
		if !haveMinMax || rt < min {
			min = rt
		}
		haveMinMax = true
		seen++
		return seen < responseTimeSample
	})
	if seen == 0 {
		return models.ResponseTimeStats{}
	}
	return models.ResponseTimeStats{
		Avg: sum / float64(seen),
		Max: max,
		Min: min,
	}
}

// SlowRequests returns up to limit requests slower than threshold seconds,
// sorted by descending response time. The scan is capped at 25000 records.
func (db *DB) SlowRequests(threshold float64, limit int) []models.SlowRequest {
	var slow []models.SlowRequest
	db.scan(slowScanLimit, func(r *models.Record) bool {
		if r.ResponseTime != nil && *r.ResponseTime > threshold {
			slow = append(slow, models.SlowRequest{URL: r.URL, Seconds: *r.ResponseTime})
		}
		return true
	})
	sort.Slice(slow, func(i, j int) bool {
		if slow[i].Seconds != slow[j].Seconds {
			return slow[i].Seconds > slow[j].Seconds
		}
		return slow[i].URL < slow[j].URL
	})
	if limit > 0 && len(slow) > limit {
		slow = slow[:limit]
	}
	return slow
}

// BotStats counts distinct bot IPs, bot types and bot user agents by
// matching user-agent text against the bot vocabulary. Full scan.
func (db *DB) BotStats() models.BotStats {
	ips := make(map[string]struct{})
	types := make(map[string]struct{})
	agents := make(map[string]struct{})
	db.scan(0, func(r *models.Record) bool {
		if r.UserAgent == nil {
			return true
		}
		if label, ok := db.sigs.MatchBot(*r.UserAgent); ok {
			ips[r.IP] = struct{}{}
			types[label] = struct{}{}
			agents[*r.UserAgent] = struct{}{}
		}
		return true
	})
	return models.BotStats{
		BotIPs:        len(ips),
		BotTypes:      len(types),
		BotUserAgents: len(agents),
	}
}

// TopUserAgents returns up to limit user agents by descending occurrence
// count. Full scan.
func (db *DB) TopUserAgents(limit int) []models.KeyCount {
	counts := make(map[string]int)
	db.scan(0, func(r *models.Record) bool {
		if r.UserAgent != nil {
			counts[*r.UserAgent]++
		}
		return true
	})
	out := make([]models.KeyCount, 0, len(counts))
	for ua, n := range counts {
		out = append(out, models.KeyCount{Key: ua, Count: n})
	}
	return topCounts(out, limit)
}

// TimeSeries buckets the timestamps of up to 5000 scanned records into
// fixed-width intervals, returned in ascending bucket order.
func (db *DB) TimeSeries(intervalSeconds int64) []models.TimeBucket {
	if intervalSeconds <= 0 {
		return nil
	}
	buckets := make(map[int64]int)
	db.scan(timeSeriesSample, func(r *models.Record) bool {
		start := (r.Timestamp / intervalSeconds) * intervalSeconds
		buckets[start]++
		return true
	})
	out := make([]models.TimeBucket, 0, len(buckets))
	for start, n := range buckets {
		out = append(out, models.TimeBucket{Start: start, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// SuspiciousIPs returns the top IPs whose error-classified records contain
// attack signatures, by descending hit count. Records with non-error
// statuses are never scanned.
func (db *DB) SuspiciousIPs() []models.KeyCount {
	hits := make(map[string]int)
	for _, id := range db.errorIDs.snapshot() {
		r := db.Get(id)
		if r == nil {
			continue
		}
		if db.sigs.HasAttack(r.LogLine) {
			hits[r.IP]++
		}
	}
	out := make([]models.KeyCount, 0, len(hits))
	for ip, n := range hits {
		out = append(out, models.KeyCount{Key: ip, Count: n})
	}
	return topCounts(out, securityTopLimit)
}

// AttackPatterns returns the top attack signatures found in
// error-classified records, by descending occurrence count.
func (db *DB) AttackPatterns() []models.KeyCount {
	hits := make(map[string]int)
	for _, id := range db.errorIDs.snapshot() {
		r := db.Get(id)
		if r == nil {
			continue
		}
		for _, p := range db.sigs.MatchAttack(r.LogLine) {
			hits[p]++
		}
	}
	out := make([]models.KeyCount, 0, len(hits))
	for p, n := range hits {
		out = append(out, models.KeyCount{Key: p, Count: n})
	}
	return topCounts(out, securityTopLimit)
}

// SuspiciousPatternsForIP returns every attack signature occurrence across
// the given IP's records (bounded by the FindByIP cap).
func (db *DB) SuspiciousPatternsForIP(ip string) []string {
	var patterns []string
	for _, r := range db.FindByIP(ip) {
		patterns = append(patterns, db.sigs.MatchAttack(r.LogLine)...)
	}
	return patterns
}

// Per-entry size constants for the memory estimate. Deliberately rough;
// this is for operational visibility, not accounting.
const (
	recordSizeEstimate = 360
	indexEntrySize     = 16
)

// MemoryUsage estimates the store's memory footprint.
func (db *DB) MemoryUsage() models.MemoryEstimate {
	records := db.Len()
	entries := db.ipIndex.entryCount() + db.urlIndex.entryCount() +
		db.statuses.entryCount() + db.errorIDs.len()
	return models.MemoryEstimate{
		Records:      records,
		IndexEntries: entries,
		Bytes:        records*recordSizeEstimate + entries*indexEntrySize,
	}
}
