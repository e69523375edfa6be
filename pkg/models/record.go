// Package models contains the core data types shared between the store,
// the tailer and the API layer.
package models

import "time"

// Record is one parsed access-log line. It is immutable after insertion:
// the store hands out pointers and nothing may write through them.
//
// Optional fields are pointers so that callers can distinguish "absent"
// from a genuine zero value (a 0-byte response is not a missing size).
type Record struct {
	// ID is assigned by the store on insert. Strictly increasing in
	// insertion order, globally unique for the process lifetime, never
	// reused even after eviction.
	ID uint64 `json:"id"`

	IP     string `json:"ip"`
	URL    string `json:"url"`
	Method string `json:"method"`
	Domain string `json:"domain"`

	// Timestamp is the request time, unix seconds.
	Timestamp int64 `json:"timestamp"`

	Status       *int     `json:"status,omitempty"`
	Size         *uint64  `json:"size,omitempty"`
	ResponseTime *float64 `json:"response_time,omitempty"`
	UserAgent    *string  `json:"user_agent,omitempty"`

	// LogLine is the verbatim input line, never transformed.
	LogLine string `json:"log_line"`

	// CreatedAt is the ingestion wall-clock time.
	CreatedAt time.Time `json:"created_at"`
}

// IsError reports whether the record has a status code classified as an
// error (>= 400). Records without a status are never errors.
func (r *Record) IsError() bool {
	return r.Status != nil && *r.Status >= 400
}

// Stats holds the incrementally maintained aggregate counters of the store.
// Consistency with the primary table is eventual, not transactional.
type Stats struct {
	TotalRecords      int     `json:"total_records"`
	UniqueIPs         int     `json:"unique_ips"`
	UniqueURLs        int     `json:"unique_urls"`
	TotalRequests     int     `json:"total_requests"`
	AvgResponseTime   float64 `json:"avg_response_time"`
	TotalResponseSize uint64  `json:"total_response_size"`
}

// KeyCount is one row of a top-N result: a key (IP, URL, user agent,
// attack signature...) and how many times it was observed.
type KeyCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// StatusCount is one row of a top-status-codes result.
type StatusCount struct {
	Status int `json:"status"`
	Count  int `json:"count"`
}

// ResponseTimeStats summarizes response times over a bounded sample.
type ResponseTimeStats struct {
	Avg float64 `json:"avg"`
	Max float64 `json:"max"`
	Min float64 `json:"min"`
}

// ErrorStats summarizes the error-classified records.
type ErrorStats struct {
	TotalErrors   int `json:"total_errors"`
	DistinctCodes int `json:"distinct_codes"`
	UniqueURLs    int `json:"unique_urls"`
	UniqueIPs     int `json:"unique_ips"`
}

// BotStats summarizes bot traffic detected via user-agent matching.
type BotStats struct {
	BotIPs        int `json:"bot_ips"`
	BotTypes      int `json:"bot_types"`
	BotUserAgents int `json:"bot_user_agents"`
}

// SlowRequest is one request whose response time exceeded a threshold.
type SlowRequest struct {
	URL     string  `json:"url"`
	Seconds float64 `json:"seconds"`
}

// TimeBucket is one fixed-width interval of the time series.
type TimeBucket struct {
	// Start is the bucket's start time, unix seconds, aligned to the
	// interval width.
	Start int64 `json:"start"`
	Count int   `json:"count"`
}

// MemoryEstimate is a rough accounting of store memory, for operational
// visibility only.
type MemoryEstimate struct {
	Records      int `json:"records"`
	IndexEntries int `json:"index_entries"`
	Bytes        int `json:"bytes"`
}
