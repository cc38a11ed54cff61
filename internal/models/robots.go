package models

import "time"

// RobotsRecord is one cached robots.txt fetch, stored both in memory and in
// the on-disk cache keyed by host. A failed fetch is recorded with
// StatusCode 0 and an empty body so the origin is not retried until the
// record expires.
type RobotsRecord struct {
	Host       string    `json:"host" badgerhold:"key"`
	Origin     string    `json:"origin"`
	Body       []byte    `json:"body,omitempty"`
	StatusCode int       `json:"status_code"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// Expired reports whether the record is older than ttl at the given time.
func (r *RobotsRecord) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.FetchedAt) > ttl
}
