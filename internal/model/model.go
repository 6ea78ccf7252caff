package model

import (
	"encoding/json"
	"time"
)

// SegmentDescriptor is one remote archive segment as seen by the latest listing.
type SegmentDescriptor struct {
	Name         string // date-hour name, e.g. "2024-01-01-0"
	URL          string
	Size         int64
	LastModified time.Time
	Fingerprint  string // ETag or equivalent content token
}

// ProcessedRecord is the ledger row for a fully ingested segment.
type ProcessedRecord struct {
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint"`
	Size        int64     `json:"size"`
	EventCount  int64     `json:"event_count"`
	ProcessedAt time.Time `json:"processed_at"`
	Complete    bool      `json:"complete"`
}

// Matches reports whether the record still describes the remote segment.
func (r ProcessedRecord) Matches(d SegmentDescriptor) bool {
	return r.Complete && r.Name == d.Name && r.Fingerprint == d.Fingerprint && r.Size == d.Size
}

// Actor is the user that triggered an event. Missing fields stay nil.
type Actor struct {
	ID         *int64  `json:"id"`
	Login      *string `json:"login"`
	URL        *string `json:"url"`
	AvatarURL  *string `json:"avatar_url"`
	GravatarID *string `json:"gravatar_id"`
}

// Repo is the repository an event belongs to.
type Repo struct {
	ID   *int64  `json:"id"`
	Name *string `json:"name"`
	URL  *string `json:"url"`
}

// Org is the optional organization of the repository.
type Org struct {
	ID    *int64  `json:"id"`
	Login *string `json:"login"`
	URL   *string `json:"url"`
}

// NormalizedEvent is the storage-ready form of one archive line.
type NormalizedEvent struct {
	ID            int64           `json:"id"`
	Type          string          `json:"type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Public        *bool           `json:"public,omitempty"`
	Actor         Actor           `json:"actor"`
	Repo          Repo            `json:"repo"`
	Org           *Org            `json:"org,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"` // subtype-specific data, opaque to the pipeline
	Raw           json.RawMessage `json:"raw"`               // the original line
	SourceSegment string          `json:"source_segment"`
}

// ResourceSnapshot is one governor sample. Percentages are 0..100.
type ResourceSnapshot struct {
	MemoryUsed  uint64
	MemoryTotal uint64
	DiskUsed    uint64
	DiskTotal   uint64
	CPUPercent  float64
	Timestamp   time.Time
}

func (s ResourceSnapshot) MemoryPercent() float64 { return percent(s.MemoryUsed, s.MemoryTotal) }
func (s ResourceSnapshot) DiskPercent() float64   { return percent(s.DiskUsed, s.DiskTotal) }

func percent(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total) * 100
}
