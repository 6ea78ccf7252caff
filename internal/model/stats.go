package model

import "time"

// SegmentOutcome is how a single segment ended in a run.
type SegmentOutcome string

const (
	OutcomeProcessed   SegmentOutcome = "processed"
	OutcomeSkipped     SegmentOutcome = "skipped"     // already ingested
	OutcomeNotFound    SegmentOutcome = "not_found"   // vanished between listing and download
	OutcomeTooLarge    SegmentOutcome = "too_large"   // over the size ceiling
	OutcomeFailed      SegmentOutcome = "failed"      // retried next run
	OutcomeInterrupted SegmentOutcome = "interrupted" // stopped by shutdown, retried next run
)

// SegmentResult is what one segment task reports back to the orchestrator.
type SegmentResult struct {
	Name          string
	Outcome       SegmentOutcome
	Bytes         int64
	Lines         int64
	EventsWritten int64
	EventsFailed  int64
	Filtered      int64
	Rejected      map[string]int64 // by rejection reason
	Err           error
}

// RejectedTotal sums rejections over all reasons.
func (r SegmentResult) RejectedTotal() int64 {
	var n int64
	for _, v := range r.Rejected {
		n += v
	}
	return n
}

// RunStats aggregates a whole ingestion run.
type RunStats struct {
	RunID               string           `json:"run_id"`
	StartedAt           time.Time        `json:"started_at"`
	FinishedAt          time.Time        `json:"finished_at"`
	SegmentsListed      int              `json:"segments_listed"`
	SegmentsProcessed   int              `json:"segments_processed"`
	SegmentsSkipped     int              `json:"segments_skipped"`
	SegmentsFailed      int              `json:"segments_failed"`
	SegmentsNotFound    int              `json:"segments_not_found"`
	SegmentsTooLarge    int              `json:"segments_too_large"`
	SegmentsInterrupted int              `json:"segments_interrupted"`
	EventsWritten       int64            `json:"events_written"`
	EventsFailed        int64            `json:"events_failed"`
	EventsFiltered      int64            `json:"events_filtered"`
	EventsRejected      int64            `json:"events_rejected"`
	RejectedByReason    map[string]int64 `json:"rejected_by_reason"`
	BytesTransferred    int64            `json:"bytes_transferred"`
	FailedSegments      []string         `json:"failed_segments,omitempty"`
}

// Add folds one segment result into the run totals.
func (s *RunStats) Add(r SegmentResult) {
	switch r.Outcome {
	case OutcomeProcessed:
		s.SegmentsProcessed++
	case OutcomeSkipped:
		s.SegmentsSkipped++
	case OutcomeNotFound:
		s.SegmentsNotFound++
	case OutcomeTooLarge:
		s.SegmentsTooLarge++
	case OutcomeInterrupted:
		s.SegmentsInterrupted++
	case OutcomeFailed:
		s.SegmentsFailed++
		s.FailedSegments = append(s.FailedSegments, r.Name)
	}
	s.BytesTransferred += r.Bytes
	s.EventsWritten += r.EventsWritten
	s.EventsFailed += r.EventsFailed
	s.EventsFiltered += r.Filtered
	for reason, n := range r.Rejected {
		if s.RejectedByReason == nil {
			s.RejectedByReason = make(map[string]int64)
		}
		s.RejectedByReason[reason] += n
		s.EventsRejected += n
	}
}
