package saga

import "sync/atomic"

// Stats is a snapshot of a participant's cumulative counters, returned
// by Engine.GetSagaStats. Field names mirror the admin-operation
// counters callbacks expose: started, completed, failed, compensating,
// compensated, quarantined, retries, dedupe_hits.
type Stats struct {
	Started      int64
	Completed    int64
	Failed       int64
	Compensating int64
	Compensated  int64
	Quarantined  int64
	Retries      int64
	DedupeHits   int64
}

// ParticipantStats holds the live atomic counters backing Stats.
// Unlike the teacher's mutex-guarded TransportStats snapshot
// (messaging/transport.go), these are plain atomic.Int64 fields: the
// dispatch path increments them on the hot path for every event, so a
// lock per increment would be needless contention across
// participants sharing a process.
type ParticipantStats struct {
	started      atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	compensating atomic.Int64
	compensated  atomic.Int64
	quarantined  atomic.Int64
	retries      atomic.Int64
	dedupeHits   atomic.Int64
}

// Snapshot returns the current counter values.
func (s *ParticipantStats) Snapshot() Stats {
	return Stats{
		Started:      s.started.Load(),
		Completed:    s.completed.Load(),
		Failed:       s.failed.Load(),
		Compensating: s.compensating.Load(),
		Compensated:  s.compensated.Load(),
		Quarantined:  s.quarantined.Load(),
		Retries:      s.retries.Load(),
		DedupeHits:   s.dedupeHits.Load(),
	}
}

func (s *ParticipantStats) recordOutcome(outcome ForwardOutcome) {
	switch outcome {
	case ForwardTriggered:
		s.started.Add(1)
	case ForwardCompleted:
		s.completed.Add(1)
	case ForwardFailed:
		s.failed.Add(1)
	case ForwardRetryScheduled:
		s.retries.Add(1)
	}
}

func (s *ParticipantStats) recordCompensateOutcome(outcome CompensateOutcome) {
	switch outcome {
	case CompensateTriggered:
		s.compensating.Add(1)
	case CompensateDone:
		s.compensated.Add(1)
	case CompensateQuarantinedAmbiguous, CompensateQuarantinedTerminal:
		s.quarantined.Add(1)
	}
}

func (s *ParticipantStats) recordDedupeHit() {
	s.dedupeHits.Add(1)
}
