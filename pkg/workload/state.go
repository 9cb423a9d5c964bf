// Copyright (c) 2025 OptiMetrics contributors. All rights reserved.
//
// Use of this source code is governed by the MIT license that can be found
// in the LICENSE file.

package workload

// State applies temporal hysteresis to the raw per-tick classification
// votes so a single noisy tick cannot flip the reported label.
//
// The reported category changes only after StabilityCount consecutive
// identical votes that differ from it. The one exception is idle:
// workloads taper off gradually but a truly quiescent machine should be
// flagged at once, so a vote for idle is reported immediately while
// leaving idle is subject to the full run requirement.
//
// State is mutated by a single goroutine (the pipeline tick); it needs
// no locking.
type State struct {
	stability int

	reported   Result
	pending    string
	pendingRun int

	// votes is a ring of the most recent raw votes, kept for status
	// reporting.
	votes   []string
	voteIdx int
}

// NewState returns hysteresis state reporting "unknown" until the first
// votes arrive.
func NewState(stabilityCount int) *State {
	if stabilityCount <= 0 {
		stabilityCount = DefaultConfig().StabilityCount
	}
	return &State{
		stability: stabilityCount,
		reported:  Result{Category: CategoryUnknown, Confidence: 0},
		votes:     make([]string, stabilityCount*2),
	}
}

// Observe feeds one raw vote and returns the category currently
// reported after hysteresis.
func (s *State) Observe(vote Result) Result {
	s.votes[s.voteIdx] = vote.Category
	s.voteIdx = (s.voteIdx + 1) % len(s.votes)

	if vote.Category == s.reported.Category {
		// Refresh confidence while holding steady.
		s.reported.Confidence = vote.Confidence
		s.pending = ""
		s.pendingRun = 0
		return s.reported
	}

	if vote.Category == CategoryIdle {
		s.reported = vote
		s.pending = ""
		s.pendingRun = 0
		return s.reported
	}

	if vote.Category == s.pending {
		s.pendingRun++
	} else {
		s.pending = vote.Category
		s.pendingRun = 1
	}

	if s.pendingRun >= s.stability {
		s.reported = vote
		s.pending = ""
		s.pendingRun = 0
	}

	return s.reported
}

// Reported returns the current post-hysteresis result.
func (s *State) Reported() Result {
	return s.reported
}

// RecentVotes returns the raw vote history, oldest first, skipping
// slots that have not been filled yet.
func (s *State) RecentVotes() []string {
	out := make([]string, 0, len(s.votes))
	for i := 0; i < len(s.votes); i++ {
		v := s.votes[(s.voteIdx+i)%len(s.votes)]
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
