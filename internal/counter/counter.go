// Package counter provides race-free aggregation of shared counters:
// per-voter idempotent votes (reactions, purchases) and append-only
// tallies (views, plays). All serialization happens in the repository's
// conditional upsert, scoped to a single (subject, kind, voter) row, so
// unrelated subjects never contend.
package counter

import (
	"errors"
	"fmt"
	"log"

	"github.com/npezzotti/go-liveline/internal/database"
)

// maxVoteRetries bounds retries when a first-time vote loses the insert
// race and is replayed down the update path.
const maxVoteRetries = 3

var ErrRetryExhausted = errors.New("vote retries exhausted")

type VoteResult struct {
	Delta    int
	NewTotal int64
}

type Aggregator struct {
	log *log.Logger
	db  database.LivelineRepository
	// appendOnly lists counter kinds without per-voter idempotency.
	appendOnly map[string]struct{}
}

func NewAggregator(logger *log.Logger, db database.LivelineRepository, appendOnlyKinds []string) *Aggregator {
	appendOnly := make(map[string]struct{}, len(appendOnlyKinds))
	for _, kind := range appendOnlyKinds {
		appendOnly[kind] = struct{}{}
	}

	return &Aggregator{
		log:        logger,
		db:         db,
		appendOnly: appendOnly,
	}
}

// AppendOnly reports whether kind increments unconditionally without a
// per-voter idempotency key.
func (a *Aggregator) AppendOnly(kind string) bool {
	_, ok := a.appendOnly[kind]
	return ok
}

// ApplyVote records a vote for (subject, kind, voter). A first vote
// applies value to the subject's total; a changed revote applies the
// signed difference; an identical revote is a no-op. Insert conflicts
// with concurrent first-time voters are retried internally and never
// surfaced to the caller.
func (a *Aggregator) ApplyVote(subjectId, kind, voterId string, value int) (VoteResult, error) {
	if a.AppendOnly(kind) {
		total, err := a.db.IncrementCounter(subjectId, kind, value)
		if err != nil {
			return VoteResult{}, fmt.Errorf("increment %s/%s: %w", subjectId, kind, err)
		}
		return VoteResult{Delta: value, NewTotal: total}, nil
	}

	var lastErr error
	for attempt := 0; attempt < maxVoteRetries; attempt++ {
		res, err := a.db.ApplyVote(subjectId, kind, voterId, value)
		if err == nil {
			return VoteResult{Delta: res.Delta, NewTotal: res.NewTotal}, nil
		}

		if !errors.Is(err, database.ErrDuplicateVote) {
			return VoteResult{}, fmt.Errorf("apply vote %s/%s: %w", subjectId, kind, err)
		}

		// A concurrent voter inserted first; the next attempt finds the
		// existing row and takes the update path.
		a.log.Printf("vote conflict on %s/%s by %s, retrying", subjectId, kind, voterId)
		lastErr = err
	}

	return VoteResult{}, fmt.Errorf("%w: %v", ErrRetryExhausted, lastErr)
}

// Increment bumps an append-only counter by delta.
func (a *Aggregator) Increment(subjectId, kind string, delta int) (int64, error) {
	total, err := a.db.IncrementCounter(subjectId, kind, delta)
	if err != nil {
		return 0, fmt.Errorf("increment %s/%s: %w", subjectId, kind, err)
	}

	return total, nil
}

func (a *Aggregator) Total(subjectId, kind string) (int64, error) {
	return a.db.GetCounterTotal(subjectId, kind)
}
