package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/linkforge/internal/core/ledger"
)

// AppendEntry は台帳に行を追記する。1 つの試行に解決行は 1 つまで。
func (s *Store) AppendEntry(_ context.Context, e *ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Status != ledger.StatusPending {
		for _, existing := range s.ledger {
			if existing.AttemptID == e.AttemptID && existing.Status != ledger.StatusPending {
				return fmt.Errorf("%w: %s", ledger.ErrAlreadyResolved, e.AttemptID)
			}
		}
	}
	entry := *e
	entry.JobID = clonePtr(e.JobID)
	s.ledger = append(s.ledger, &entry)
	return nil
}

// ListAttempt は試行の行を追記順に返す
func (s *Store) ListAttempt(_ context.Context, attemptID uuid.UUID) ([]*ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*ledger.Entry{}
	for _, e := range s.ledger {
		if e.AttemptID == attemptID {
			entry := *e
			out = append(out, &entry)
		}
	}
	return out, nil
}

// ListEntries は [from, to) の行を追記順に返す
func (s *Store) ListEntries(_ context.Context, from, to time.Time) ([]*ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*ledger.Entry{}
	for _, e := range s.ledger {
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		entry := *e
		out = append(out, &entry)
	}
	return out, nil
}

// ListUnresolved はジョブの解決行のない pending 行を追記順に返す
func (s *Store) ListUnresolved(_ context.Context, jobID uuid.UUID) ([]*ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resolved := map[uuid.UUID]bool{}
	for _, e := range s.ledger {
		if e.Status != ledger.StatusPending {
			resolved[e.AttemptID] = true
		}
	}
	out := []*ledger.Entry{}
	for _, e := range s.ledger {
		if e.JobID == nil || *e.JobID != jobID || e.Status != ledger.StatusPending || resolved[e.AttemptID] {
			continue
		}
		entry := *e
		entry.JobID = clonePtr(e.JobID)
		out = append(out, &entry)
	}
	return out, nil
}
