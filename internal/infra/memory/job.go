package memory

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/linkforge/internal/core/job"
)

func cloneJob(j *job.Job) *job.Job {
	out := *j
	out.OpportunityID = clonePtr(j.OpportunityID)
	out.Lease.LeasedAt = clonePtr(j.Lease.LeasedAt)
	out.StartedAt = clonePtr(j.StartedAt)
	out.FinishedAt = clonePtr(j.FinishedAt)
	out.NextAttemptAt = clonePtr(j.NextAttemptAt)
	out.LastErrorCode = clonePtr(j.LastErrorCode)
	out.LastProxyID = clonePtr(j.LastProxyID)
	out.RetryOf = clonePtr(j.RetryOf)
	out.Result = slices.Clone(j.Result)
	return &out
}

func cloneBacklink(b *job.Backlink) *job.Backlink {
	out := *b
	out.OpportunityID = clonePtr(b.OpportunityID)
	return &out
}

// compareClaimOrder は優先度の高い順、作成の古い順に並べる
func compareClaimOrder(a, b *job.Job) int {
	if a.Priority != b.Priority {
		if a.Priority > b.Priority {
			return -1
		}
		return 1
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return slices.Compare(a.ID[:], b.ID[:])
}

// CreateJobs はジョブを保存する
func (s *Store) CreateJobs(_ context.Context, jobs []*job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		s.jobs[j.ID] = cloneJob(j)
	}
	return nil
}

// CreateRetry は同じジョブに対する再試行がまだ無い場合のみ保存する
func (s *Store) CreateRetry(_ context.Context, clone *job.Job) (mo.Option[*job.Job], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clone.RetryOf != nil {
		for _, j := range s.jobs {
			if j.RetryOf != nil && *j.RetryOf == *clone.RetryOf {
				return mo.None[*job.Job](), nil
			}
		}
	}
	s.jobs[clone.ID] = cloneJob(clone)
	return mo.Some(cloneJob(clone)), nil
}

// GetJob はジョブを取得する
func (s *Store) GetJob(_ context.Context, id uuid.UUID) (mo.Option[*job.Job], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return mo.None[*job.Job](), nil
	}
	return mo.Some(cloneJob(j)), nil
}

// ListJobs はジョブを作成順に返す
func (s *Store) ListJobs(_ context.Context, filter job.Filter) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*job.Job{}
	for _, j := range s.jobs {
		if filter.CampaignID != nil && j.CampaignID != *filter.CampaignID {
			continue
		}
		if filter.Status != nil && j.Status != *filter.Status {
			continue
		}
		out = append(out, cloneJob(j))
	}
	slices.SortFunc(out, func(a, b *job.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return slices.Compare(a.ID[:], b.ID[:])
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CountJobsByStatus はキャンペーンのジョブ数をステータスごとに返す
func (s *Store) CountJobsByStatus(_ context.Context, campaignID uuid.UUID) (map[job.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	retried := map[uuid.UUID]bool{}
	for _, j := range s.jobs {
		if j.RetryOf != nil {
			retried[*j.RetryOf] = true
		}
	}
	counts := map[job.Status]int{}
	for _, j := range s.jobs {
		if j.CampaignID == campaignID && !retried[j.ID] {
			counts[j.Status]++
		}
	}
	return counts, nil
}

// CountStaleLeases は期限切れのリース数を返す
func (s *Store) CountStaleLeases(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if (j.Status == job.StatusLeased || j.Status == job.StatusRunning) &&
			j.Lease.LeasedAt != nil && j.Lease.LeasedAt.Before(staleBefore) {
			n++
		}
	}
	return n, nil
}

// ClaimJob は取得可能なジョブを 1 件選び、リースを設定する
func (s *Store) ClaimJob(_ context.Context, params job.ClaimParams) (mo.Option[*job.Job], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *job.Job
	for _, j := range s.jobs {
		if !s.claimable(j, params) {
			continue
		}
		if best == nil || compareClaimOrder(j, best) < 0 {
			best = j
		}
	}
	if best == nil {
		return mo.None[*job.Job](), nil
	}

	best.Status = job.StatusLeased
	best.Lease = job.Lease{
		Token:    params.Token,
		WorkerID: params.WorkerID,
		LeasedAt: ptr(params.Now),
	}
	best.UpdatedAt = params.Now
	return mo.Some(cloneJob(best)), nil
}

func (s *Store) claimable(j *job.Job, params job.ClaimParams) bool {
	switch j.Status {
	case job.StatusQueued:
		if j.NextAttemptAt != nil && j.NextAttemptAt.After(params.Now) {
			return false
		}
	case job.StatusLeased, job.StatusRunning:
		if j.Lease.LeasedAt == nil || !j.Lease.LeasedAt.Before(params.StaleBefore) {
			return false
		}
	default:
		return false
	}
	if c, ok := s.campaigns[j.CampaignID]; ok && !c.Status.AcceptsWork() {
		return false
	}
	return true
}

// StartJob は leased かつトークンが一致する場合のみ running にする
func (s *Store) StartJob(_ context.Context, id uuid.UUID, token string, at time.Time) (mo.Option[*job.Job], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != job.StatusLeased || !j.HoldsLease(token) {
		return mo.None[*job.Job](), nil
	}
	j.Status = job.StatusRunning
	j.StartedAt = ptr(at)
	j.UpdatedAt = at
	return mo.Some(cloneJob(j)), nil
}

// PinOpportunity は running かつトークンが一致する場合のみ候補サイトを設定する
func (s *Store) PinOpportunity(_ context.Context, id uuid.UUID, token string, opportunityID uuid.UUID, at time.Time) (mo.Option[*job.Job], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != job.StatusRunning || !j.HoldsLease(token) {
		return mo.None[*job.Job](), nil
	}
	j.OpportunityID = ptr(opportunityID)
	j.UpdatedAt = at
	return mo.Some(cloneJob(j)), nil
}

// ApplySuccess は success への遷移・バックリンク・ログを同時に書き込む
func (s *Store) ApplySuccess(_ context.Context, u job.SuccessUpdate) (mo.Option[*job.Job], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[u.JobID]
	if !ok || j.Status != job.StatusRunning || !j.HoldsLease(u.Token) {
		return mo.None[*job.Job](), nil
	}

	j.Status = job.StatusSuccess
	j.Result = slices.Clone(u.Result)
	j.Lease = job.Lease{}
	j.FinishedAt = ptr(u.At)
	j.NextAttemptAt = nil
	j.UpdatedAt = u.At
	if u.Backlink != nil {
		s.backlinks[u.Backlink.ID] = cloneBacklink(u.Backlink)
	}
	if u.Log != nil {
		entry := *u.Log
		s.logs = append(s.logs, &entry)
	}
	return mo.Some(cloneJob(j)), nil
}

// ApplyFailure は失敗報告の遷移とログを同時に書き込む
func (s *Store) ApplyFailure(_ context.Context, u job.FailureUpdate) (mo.Option[*job.Job], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[u.JobID]
	if !ok || j.Status != job.StatusRunning || !j.HoldsLease(u.Token) {
		return mo.None[*job.Job](), nil
	}

	j.Status = u.Status
	j.Attempts = u.Attempts
	j.Priority = u.Priority
	j.Lease = job.Lease{}
	j.NextAttemptAt = clonePtr(u.NextAttemptAt)
	j.FinishedAt = clonePtr(u.FinishedAt)
	j.LastErrorCode = ptr(u.Code)
	j.LastErrorMessage = u.Message
	j.RequiresAccount = u.RequiresAccount
	j.RotateProxy = u.RotateProxy
	j.LastProxyID = clonePtr(u.LastProxyID)
	j.UpdatedAt = u.At
	if u.Log != nil {
		entry := *u.Log
		s.logs = append(s.logs, &entry)
	}
	return mo.Some(cloneJob(j)), nil
}

// CancelJob は未完了のジョブを skipped にする
func (s *Store) CancelJob(_ context.Context, id uuid.UUID, at time.Time, log *job.Log) (mo.Option[*job.Job], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || !j.Status.IsOpen() {
		return mo.None[*job.Job](), nil
	}
	cancelJob(j, at)
	if log != nil {
		entry := *log
		entry.Attempt = j.Attempts
		s.logs = append(s.logs, &entry)
	}
	return mo.Some(cloneJob(j)), nil
}

// CancelOpenJobs はキャンペーンの未完了ジョブをすべて skipped にする
func (s *Store) CancelOpenJobs(_ context.Context, campaignID uuid.UUID, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.CampaignID == campaignID && j.Status.IsOpen() {
			cancelJob(j, at)
			n++
		}
	}
	return n, nil
}

func cancelJob(j *job.Job, at time.Time) {
	j.Status = job.StatusSkipped
	j.Lease = job.Lease{}
	j.FinishedAt = ptr(at)
	j.UpdatedAt = at
}

// AppendLog はログを追記する
func (s *Store) AppendLog(_ context.Context, log *job.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := *log
	s.logs = append(s.logs, &entry)
	return nil
}

// ListLogs はジョブのログを追記順に返す
func (s *Store) ListLogs(_ context.Context, jobID uuid.UUID) ([]*job.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*job.Log{}
	for _, l := range s.logs {
		if l.JobID == jobID {
			entry := *l
			out = append(out, &entry)
		}
	}
	return out, nil
}

// GetBacklink はバックリンクを取得する
func (s *Store) GetBacklink(_ context.Context, id uuid.UUID) (mo.Option[*job.Backlink], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backlinks[id]
	if !ok {
		return mo.None[*job.Backlink](), nil
	}
	return mo.Some(cloneBacklink(b)), nil
}

// ListBacklinks はキャンペーンのバックリンクを作成順に返す
func (s *Store) ListBacklinks(_ context.Context, campaignID uuid.UUID) ([]*job.Backlink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*job.Backlink{}
	for _, b := range s.backlinks {
		if b.CampaignID == campaignID {
			out = append(out, cloneBacklink(b))
		}
	}
	slices.SortFunc(out, func(a, b *job.Backlink) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// TransitionBacklink は現在の状態が from の場合のみ to に更新する
func (s *Store) TransitionBacklink(_ context.Context, id uuid.UUID, from, to job.BacklinkStatus, placedURL string, at time.Time) (mo.Option[*job.Backlink], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backlinks[id]
	if !ok || b.Status != from {
		return mo.None[*job.Backlink](), nil
	}
	b.Status = to
	if placedURL != "" {
		b.PlacedURL = placedURL
	}
	b.UpdatedAt = at
	return mo.Some(cloneBacklink(b)), nil
}
