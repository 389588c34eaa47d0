package campaign

import "github.com/jinford/linkforge/internal/core/job"

// RecomputeTotals はステータスごとのジョブ数から集計値を計算する。
// 入力が同じなら結果も同じで、何度呼んでも構わない。
func RecomputeTotals(counts map[job.Status]int) Totals {
	var t Totals
	for status, n := range counts {
		t.Total += n
		switch status {
		case job.StatusSuccess:
			t.Success += n
		case job.StatusFailed:
			t.Failed += n
		case job.StatusSkipped:
			t.Skipped += n
		case job.StatusQueued, job.StatusLeased, job.StatusRunning, job.StatusRetrying:
			t.Pending += n
		}
	}
	if t.Total > 0 {
		t.FailureRate = float64(t.Failed) / float64(t.Total)
	}
	return t
}

// Done は未完了のジョブが残っていないかを返す
func (t Totals) Done() bool {
	return t.Total > 0 && t.Pending == 0
}
