package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/jinford/linkforge/internal/core/campaign"
	"github.com/jinford/linkforge/internal/core/job"
	"github.com/jinford/linkforge/internal/core/ledger"
	"github.com/jinford/linkforge/internal/core/opportunity"
	"github.com/jinford/linkforge/internal/core/proxy"
)

const timeLayout = "2006-01-02 15:04"

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(timeLayout)
}

func formatInt(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

// truncateString は文字列を limit 文字（rune）に切り詰めます
func truncateString(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}

func renderJobsTable(w io.Writer, jobs []*job.Job) {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Status", "Action", "Attempts", "Target", "Last Error", "Updated At")

	for _, j := range jobs {
		lastErr := "-"
		if j.LastErrorCode != nil {
			lastErr = string(*j.LastErrorCode)
		}
		table.Append(
			j.ID.String(),
			string(j.Status),
			string(j.Action),
			fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts),
			truncateString(j.TargetURL, 50),
			lastErr,
			j.UpdatedAt.Format(timeLayout),
		)
	}

	table.Render()
}

func renderJobDetail(w io.Writer, j *job.Job, logs []*job.Log) {
	fmt.Fprintf(w, "\n=== ジョブ詳細 ===\n\n")
	fmt.Fprintf(w, "ID:            %s\n", j.ID)
	fmt.Fprintf(w, "Campaign ID:   %s\n", j.CampaignID)
	fmt.Fprintf(w, "Status:        %s\n", j.Status)
	fmt.Fprintf(w, "Action:        %s\n", j.Action)
	fmt.Fprintf(w, "Target URL:    %s\n", j.TargetURL)
	fmt.Fprintf(w, "Attempts:      %d/%d\n", j.Attempts, j.MaxAttempts)
	fmt.Fprintf(w, "Priority:      %d\n", j.Priority)
	if j.Lease.Active() {
		fmt.Fprintf(w, "Worker:        %s (%s)\n", j.Lease.WorkerID, formatTime(j.Lease.LeasedAt))
	}
	if j.NextAttemptAt != nil {
		fmt.Fprintf(w, "Next Attempt:  %s\n", formatTime(j.NextAttemptAt))
	}
	if j.LastErrorCode != nil {
		fmt.Fprintf(w, "Last Error:    %s %s\n", *j.LastErrorCode, j.LastErrorMessage)
	}

	if len(logs) == 0 {
		return
	}
	fmt.Fprintf(w, "\n=== ログ ===\n")
	table := tablewriter.NewWriter(w)
	table.Header("Attempt", "Level", "Code", "Message", "Created At")
	for _, l := range logs {
		code := "-"
		if l.Code != nil {
			code = string(*l.Code)
		}
		table.Append(
			strconv.Itoa(l.Attempt),
			string(l.Level),
			code,
			truncateString(l.Message, 60),
			l.CreatedAt.Format(timeLayout),
		)
	}
	table.Render()
}

func renderCampaignsTable(w io.Writer, campaigns []*campaign.Campaign) {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Name", "Status", "Total", "Success", "Failed", "Skipped", "Pending", "Failure Rate", "Recomputed At")

	for _, c := range campaigns {
		t := c.Totals
		table.Append(
			c.ID.String(),
			truncateString(c.Name, 30),
			string(c.Status),
			strconv.Itoa(t.Total),
			strconv.Itoa(t.Success),
			strconv.Itoa(t.Failed),
			strconv.Itoa(t.Skipped),
			strconv.Itoa(t.Pending),
			fmt.Sprintf("%.1f%%", t.FailureRate*100),
			formatTime(t.RecomputedAt),
		)
	}

	table.Render()
}

func renderProxiesTable(w io.Writer, proxies []*proxy.Proxy) {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Address", "Type", "Country", "Status", "Errors", "Last Used At")

	for _, p := range proxies {
		country := p.Country
		if country == "" {
			country = "-"
		}
		table.Append(
			p.ID.String(),
			p.Address(),
			string(p.Type),
			country,
			string(p.Status),
			strconv.Itoa(p.ErrorCount),
			formatTime(p.LastUsedAt),
		)
	}

	table.Render()
}

func renderOpportunitiesTable(w io.Writer, opps []*opportunity.Opportunity) {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "URL", "PA", "DA", "Site Type", "Status", "Last Used At")

	for _, o := range opps {
		table.Append(
			o.ID.String(),
			truncateString(o.URL, 50),
			formatInt(o.PA),
			formatInt(o.DA),
			string(o.SiteType),
			string(o.Status),
			formatTime(o.LastUsedAt),
		)
	}

	table.Render()
}

func renderLedgerSummaries(w io.Writer, summaries []ledger.Summary) {
	table := tablewriter.NewWriter(w)
	table.Header("Window", "From", "Attempts", "Solved", "Failed", "Pending", "Total Cost")

	for _, s := range summaries {
		table.Append(
			s.Window,
			s.From.Format("2006-01-02"),
			strconv.Itoa(s.Attempts),
			strconv.Itoa(s.Solved),
			strconv.Itoa(s.Failed),
			strconv.Itoa(s.Pending),
			fmt.Sprintf("$%.4f", s.TotalCost),
		)
	}

	table.Render()
}
