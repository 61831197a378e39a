package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/casekit/docket/internal/models"
)

// shortID trims a job id for table display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatAge renders the elapsed time since t in the coarsest useful unit.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

// formatJobTable renders jobs as a fixed-width table, newest first as
// returned by the server.
func formatJobTable(jobs []*models.Job, total int) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%-10s %-18s %-10s %-8s %8s %6s\n",
		"ID", "TYPE", "STATUS", "PRIORITY", "ATTEMPTS", "AGE"))
	for _, j := range jobs {
		sb.WriteString(fmt.Sprintf("%-10s %-18s %-10s %-8s %8d %6s\n",
			shortID(j.ID), j.Type, j.Status, j.Priority, j.Attempts, formatAge(j.CreatedAt)))
	}
	sb.WriteString(fmt.Sprintf("\n%d of %d jobs\n", len(jobs), total))

	return sb.String()
}

// formatJobDetail renders one job in full, including progress, result
// metrics, and any terminal error.
func formatJobDetail(j *models.Job) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("ID:          %s\n", j.ID))
	sb.WriteString(fmt.Sprintf("Type:        %s\n", j.Type))
	sb.WriteString(fmt.Sprintf("Status:      %s\n", j.Status))
	sb.WriteString(fmt.Sprintf("Priority:    %s\n", j.Priority))
	sb.WriteString(fmt.Sprintf("Tenant:      %s\n", j.Tenant))
	sb.WriteString(fmt.Sprintf("User:        %s\n", j.User))
	sb.WriteString(fmt.Sprintf("Attempts:    %d/%d\n", j.Attempts, j.MaxRetries+1))
	sb.WriteString(fmt.Sprintf("Created:     %s\n", formatTimestamp(j.CreatedAt)))
	if !j.ScheduledFor.IsZero() {
		sb.WriteString(fmt.Sprintf("Scheduled:   %s\n", formatTimestamp(j.ScheduledFor)))
	}
	if !j.StartedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("Started:     %s\n", formatTimestamp(j.StartedAt)))
	}
	if !j.CompletedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("Completed:   %s\n", formatTimestamp(j.CompletedAt)))
	}
	if !j.FailedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("Failed:      %s\n", formatTimestamp(j.FailedAt)))
	}
	if j.WorkerID != "" {
		sb.WriteString(fmt.Sprintf("Worker:      %s\n", j.WorkerID))
	}

	if j.Progress != nil {
		sb.WriteString(fmt.Sprintf("Progress:    %d%%", j.Progress.Percentage))
		if j.Progress.CurrentStep != "" {
			sb.WriteString(fmt.Sprintf("  %s", j.Progress.CurrentStep))
		}
		if j.Progress.TotalItems > 0 {
			sb.WriteString(fmt.Sprintf("  (%d/%d items)", j.Progress.ProcessedItems, j.Progress.TotalItems))
		}
		sb.WriteString("\n")
	}

	if j.Error != nil {
		sb.WriteString(fmt.Sprintf("Error:       [%s] %s\n", j.Error.Kind, j.Error.Message))
	}

	if j.Result != nil {
		m := j.Result.Metrics
		sb.WriteString(fmt.Sprintf("Result:      %d items, %d bytes, %dms\n",
			m.ItemsProcessed, m.BytesProcessed, m.DurationMS))
		for _, w := range j.Result.Warnings {
			sb.WriteString(fmt.Sprintf("Warning:     %s\n", w))
		}
		if len(j.Result.Data) > 0 {
			sb.WriteString(fmt.Sprintf("Data:        %s\n", compactJSON(j.Result.Data)))
		}
	}

	if len(j.Payload) > 0 {
		sb.WriteString(fmt.Sprintf("Payload:     %s\n", compactJSON(j.Payload)))
	}

	return sb.String()
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// formatStats renders tenant job statistics with sorted count breakdowns.
func formatStats(s *models.JobStats) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Jobs since %s\n\n", formatTimestamp(s.WindowFrom)))
	sb.WriteString(fmt.Sprintf("Total:       %d\n", s.Total))
	sb.WriteString(fmt.Sprintf("Avg wait:    %dms\n", s.AvgWaitMS))
	sb.WriteString(fmt.Sprintf("Avg run:     %dms\n", s.AvgRunMS))

	writeCounts := func(title string, counts map[string]int) {
		if len(counts) == 0 {
			return
		}
		sb.WriteString(fmt.Sprintf("\n%s\n", title))
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("  %-18s %6d\n", k, counts[k]))
		}
	}

	writeCounts("By status:", s.ByStatus)
	writeCounts("By type:", s.ByType)
	writeCounts("By priority:", s.ByPriority)

	return sb.String()
}

// formatHealth renders the monitor's latest assessment.
func formatHealth(r *models.HealthReport) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Status:      %s (%d/100)\n", strings.ToUpper(r.Status), r.Overall))
	sb.WriteString(fmt.Sprintf("Workers:     %d\n", r.Workers.Score))
	sb.WriteString(fmt.Sprintf("Queue:       %d\n", r.Queue.Score))
	sb.WriteString(fmt.Sprintf("Processing:  %d\n", r.Processing.Score))
	sb.WriteString(fmt.Sprintf("\nActive %d, queued %d, stalled %d\n",
		r.ActiveJobs, r.QueuedJobs, r.StalledJobs))
	sb.WriteString(fmt.Sprintf("Collected %s\n", formatTimestamp(r.CollectedAt)))

	return sb.String()
}

// formatAlerts renders monitor alerts as a table, acked ones marked.
func formatAlerts(alerts []models.Alert) string {
	if len(alerts) == 0 {
		return "no alerts\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-14s %-8s %-12s %6s  %s\n",
		"ID", "SEVERITY", "CATEGORY", "AGE", "MESSAGE"))
	for _, a := range alerts {
		marker := " "
		if a.Acked {
			marker = "*"
		}
		sb.WriteString(fmt.Sprintf("%-14s %-8s %-12s %6s %s%s\n",
			shortID(a.ID), a.Severity, a.Category, formatAge(a.CreatedAt), marker, a.Message))
	}
	sb.WriteString("\n* acknowledged\n")

	return sb.String()
}

// formatWorkers renders the pool snapshot: one row per worker loop.
func formatWorkers(snap *models.PoolSnapshot) string {
	var sb strings.Builder

	state := "stopped"
	if snap.Running {
		state = fmt.Sprintf("running since %s", formatTimestamp(snap.StartedAt))
	}
	sb.WriteString(fmt.Sprintf("Pool %s, %d workers\n\n", state, len(snap.Workers)))

	if len(snap.Workers) == 0 {
		return sb.String()
	}

	sb.WriteString(fmt.Sprintf("%-12s %-8s %-10s %9s %7s %9s\n",
		"ID", "STATUS", "JOB", "PROCESSED", "FAILED", "HEARTBEAT"))
	for _, w := range snap.Workers {
		job := "-"
		if w.CurrentJobID != "" {
			job = shortID(w.CurrentJobID)
		}
		sb.WriteString(fmt.Sprintf("%-12s %-8s %-10s %9d %7d %9s\n",
			w.ID, w.Status, job,
			w.Metrics.JobsProcessed, w.Metrics.JobsFailed, formatAge(w.LastHeartbeat)))
	}

	return sb.String()
}
