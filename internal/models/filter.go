package models

import (
	"sort"
	"strings"
)

// Matches reports whether the job satisfies every set filter field. Tenant
// scoping is the store's responsibility, not the filter's.
func (f *JobFilter) Matches(job *Job) bool {
	if len(f.Statuses) > 0 && !containsString(f.Statuses, job.Status) {
		return false
	}
	if len(f.Types) > 0 && !containsString(f.Types, job.Type) {
		return false
	}
	if len(f.Priorities) > 0 && !containsString(f.Priorities, job.Priority) {
		return false
	}
	if f.User != "" && job.User != f.User {
		return false
	}
	if f.CaseID != "" && job.Metadata["case_id"] != f.CaseID {
		return false
	}
	if !f.CreatedAfter.IsZero() && job.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !job.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(string(job.Payload)), needle) &&
			!strings.Contains(strings.ToLower(job.ID), needle) &&
			!metadataContains(job.Metadata, needle) {
			return false
		}
	}
	return true
}

func metadataContains(md map[string]string, needle string) bool {
	for _, v := range md {
		if strings.Contains(strings.ToLower(v), needle) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// SortJobs orders jobs in place by the given sort field. The sort is stable,
// so equal keys keep their relative order.
func SortJobs(jobs []*Job, sortBy string, desc bool) {
	less := func(a, b *Job) bool {
		switch sortBy {
		case SortByStarted:
			return a.StartedAt.Before(b.StartedAt)
		case SortByCompleted:
			return a.CompletedAt.Before(b.CompletedAt)
		case SortByPriority:
			return PriorityRank(a.Priority) < PriorityRank(b.Priority)
		case SortByStatus:
			return a.Status < b.Status
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if desc {
			return less(jobs[j], jobs[i])
		}
		return less(jobs[i], jobs[j])
	})
}

// SortForClaim orders jobs by claim precedence: priority rank first, then
// age within a rank.
func SortForClaim(jobs []*Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		ri, rj := PriorityRank(jobs[i].Priority), PriorityRank(jobs[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
