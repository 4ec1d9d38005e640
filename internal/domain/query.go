package domain

import (
	"fmt"
	"strings"
	"time"
)

// Sort keys accepted by project listings.
const (
	SortByCreatedAt = "created_at"
	SortByUpdatedAt = "updated_at"
	SortByName      = "name"
	SortByStatus    = "status"

	DefaultPageSize = 20
	MaxPageSize     = 100

	DefaultStatsDays = 7
	MaxStatsDays     = 90
)

// DayLayout formats the UTC day keys of creation counts.
const DayLayout = "2006-01-02"

// ProjectQuery filters, sorts and paginates project listings.
type ProjectQuery struct {
	Search       string
	Status       Status
	TemplateType string
	SortBy       string
	SortDesc     bool
	Page         int
	PageSize     int
}

// Normalize fills defaults and rejects unknown sort keys.
func (q ProjectQuery) Normalize() (ProjectQuery, error) {
	q.Search = strings.TrimSpace(q.Search)
	q.TemplateType = strings.TrimSpace(q.TemplateType)
	switch q.SortBy {
	case "":
		q.SortBy = SortByCreatedAt
		q.SortDesc = true
	case SortByCreatedAt, SortByUpdatedAt, SortByName, SortByStatus:
	default:
		return q, &ValidationError{Field: "sort_by", Message: "must be one of created_at, updated_at, name, status"}
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	return q, nil
}

// Offset returns the row offset of the requested page.
func (q ProjectQuery) Offset() int {
	if q.Page < 1 {
		return 0
	}
	return (q.Page - 1) * q.PageSize
}

// ProjectPage is one page of a listing plus the unpaginated total.
type ProjectPage struct {
	Projects []Project
	Total    int
	Page     int
	PageSize int
}

// TotalPages rounds the total up to whole pages.
func (p ProjectPage) TotalPages() int {
	if p.PageSize <= 0 {
		return 0
	}
	return (p.Total + p.PageSize - 1) / p.PageSize
}

// ProjectStats aggregates project counts for dashboards.
type ProjectStats struct {
	Total         int
	ByStatus      map[Status]int
	TemplateUsage map[string]int
	CreatedPerDay []DailyCount
}

// DailyCount is the number of projects created on one UTC day.
type DailyCount struct {
	Day   time.Time
	Count int
}

// StatsWindow returns the first UTC day of a window of days ending on the
// day of now. Zero selects DefaultStatsDays.
func StatsWindow(now time.Time, days int) (time.Time, int, error) {
	if days == 0 {
		days = DefaultStatsDays
	}
	if days < 1 || days > MaxStatsDays {
		return time.Time{}, 0, &ValidationError{Field: "days", Message: fmt.Sprintf("must be between 1 and %d", MaxStatsDays)}
	}
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d-(days-1), 0, 0, 0, 0, time.UTC), days, nil
}

// CreationSeries expands per-day counts keyed by DayLayout into one entry per
// day starting at start, oldest first. Missing days count zero.
func CreationSeries(counts map[string]int, start time.Time, days int) []DailyCount {
	series := make([]DailyCount, days)
	for i := range series {
		day := start.AddDate(0, 0, i)
		series[i] = DailyCount{Day: day, Count: counts[day.Format(DayLayout)]}
	}
	return series
}

// InProgress counts projects that have not reached a terminal state.
func (s ProjectStats) InProgress() int {
	n := 0
	for _, st := range InProgressStatuses {
		n += s.ByStatus[st]
	}
	return n
}

// SuccessRate is the share of finished projects that became active, in percent.
func (s ProjectStats) SuccessRate() float64 {
	done := s.ByStatus[StatusActive] + s.ByStatus[StatusFailed]
	if done == 0 {
		return 0
	}
	return float64(s.ByStatus[StatusActive]) * 100 / float64(done)
}
