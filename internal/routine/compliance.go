package routine

import (
	"sort"
)

// DayStats counts the tasks due on a single day.
type DayStats struct {
	Due       int `json:"due"`
	Completed int `json:"completed"`
}

// WeekStats counts the tasks due in an ISO week (Monday start).
type WeekStats struct {
	WeekStart      Date    `json:"week_start"`
	Due            int     `json:"due"`
	Completed      int     `json:"completed"`
	ComplianceRate float64 `json:"compliance_rate"`
}

// ClientCompliance is one enrollment's share of a fleet report.
type ClientCompliance struct {
	EnrollmentID   string  `json:"enrollment_id"`
	Due            int     `json:"due"`
	Completed      int     `json:"completed"`
	ComplianceRate float64 `json:"compliance_rate"`
	Overdue        int     `json:"overdue"`
}

// ComplianceReport is the read model served to dashboards.
type ComplianceReport struct {
	EnrollmentID string             `json:"enrollment_id,omitempty"`
	Today        Date               `json:"today"`
	TodayStats   DayStats           `json:"today_stats"`
	Week         WeekStats          `json:"week"`
	Overdue      []Task             `json:"overdue"`
	OverdueCount int                `json:"overdue_count"`
	Clients      []ClientCompliance `json:"clients,omitempty"`
}

// TodayStats counts tasks due exactly on today and how many of them are done.
func TodayStats(tasks []Task, today Date) DayStats {
	var s DayStats
	for _, t := range tasks {
		if t.DueDate != today {
			continue
		}
		s.Due++
		if t.Status == TaskDone {
			s.Completed++
		}
	}
	return s
}

// WeekStatsFor counts tasks due in the ISO week containing today. Skipped
// tasks are due but not completed.
func WeekStatsFor(tasks []Task, today Date) WeekStats {
	start := today.WeekStart()
	end := start.AddDays(6)
	s := WeekStats{WeekStart: start}
	for _, t := range tasks {
		if !t.DueDate.Within(start, end) {
			continue
		}
		s.Due++
		if t.Status == TaskDone {
			s.Completed++
		}
	}
	s.ComplianceRate = Rate(s.Completed, s.Due)
	return s
}

// Overdue returns pending tasks due strictly before today, oldest first.
func Overdue(tasks []Task, today Date) []Task {
	out := make([]Task, 0)
	for _, t := range tasks {
		if t.Status == TaskPending && t.DueDate.Before(today) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DueDate != out[j].DueDate {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ClientComplianceRate is the week compliance rate of one enrollment.
func ClientComplianceRate(tasks []Task, enrollmentID string, today Date) float64 {
	return WeekStatsFor(forEnrollment(tasks, enrollmentID), today).ComplianceRate
}

// Rate returns completed/due as a percentage in [0, 100]; 0 when due is 0.
func Rate(completed, due int) float64 {
	if due <= 0 || completed <= 0 {
		return 0
	}
	if completed >= due {
		return 100
	}
	return float64(completed) * 100 / float64(due)
}

// BuildReport computes the report over tasks. An empty enrollmentID builds
// the fleet-wide report with a per-client breakdown.
func BuildReport(tasks []Task, enrollmentID string, today Date) ComplianceReport {
	if enrollmentID != "" {
		tasks = forEnrollment(tasks, enrollmentID)
	}
	overdue := Overdue(tasks, today)
	rep := ComplianceReport{
		EnrollmentID: enrollmentID,
		Today:        today,
		TodayStats:   TodayStats(tasks, today),
		Week:         WeekStatsFor(tasks, today),
		Overdue:      overdue,
		OverdueCount: len(overdue),
	}
	if enrollmentID != "" {
		return rep
	}

	byClient := map[string][]Task{}
	for _, t := range tasks {
		byClient[t.EnrollmentID] = append(byClient[t.EnrollmentID], t)
	}
	ids := make([]string, 0, len(byClient))
	for id := range byClient {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ts := byClient[id]
		w := WeekStatsFor(ts, today)
		rep.Clients = append(rep.Clients, ClientCompliance{
			EnrollmentID:   id,
			Due:            w.Due,
			Completed:      w.Completed,
			ComplianceRate: w.ComplianceRate,
			Overdue:        len(Overdue(ts, today)),
		})
	}
	return rep
}

func forEnrollment(tasks []Task, enrollmentID string) []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if t.EnrollmentID == enrollmentID {
			out = append(out, t)
		}
	}
	return out
}
