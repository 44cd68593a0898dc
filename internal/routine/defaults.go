package routine

import (
	"context"
	"time"

	logx "cadence/pkg/logx"
)

// DefaultRules is the built-in rule set seeded when no active rule exists.
// Ids are stable so seeding is idempotent across processes.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "default-daily-monitoring", Title: "Check campaign performance", Description: "Review spend, pacing and anomalies.", Frequency: FrequencyDaily, OccurrencesPerPeriod: 1, Active: true, SortOrder: 10},
		{ID: "default-weekly-optimization", Title: "Optimize campaigns", Description: "Adjust bids, budgets and audiences.", Frequency: FrequencyWeekly, OccurrencesPerPeriod: 2, Active: true, SortOrder: 20},
		{ID: "default-weekly-report", Title: "Send weekly report", Frequency: FrequencyWeekly, OccurrencesPerPeriod: 1, Active: true, SortOrder: 30},
		{ID: "default-biweekly-creative", Title: "Creative review", Description: "Rotate fatigued creatives.", Frequency: FrequencyBiweekly, OccurrencesPerPeriod: 1, DayOffset: 2, Active: true, SortOrder: 40},
		{ID: "default-monthly-strategy", Title: "Monthly strategy meeting", Frequency: FrequencyMonthly, OccurrencesPerPeriod: 1, Active: true, SortOrder: 50},
	}
}

// SeedDefaultRulesIfEmpty inserts DefaultRules when the store has no active
// rule. It returns the number of rules inserted; repeated calls insert nothing.
func (s *Service) SeedDefaultRulesIfEmpty(ctx context.Context) (int, error) {
	active, err := s.store.FindActiveRules(ctx)
	if err != nil {
		return 0, storageErr("find active rules", err)
	}
	if len(active) > 0 {
		return 0, nil
	}

	start := time.Now()
	now := s.clock.Now()
	n := 0
	for _, r := range DefaultRules() {
		r.CreatedAt, r.UpdatedAt = now, now
		created, err := s.store.InsertRuleIfAbsent(ctx, r)
		if err != nil {
			return n, storageErr("insert default rule "+r.ID, err)
		}
		if created {
			n++
		}
	}
	if n == 0 {
		s.log.Warn("no active rules and defaults already present; materialization will create nothing")
		return 0, nil
	}
	s.log.Info("default rules seeded", logx.Int("count", n))
	s.audit(ctx, "", "rules.seed", "", start, nil)
	return n, nil
}
