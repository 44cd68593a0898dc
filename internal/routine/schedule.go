package routine

// anchorWeekday is the weekday index (Monday = 0) that variant phase 0 lands on.
const anchorWeekday = 0

// secondWeeklyOffset spaces the second weekly occurrence across the week.
const secondWeeklyOffset = 3

// AnchorWeekday returns the primary weekday index (Monday = 0) for v.
func AnchorWeekday(v Variant) int {
	p := v.Phase()
	if p < 0 {
		p = 0
	}
	return mod7(anchorWeekday + p)
}

// WeeklyWeekdays returns the weekday indexes a weekly rule with the given
// count lands on for variant v. Callers validate count beforehand.
func WeeklyWeekdays(v Variant, count int) []int {
	a := AnchorWeekday(v)
	if count == 2 {
		return []int{a, mod7(a + secondWeeklyOffset)}
	}
	return []int{a}
}

// DueDates returns the sorted dates in [windowStart, windowEnd] on which rule
// is due for enrollment. It is pure: identical inputs give identical output.
// Dates before the enrollment's start date are never returned.
func DueDates(rule Rule, e Enrollment, windowStart, windowEnd Date) ([]Date, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if !e.Variant.Valid() {
		return nil, invalid("schedule_variant", "unknown variant %q", e.Variant)
	}
	if windowStart.IsZero() || windowEnd.IsZero() {
		return nil, invalid("window", "start and end are required")
	}
	if windowStart.After(windowEnd) {
		return nil, invalid("window", "start %s is after end %s", windowStart, windowEnd)
	}

	from := windowStart
	if !e.StartDate.IsZero() && from.Before(e.StartDate) {
		from = e.StartDate
	}
	if from.After(windowEnd) {
		return nil, nil
	}

	switch rule.Frequency {
	case FrequencyDaily:
		return collect(from, windowEnd, func(Date) bool { return true }), nil
	case FrequencyWeekly:
		days := WeeklyWeekdays(e.Variant, rule.OccurrencesPerPeriod)
		return collect(from, windowEnd, func(d Date) bool {
			wd := d.WeekdayIndex()
			for _, x := range days {
				if x == wd {
					return true
				}
			}
			return false
		}), nil
	case FrequencyBiweekly:
		wd := mod7(AnchorWeekday(e.Variant) + rule.DayOffset)
		start := e.StartDate
		if start.IsZero() {
			start = windowStart
		}
		return collect(from, windowEnd, func(d Date) bool {
			return d.WeekdayIndex() == wd && (d.DaysSince(start)/7)%2 == 0
		}), nil
	case FrequencyMonthly:
		return monthlyDates(AnchorWeekday(e.Variant), from, windowEnd), nil
	default:
		return nil, invalid("frequency", "unknown frequency %q", rule.Frequency)
	}
}

func collect(from, to Date, keep func(Date) bool) []Date {
	var out []Date
	for d := from; !d.After(to); d = d.AddDays(1) {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

// monthlyDates returns, per month, the first date within days 1..7 whose
// weekday index is wd, restricted to [from, to].
func monthlyDates(wd int, from, to Date) []Date {
	var out []Date
	for m := from.FirstOfMonth(); !m.After(to); m = NewDate(m.Year, m.Month+1, 1) {
		d := m.AddDays(mod7(wd - m.WeekdayIndex()))
		if d.Within(from, to) {
			out = append(out, d)
		}
	}
	return out
}

func mod7(n int) int { return ((n % 7) + 7) % 7 }
