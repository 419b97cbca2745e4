package domain

import (
	"fmt"
	"time"
)

// Period is one of the three independent pull granularities tracked per cron job.
type Period string

const (
	PeriodWeekly    Period = "WEEKLY"
	PeriodMonthly   Period = "MONTHLY"
	PeriodQuarterly Period = "QUARTERLY"
)

// DateLayout is the layout of report dates and metric row keys.
const DateLayout = "2006-01-02"

// AllPeriods lists the periods in processing order.
var AllPeriods = []Period{PeriodWeekly, PeriodMonthly, PeriodQuarterly}

// ParsePeriod accepts either the period name or the report API's reportPeriod value.
func ParsePeriod(s string) (Period, error) {
	switch s {
	case "WEEKLY", "WEEK", "weekly", "week":
		return PeriodWeekly, nil
	case "MONTHLY", "MONTH", "monthly", "month":
		return PeriodMonthly, nil
	case "QUARTERLY", "QUARTER", "quarterly", "quarter":
		return PeriodQuarterly, nil
	}
	return "", fmt.Errorf("unknown period %q", s)
}

// Valid reports whether p is one of the known periods.
func (p Period) Valid() bool {
	return p == PeriodWeekly || p == PeriodMonthly || p == PeriodQuarterly
}

// ReportPeriod returns the reportPeriod option sent to the reporting API.
func (p Period) ReportPeriod() string {
	switch p {
	case PeriodMonthly:
		return "MONTH"
	case PeriodQuarterly:
		return "QUARTER"
	default:
		return "WEEK"
	}
}

// MetricTable returns the physically separate table holding this period's metric rows.
func (p Period) MetricTable() string {
	switch p {
	case PeriodMonthly:
		return MonthlyMetric{}.TableName()
	case PeriodQuarterly:
		return QuarterlyMetric{}.TableName()
	default:
		return WeeklyMetric{}.TableName()
	}
}

// DateRange is an inclusive span of calendar days.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// String renders the free-text "start - end" summary stored on ASIN rollups.
func (r DateRange) String() string {
	return r.Start.Format(DateLayout) + " - " + r.End.Format(DateLayout)
}

// IsZero reports whether the range is unset.
func (r DateRange) IsZero() bool {
	return r.Start.IsZero() || r.End.IsZero()
}

// DateRange returns the last complete period before now, evaluated in loc.
// Weeks run Sunday through Saturday, matching the reporting API's week boundaries.
func (p Period) DateRange(now time.Time, loc *time.Location) DateRange {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	switch p {
	case PeriodMonthly:
		firstThis := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, loc)
		return DateRange{Start: firstThis.AddDate(0, -1, 0), End: firstThis.AddDate(0, 0, -1)}
	case PeriodQuarterly:
		qStartMonth := time.Month(((int(today.Month())-1)/3)*3 + 1)
		firstThis := time.Date(today.Year(), qStartMonth, 1, 0, 0, 0, 0, loc)
		return DateRange{Start: firstThis.AddDate(0, -3, 0), End: firstThis.AddDate(0, 0, -1)}
	default:
		// days since the most recent Saturday, strictly before today
		back := (int(today.Weekday()) + 1) % 7
		if back == 0 {
			back = 7
		}
		end := today.AddDate(0, 0, -back)
		return DateRange{Start: end.AddDate(0, 0, -6), End: end}
	}
}
