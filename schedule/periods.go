package schedule

import (
	"time"

	"github.com/mmdatafocus/compliance_backend/config"
	"github.com/mmdatafocus/compliance_backend/utils"
)

// Period is one obligation window. All dates are civil dates at UTC midnight.
type Period struct {
	Start time.Time
	End   time.Time
	Due   time.Time
}

// Window anchors generation: periods start at the first of Today's month and
// are kept while their due date lies in [Today-GraceDays, Horizon].
type Window struct {
	Today     time.Time
	Horizon   time.Time
	GraceDays int
}

// NewWindow computes today and the rolling horizon in the engine time zone.
func NewWindow(now time.Time, s config.EngineSettings) Window {
	today := utils.TodayIn(now, s.Location)
	years := s.HorizonYears
	if years <= 0 {
		years = 5
	}
	return Window{
		Today:     today,
		Horizon:   today.AddDate(years, 0, 0),
		GraceDays: s.PastGraceDays,
	}
}

// Periods generates up to count consecutive periods of frequencyMonths and
// returns the ones inside the window. The due date is leadTimeDays before the
// next period starts.
func Periods(w Window, frequencyMonths, leadTimeDays, count int) []Period {
	if frequencyMonths <= 0 || count <= 0 {
		return nil
	}
	earliestDue := w.Today.AddDate(0, 0, -w.GraceDays)
	start := utils.FirstOfMonth(w.Today)
	out := make([]Period, 0, count)
	for i := 0; i < count; i++ {
		next := start.AddDate(0, frequencyMonths, 0)
		p := Period{
			Start: start,
			End:   next.AddDate(0, 0, -1),
			Due:   next.AddDate(0, 0, -leadTimeDays),
		}
		if p.Due.After(w.Horizon) {
			break
		}
		if !p.Due.Before(earliestDue) {
			out = append(out, p)
		}
		start = next
	}
	return out
}
