package compliancesync

import (
	"time"

	"github.com/mmdatafocus/compliance_backend/models"
	"github.com/mmdatafocus/compliance_backend/utils"
)

// ChooseItem picks the open item an event dated on belongs to: among items
// whose period contains the date if any, otherwise among all open items, the
// one with the nearest due date. Several items at the same distance are
// returned as tied and none is chosen.
func ChooseItem(items []models.ComplianceItem, on time.Time) (*models.ComplianceItem, []uint) {
	on = utils.CivilDate(on)
	var open, containing []*models.ComplianceItem
	for i := range items {
		it := &items[i]
		if !it.Status.IsOpen() {
			continue
		}
		open = append(open, it)
		if !on.Before(utils.CivilDate(it.PeriodStart)) && !on.After(utils.CivilDate(it.PeriodEnd)) {
			containing = append(containing, it)
		}
	}
	pool := open
	if len(containing) > 0 {
		pool = containing
	}
	if len(pool) == 0 {
		return nil, nil
	}

	best := -1
	var nearest []*models.ComplianceItem
	for _, it := range pool {
		d := utils.DaysBetween(it.DueDate, on)
		switch {
		case best < 0 || d < best:
			best = d
			nearest = []*models.ComplianceItem{it}
		case d == best:
			nearest = append(nearest, it)
		}
	}
	if len(nearest) == 1 {
		return nearest[0], nil
	}
	tied := make([]uint, 0, len(nearest))
	for _, it := range nearest {
		tied = append(tied, it.ID)
	}
	return nil, tied
}
