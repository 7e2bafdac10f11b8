// Package schedule turns program frequencies into concrete compliance items.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/compliance_backend/config"
	"github.com/mmdatafocus/compliance_backend/criteria"
	"github.com/mmdatafocus/compliance_backend/models"
	"github.com/mmdatafocus/compliance_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Result counts what a generation call did. Errors holds per-program failures
// that did not abort the call.
type Result struct {
	Created int      `json:"created"`
	Skipped int      `json:"skipped"`
	Deleted int      `json:"deleted"`
	Errors  []string `json:"errors"`
}

func (r *Result) merge(o *Result) {
	r.Created += o.Created
	r.Skipped += o.Skipped
	r.Deleted += o.Deleted
	r.Errors = append(r.Errors, o.Errors...)
}

func (r *Result) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

type Generator struct {
	db       *gorm.DB
	logger   *logrus.Logger
	settings config.EngineSettings

	// Now is the clock; tests pin it.
	Now func() time.Time
}

func NewGenerator(db *gorm.DB, settings config.EngineSettings) *Generator {
	return &Generator{
		db:       db,
		logger:   config.GetLogger(),
		settings: settings,
		Now:      time.Now,
	}
}

func (g *Generator) periodsAhead(n int) int {
	if n > 0 {
		return n
	}
	if g.settings.PeriodsAhead > 0 {
		return g.settings.PeriodsAhead
	}
	return 6
}

// programsFor resolves the programs that may apply to a property: enabled
// programs plus force-enabled ones, minus force-disabled ones. forced reports
// which were force-enabled so criteria are bypassed for them.
func (g *Generator) programsFor(ctx context.Context, orgId string, propertyId uint) (programs []models.ComplianceProgram, forced map[uint]bool, err error) {
	all, err := models.ListPrograms(ctx, g.db, orgId)
	if err != nil {
		return nil, nil, err
	}
	overrides, err := models.ListOverridesForProperty(ctx, g.db, orgId, propertyId)
	if err != nil {
		return nil, nil, err
	}
	forced = make(map[uint]bool)
	for _, p := range all {
		enabled := p.IsEnabled
		if o, ok := overrides[p.ID]; ok {
			enabled = o
			if o {
				forced[p.ID] = true
			}
		}
		if enabled {
			programs = append(programs, p)
		}
	}
	return programs, forced, nil
}

// GenerateForProperty creates the property-level items of every applicable
// program for the property.
func (g *Generator) GenerateForProperty(ctx context.Context, propertyId uint, orgId string, periodsAhead int) (*Result, error) {
	if orgId == "" {
		return nil, utils.ErrOrgRequired
	}
	property, err := models.GetProperty(ctx, g.db, orgId, propertyId)
	if err != nil {
		return nil, err
	}
	programs, forced, err := g.programsFor(ctx, orgId, propertyId)
	if err != nil {
		return nil, err
	}
	window := NewWindow(g.Now(), g.settings)
	propAttrs := criteria.FromProperty(property)
	res := &Result{}
	for i := range programs {
		program := &programs[i]
		matcherProgram, err := criteria.FromModel(program)
		if err != nil {
			res.addError("program %d: %v", program.ID, err)
			continue
		}
		if !program.EffectiveScope(matcherProgram.Criteria).IncludesProperty() {
			continue
		}
		if !forced[program.ID] && !criteria.ProgramTargetsProperty(matcherProgram, propAttrs) {
			continue
		}
		target := models.ItemTarget{ProgramId: program.ID, PropertyId: property.ID}
		g.generateTarget(ctx, window, orgId, program, target, g.periodsAhead(periodsAhead), res)
	}
	g.logResult("GenerateForProperty", orgId, logrus.Fields{"property_id": propertyId}, res)
	return res, nil
}

// GenerateForAsset creates the asset-level items of every applicable program
// for the asset.
func (g *Generator) GenerateForAsset(ctx context.Context, assetId uint, orgId string, periodsAhead int) (*Result, error) {
	if orgId == "" {
		return nil, utils.ErrOrgRequired
	}
	asset, err := models.GetAsset(ctx, g.db, orgId, assetId)
	if err != nil {
		return nil, err
	}
	property, err := models.GetProperty(ctx, g.db, orgId, asset.PropertyId)
	if err != nil {
		return nil, err
	}
	programs, forced, err := g.programsFor(ctx, orgId, property.ID)
	if err != nil {
		return nil, err
	}
	window := NewWindow(g.Now(), g.settings)
	propAttrs := criteria.FromProperty(property)
	assetAttrs := criteria.FromAsset(asset)
	res := &Result{}
	for i := range programs {
		program := &programs[i]
		matcherProgram, err := criteria.FromModel(program)
		if err != nil {
			res.addError("program %d: %v", program.ID, err)
			continue
		}
		if !program.EffectiveScope(matcherProgram.Criteria).IncludesAsset() {
			continue
		}
		if !forced[program.ID] && !criteria.ProgramTargetsAsset(matcherProgram, assetAttrs, propAttrs) {
			continue
		}
		id := asset.ID
		target := models.ItemTarget{ProgramId: program.ID, PropertyId: property.ID, AssetId: &id}
		g.generateTarget(ctx, window, orgId, program, target, g.periodsAhead(periodsAhead), res)
	}
	g.logResult("GenerateForAsset", orgId, logrus.Fields{"asset_id": assetId}, res)
	return res, nil
}

// GenerateForProgram applies one program across every active property of the
// org and their assets.
func (g *Generator) GenerateForProgram(ctx context.Context, programId uint, orgId string, periodsAhead int) (*Result, error) {
	if orgId == "" {
		return nil, utils.ErrOrgRequired
	}
	program, err := models.GetProgram(ctx, g.db, orgId, programId)
	if err != nil {
		return nil, err
	}
	matcherProgram, err := criteria.FromModel(program)
	if err != nil {
		return nil, err
	}
	properties, err := models.ListActiveProperties(ctx, g.db, orgId)
	if err != nil {
		return nil, err
	}
	scope := program.EffectiveScope(matcherProgram.Criteria)
	window := NewWindow(g.Now(), g.settings)
	n := g.periodsAhead(periodsAhead)
	res := &Result{}
	for i := range properties {
		property := &properties[i]
		overrides, err := models.ListOverridesForProperty(ctx, g.db, orgId, property.ID)
		if err != nil {
			res.addError("property %d: %v", property.ID, err)
			continue
		}
		enabled := program.IsEnabled
		override, hasOverride := overrides[program.ID]
		if hasOverride {
			enabled = override
		}
		if !enabled {
			continue
		}
		forced := hasOverride && override
		propAttrs := criteria.FromProperty(property)

		if scope.IncludesProperty() && (forced || criteria.ProgramTargetsProperty(matcherProgram, propAttrs)) {
			target := models.ItemTarget{ProgramId: program.ID, PropertyId: property.ID}
			g.generateTarget(ctx, window, orgId, program, target, n, res)
		}
		if !scope.IncludesAsset() {
			continue
		}
		assets, err := models.ListAssetsForProperty(ctx, g.db, orgId, property.ID)
		if err != nil {
			res.addError("property %d assets: %v", property.ID, err)
			continue
		}
		for j := range assets {
			asset := &assets[j]
			if !forced && !criteria.ProgramTargetsAsset(matcherProgram, criteria.FromAsset(asset), propAttrs) {
				continue
			}
			id := asset.ID
			target := models.ItemTarget{ProgramId: program.ID, PropertyId: property.ID, AssetId: &id}
			g.generateTarget(ctx, window, orgId, program, target, n, res)
		}
	}
	g.logResult("GenerateForProgram", orgId, logrus.Fields{"program_id": programId}, res)
	return res, nil
}

// GenerateForAllOrganizations is the scheduler entry point. A failing property
// or asset is recorded and the walk continues.
func (g *Generator) GenerateForAllOrganizations(ctx context.Context, periodsAhead int) (*Result, error) {
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	orgs, err := models.ListActiveOrganizations(ctx, g.db)
	if err != nil {
		return nil, err
	}
	total := &Result{}
	for _, org := range orgs {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		properties, err := models.ListActiveProperties(ctx, g.db, org.ID)
		if err != nil {
			total.addError("org %s: %v", org.ID, err)
			continue
		}
		for _, property := range properties {
			res, err := g.GenerateForProperty(ctx, property.ID, org.ID, periodsAhead)
			if err != nil {
				total.addError("org %s property %d: %v", org.ID, property.ID, err)
			} else {
				total.merge(res)
			}
			assets, err := models.ListAssetsForProperty(ctx, g.db, org.ID, property.ID)
			if err != nil {
				total.addError("org %s property %d assets: %v", org.ID, property.ID, err)
				continue
			}
			for _, asset := range assets {
				res, err := g.GenerateForAsset(ctx, asset.ID, org.ID, periodsAhead)
				if err != nil {
					total.addError("org %s asset %d: %v", org.ID, asset.ID, err)
					continue
				}
				total.merge(res)
			}
		}
	}
	g.logResult("GenerateForAllOrganizations", "", logrus.Fields{"orgs": len(orgs)}, total)
	return total, nil
}

// generateTarget prunes items past the horizon, then inserts the missing
// periods for one (program, target).
func (g *Generator) generateTarget(ctx context.Context, w Window, orgId string, program *models.ComplianceProgram, target models.ItemTarget, count int, res *Result) {
	deleted, err := models.PruneItemsBeyond(ctx, g.db, target, w.Horizon)
	if err != nil {
		res.addError("program %d: prune: %v", program.ID, err)
		return
	}
	res.Deleted += int(deleted)

	for _, p := range Periods(w, program.FrequencyMonths, program.LeadTimeDays, count) {
		exists, err := models.ItemExists(ctx, g.db, target, p.Start, p.End)
		if err != nil {
			res.addError("program %d period %s: %v", program.ID, p.Start.Format("2006-01-02"), err)
			continue
		}
		if exists {
			res.Skipped++
			continue
		}
		item := &models.ComplianceItem{
			OrgId:       orgId,
			ProgramId:   program.ID,
			PropertyId:  target.PropertyId,
			AssetId:     target.AssetId,
			PeriodStart: p.Start,
			PeriodEnd:   p.End,
			DueDate:     p.Due,
			Status:      models.ItemStatusNotStarted,
		}
		created, err := models.CreateItem(ctx, g.db, item)
		if err != nil {
			res.addError("program %d period %s: %v", program.ID, p.Start.Format("2006-01-02"), err)
			continue
		}
		if created {
			res.Created++
		} else {
			res.Skipped++
		}
	}
}

func (g *Generator) logResult(funcName, orgId string, fields logrus.Fields, res *Result) {
	if g.logger == nil {
		return
	}
	fields["module"] = "schedule"
	fields["funcName"] = funcName
	fields["org_id"] = orgId
	fields["created"] = res.Created
	fields["skipped"] = res.Skipped
	fields["deleted"] = res.Deleted
	fields["errors"] = len(res.Errors)
	entry := g.logger.WithFields(fields)
	if len(res.Errors) > 0 {
		entry.Warn("schedule generation finished with errors")
		return
	}
	entry.Info("schedule generation finished")
}

// IsConfigError reports whether err is a caller or configuration problem rather
// than a datastore failure.
func IsConfigError(err error) bool {
	return errors.Is(err, utils.ErrorRecordNotFound) ||
		errors.Is(err, utils.ErrOrgMismatch) ||
		errors.Is(err, utils.ErrOrgRequired) ||
		errors.Is(err, models.ErrInvalidCriteria)
}
