package compliancesync

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/compliance_backend/criteria"
	"github.com/mmdatafocus/compliance_backend/models"
	"github.com/mmdatafocus/compliance_backend/utils"
	"github.com/sirupsen/logrus"
)

// programTarget is a dataset program resolved against one property.
type programTarget struct {
	program   *models.ComplianceProgram
	matcher   criteria.Program
	scope     models.AppliesTo
	forced    bool
	propAttrs criteria.PropertyAttrs
}

type dispatch struct {
	property *models.Property
	source   string
	targets  []programTarget
}

// SyncProgramSources runs the program-driven pass for an org. Every enabled
// program naming a dataset is synced once per targeted property, and the
// events written by that sync are attached to the program's closest open
// items. Programs sharing a dataset on one property share one sync.
func (o *Orchestrator) SyncProgramSources(ctx context.Context, orgId string, force bool) (*ProgramSyncResult, error) {
	if orgId == "" {
		return nil, utils.ErrOrgRequired
	}
	ctx = utils.SetOrgIdInContext(ctx, orgId)
	programs, err := models.ListDatasetPrograms(ctx, o.db, orgId)
	if err != nil {
		return nil, err
	}
	properties, err := models.ListActiveProperties(ctx, o.db, orgId)
	if err != nil {
		return nil, err
	}

	out := &ProgramSyncResult{Totals: newSyncResult()}
	matchers := make(map[uint]criteria.Program, len(programs))
	usable := programs[:0]
	for _, p := range programs {
		if !IsKnownSource(p.DatasetKey) {
			out.Skipped = append(out.Skipped, fmt.Sprintf("program %d: unknown dataset %q", p.ID, p.DatasetKey))
			continue
		}
		m, err := criteria.FromModel(&p)
		if err != nil {
			out.Skipped = append(out.Skipped, fmt.Sprintf("program %d: %v", p.ID, err))
			continue
		}
		matchers[p.ID] = m
		usable = append(usable, p)
	}

	var plan []*dispatch
	for i := range properties {
		property := &properties[i]
		overrides, err := models.ListOverridesForProperty(ctx, o.db, orgId, property.ID)
		if err != nil {
			return nil, err
		}
		bySource := map[string]*dispatch{}
		propAttrs := criteria.FromProperty(property)
		for j := range usable {
			program := &usable[j]
			enabled := program.IsEnabled
			override, hasOverride := overrides[program.ID]
			if hasOverride {
				enabled = override
			}
			if !enabled {
				continue
			}
			t := programTarget{
				program:   program,
				matcher:   matchers[program.ID],
				forced:    hasOverride && override,
				propAttrs: propAttrs,
			}
			t.scope = program.EffectiveScope(t.matcher.Criteria)
			if !t.forced && !programCoversProperty(t) {
				continue
			}
			d, ok := bySource[program.DatasetKey]
			if !ok {
				d = &dispatch{property: property, source: program.DatasetKey}
				bySource[program.DatasetKey] = d
				plan = append(plan, d)
			}
			d.targets = append(d.targets, t)
		}
	}

	for _, d := range plan {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		targets := d.targets
		res, err := o.syncSources(ctx, d.property.ID, orgId, force, []string{d.source}, func(ctx context.Context, r *syncRun) {
			r.attachToPrograms(ctx, targets)
		})
		if err != nil {
			out.Totals.Errors = append(out.Totals.Errors, SyncError{
				Source:     d.source,
				ExternalID: fmt.Sprintf("property-%d", d.property.ID),
				Code:       CodeFetch,
				Message:    err.Error(),
			})
			continue
		}
		out.Dispatched++
		out.RunIds = append(out.RunIds, res.SyncRunId)
		out.Totals.merge(res)
		for src, st := range res.Sources {
			out.Totals.Sources[fmt.Sprintf("%d:%s", d.property.ID, src)] = st
		}
	}

	if o.logger != nil {
		o.logger.WithFields(logrus.Fields{
			"module":        "compliancesync",
			"funcName":      "SyncProgramSources",
			"org_id":        orgId,
			"programs":      len(usable),
			"dispatched":    out.Dispatched,
			"updated_items": out.Totals.UpdatedItems,
			"errors":        len(out.Totals.Errors),
		}).Info("program-driven sync finished")
	}
	return out, nil
}

// programCoversProperty is the matcher decision for dispatching: a property
// program must target the property, an asset program needs the property to
// pass its property filters. Asset filters are applied per event on attach.
func programCoversProperty(t programTarget) bool {
	if t.scope.IncludesProperty() && criteria.ProgramTargetsProperty(t.matcher, t.propAttrs) {
		return true
	}
	return t.scope.IncludesAsset() && criteria.PropertyPasses(t.matcher, t.propAttrs)
}

func (r *syncRun) assetById(ctx context.Context, id uint) (*models.ComplianceAsset, error) {
	if a, ok := r.assetsById[id]; ok {
		return a, nil
	}
	a, err := models.GetAsset(ctx, r.o.db, r.orgId, id)
	if err != nil {
		return nil, err
	}
	r.remember(a)
	return a, nil
}

// attachToPrograms attaches the events written by this run to the closest
// open item of the first program that has one, then applies their statuses.
func (r *syncRun) attachToPrograms(ctx context.Context, targets []programTarget) {
	lookup := r.newItemLookup()
	plan := newItemPlan()
	for _, ev := range r.events {
		status, hasStatus := models.ItemStatusForEvent(ev.EventType, ev.ComplianceStatus)
		item, err := r.programItemForEvent(ctx, lookup, ev, targets)
		if err != nil {
			r.addError(SyncError{
				Source:     ev.RawSource,
				ExternalID: ev.ExternalTrackingNumber,
				Code:       CodeReconcile,
				Message:    err.Error(),
				Retryable:  true,
			}, nil)
			continue
		}
		if item != nil && hasStatus {
			plan.set(item, ev, status)
		}
	}
	r.applyPlan(ctx, plan)
}

func (r *syncRun) programItemForEvent(ctx context.Context, lookup *itemLookup, ev *models.ComplianceEvent, targets []programTarget) (*models.ComplianceItem, error) {
	if ev.ItemId != nil {
		item, err := lookup.get(ctx, *ev.ItemId)
		if err != nil || item != nil {
			return item, err
		}
	}
	if ev.EventDate() == nil {
		return nil, nil
	}
	for _, t := range targets {
		var assetKey uint
		switch {
		case ev.AssetId != nil && t.scope.IncludesAsset():
			asset, err := r.assetById(ctx, *ev.AssetId)
			if err != nil {
				return nil, err
			}
			if !t.forced && !criteria.ProgramTargetsAsset(t.matcher, criteria.FromAsset(asset), t.propAttrs) {
				continue
			}
			assetKey = asset.ID
		case t.scope.IncludesProperty():
		default:
			continue
		}
		items, err := lookup.forTarget(ctx, assetKey, []uint{t.program.ID})
		if err != nil {
			return nil, err
		}
		chosen, tied := choose(items, ev)
		if len(tied) > 0 {
			r.result.Ambiguous = append(r.result.Ambiguous, Ambiguity{EventId: ev.ID, ProgramId: t.program.ID, ItemIds: tied})
			continue
		}
		if chosen == nil {
			continue
		}
		if err := r.attach(ctx, ev, chosen); err != nil {
			return nil, err
		}
		return chosen, nil
	}
	return nil, nil
}
