package compliancesync

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/compliance_backend/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const itemsSource = "items"

type itemUpdate struct {
	item   *models.ComplianceItem
	event  *models.ComplianceEvent
	status models.ItemStatus
}

// itemPlan keeps the last event planned for each item, in first-seen order.
type itemPlan struct {
	order   []uint
	updates map[uint]*itemUpdate
}

func newItemPlan() *itemPlan {
	return &itemPlan{updates: map[uint]*itemUpdate{}}
}

func (p *itemPlan) set(item *models.ComplianceItem, ev *models.ComplianceEvent, status models.ItemStatus) {
	if _, ok := p.updates[item.ID]; !ok {
		p.order = append(p.order, item.ID)
	}
	p.updates[item.ID] = &itemUpdate{item: item, event: ev, status: status}
}

// candidatePrograms are the programs whose items an event may satisfy: those
// naming the event's dataset, plus, for asset events, those naming none.
func candidatePrograms(programs []models.ComplianceProgram, ev *models.ComplianceEvent) []uint {
	var ids []uint
	for _, p := range programs {
		if p.DatasetKey == ev.RawSource || (p.DatasetKey == "" && ev.AssetId != nil) {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

type itemLookup struct {
	r      *syncRun
	byId   map[uint]*models.ComplianceItem
	target map[string][]models.ComplianceItem
}

func (r *syncRun) newItemLookup() *itemLookup {
	return &itemLookup{r: r, byId: map[uint]*models.ComplianceItem{}, target: map[string][]models.ComplianceItem{}}
}

func (l *itemLookup) get(ctx context.Context, id uint) (*models.ComplianceItem, error) {
	if it, ok := l.byId[id]; ok {
		return it, nil
	}
	it, err := models.GetItem(ctx, l.r.o.db, id)
	if err != nil || it == nil {
		return nil, err
	}
	if it.OrgId != l.r.orgId {
		return nil, nil
	}
	l.byId[id] = it
	return it, nil
}

// forTarget lists the items of a property (assetKey 0) or asset for some
// programs. Returned items are shared with get so one update is seen by both.
func (l *itemLookup) forTarget(ctx context.Context, assetKey uint, programIds []uint) ([]*models.ComplianceItem, error) {
	key := fmt.Sprintf("%d|%v", assetKey, programIds)
	items, ok := l.target[key]
	if !ok {
		var err error
		items, err = models.ListItemsForTarget(ctx, l.r.o.db, l.r.orgId, l.r.property.ID, assetKey, programIds)
		if err != nil {
			return nil, err
		}
		l.target[key] = items
	}
	out := make([]*models.ComplianceItem, 0, len(items))
	for i := range items {
		it := &items[i]
		if shared, ok := l.byId[it.ID]; ok {
			it = shared
		} else {
			l.byId[it.ID] = it
		}
		out = append(out, it)
	}
	return out, nil
}

// choose runs ChooseItem over shared item pointers.
func choose(items []*models.ComplianceItem, ev *models.ComplianceEvent) (*models.ComplianceItem, []uint) {
	on := ev.EventDate()
	if on == nil {
		return nil, nil
	}
	values := make([]models.ComplianceItem, len(items))
	for i, it := range items {
		values[i] = *it
	}
	chosen, tied := ChooseItem(values, *on)
	if chosen == nil {
		return nil, tied
	}
	for _, it := range items {
		if it.ID == chosen.ID {
			return it, nil
		}
	}
	return nil, nil
}

// reconcileItems maps the property's most recent events onto its items. The
// events are walked oldest first, so the newest event of an item decides its
// status. An event without an attached item is attached to the closest open
// item of its candidate programs.
func (r *syncRun) reconcileItems(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "compliancesync.reconcile", trace.WithAttributes(
		attribute.Int64("property_id", int64(r.property.ID)),
	))
	defer span.End()

	events, err := models.RecentEventsForProperty(ctx, r.o.db, r.orgId, r.property.ID, r.o.recentEventsLimit())
	if err != nil {
		r.addError(SyncError{Source: itemsSource, Code: CodeReconcile, Message: err.Error(), Retryable: true}, nil)
		return
	}
	programs, err := models.ListPrograms(ctx, r.o.db, r.orgId)
	if err != nil {
		r.addError(SyncError{Source: itemsSource, Code: CodeReconcile, Message: err.Error(), Retryable: true}, nil)
		return
	}

	lookup := r.newItemLookup()
	plan := newItemPlan()
	for i := range events {
		ev := &events[i]
		status, ok := models.ItemStatusForEvent(ev.EventType, ev.ComplianceStatus)
		if !ok {
			continue
		}
		item, err := r.itemForEvent(ctx, lookup, ev, candidatePrograms(programs, ev))
		if err != nil {
			r.addError(SyncError{
				Source:     itemsSource,
				ExternalID: ev.ExternalTrackingNumber,
				Code:       CodeReconcile,
				Message:    err.Error(),
				Retryable:  true,
			}, nil)
			continue
		}
		if item != nil {
			plan.set(item, ev, status)
		}
	}
	r.applyPlan(ctx, plan)
}

func (r *syncRun) itemForEvent(ctx context.Context, lookup *itemLookup, ev *models.ComplianceEvent, programIds []uint) (*models.ComplianceItem, error) {
	if ev.ItemId != nil {
		item, err := lookup.get(ctx, *ev.ItemId)
		if err != nil || item != nil {
			return item, err
		}
	}
	if len(programIds) == 0 {
		return nil, nil
	}
	var assetKey uint
	if ev.AssetId != nil {
		assetKey = *ev.AssetId
	}
	items, err := lookup.forTarget(ctx, assetKey, programIds)
	if err != nil {
		return nil, err
	}
	chosen, tied := choose(items, ev)
	if len(tied) > 0 {
		r.result.Ambiguous = append(r.result.Ambiguous, Ambiguity{EventId: ev.ID, ItemIds: tied})
		return nil, nil
	}
	if chosen == nil {
		return nil, nil
	}
	if err := r.attach(ctx, ev, chosen); err != nil {
		return nil, err
	}
	return chosen, nil
}

func (r *syncRun) attach(ctx context.Context, ev *models.ComplianceEvent, item *models.ComplianceItem) error {
	if err := models.AttachEventToItem(ctx, r.o.db, ev.ID, item.ID); err != nil {
		return err
	}
	id := item.ID
	ev.ItemId = &id
	return nil
}

func (r *syncRun) applyPlan(ctx context.Context, plan *itemPlan) {
	for _, id := range plan.order {
		u := plan.updates[id]
		changed, err := models.ApplyEventToItem(ctx, r.o.db, u.item, u.status, string(u.event.ComplianceStatus), u.event.Defects, u.event.ID)
		if err != nil {
			r.addError(SyncError{
				Source:     itemsSource,
				ExternalID: fmt.Sprintf("item-%d", id),
				Code:       CodeReconcile,
				Message:    err.Error(),
				Retryable:  true,
			}, nil)
			continue
		}
		if changed {
			r.result.UpdatedItems++
		}
	}
}
