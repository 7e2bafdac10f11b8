package compliancesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mmdatafocus/compliance_backend/models"
	"github.com/mmdatafocus/compliance_backend/normalize"
	"github.com/mmdatafocus/compliance_backend/sources"
	"github.com/mmdatafocus/compliance_backend/utils"
	"gorm.io/datatypes"
)

var (
	errNoAssetIdentity = errors.New("record has no asset identifier")
	errNoEventIdentity = errors.New("record has neither a tracking number nor a date")
)

type recordFailure struct {
	code       string
	externalId string
	err        error
}

func assetKey(source, externalId string) string {
	return source + "|" + externalId
}

// SynthesizeTrackingNumber builds the identity of an upstream record that has
// no tracking number: <source>:<device-or-bin>:<type>:<date>. It returns ""
// when the date is missing.
func SynthesizeTrackingNumber(source, subject, kind string, on *time.Time) string {
	if on == nil {
		return ""
	}
	kind = strings.Join(strings.Fields(strings.ToLower(kind)), "-")
	return fmt.Sprintf("%s:%s:%s:%s", source, strings.TrimSpace(subject), kind, on.Format("2006-01-02"))
}

func (r *syncRun) applyRecord(ctx context.Context, source string, raw sources.RawRecord, stats *SourceStats) *recordFailure {
	rec, err := DecodeRecord(source, raw)
	if err != nil {
		return &recordFailure{code: CodeDecode, err: err}
	}
	ar, isAsset := rec.(assetRecord)
	er, isEvent := rec.(eventRecord)
	vr, isViolation := rec.(violationRecord)

	var asset *models.ComplianceAsset
	if isAsset {
		af := ar.AssetFields()
		switch {
		case af != nil && af.ExternalId != "":
			asset, err = r.upsertAsset(ctx, af, raw)
			if err != nil {
				return &recordFailure{code: CodeUpsert, externalId: af.ExternalId, err: err}
			}
			stats.Assets++
			r.result.SyncedAssets++
		case !isEvent:
			return &recordFailure{code: CodeMissingIdentity, err: errNoAssetIdentity}
		}
	}

	if isEvent {
		ef := er.EventFields()
		if asset == nil && ef.Asset != nil {
			asset, err = r.resolveAsset(ctx, ef.Asset, stats, true)
			if err != nil {
				return &recordFailure{code: CodeUpsert, externalId: ef.Asset.ExternalId, err: err}
			}
		}
		if _, err := r.upsertEvent(ctx, source, ef, asset, raw); err != nil {
			code := CodeUpsert
			if errors.Is(err, errNoEventIdentity) {
				code = CodeMissingIdentity
			}
			return &recordFailure{code: code, externalId: ef.TrackingNumber, err: err}
		}
		stats.Events++
		r.result.SyncedEvents++
	}

	if isViolation {
		vf := vr.ViolationFields()
		if err := r.upsertViolation(ctx, source, vf, raw); err != nil {
			return &recordFailure{code: CodeUpsert, externalId: vf.Number, err: err}
		}
		stats.Violations++
		r.result.SyncedViolations++
	}
	return nil
}

func (r *syncRun) remember(a *models.ComplianceAsset) {
	r.assets[assetKey(a.ExternalSource, a.ExternalSourceId)] = a
	r.assetsById[a.ID] = a
}

// upsertAsset normalizes the raw device type and writes the asset. A subtype
// set by the record wins over the heuristic but not over an operator override.
func (r *syncRun) upsertAsset(ctx context.Context, f *AssetFields, raw sources.RawRecord) (*models.ComplianceAsset, error) {
	attrs, err := r.normalizer.Normalize(ctx, f.Source, f.RawDeviceType)
	if err != nil {
		return nil, err
	}
	subtype := attrs.Subtype
	if f.Subtype != "" && !attrs.OperatorOverride {
		subtype = f.Subtype
	}
	now := r.o.Now().UTC()
	a := &models.ComplianceAsset{
		OrgId:              r.orgId,
		PropertyId:         r.property.ID,
		AssetType:          f.AssetType,
		DeviceCategory:     attrs.Category,
		DeviceTechnology:   attrs.Technology,
		DeviceSubtype:      subtype,
		IsPrivateResidence: attrs.IsPrivateResidence,
		ExternalSource:     f.Source,
		ExternalSourceId:   f.ExternalId,
		IsActive:           f.IsActive,
		Metadata:           datatypes.JSON(utils.MustJSON(raw)),
		LastSyncedAt:       &now,
	}
	if _, err := models.UpsertAsset(ctx, r.o.db, a); err != nil {
		return nil, err
	}
	r.remember(a)
	return a, nil
}

// resolveAsset finds the asset an event or violation points at. With create
// set, a missing asset is created with just its identity and type so the
// inspection is not orphaned; a later device sync fills in the rest.
func (r *syncRun) resolveAsset(ctx context.Context, ref *AssetRef, stats *SourceStats, create bool) (*models.ComplianceAsset, error) {
	if a, ok := r.assets[assetKey(ref.Source, ref.ExternalId)]; ok {
		return a, nil
	}
	a, err := models.FindAssetByIdentity(ctx, r.o.db, r.orgId, ref.Source, ref.ExternalId)
	if err != nil {
		return nil, err
	}
	if a == nil {
		if !create {
			return nil, nil
		}
		now := r.o.Now().UTC()
		a = &models.ComplianceAsset{
			OrgId:            r.orgId,
			PropertyId:       r.property.ID,
			AssetType:        ref.AssetType,
			ExternalSource:   ref.Source,
			ExternalSourceId: ref.ExternalId,
			IsActive:         true,
			LastSyncedAt:     &now,
		}
		created, err := models.UpsertAsset(ctx, r.o.db, a)
		if err != nil {
			return nil, err
		}
		if created {
			stats.Assets++
			r.result.SyncedAssets++
		}
	}
	r.remember(a)
	return a, nil
}

func (r *syncRun) upsertEvent(ctx context.Context, source string, f *EventFields, asset *models.ComplianceAsset, raw sources.RawRecord) (*models.ComplianceEvent, error) {
	status := f.Status
	if status == "" {
		status = normalize.EventStatus(f.RawStatus)
	}
	eventType := f.Type
	if eventType == "" {
		eventType = models.EventTypeInspection
	}

	tracking := strings.TrimSpace(f.TrackingNumber)
	if tracking == "" {
		subject := utils.FirstNonEmpty(strings.TrimSpace(f.BIN), r.property.Bin)
		if asset != nil {
			subject = asset.ExternalSourceId
		}
		if subject == "" {
			subject = fmt.Sprintf("property-%d", r.property.ID)
		}
		date := f.InspectionDate
		if date == nil {
			date = f.FiledDate
		}
		tracking = SynthesizeTrackingNumber(source, subject, utils.FirstNonEmpty(f.Kind, string(eventType)), date)
		if tracking == "" {
			return nil, errNoEventIdentity
		}
	}

	ev := &models.ComplianceEvent{
		OrgId:                  r.orgId,
		PropertyId:             r.property.ID,
		EventType:              eventType,
		InspectionDate:         f.InspectionDate,
		FiledDate:              f.FiledDate,
		ComplianceStatus:       status,
		RawStatus:              truncate(strings.TrimSpace(f.RawStatus), 128),
		Defects:                f.Defects || status == models.ComplianceStatusAcceptedWithDefects,
		ExternalTrackingNumber: tracking,
		RawSource:              source,
		Metadata:               datatypes.JSON(utils.MustJSON(raw)),
	}
	if asset != nil {
		id := asset.ID
		ev.AssetId = &id
	}
	if _, err := models.UpsertEvent(ctx, r.o.db, ev); err != nil {
		return nil, err
	}
	if i, ok := r.eventIdx[ev.ID]; ok {
		r.events[i] = ev
	} else {
		r.eventIdx[ev.ID] = len(r.events)
		r.events = append(r.events, ev)
	}
	return ev, nil
}

func (r *syncRun) upsertViolation(ctx context.Context, source string, f *ViolationFields, raw sources.RawRecord) error {
	var assetId *uint
	if f.Asset != nil {
		a, err := r.resolveAsset(ctx, f.Asset, nil, false)
		if err != nil {
			return err
		}
		if a != nil {
			id := a.ID
			assetId = &id
		}
	}
	category := f.Category
	if category == "" {
		category = models.ViolationCategoryViolation
	}
	v := &models.ComplianceViolation{
		OrgId:           r.orgId,
		PropertyId:      r.property.ID,
		AssetId:         assetId,
		Agency:          f.Agency,
		ViolationNumber: utils.NilIfEmpty(strings.TrimSpace(f.Number)),
		IssueDate:       f.IssueDate,
		Status:          normalize.ViolationStatus(f.RawStatus),
		RawStatus:       truncate(strings.TrimSpace(f.RawStatus), 128),
		Category:        category,
		Description:     strings.TrimSpace(f.Description),
		RawSource:       source,
		Metadata:        datatypes.JSON(utils.MustJSON(raw)),
	}
	_, err := models.UpsertViolation(ctx, r.o.db, v)
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
