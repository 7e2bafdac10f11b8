package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/compliance_backend/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ComplianceEvent is one upstream inspection or filing. Identity is
// (org_id, external_tracking_number).
type ComplianceEvent struct {
	ID                     uint             `gorm:"primary_key" json:"id"`
	OrgId                  string           `gorm:"size:64;not null;uniqueIndex:idx_event_identity,priority:1" json:"org_id"`
	PropertyId             uint             `gorm:"index;not null" json:"property_id"`
	AssetId                *uint            `gorm:"index" json:"asset_id"`
	ItemId                 *uint            `gorm:"index" json:"item_id"`
	EventType              EventType        `gorm:"size:16;not null" json:"event_type"`
	InspectionDate         *time.Time       `gorm:"type:date" json:"inspection_date"`
	FiledDate              *time.Time       `gorm:"type:date" json:"filed_date"`
	ComplianceStatus       ComplianceStatus `gorm:"size:32;not null" json:"compliance_status"`
	RawStatus              string           `gorm:"size:128" json:"raw_status"`
	Defects                bool             `gorm:"not null" json:"defects"`
	ExternalTrackingNumber string           `gorm:"size:191;not null;uniqueIndex:idx_event_identity,priority:2" json:"external_tracking_number"`
	RawSource              string           `gorm:"size:64;index" json:"raw_source"`
	Metadata               datatypes.JSON   `gorm:"type:json" json:"metadata"`
	CreatedAt              time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// EventDate is the inspection date, falling back to the filing date.
func (e *ComplianceEvent) EventDate() *time.Time {
	if e.InspectionDate != nil {
		return e.InspectionDate
	}
	return e.FiledDate
}

func findEventByTracking(ctx context.Context, db *gorm.DB, orgId, tracking string) (*ComplianceEvent, error) {
	var ev ComplianceEvent
	err := db.WithContext(ctx).
		Where("org_id = ? AND external_tracking_number = ?", orgId, tracking).
		Take(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// UpsertEvent inserts or overwrites the event addressed by its tracking number
// and fills in in.ID. An existing item link survives when in carries none.
func UpsertEvent(ctx context.Context, db *gorm.DB, in *ComplianceEvent) (created bool, err error) {
	existing, err := findEventByTracking(ctx, db, in.OrgId, in.ExternalTrackingNumber)
	if err != nil {
		return false, err
	}
	if existing == nil {
		createErr := db.WithContext(ctx).Create(in).Error
		if createErr == nil {
			return true, nil
		}
		if !utils.IsDuplicateKeyErr(createErr) {
			return false, createErr
		}
		existing, err = findEventByTracking(ctx, db, in.OrgId, in.ExternalTrackingNumber)
		if err != nil {
			return false, err
		}
		if existing == nil {
			return false, createErr
		}
	}
	in.ID = existing.ID
	in.CreatedAt = existing.CreatedAt
	if in.ItemId == nil {
		in.ItemId = existing.ItemId
	}
	err = db.WithContext(ctx).Model(&ComplianceEvent{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"property_id":       in.PropertyId,
			"asset_id":          in.AssetId,
			"item_id":           in.ItemId,
			"event_type":        in.EventType,
			"inspection_date":   in.InspectionDate,
			"filed_date":        in.FiledDate,
			"compliance_status": in.ComplianceStatus,
			"raw_status":        in.RawStatus,
			"defects":           in.Defects,
			"raw_source":        in.RawSource,
			"metadata":          in.Metadata,
		}).Error
	return false, err
}

// RecentEventsForProperty returns up to limit of the property's newest events,
// ordered oldest first so later events win when applied in sequence.
func RecentEventsForProperty(ctx context.Context, db *gorm.DB, orgId string, propertyId uint, limit int) ([]ComplianceEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	var events []ComplianceEvent
	err := db.WithContext(ctx).
		Where("org_id = ? AND property_id = ?", orgId, propertyId).
		Order("COALESCE(inspection_date, filed_date) DESC, id DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func AttachEventToItem(ctx context.Context, db *gorm.DB, eventId, itemId uint) error {
	return db.WithContext(ctx).Model(&ComplianceEvent{}).
		Where("id = ?", eventId).
		Update("item_id", itemId).Error
}

// CountSourceRecords reports whether the property already holds data synced
// from source. Used to decide between an incremental and a full fetch.
func CountSourceRecords(ctx context.Context, db *gorm.DB, orgId string, propertyId uint, source string) (int64, error) {
	var events, violations, assets int64
	if err := db.WithContext(ctx).Model(&ComplianceEvent{}).
		Where("org_id = ? AND property_id = ? AND raw_source = ?", orgId, propertyId, source).
		Count(&events).Error; err != nil {
		return 0, err
	}
	if err := db.WithContext(ctx).Model(&ComplianceViolation{}).
		Where("org_id = ? AND property_id = ? AND raw_source = ?", orgId, propertyId, source).
		Count(&violations).Error; err != nil {
		return 0, err
	}
	if err := db.WithContext(ctx).Model(&ComplianceAsset{}).
		Where("org_id = ? AND property_id = ? AND external_source = ?", orgId, propertyId, source).
		Count(&assets).Error; err != nil {
		return 0, err
	}
	return events + violations + assets, nil
}
