package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/compliance_backend/utils"
	"gorm.io/gorm"
)

// ComplianceItem is one obligation of a program for one property or asset in one
// period. AssetKey mirrors AssetId with 0 for property-level items so the identity
// index also covers them (NULLs never collide in a unique index).
type ComplianceItem struct {
	ID          uint       `gorm:"primary_key" json:"id"`
	OrgId       string     `gorm:"size:64;index;not null" json:"org_id"`
	ProgramId   uint       `gorm:"not null;uniqueIndex:idx_item_identity,priority:1" json:"program_id"`
	PropertyId  uint       `gorm:"not null;uniqueIndex:idx_item_identity,priority:2" json:"property_id"`
	AssetKey    uint       `gorm:"not null;default:0;uniqueIndex:idx_item_identity,priority:3" json:"-"`
	AssetId     *uint      `gorm:"index" json:"asset_id"`
	PeriodStart time.Time  `gorm:"type:date;not null;uniqueIndex:idx_item_identity,priority:4" json:"period_start"`
	PeriodEnd   time.Time  `gorm:"type:date;not null;uniqueIndex:idx_item_identity,priority:5" json:"period_end"`
	DueDate     time.Time  `gorm:"type:date;not null;index" json:"due_date"`
	Status      ItemStatus `gorm:"size:32;not null" json:"status"`
	Result      string     `gorm:"size:64" json:"result"`
	DefectFlag  bool       `gorm:"not null" json:"defect_flag"`
	LastEventId *uint      `json:"last_event_id"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ItemTarget addresses the obligations of one program for one property or asset.
type ItemTarget struct {
	ProgramId  uint
	PropertyId uint
	AssetId    *uint
}

func (t ItemTarget) AssetKey() uint {
	return utils.DereferencePtr(t.AssetId)
}

// PruneItemsBeyond deletes the target's items whose due date is after horizon.
func PruneItemsBeyond(ctx context.Context, db *gorm.DB, t ItemTarget, horizon time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("program_id = ? AND property_id = ? AND asset_key = ? AND due_date > ?",
			t.ProgramId, t.PropertyId, t.AssetKey(), horizon).
		Delete(&ComplianceItem{})
	return res.RowsAffected, res.Error
}

// ItemExists checks the identity key.
func ItemExists(ctx context.Context, db *gorm.DB, t ItemTarget, periodStart, periodEnd time.Time) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Model(&ComplianceItem{}).
		Where("program_id = ? AND property_id = ? AND asset_key = ? AND period_start = ? AND period_end = ?",
			t.ProgramId, t.PropertyId, t.AssetKey(), periodStart, periodEnd).
		Count(&count).Error
	return count > 0, err
}

// CreateItem inserts an item. A uniqueness conflict means a concurrent generator
// got there first and is reported as created=false with no error.
func CreateItem(ctx context.Context, db *gorm.DB, item *ComplianceItem) (bool, error) {
	item.AssetKey = utils.DereferencePtr(item.AssetId)
	if item.Status == "" {
		item.Status = ItemStatusNotStarted
	}
	if err := db.WithContext(ctx).Create(item).Error; err != nil {
		if utils.IsDuplicateKeyErr(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func GetItem(ctx context.Context, db *gorm.DB, id uint) (*ComplianceItem, error) {
	var item ComplianceItem
	err := db.WithContext(ctx).Where("id = ?", id).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListItemsForTarget returns items of a property (assetKey 0) or an asset,
// optionally restricted to some programs, ordered by due date.
func ListItemsForTarget(ctx context.Context, db *gorm.DB, orgId string, propertyId, assetKey uint, programIds []uint) ([]ComplianceItem, error) {
	q := db.WithContext(ctx).
		Where("org_id = ? AND property_id = ? AND asset_key = ?", orgId, propertyId, assetKey)
	if len(programIds) > 0 {
		q = q.Where("program_id IN ?", programIds)
	}
	var items []ComplianceItem
	err := q.Order("due_date ASC, id ASC").Find(&items).Error
	return items, err
}

// ApplyEventToItem writes the status derived from an event. It returns false
// when the item already reflects that event.
func ApplyEventToItem(ctx context.Context, db *gorm.DB, item *ComplianceItem, status ItemStatus, result string, defects bool, eventId uint) (bool, error) {
	if item.Status == status && item.Result == result && item.DefectFlag == defects &&
		item.LastEventId != nil && *item.LastEventId == eventId {
		return false, nil
	}
	err := db.WithContext(ctx).Model(&ComplianceItem{}).
		Where("id = ?", item.ID).
		Updates(map[string]interface{}{
			"status":        status,
			"result":        result,
			"defect_flag":   defects,
			"last_event_id": eventId,
		}).Error
	if err != nil {
		return false, err
	}
	item.Status = status
	item.Result = result
	item.DefectFlag = defects
	item.LastEventId = &eventId
	return true, nil
}
