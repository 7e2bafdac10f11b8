package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/compliance_backend/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ComplianceAsset is a regulated device or building feature. Identity is
// (org_id, external_source, external_source_id); assets are deactivated, never deleted.
type ComplianceAsset struct {
	ID                 uint           `gorm:"primary_key" json:"id"`
	OrgId              string         `gorm:"size:64;not null;uniqueIndex:idx_asset_identity,priority:1" json:"org_id"`
	PropertyId         uint           `gorm:"index;not null" json:"property_id"`
	AssetType          string         `gorm:"size:32;index" json:"asset_type"`
	DeviceCategory     string         `gorm:"size:32" json:"device_category"`
	DeviceTechnology   string         `gorm:"size:32" json:"device_technology"`
	DeviceSubtype      string         `gorm:"size:32" json:"device_subtype"`
	IsPrivateResidence bool           `gorm:"not null" json:"is_private_residence"`
	ExternalSource     string         `gorm:"size:64;not null;uniqueIndex:idx_asset_identity,priority:2" json:"external_source"`
	ExternalSourceId   string         `gorm:"size:128;not null;uniqueIndex:idx_asset_identity,priority:3" json:"external_source_id"`
	IsActive           bool           `gorm:"not null" json:"is_active"`
	Metadata           datatypes.JSON `gorm:"type:json" json:"metadata"`
	LastSyncedAt       *time.Time     `json:"last_synced_at"`
	CreatedAt          time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetAsset(ctx context.Context, db *gorm.DB, orgId string, id uint) (*ComplianceAsset, error) {
	var asset ComplianceAsset
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&asset).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("asset %d: %w", id, utils.ErrorRecordNotFound)
		}
		return nil, err
	}
	if asset.OrgId != orgId {
		return nil, fmt.Errorf("asset %d: %w", id, utils.ErrOrgMismatch)
	}
	return &asset, nil
}

func ListAssetsForProperty(ctx context.Context, db *gorm.DB, orgId string, propertyId uint) ([]ComplianceAsset, error) {
	var assets []ComplianceAsset
	err := db.WithContext(ctx).
		Where("org_id = ? AND property_id = ?", orgId, propertyId).
		Order("id ASC").
		Find(&assets).Error
	return assets, err
}

// FindAssetByIdentity returns nil when no asset carries the identity key.
func FindAssetByIdentity(ctx context.Context, db *gorm.DB, orgId, source, externalId string) (*ComplianceAsset, error) {
	var asset ComplianceAsset
	err := db.WithContext(ctx).
		Where("org_id = ? AND external_source = ? AND external_source_id = ?", orgId, source, externalId).
		Take(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

// UpsertAsset inserts or overwrites the asset addressed by its identity key and
// fills in.ID. A concurrent insert of the same key is folded into an update.
func UpsertAsset(ctx context.Context, db *gorm.DB, in *ComplianceAsset) (created bool, err error) {
	existing, err := FindAssetByIdentity(ctx, db, in.OrgId, in.ExternalSource, in.ExternalSourceId)
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
		existing, err = FindAssetByIdentity(ctx, db, in.OrgId, in.ExternalSource, in.ExternalSourceId)
		if err != nil {
			return false, err
		}
		if existing == nil {
			return false, createErr
		}
	}
	in.ID = existing.ID
	in.CreatedAt = existing.CreatedAt
	err = db.WithContext(ctx).Model(&ComplianceAsset{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"property_id":          in.PropertyId,
			"asset_type":           in.AssetType,
			"device_category":      in.DeviceCategory,
			"device_technology":    in.DeviceTechnology,
			"device_subtype":       in.DeviceSubtype,
			"is_private_residence": in.IsPrivateResidence,
			"is_active":            in.IsActive,
			"metadata":             in.Metadata,
			"last_synced_at":       in.LastSyncedAt,
		}).Error
	return false, err
}
