package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/compliance_backend/config"
	"github.com/mmdatafocus/compliance_backend/utils"
	"gorm.io/gorm"
)

// DeviceTypeNormalization maps a raw upstream device type string to canonical
// attributes. Operator overrides take precedence over heuristic rows.
type DeviceTypeNormalization struct {
	ID                        uint      `gorm:"primary_key" json:"id"`
	SourceSystem              string    `gorm:"size:64;not null;uniqueIndex:idx_device_normalization,priority:1" json:"source_system"`
	RawDeviceType             string    `gorm:"size:191;not null;uniqueIndex:idx_device_normalization,priority:2" json:"raw_device_type"`
	DeviceCategory            string    `gorm:"size:32" json:"device_category"`
	DeviceTechnology          string    `gorm:"size:32" json:"device_technology"`
	DeviceSubtype             string    `gorm:"size:32" json:"device_subtype"`
	DefaultIsPrivateResidence bool      `gorm:"not null" json:"default_is_private_residence"`
	IsOperatorOverride        bool      `gorm:"not null" json:"is_operator_override"`
	CreatedAt                 time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                 time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func FindDeviceNormalization(ctx context.Context, db *gorm.DB, sourceSystem, raw string) (*DeviceTypeNormalization, error) {
	var row DeviceTypeNormalization
	err := db.WithContext(ctx).
		Where("source_system = ? AND raw_device_type = ?", sourceSystem, raw).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

const deviceNormalizationCacheTTL = time.Hour

func deviceNormalizationCacheKey(sourceSystem, raw string) string {
	return "compliance:device-normalization:" + sourceSystem + ":" + raw
}

// LookupDeviceNormalization is FindDeviceNormalization behind a Redis
// read-through. Without Redis it goes straight to the table; Redis errors fall
// back to the table as well.
func LookupDeviceNormalization(ctx context.Context, db *gorm.DB, sourceSystem, raw string) (*DeviceTypeNormalization, error) {
	key := deviceNormalizationCacheKey(sourceSystem, raw)
	var cached DeviceTypeNormalization
	if ok, err := config.GetRedisObject(ctx, key, &cached); err == nil && ok {
		return &cached, nil
	}
	row, err := FindDeviceNormalization(ctx, db, sourceSystem, raw)
	if err != nil || row == nil {
		return row, err
	}
	if err := config.SetRedisObject(ctx, key, row, deviceNormalizationCacheTTL); err != nil {
		config.LogError(config.GetLogger(), "models", "LookupDeviceNormalization", "cache device normalization", key, err)
	}
	return row, nil
}

// SaveDeviceNormalization inserts a heuristic row. Losing an insert race is benign.
func SaveDeviceNormalization(ctx context.Context, db *gorm.DB, row *DeviceTypeNormalization) error {
	err := db.WithContext(ctx).Create(row).Error
	if err != nil && utils.IsDuplicateKeyErr(err) {
		return nil
	}
	return err
}

// SetOperatorOverride creates or replaces the mapping for raw and flags it as
// operator-owned.
func SetOperatorOverride(ctx context.Context, db *gorm.DB, row DeviceTypeNormalization) (*DeviceTypeNormalization, error) {
	row.IsOperatorOverride = true
	existing, err := FindDeviceNormalization(ctx, db, row.SourceSystem, row.RawDeviceType)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := config.DeleteRedisObject(ctx, deviceNormalizationCacheKey(row.SourceSystem, row.RawDeviceType)); err != nil {
			config.LogError(config.GetLogger(), "models", "SetOperatorOverride", "evict device normalization", row.RawDeviceType, err)
		}
	}()
	if existing == nil {
		if err := db.WithContext(ctx).Create(&row).Error; err != nil {
			return nil, err
		}
		return &row, nil
	}
	err = db.WithContext(ctx).Model(&DeviceTypeNormalization{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"device_category":              row.DeviceCategory,
			"device_technology":            row.DeviceTechnology,
			"device_subtype":               row.DeviceSubtype,
			"default_is_private_residence": row.DefaultIsPrivateResidence,
			"is_operator_override":         true,
		}).Error
	if err != nil {
		return nil, err
	}
	row.ID = existing.ID
	row.CreatedAt = existing.CreatedAt
	return &row, nil
}
