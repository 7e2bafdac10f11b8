package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/compliance_backend/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ComplianceViolation is an agency violation or complaint. Identity is
// (org_id, violation_number); rows without a number cannot be deduplicated.
type ComplianceViolation struct {
	ID              uint              `gorm:"primary_key" json:"id"`
	OrgId           string            `gorm:"size:64;not null;uniqueIndex:idx_violation_identity,priority:1" json:"org_id"`
	PropertyId      uint              `gorm:"index;not null" json:"property_id"`
	AssetId         *uint             `gorm:"index" json:"asset_id"`
	Agency          string            `gorm:"size:16;not null" json:"agency"`
	ViolationNumber *string           `gorm:"size:128;uniqueIndex:idx_violation_identity,priority:2" json:"violation_number"`
	IssueDate       *time.Time        `gorm:"type:date" json:"issue_date"`
	Status          ViolationStatus   `gorm:"size:16;not null" json:"status"`
	RawStatus       string            `gorm:"size:128" json:"raw_status"`
	Category        ViolationCategory `gorm:"size:16;not null" json:"category"`
	Description     string            `gorm:"type:text" json:"description"`
	RawSource       string            `gorm:"size:64;index" json:"raw_source"`
	Metadata        datatypes.JSON    `gorm:"type:json" json:"metadata"`
	CreatedAt       time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func findViolationByNumber(ctx context.Context, db *gorm.DB, orgId, number string) (*ComplianceViolation, error) {
	var v ComplianceViolation
	err := db.WithContext(ctx).
		Where("org_id = ? AND violation_number = ?", orgId, number).
		Take(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// UpsertViolation overwrites by violation number, or inserts unconditionally
// when the record carries no number.
func UpsertViolation(ctx context.Context, db *gorm.DB, in *ComplianceViolation) (created bool, err error) {
	if in.ViolationNumber == nil || *in.ViolationNumber == "" {
		in.ViolationNumber = nil
		if err := db.WithContext(ctx).Create(in).Error; err != nil {
			return false, err
		}
		return true, nil
	}
	number := *in.ViolationNumber
	existing, err := findViolationByNumber(ctx, db, in.OrgId, number)
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
		existing, err = findViolationByNumber(ctx, db, in.OrgId, number)
		if err != nil {
			return false, err
		}
		if existing == nil {
			return false, createErr
		}
	}
	in.ID = existing.ID
	in.CreatedAt = existing.CreatedAt
	err = db.WithContext(ctx).Model(&ComplianceViolation{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"property_id": in.PropertyId,
			"asset_id":    in.AssetId,
			"agency":      in.Agency,
			"issue_date":  in.IssueDate,
			"status":      in.Status,
			"raw_status":  in.RawStatus,
			"category":    in.Category,
			"description": in.Description,
			"raw_source":  in.RawSource,
			"metadata":    in.Metadata,
		}).Error
	return false, err
}
