package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/compliance_backend/utils"
	"gorm.io/gorm"
)

// Organization and Property are owned by the tenant/building screens; the engine
// only reads them.
type Organization struct {
	ID        string    `gorm:"primary_key;size:64" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	IsActive  bool      `gorm:"not null;index" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Property struct {
	ID                 uint      `gorm:"primary_key" json:"id"`
	OrgId              string    `gorm:"size:64;index;not null" json:"org_id"`
	Name               string    `gorm:"size:255" json:"name"`
	Address            string    `gorm:"size:255" json:"address"`
	Bin                string    `gorm:"size:16;index" json:"bin"`
	Bbl                string    `gorm:"size:16;index" json:"bbl"`
	Borough            *string   `gorm:"size:32" json:"borough"`
	OccupancyGroup     string    `gorm:"size:16" json:"occupancy_group"`
	DwellingUnitCount  *int      `json:"dwelling_unit_count"`
	PropertyTotalUnits *int      `json:"property_total_units"`
	IsActive           bool      `gorm:"not null;index" json:"is_active"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// BlockLot splits a 10-digit BBL into borough code, block and lot.
func (p *Property) BlockLot() (borough, block, lot string, ok bool) {
	bbl := strings.TrimSpace(p.Bbl)
	if len(bbl) != 10 {
		return "", "", "", false
	}
	for _, r := range bbl {
		if r < '0' || r > '9' {
			return "", "", "", false
		}
	}
	return bbl[0:1], bbl[1:6], bbl[6:10], true
}

// GetProperty loads a property and checks it belongs to orgId.
func GetProperty(ctx context.Context, db *gorm.DB, orgId string, id uint) (*Property, error) {
	if strings.TrimSpace(orgId) == "" {
		return nil, utils.ErrOrgRequired
	}
	var property Property
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&property).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("property %d: %w", id, utils.ErrorRecordNotFound)
		}
		return nil, err
	}
	if property.OrgId != orgId {
		return nil, fmt.Errorf("property %d: %w", id, utils.ErrOrgMismatch)
	}
	return &property, nil
}

func ListActiveOrganizations(ctx context.Context, db *gorm.DB) ([]Organization, error) {
	var orgs []Organization
	err := db.WithContext(ctx).Where("is_active = ?", true).Order("id ASC").Find(&orgs).Error
	return orgs, err
}

func ListActiveProperties(ctx context.Context, db *gorm.DB, orgId string) ([]Property, error) {
	var properties []Property
	err := db.WithContext(ctx).
		Where("org_id = ? AND is_active = ?", orgId, true).
		Order("id ASC").
		Find(&properties).Error
	return properties, err
}
