package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/compliance_backend/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ComplianceProgram is an operator-configured recurring obligation rule.
type ComplianceProgram struct {
	ID              uint           `gorm:"primary_key" json:"id"`
	OrgId           string         `gorm:"size:64;index;not null" json:"org_id"`
	Code            string         `gorm:"size:64" json:"code"`
	Name            string         `gorm:"size:255;not null" json:"name"`
	AppliesTo       AppliesTo      `gorm:"size:16;not null" json:"applies_to"`
	FrequencyMonths int            `gorm:"not null" json:"frequency_months"`
	LeadTimeDays    int            `gorm:"not null" json:"lead_time_days"`
	IsEnabled       bool           `gorm:"not null;index" json:"is_enabled"`
	Criteria        datatypes.JSON `gorm:"type:json" json:"criteria"`
	DatasetKey      string         `gorm:"size:64;index" json:"dataset_key"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// ProgramCriteria is the declarative filter stored on a program.
type ProgramCriteria struct {
	ScopeOverride *AppliesTo        `json:"scope_override,omitempty" validate:"omitempty,oneof=property asset both"`
	Property      *PropertyCriteria `json:"property,omitempty"`
	Asset         *AssetCriteria    `json:"asset,omitempty"`
}

type PropertyCriteria struct {
	Boroughs         []string `json:"boroughs,omitempty" validate:"omitempty,dive,required"`
	OccupancyGroups  []string `json:"occupancy_groups,omitempty" validate:"omitempty,dive,required"`
	MinDwellingUnits *int     `json:"min_dwelling_units,omitempty" validate:"omitempty,gte=0"`
	MaxDwellingUnits *int     `json:"max_dwelling_units,omitempty" validate:"omitempty,gte=0"`
	RequireBin       bool     `json:"require_bin,omitempty"`
	RequireBbl       bool     `json:"require_bbl,omitempty"`
}

type AssetCriteria struct {
	AssetTypes                []string `json:"asset_types,omitempty" validate:"omitempty,dive,required"`
	ExcludeAssetTypes         []string `json:"exclude_asset_types,omitempty" validate:"omitempty,dive,required"`
	DeviceCategories          []string `json:"device_categories,omitempty" validate:"omitempty,dive,required"`
	ExcludeDeviceCategories   []string `json:"exclude_device_categories,omitempty" validate:"omitempty,dive,required"`
	DeviceTechnologies        []string `json:"device_technologies,omitempty" validate:"omitempty,dive,required"`
	ExcludeDeviceTechnologies []string `json:"exclude_device_technologies,omitempty" validate:"omitempty,dive,required"`
	ExternalSources           []string `json:"external_sources,omitempty" validate:"omitempty,dive,required"`
	ActiveOnly                bool     `json:"active_only,omitempty"`
	IsPrivateResidence        *bool    `json:"is_private_residence,omitempty"`
}

var criteriaValidator = validator.New()

// ErrInvalidCriteria marks a criteria document an operator must fix.
var ErrInvalidCriteria = errors.New("invalid program criteria")

// DecodeCriteria parses and validates the stored criteria. A program without
// criteria returns nil.
func (p *ComplianceProgram) DecodeCriteria() (*ProgramCriteria, error) {
	if p == nil || len(p.Criteria) == 0 || string(p.Criteria) == "null" {
		return nil, nil
	}
	var c ProgramCriteria
	if err := json.Unmarshal(p.Criteria, &c); err != nil {
		return nil, fmt.Errorf("%w: program %d: %v", ErrInvalidCriteria, p.ID, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%w: program %d: %v", ErrInvalidCriteria, p.ID, err)
	}
	return &c, nil
}

func (c *ProgramCriteria) Validate() error {
	if c == nil {
		return nil
	}
	if err := criteriaValidator.Struct(c); err != nil {
		return err
	}
	if pc := c.Property; pc != nil && pc.MinDwellingUnits != nil && pc.MaxDwellingUnits != nil &&
		*pc.MinDwellingUnits > *pc.MaxDwellingUnits {
		return errors.New("min_dwelling_units exceeds max_dwelling_units")
	}
	return nil
}

// EncodeCriteria is the inverse of DecodeCriteria, used by seeders and tests.
func EncodeCriteria(c *ProgramCriteria) datatypes.JSON {
	if c == nil {
		return nil
	}
	b, _ := json.Marshal(c)
	return datatypes.JSON(b)
}

// EffectiveScope is the criteria scope override when present, else applies_to.
func (p *ComplianceProgram) EffectiveScope(c *ProgramCriteria) AppliesTo {
	if c != nil && c.ScopeOverride != nil && c.ScopeOverride.IsValid() {
		return *c.ScopeOverride
	}
	return p.AppliesTo
}

// PropertyProgramOverride force-enables or force-disables one program for one property.
type PropertyProgramOverride struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	OrgId      string    `gorm:"size:64;index;not null" json:"org_id"`
	PropertyId uint      `gorm:"uniqueIndex:idx_property_program_override,priority:1;not null" json:"property_id"`
	ProgramId  uint      `gorm:"uniqueIndex:idx_property_program_override,priority:2;not null" json:"program_id"`
	IsEnabled  bool      `gorm:"not null" json:"is_enabled"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetProgram(ctx context.Context, db *gorm.DB, orgId string, id uint) (*ComplianceProgram, error) {
	var program ComplianceProgram
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&program).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("program %d: %w", id, utils.ErrorRecordNotFound)
		}
		return nil, err
	}
	if program.OrgId != orgId {
		return nil, fmt.Errorf("program %d: %w", id, utils.ErrOrgMismatch)
	}
	return &program, nil
}

// ListPrograms returns every program of the org, enabled or not; overrides can
// force-enable a disabled one.
func ListPrograms(ctx context.Context, db *gorm.DB, orgId string) ([]ComplianceProgram, error) {
	var programs []ComplianceProgram
	err := db.WithContext(ctx).Where("org_id = ?", orgId).Order("id ASC").Find(&programs).Error
	return programs, err
}

// ListDatasetPrograms returns the programs that name an external dataset,
// disabled ones included since a property override may force them on.
func ListDatasetPrograms(ctx context.Context, db *gorm.DB, orgId string) ([]ComplianceProgram, error) {
	var programs []ComplianceProgram
	err := db.WithContext(ctx).
		Where("org_id = ? AND dataset_key <> ''", orgId).
		Order("id ASC").
		Find(&programs).Error
	return programs, err
}

// ListOverridesForProperty returns program id -> forced enabled flag.
func ListOverridesForProperty(ctx context.Context, db *gorm.DB, orgId string, propertyId uint) (map[uint]bool, error) {
	var rows []PropertyProgramOverride
	if err := db.WithContext(ctx).
		Where("org_id = ? AND property_id = ?", orgId, propertyId).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[uint]bool, len(rows))
	for _, r := range rows {
		out[r.ProgramId] = r.IsEnabled
	}
	return out, nil
}
