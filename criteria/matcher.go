// Package criteria decides which compliance programs apply to which properties
// and assets. Everything here is pure: no I/O and no clock.
package criteria

import (
	"encoding/json"
	"strings"

	"github.com/mmdatafocus/compliance_backend/models"
	"github.com/mmdatafocus/compliance_backend/normalize"
	"github.com/mmdatafocus/compliance_backend/utils"
)

// Program is the matcher's view of a compliance program.
type Program struct {
	AppliesTo models.AppliesTo
	Criteria  *models.ProgramCriteria
}

// FromModel decodes the program's criteria. The error wraps
// models.ErrInvalidCriteria.
func FromModel(p *models.ComplianceProgram) (Program, error) {
	c, err := p.DecodeCriteria()
	if err != nil {
		return Program{}, err
	}
	return Program{AppliesTo: p.AppliesTo, Criteria: c}, nil
}

func (p Program) scope() models.AppliesTo {
	if p.Criteria != nil && p.Criteria.ScopeOverride != nil && p.Criteria.ScopeOverride.IsValid() {
		return *p.Criteria.ScopeOverride
	}
	return p.AppliesTo
}

type PropertyAttrs struct {
	Borough            *string
	Bin                string
	Bbl                string
	OccupancyGroup     string
	DwellingUnitCount  *int
	PropertyTotalUnits *int
}

func FromProperty(p *models.Property) PropertyAttrs {
	return PropertyAttrs{
		Borough:            p.Borough,
		Bin:                p.Bin,
		Bbl:                p.Bbl,
		OccupancyGroup:     p.OccupancyGroup,
		DwellingUnitCount:  p.DwellingUnitCount,
		PropertyTotalUnits: p.PropertyTotalUnits,
	}
}

type AssetAttrs struct {
	AssetType          string
	DeviceCategory     string
	DeviceTechnology   string
	DeviceSubtype      string
	ExternalSource     string
	IsActive           bool
	IsPrivateResidence bool
	Metadata           map[string]any
}

// FromAsset builds matcher attributes; unreadable metadata is treated as empty.
func FromAsset(a *models.ComplianceAsset) AssetAttrs {
	attrs := AssetAttrs{
		AssetType:          a.AssetType,
		DeviceCategory:     a.DeviceCategory,
		DeviceTechnology:   a.DeviceTechnology,
		DeviceSubtype:      a.DeviceSubtype,
		ExternalSource:     a.ExternalSource,
		IsActive:           a.IsActive,
		IsPrivateResidence: a.IsPrivateResidence,
	}
	if len(a.Metadata) > 0 {
		var m map[string]any
		if err := json.Unmarshal(a.Metadata, &m); err == nil {
			attrs.Metadata = m
		}
	}
	return attrs
}

// ProgramTargetsProperty reports whether a property-level obligation of the
// program applies to the property.
func ProgramTargetsProperty(p Program, prop PropertyAttrs) bool {
	if !p.scope().IncludesProperty() {
		return false
	}
	return propertyMatches(p.Criteria, prop)
}

// ProgramTargetsAsset reports whether an asset-level obligation applies. The
// owning property must pass the property filters too.
func ProgramTargetsAsset(p Program, asset AssetAttrs, prop PropertyAttrs) bool {
	if !p.scope().IncludesAsset() {
		return false
	}
	if !propertyMatches(p.Criteria, prop) {
		return false
	}
	if p.Criteria == nil || p.Criteria.Asset == nil {
		return true
	}
	return assetMatches(p.Criteria.Asset, asset)
}

// PropertyPasses applies only the property filters of p, whatever its scope.
// An asset-scoped program can only target assets of a property that passes.
func PropertyPasses(p Program, prop PropertyAttrs) bool {
	return propertyMatches(p.Criteria, prop)
}

func propertyMatches(c *models.ProgramCriteria, prop PropertyAttrs) bool {
	if c == nil || c.Property == nil {
		return true
	}
	pc := c.Property

	if len(pc.Boroughs) > 0 {
		if prop.Borough == nil || strings.TrimSpace(*prop.Borough) == "" {
			return false
		}
		code := BoroughCode(*prop.Borough)
		found := false
		for _, b := range pc.Boroughs {
			if BoroughCode(b) == code {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(pc.OccupancyGroups) > 0 && !utils.ContainsFold(pc.OccupancyGroups, prop.OccupancyGroup) {
		return false
	}

	if pc.MinDwellingUnits != nil || pc.MaxDwellingUnits != nil {
		units := prop.DwellingUnitCount
		if units == nil {
			units = prop.PropertyTotalUnits
		}
		if units == nil {
			return false
		}
		if pc.MinDwellingUnits != nil && *units < *pc.MinDwellingUnits {
			return false
		}
		if pc.MaxDwellingUnits != nil && *units > *pc.MaxDwellingUnits {
			return false
		}
	}

	if pc.RequireBin && strings.TrimSpace(prop.Bin) == "" {
		return false
	}
	if pc.RequireBbl && strings.TrimSpace(prop.Bbl) == "" {
		return false
	}
	return true
}

func assetMatches(ac *models.AssetCriteria, asset AssetAttrs) bool {
	if ac.ActiveOnly && !asset.IsActive {
		return false
	}
	if ac.IsPrivateResidence != nil && *ac.IsPrivateResidence != asset.IsPrivateResidence {
		return false
	}
	if len(ac.ExternalSources) > 0 && !utils.ContainsFold(ac.ExternalSources, asset.ExternalSource) {
		return false
	}

	if len(ac.AssetTypes) > 0 || len(ac.ExcludeAssetTypes) > 0 {
		if !includeExclude(ac.AssetTypes, ac.ExcludeAssetTypes, ResolveAssetType(asset)) {
			return false
		}
	}
	if len(ac.DeviceCategories) > 0 || len(ac.ExcludeDeviceCategories) > 0 {
		if !includeExclude(ac.DeviceCategories, ac.ExcludeDeviceCategories, ResolveDeviceCategory(asset)) {
			return false
		}
	}
	if len(ac.DeviceTechnologies) > 0 || len(ac.ExcludeDeviceTechnologies) > 0 {
		if !includeExclude(ac.DeviceTechnologies, ac.ExcludeDeviceTechnologies, ResolveDeviceTechnology(asset)) {
			return false
		}
	}
	return true
}

// includeExclude passes when value is allowed and not excluded. Exclusion wins.
// An unresolved value fails an allow-list but passes a pure exclusion list.
func includeExclude(include, exclude []string, value string) bool {
	if value != "" && utils.ContainsFold(exclude, value) {
		return false
	}
	if len(include) == 0 {
		return true
	}
	return value != "" && utils.ContainsFold(include, value)
}

// ResolveAssetType prefers the explicit type, then scans the source and
// metadata strings with the asset keyword priority.
func ResolveAssetType(a AssetAttrs) string {
	if t := strings.ToLower(strings.TrimSpace(a.AssetType)); t != "" {
		return t
	}
	texts := append([]string{a.ExternalSource}, utils.StringValues(a.Metadata)...)
	return normalize.AssetType(texts...)
}

func ResolveDeviceCategory(a AssetAttrs) string {
	if c := strings.ToLower(strings.TrimSpace(a.DeviceCategory)); c != "" {
		return c
	}
	return normalize.DeviceCategory(resolverTexts(a)...)
}

func ResolveDeviceTechnology(a AssetAttrs) string {
	if t := strings.ToLower(strings.TrimSpace(a.DeviceTechnology)); t != "" {
		return t
	}
	return normalize.DeviceTechnology(resolverTexts(a)...)
}

func resolverTexts(a AssetAttrs) []string {
	texts := []string{a.DeviceSubtype}
	texts = append(texts, utils.StringValues(a.Metadata)...)
	return append(texts, a.ExternalSource)
}

var boroughCodes = map[string]string{
	"1": "1", "manhattan": "1", "mn": "1", "new york": "1",
	"2": "2", "bronx": "2", "the bronx": "2", "bx": "2",
	"3": "3", "brooklyn": "3", "bk": "3", "kings": "3",
	"4": "4", "queens": "4", "qn": "4",
	"5": "5", "staten island": "5", "si": "5", "richmond": "5",
}

// BoroughCode canonicalizes a borough name or code to its 1-5 code. Unknown
// values are returned lowercased so they still compare equal to themselves.
func BoroughCode(b string) string {
	key := strings.ToLower(strings.TrimSpace(b))
	if code, ok := boroughCodes[key]; ok {
		return code
	}
	return key
}

// BoroughName maps a 1-5 code to the upper-case name used by the city datasets.
func BoroughName(code string) string {
	switch BoroughCode(code) {
	case "1":
		return "MANHATTAN"
	case "2":
		return "BRONX"
	case "3":
		return "BROOKLYN"
	case "4":
		return "QUEENS"
	case "5":
		return "STATEN ISLAND"
	}
	return ""
}
