package normalize

import (
	"strings"

	"github.com/mmdatafocus/compliance_backend/models"
)

// Rule maps text to Value when every All keyword and at least one Any keyword
// occur in it. Tables are evaluated top to bottom, first match wins.
type Rule struct {
	Value string
	All   []string
	Any   []string
}

func (r Rule) matches(text string) bool {
	for _, kw := range r.All {
		if !strings.Contains(text, kw) {
			return false
		}
	}
	if len(r.Any) == 0 {
		return len(r.All) > 0
	}
	for _, kw := range r.Any {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

const (
	CategoryElevator       = "elevator"
	CategoryEscalator      = "escalator"
	CategoryMovingWalk     = "moving_walk"
	CategoryDumbwaiter     = "dumbwaiter"
	CategoryWheelchairLift = "wheelchair_lift"
	CategoryManlift        = "manlift"
	CategoryMaterialLift   = "material_lift"
	CategoryPneumatic      = "pneumatic_elevator"
	CategoryOtherVertical  = "other_vertical"

	TechnologyRopedHydraulic = "roped_hydraulic"
	TechnologyMRLTraction    = "mrl_traction"
	TechnologyWindingDrum    = "winding_drum"
	TechnologyHydraulic      = "hydraulic"
	TechnologyTraction       = "traction"

	SubtypePassenger        = "passenger"
	SubtypeFreight          = "freight"
	SubtypeService          = "service"
	SubtypeObservation      = "observation"
	SubtypePrivateResidence = "private_residence"
	SubtypeSidewalk         = "sidewalk"

	BoilerLowPressure  = "low_pressure"
	BoilerHighPressure = "high_pressure"
)

var CategoryRules = []Rule{
	{Value: CategoryEscalator, Any: []string{"escalator"}},
	{Value: CategoryMovingWalk, Any: []string{"moving walk", "moving sidewalk", "travelator"}},
	{Value: CategoryDumbwaiter, Any: []string{"dumbwaiter", "dumb waiter"}},
	{Value: CategoryWheelchairLift, Any: []string{"wheelchair", "handicap", "platform lift", "chair lift", "stair lift"}},
	{Value: CategoryManlift, Any: []string{"manlift", "man lift"}},
	{Value: CategoryMaterialLift, Any: []string{"material lift", "material hoist"}},
	{Value: CategoryPneumatic, Any: []string{"pneumatic", "vacuum elevator"}},
	{Value: CategoryElevator, Any: []string{"elevator", "passenger", "freight"}},
	{Value: CategoryOtherVertical, Any: []string{"lift", "hoist", "conveyor"}},
}

// Specific technologies precede the generic ones they contain.
var TechnologyRules = []Rule{
	{Value: TechnologyRopedHydraulic, Any: []string{"roped hydraulic", "roped-hydraulic"}},
	{Value: TechnologyMRLTraction, Any: []string{"mrl", "machine room less", "machine-room-less", "machineroomless"}},
	{Value: TechnologyWindingDrum, Any: []string{"winding drum", "drum"}},
	{Value: TechnologyHydraulic, Any: []string{"hydraulic", "hydro"}},
	{Value: TechnologyTraction, Any: []string{"traction", "gearless", "geared"}},
}

var SubtypeRules = []Rule{
	{Value: SubtypePassenger, Any: []string{"passenger"}},
	{Value: SubtypeFreight, Any: []string{"freight"}},
	{Value: SubtypeService, Any: []string{"service"}},
	{Value: SubtypeObservation, Any: []string{"observation"}},
	{Value: SubtypePrivateResidence, Any: []string{"private residence", "private dwelling", "private"}},
	{Value: SubtypeSidewalk, Any: []string{"sidewalk"}},
}

var BoilerPressureRules = []Rule{
	{Value: BoilerLowPressure, Any: []string{"low pressure", "low-pressure", "lowpressure"}},
	{Value: BoilerHighPressure, Any: []string{"high pressure", "high-pressure", "highpressure"}},
}

// AssetTypeRules follow the keyword priority of the asset type scan.
var AssetTypeRules = []Rule{
	{Value: models.AssetTypeElevator, Any: []string{"elevator", "escalator", "dumbwaiter"}},
	{Value: models.AssetTypeBoiler, Any: []string{"boiler"}},
	{Value: models.AssetTypeSprinkler, Any: []string{"sprinkler"}},
	{Value: models.AssetTypeGasPiping, Any: []string{"gas"}},
	{Value: models.AssetTypeFacade, Any: []string{"facade", "façade", "fisp"}},
}

// Negated forms ("unsatisfactory", "disapproved", "unsafe") precede the
// positive keywords they contain.
var EventStatusRules = []Rule{
	{Value: string(models.ComplianceStatusFailed), Any: []string{"unsatisfactory", "disapprov", "unsafe"}},
	{Value: string(models.ComplianceStatusAccepted), Any: []string{"no defect", "without defect"}},
	{Value: string(models.ComplianceStatusAcceptedWithDefects), All: []string{"accept", "defect"}},
	{Value: string(models.ComplianceStatusAcceptedWithDefects), All: []string{"pass", "defect"}},
	{Value: string(models.ComplianceStatusAcceptedWithDefects), Any: []string{"swarmp"}},
	{Value: string(models.ComplianceStatusAccepted), Any: []string{"accept", "pass", "satisfactory", "approved", "signed off", "issued", "complete", "safe"}},
	{Value: string(models.ComplianceStatusFailed), Any: []string{"fail", "reject", "denied", "no access"}},
	{Value: string(models.ComplianceStatusScheduled), Any: []string{"schedule"}},
	{Value: string(models.ComplianceStatusInProgress), Any: []string{"progress", "pending", "review", "in process", "filed"}},
}

// "clear" is checked first so "Violation Cleared - Closed" reads as cleared.
var ViolationStatusRules = []Rule{
	{Value: string(models.ViolationStatusCleared), Any: []string{"clear", "dismiss", "rescind", "cured"}},
	{Value: string(models.ViolationStatusClosed), Any: []string{"close", "complied", "resolve", "inactive"}},
	{Value: string(models.ViolationStatusOpen), Any: []string{"open", "active", "pending"}},
}

// Match returns the first rule value matching any of texts, checked in order
// per text. Matching is case-insensitive.
func Match(rules []Rule, texts ...string) (string, bool) {
	for _, t := range texts {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		for _, r := range rules {
			if r.matches(t) {
				return r.Value, true
			}
		}
	}
	return "", false
}

func DeviceCategory(texts ...string) string {
	v, _ := Match(CategoryRules, texts...)
	return v
}

func DeviceTechnology(texts ...string) string {
	v, _ := Match(TechnologyRules, texts...)
	return v
}

func DeviceSubtype(texts ...string) string {
	v, _ := Match(SubtypeRules, texts...)
	return v
}

func BoilerPressure(texts ...string) string {
	v, _ := Match(BoilerPressureRules, texts...)
	return v
}

// AssetType scans texts with the asset keyword priority. Every text is checked
// against a keyword before the next keyword is tried.
func AssetType(texts ...string) string {
	for _, r := range AssetTypeRules {
		for _, t := range texts {
			if r.matches(strings.ToLower(t)) {
				return r.Value
			}
		}
	}
	return ""
}

func EventStatus(raw string) models.ComplianceStatus {
	if v, ok := Match(EventStatusRules, raw); ok {
		return models.ComplianceStatus(v)
	}
	return models.ComplianceStatusUnknown
}

// ViolationStatus defaults to open when nothing matches.
func ViolationStatus(raw string) models.ViolationStatus {
	if v, ok := Match(ViolationStatusRules, raw); ok {
		return models.ViolationStatus(v)
	}
	return models.ViolationStatusOpen
}
