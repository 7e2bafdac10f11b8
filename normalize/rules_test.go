package normalize

import (
	"testing"

	"github.com/mmdatafocus/compliance_backend/models"
)

func TestHeuristicPassengerTraction(t *testing.T) {
	a := Heuristic("Passenger Elevator - Traction Gearless")
	if a.Category != CategoryElevator {
		t.Fatalf("category: got %q", a.Category)
	}
	if a.Technology != TechnologyTraction {
		t.Fatalf("technology: got %q", a.Technology)
	}
	if a.Subtype != SubtypePassenger {
		t.Fatalf("subtype: got %q", a.Subtype)
	}
	if a.IsPrivateResidence {
		t.Fatalf("passenger car flagged private residence")
	}
}

func TestTechnologyPrecedence(t *testing.T) {
	cases := map[string]string{
		"Roped Hydraulic Passenger":   TechnologyRopedHydraulic,
		"Hydraulic Freight":           TechnologyHydraulic,
		"MRL Traction Passenger":      TechnologyMRLTraction,
		"Machine Room Less":           TechnologyMRLTraction,
		"Winding Drum Sidewalk":       TechnologyWindingDrum,
		"Geared Traction Service Car": TechnologyTraction,
		"Escalator":                   "",
	}
	for raw, want := range cases {
		if got := DeviceTechnology(raw); got != want {
			t.Fatalf("DeviceTechnology(%q): got %q want %q", raw, got, want)
		}
	}
}

func TestCategoryAndSubtype(t *testing.T) {
	if got := DeviceCategory("Escalator - Public"); got != CategoryEscalator {
		t.Fatalf("escalator: got %q", got)
	}
	if got := DeviceCategory("Handicap Platform Lift"); got != CategoryWheelchairLift {
		t.Fatalf("wheelchair lift: got %q", got)
	}
	if got := DeviceSubtype("Private Residence Elevator"); got != SubtypePrivateResidence {
		t.Fatalf("private residence: got %q", got)
	}
	if a := Heuristic("Private Residence Elevator"); !a.IsPrivateResidence {
		t.Fatalf("private residence flag not set")
	}
}

func TestBoilerPressure(t *testing.T) {
	if got := BoilerPressure("LOW PRESSURE STEAM"); got != BoilerLowPressure {
		t.Fatalf("low: got %q", got)
	}
	if got := BoilerPressure("High-Pressure"); got != BoilerHighPressure {
		t.Fatalf("high: got %q", got)
	}
	if got := BoilerPressure("hot water"); got != "" {
		t.Fatalf("none: got %q", got)
	}
}

func TestAssetTypePriority(t *testing.T) {
	if got := AssetType("dob_boilers", "gas fired boiler"); got != models.AssetTypeBoiler {
		t.Fatalf("boiler before gas: got %q", got)
	}
	if got := AssetType("fdny", "sprinkler system"); got != models.AssetTypeSprinkler {
		t.Fatalf("sprinkler: got %q", got)
	}
	if got := AssetType("unrelated"); got != "" {
		t.Fatalf("none: got %q", got)
	}
}

func TestViolationStatus(t *testing.T) {
	cases := map[string]models.ViolationStatus{
		"ACTIVE - OPEN":        models.ViolationStatusOpen,
		"Violation Cleared":    models.ViolationStatusCleared,
		"DISMISSED":            models.ViolationStatusCleared,
		"Closed":               models.ViolationStatusClosed,
		"INACTIVE":             models.ViolationStatusClosed,
		"Cleared - Closed":     models.ViolationStatusCleared,
		"":                     models.ViolationStatusOpen,
		"something unexpected": models.ViolationStatusOpen,
	}
	for raw, want := range cases {
		if got := ViolationStatus(raw); got != want {
			t.Fatalf("ViolationStatus(%q): got %q want %q", raw, got, want)
		}
	}
}

func TestEventStatus(t *testing.T) {
	cases := map[string]models.ComplianceStatus{
		"Accepted":              models.ComplianceStatusAccepted,
		"ACCEPTED WITH DEFECTS": models.ComplianceStatusAcceptedWithDefects,
		"Accepted - No Defects": models.ComplianceStatusAccepted,
		"Passed":                models.ComplianceStatusAccepted,
		"Failed":                models.ComplianceStatusFailed,
		"Unsatisfactory":        models.ComplianceStatusFailed,
		"Rejected":              models.ComplianceStatusFailed,
		"Inspection Scheduled":  models.ComplianceStatusScheduled,
		"Pending":               models.ComplianceStatusInProgress,
		"In Progress":           models.ComplianceStatusInProgress,
		"n/a":                   models.ComplianceStatusUnknown,
	}
	for raw, want := range cases {
		if got := EventStatus(raw); got != want {
			t.Fatalf("EventStatus(%q): got %q want %q", raw, got, want)
		}
	}
}

func TestEventStatusFilings(t *testing.T) {
	cases := map[string]models.ComplianceStatus{
		"ISSUED":      models.ComplianceStatusAccepted,
		"IN PROCESS":  models.ComplianceStatusInProgress,
		"Disapproved": models.ComplianceStatusFailed,
		"SWARMP":      models.ComplianceStatusAcceptedWithDefects,
		"UNSAFE":      models.ComplianceStatusFailed,
		"SAFE":        models.ComplianceStatusAccepted,
		"Signed Off":  models.ComplianceStatusAccepted,
	}
	for raw, want := range cases {
		if got := EventStatus(raw); got != want {
			t.Fatalf("EventStatus(%q): got %q want %q", raw, got, want)
		}
	}
}
