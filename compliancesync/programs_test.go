package compliancesync_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/mmdatafocus/compliance_backend/models"
	"github.com/mmdatafocus/compliance_backend/sources"
	"github.com/mmdatafocus/compliance_backend/testutil"
	"gorm.io/gorm"
)

func seedItem(t *testing.T, db *gorm.DB, item models.ComplianceItem) *models.ComplianceItem {
	t.Helper()
	item.OrgId = testOrg
	if item.Status == "" {
		item.Status = models.ItemStatusNotStarted
	}
	if item.AssetId != nil {
		item.AssetKey = *item.AssetId
	}
	if err := db.Create(&item).Error; err != nil {
		t.Fatalf("seed item: %v", err)
	}
	return &item
}

func TestProgramSyncAttachesToAssetItem(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	property := seedBuilding(t, db)
	program := testutil.SeedProgram(t, db, testOrg, models.ComplianceProgram{
		Code: "CAT1", AppliesTo: models.AppliesToAsset, FrequencyMonths: 12, LeadTimeDays: 30,
		IsEnabled: true, DatasetKey: sources.DobElevatorInspections,
	})
	asset := testutil.SeedAsset(t, db, testOrg, models.ComplianceAsset{
		PropertyId: property.ID, AssetType: models.AssetTypeElevator, IsActive: true,
		ExternalSource: sources.DobElevatorDevices, ExternalSourceId: "1P1234",
	})
	assetId := asset.ID
	item := seedItem(t, db, models.ComplianceItem{
		ProgramId: program.ID, PropertyId: property.ID, AssetId: &assetId,
		PeriodStart: testutil.Date(2024, 1, 1), PeriodEnd: testutil.Date(2024, 12, 31), DueDate: testutil.Date(2024, 12, 2),
	})

	o := newOrchestrator(t, db, sources.Registry{
		sources.DobElevatorInspections: staticProvider(nil, elevatorInspection()),
	})
	res, err := o.SyncProgramSources(ctx, testOrg, false)
	if err != nil {
		t.Fatalf("SyncProgramSources: %v", err)
	}
	if res.Dispatched != 1 || len(res.RunIds) != 1 {
		t.Fatalf("expected one dispatch, got %+v", res)
	}
	if res.Totals.UpdatedItems != 1 || res.Totals.SyncedEvents != 1 {
		t.Fatalf("unexpected totals: %+v", res.Totals)
	}
	key := fmt.Sprintf("%d:%s", property.ID, sources.DobElevatorInspections)
	if res.Totals.Sources[key] != "success" {
		t.Fatalf("unexpected sources: %+v", res.Totals.Sources)
	}

	var got models.ComplianceItem
	if err := db.First(&got, item.ID).Error; err != nil {
		t.Fatalf("load item: %v", err)
	}
	if got.Status != models.ItemStatusAccepted {
		t.Fatalf("item status %q", got.Status)
	}
}

func TestProgramSyncReportsAmbiguousItems(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	property := seedBuilding(t, db)
	program := testutil.SeedProgram(t, db, testOrg, models.ComplianceProgram{
		Code: "PERMITS", AppliesTo: models.AppliesToProperty, FrequencyMonths: 12, LeadTimeDays: 30,
		IsEnabled: true, DatasetKey: sources.DobPermits,
	})
	seedItem(t, db, models.ComplianceItem{
		ProgramId: program.ID, PropertyId: property.ID,
		PeriodStart: testutil.Date(2023, 1, 1), PeriodEnd: testutil.Date(2023, 12, 31), DueDate: testutil.Date(2024, 2, 4),
	})
	seedItem(t, db, models.ComplianceItem{
		ProgramId: program.ID, PropertyId: property.ID,
		PeriodStart: testutil.Date(2024, 6, 1), PeriodEnd: testutil.Date(2024, 12, 31), DueDate: testutil.Date(2024, 4, 4),
	})

	o := newOrchestrator(t, db, sources.Registry{
		sources.DobPermits: staticProvider(nil, sources.RawRecord{
			"job__": "121234567", "permit_sequence__": "01", "bin__": "1000001",
			"permit_status": "ISSUED", "filing_date": "2024-03-05T00:00:00.000",
		}),
	})
	res, err := o.SyncProgramSources(ctx, testOrg, false)
	if err != nil {
		t.Fatalf("SyncProgramSources: %v", err)
	}
	if len(res.Totals.Ambiguous) != 1 {
		t.Fatalf("expected one ambiguity, got %+v", res.Totals.Ambiguous)
	}
	amb := res.Totals.Ambiguous[0]
	if amb.ProgramId != program.ID || len(amb.ItemIds) != 2 {
		t.Fatalf("unexpected ambiguity: %+v", amb)
	}
	if res.Totals.UpdatedItems != 0 {
		t.Fatalf("ambiguous event updated %d items", res.Totals.UpdatedItems)
	}
	var ev models.ComplianceEvent
	if err := db.Where("external_tracking_number = ?", "permit:121234567-01").Take(&ev).Error; err != nil {
		t.Fatalf("load event: %v", err)
	}
	if ev.ItemId != nil {
		t.Fatalf("ambiguous event was attached to item %d", *ev.ItemId)
	}
}

func TestProgramSyncHonorsOverrides(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	property := seedBuilding(t, db)
	disabled := testutil.SeedProgram(t, db, testOrg, models.ComplianceProgram{
		Code: "PERMITS", AppliesTo: models.AppliesToProperty, FrequencyMonths: 12, LeadTimeDays: 30,
		IsEnabled: true, DatasetKey: sources.DobPermits,
	})
	forced := testutil.SeedProgram(t, db, testOrg, models.ComplianceProgram{
		Code: "HPD", AppliesTo: models.AppliesToProperty, FrequencyMonths: 12, LeadTimeDays: 30,
		IsEnabled: false, DatasetKey: sources.HpdRegistrations,
	})
	testutil.SeedProgram(t, db, testOrg, models.ComplianceProgram{
		Code: "TAXI", AppliesTo: models.AppliesToProperty, FrequencyMonths: 12, LeadTimeDays: 30,
		IsEnabled: true, DatasetKey: "nyc_taxis",
	})
	for _, ov := range []models.PropertyProgramOverride{
		{OrgId: testOrg, PropertyId: property.ID, ProgramId: disabled.ID, IsEnabled: false},
		{OrgId: testOrg, PropertyId: property.ID, ProgramId: forced.ID, IsEnabled: true},
	} {
		if err := db.Create(&ov).Error; err != nil {
			t.Fatalf("seed override: %v", err)
		}
	}

	var permitCalls, registrationCalls int32
	o := newOrchestrator(t, db, sources.Registry{
		sources.DobPermits:       staticProvider(&permitCalls),
		sources.HpdRegistrations: staticProvider(&registrationCalls),
	})
	res, err := o.SyncProgramSources(ctx, testOrg, false)
	if err != nil {
		t.Fatalf("SyncProgramSources: %v", err)
	}
	if res.Dispatched != 1 || permitCalls != 0 || registrationCalls != 1 {
		t.Fatalf("unexpected dispatch: %+v permits=%d registrations=%d", res, permitCalls, registrationCalls)
	}
	if len(res.Skipped) != 1 {
		t.Fatalf("expected the unknown dataset program to be skipped, got %v", res.Skipped)
	}
}
