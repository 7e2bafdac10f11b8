package schedule_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/compliance_backend/config"
	"github.com/mmdatafocus/compliance_backend/models"
	"github.com/mmdatafocus/compliance_backend/schedule"
	"github.com/mmdatafocus/compliance_backend/testutil"
	"github.com/mmdatafocus/compliance_backend/utils"
	"gorm.io/gorm"
)

const testOrg = "org-1"

func newGenerator(t *testing.T, db *gorm.DB, now time.Time) *schedule.Generator {
	t.Helper()
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load tz: %v", err)
	}
	g := schedule.NewGenerator(db, config.EngineSettings{
		Location:      ny,
		HorizonYears:  5,
		PastGraceDays: 30,
		PeriodsAhead:  6,
	})
	g.Now = func() time.Time { return now }
	return g
}

func countItems(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&models.ComplianceItem{}).Count(&n).Error; err != nil {
		t.Fatalf("count items: %v", err)
	}
	return n
}

func TestGenerateForPropertyIdempotent(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	testutil.SeedOrg(t, db, testOrg)
	property := testutil.SeedProperty(t, db, testOrg, models.Property{Name: "One", Bin: "1000001"})
	program := testutil.SeedProgram(t, db, testOrg, models.ComplianceProgram{
		Code: "LL11", AppliesTo: models.AppliesToProperty, FrequencyMonths: 12, LeadTimeDays: 30, IsEnabled: true,
	})
	g := newGenerator(t, db, time.Date(2024, 1, 15, 15, 0, 0, 0, time.UTC))

	first, err := g.GenerateForProperty(ctx, property.ID, testOrg, 3)
	if err != nil {
		t.Fatalf("GenerateForProperty: %v", err)
	}
	if first.Created != 3 || first.Skipped != 0 || len(first.Errors) != 0 {
		t.Fatalf("first run: %+v", first)
	}
	second, err := g.GenerateForProperty(ctx, property.ID, testOrg, 3)
	if err != nil {
		t.Fatalf("GenerateForProperty: %v", err)
	}
	if second.Created != 0 || second.Skipped != 3 {
		t.Fatalf("second run should skip everything: %+v", second)
	}
	if n := countItems(t, db); n != 3 {
		t.Fatalf("expected 3 items, got %d", n)
	}

	items, err := models.ListItemsForTarget(ctx, db, testOrg, property.ID, 0, []uint{program.ID})
	if err != nil {
		t.Fatalf("ListItemsForTarget: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items for target, got %d", len(items))
	}
	if !items[0].DueDate.Equal(testutil.Date(2024, 12, 2)) || !items[0].PeriodEnd.Equal(testutil.Date(2024, 12, 31)) {
		t.Fatalf("first item: start=%s end=%s due=%s", items[0].PeriodStart, items[0].PeriodEnd, items[0].DueDate)
	}
	if items[0].Status != models.ItemStatusNotStarted || items[0].AssetId != nil {
		t.Fatalf("unexpected item: %+v", items[0])
	}
}

func TestGenerateRespectsScope(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	testutil.SeedOrg(t, db, testOrg)
	property := testutil.SeedProperty(t, db, testOrg, models.Property{Name: "One"})
	asset := testutil.SeedAsset(t, db, testOrg, models.ComplianceAsset{
		PropertyId: property.ID, AssetType: models.AssetTypeElevator, ExternalSource: "dob_elevator_devices",
		ExternalSourceId: "1P1234", IsActive: true,
	})
	testutil.SeedProgram(t, db, testOrg, models.ComplianceProgram{
		Code: "CAT1", AppliesTo: models.AppliesToAsset, FrequencyMonths: 12, LeadTimeDays: 0, IsEnabled: true,
	})
	g := newGenerator(t, db, time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC))

	res, err := g.GenerateForProperty(ctx, property.ID, testOrg, 2)
	if err != nil {
		t.Fatalf("GenerateForProperty: %v", err)
	}
	if res.Created != 0 {
		t.Fatalf("asset-only program generated property items: %+v", res)
	}
	res, err = g.GenerateForAsset(ctx, asset.ID, testOrg, 2)
	if err != nil {
		t.Fatalf("GenerateForAsset: %v", err)
	}
	if res.Created != 2 {
		t.Fatalf("expected 2 asset items, got %+v", res)
	}
	items, err := models.ListItemsForTarget(ctx, db, testOrg, property.ID, asset.ID, nil)
	if err != nil {
		t.Fatalf("ListItemsForTarget: %v", err)
	}
	if len(items) != 2 || items[0].AssetId == nil || *items[0].AssetId != asset.ID {
		t.Fatalf("asset items not linked: %+v", items)
	}
}

func TestGenerateHonorsOverrides(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	testutil.SeedOrg(t, db, testOrg)
	property := testutil.SeedProperty(t, db, testOrg, models.Property{Name: "One"})
	disabled := testutil.SeedProgram(t, db, testOrg, models.ComplianceProgram{
		Code: "OFF", AppliesTo: models.AppliesToProperty, FrequencyMonths: 12, LeadTimeDays: 30, IsEnabled: false,
		Criteria: models.EncodeCriteria(&models.ProgramCriteria{
			Property: &models.PropertyCriteria{RequireBbl: true},
		}),
	})
	enabled := testutil.SeedProgram(t, db, testOrg, models.ComplianceProgram{
		Code: "ON", AppliesTo: models.AppliesToProperty, FrequencyMonths: 12, LeadTimeDays: 30, IsEnabled: true,
	})
	overrides := []models.PropertyProgramOverride{
		{OrgId: testOrg, PropertyId: property.ID, ProgramId: disabled.ID, IsEnabled: true},
		{OrgId: testOrg, PropertyId: property.ID, ProgramId: enabled.ID, IsEnabled: false},
	}
	if err := db.Create(&overrides).Error; err != nil {
		t.Fatalf("seed overrides: %v", err)
	}
	g := newGenerator(t, db, time.Date(2024, 1, 15, 15, 0, 0, 0, time.UTC))

	res, err := g.GenerateForProperty(ctx, property.ID, testOrg, 1)
	if err != nil {
		t.Fatalf("GenerateForProperty: %v", err)
	}
	if res.Created != 1 {
		t.Fatalf("expected only the force-enabled program, got %+v", res)
	}
	items, _ := models.ListItemsForTarget(ctx, db, testOrg, property.ID, 0, nil)
	if len(items) != 1 || items[0].ProgramId != disabled.ID {
		t.Fatalf("wrong program generated: %+v", items)
	}
}

func TestGeneratePrunesBeyondHorizon(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	testutil.SeedOrg(t, db, testOrg)
	property := testutil.SeedProperty(t, db, testOrg, models.Property{Name: "One"})
	program := testutil.SeedProgram(t, db, testOrg, models.ComplianceProgram{
		Code: "LL11", AppliesTo: models.AppliesToProperty, FrequencyMonths: 12, LeadTimeDays: 30, IsEnabled: true,
	})
	stale := &models.ComplianceItem{
		OrgId: testOrg, ProgramId: program.ID, PropertyId: property.ID,
		PeriodStart: testutil.Date(2040, 1, 1), PeriodEnd: testutil.Date(2040, 12, 31), DueDate: testutil.Date(2040, 12, 2),
	}
	if _, err := models.CreateItem(ctx, db, stale); err != nil {
		t.Fatalf("seed stale item: %v", err)
	}
	g := newGenerator(t, db, time.Date(2024, 1, 15, 15, 0, 0, 0, time.UTC))

	res, err := g.GenerateForProperty(ctx, property.ID, testOrg, 1)
	if err != nil {
		t.Fatalf("GenerateForProperty: %v", err)
	}
	if res.Deleted != 1 || res.Created != 1 {
		t.Fatalf("expected one pruned and one created: %+v", res)
	}
	if item, _ := models.GetItem(ctx, db, stale.ID); item != nil {
		t.Fatalf("item beyond horizon survived")
	}
}

func TestGenerateInvalidCriteriaIsContained(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	testutil.SeedOrg(t, db, testOrg)
	property := testutil.SeedProperty(t, db, testOrg, models.Property{Name: "One"})
	testutil.SeedProgram(t, db, testOrg, models.ComplianceProgram{
		Code: "BAD", AppliesTo: models.AppliesToProperty, FrequencyMonths: 12, IsEnabled: true,
		Criteria: []byte(`{"property":{"min_dwelling_units":9,"max_dwelling_units":1}}`),
	})
	testutil.SeedProgram(t, db, testOrg, models.ComplianceProgram{
		Code: "OK", AppliesTo: models.AppliesToProperty, FrequencyMonths: 12, IsEnabled: true,
	})
	g := newGenerator(t, db, time.Date(2024, 1, 15, 15, 0, 0, 0, time.UTC))

	res, err := g.GenerateForProperty(ctx, property.ID, testOrg, 1)
	if err != nil {
		t.Fatalf("GenerateForProperty: %v", err)
	}
	if len(res.Errors) != 1 || res.Created != 1 {
		t.Fatalf("expected one contained error and one created item: %+v", res)
	}
}

func TestGenerateConfigurationErrors(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	testutil.SeedOrg(t, db, testOrg)
	testutil.SeedOrg(t, db, "org-2")
	property := testutil.SeedProperty(t, db, testOrg, models.Property{Name: "One"})
	g := newGenerator(t, db, time.Date(2024, 1, 15, 15, 0, 0, 0, time.UTC))

	if _, err := g.GenerateForProperty(ctx, 999, testOrg, 1); !schedule.IsConfigError(err) {
		t.Fatalf("missing property: got %v", err)
	}
	if _, err := g.GenerateForProperty(ctx, property.ID, "org-2", 1); !schedule.IsConfigError(err) {
		t.Fatalf("org mismatch: got %v", err)
	}
	if _, err := g.GenerateForAsset(ctx, 999, testOrg, 1); !schedule.IsConfigError(err) {
		t.Fatalf("missing asset: got %v", err)
	}
	if _, err := g.GenerateForProperty(ctx, property.ID, "", 1); !errors.Is(err, utils.ErrOrgRequired) {
		t.Fatalf("empty org: got %v", err)
	}
}

func TestGenerateForAllOrganizations(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	testutil.SeedOrg(t, db, testOrg)
	testutil.SeedOrg(t, db, "org-2")
	for _, org := range []string{testOrg, "org-2"} {
		property := testutil.SeedProperty(t, db, org, models.Property{Name: "P"})
		testutil.SeedAsset(t, db, org, models.ComplianceAsset{
			PropertyId: property.ID, AssetType: models.AssetTypeBoiler, ExternalSource: "dob_boilers",
			ExternalSourceId: "B-" + org, IsActive: true,
		})
		testutil.SeedProgram(t, db, org, models.ComplianceProgram{
			Code: "BOTH", AppliesTo: models.AppliesToBoth, FrequencyMonths: 12, LeadTimeDays: 30, IsEnabled: true,
		})
	}
	g := newGenerator(t, db, time.Date(2024, 1, 15, 15, 0, 0, 0, time.UTC))

	res, err := g.GenerateForAllOrganizations(ctx, 2)
	if err != nil {
		t.Fatalf("GenerateForAllOrganizations: %v", err)
	}
	// 2 orgs x (property + asset) x 2 periods
	if res.Created != 8 || len(res.Errors) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestGenerateForProgram(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	testutil.SeedOrg(t, db, testOrg)
	brooklyn := "Brooklyn"
	queens := "Queens"
	inScope := testutil.SeedProperty(t, db, testOrg, models.Property{Name: "BK", Borough: &brooklyn})
	testutil.SeedProperty(t, db, testOrg, models.Property{Name: "QN", Borough: &queens})
	program := testutil.SeedProgram(t, db, testOrg, models.ComplianceProgram{
		Code: "BK", AppliesTo: models.AppliesToProperty, FrequencyMonths: 6, LeadTimeDays: 10, IsEnabled: true,
		Criteria: models.EncodeCriteria(&models.ProgramCriteria{
			Property: &models.PropertyCriteria{Boroughs: []string{"3"}},
		}),
	})
	g := newGenerator(t, db, time.Date(2024, 1, 15, 15, 0, 0, 0, time.UTC))

	res, err := g.GenerateForProgram(ctx, program.ID, testOrg, 2)
	if err != nil {
		t.Fatalf("GenerateForProgram: %v", err)
	}
	if res.Created != 2 {
		t.Fatalf("expected 2 items for the Brooklyn property: %+v", res)
	}
	items, _ := models.ListItemsForTarget(ctx, db, testOrg, inScope.ID, 0, nil)
	if len(items) != 2 {
		t.Fatalf("items not on the in-scope property: %d", len(items))
	}
}
