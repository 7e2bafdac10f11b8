package compliancesync_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmdatafocus/compliance_backend/compliancesync"
	"github.com/mmdatafocus/compliance_backend/config"
	"github.com/mmdatafocus/compliance_backend/models"
	"github.com/mmdatafocus/compliance_backend/normalize"
	"github.com/mmdatafocus/compliance_backend/sources"
	"github.com/mmdatafocus/compliance_backend/testutil"
	"gorm.io/gorm"
)

const testOrg = "org-1"

var syncNow = time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC)

func staticProvider(calls *int32, recs ...sources.RawRecord) sources.Provider {
	return sources.ProviderFunc(func(ctx context.Context, ids sources.Identifiers, page sources.Pagination) ([]sources.RawRecord, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		if page.Offset > 0 {
			return nil, nil
		}
		return recs, nil
	})
}

func failingProvider(err error) sources.Provider {
	return sources.ProviderFunc(func(ctx context.Context, ids sources.Identifiers, page sources.Pagination) ([]sources.RawRecord, error) {
		return nil, err
	})
}

func newOrchestrator(t *testing.T, db *gorm.DB, providers sources.Registry) *compliancesync.Orchestrator {
	t.Helper()
	o := compliancesync.NewOrchestrator(db, providers, config.EngineSettings{
		FetchConcurrency: 2,
		StaleLockAfter:   15 * time.Minute,
	})
	o.Now = func() time.Time { return syncNow }
	return o
}

func seedBuilding(t *testing.T, db *gorm.DB) *models.Property {
	t.Helper()
	testutil.SeedOrg(t, db, testOrg)
	return testutil.SeedProperty(t, db, testOrg, models.Property{Name: "One", Bin: "1000001"})
}

func elevatorDevice() sources.RawRecord {
	return sources.RawRecord{
		"device_number": "1P1234",
		"device_type":   "Passenger Elevator - Traction Gearless",
		"device_status": "Active",
		"bin":           "1000001",
	}
}

func elevatorInspection() sources.RawRecord {
	return sources.RawRecord{
		"tracking_number": "INSP-1",
		"device_number":   "1P1234",
		"bin":             "1000001",
		"inspection_type": "Periodic",
		"inspection_date": "2024-03-05T00:00:00.000",
		"result":          "Accepted - No Defects",
	}
}

func count(t *testing.T, db *gorm.DB, model any, where ...any) int64 {
	t.Helper()
	q := db.Model(model)
	if len(where) > 0 {
		q = q.Where(where[0], where[1:]...)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestSyncMergeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	property := seedBuilding(t, db)
	o := newOrchestrator(t, db, sources.Registry{
		sources.DobElevatorDevices:     staticProvider(nil, elevatorDevice()),
		sources.DobElevatorInspections: staticProvider(nil, elevatorInspection()),
		sources.DobViolations: staticProvider(nil, sources.RawRecord{
			"violation_number":   "V-100",
			"bin":                "1000001",
			"issue_date":         "20240201",
			"violation_category": "V-DOB VIOLATION - ACTIVE",
			"description":        "FAILURE TO FILE",
		}),
		sources.EcbViolations: staticProvider(nil, sources.RawRecord{
			"bin":                  "1000001",
			"issue_date":           "20240115",
			"ecb_violation_status": "OPEN",
		}),
	})
	srcs := []string{sources.DobViolations, sources.EcbViolations, sources.DobElevatorInspections, sources.DobElevatorDevices}

	for run := 0; run < 2; run++ {
		res, err := o.SyncSources(ctx, property.ID, testOrg, srcs, false)
		if err != nil {
			t.Fatalf("run %d: SyncSources: %v", run, err)
		}
		if len(res.Errors) != 0 {
			t.Fatalf("run %d: unexpected errors: %+v", run, res.Errors)
		}
		for _, src := range srcs {
			if res.Sources[src] != compliancesync.SourceSuccess {
				t.Fatalf("run %d: source %s status %q", run, src, res.Sources[src])
			}
		}
	}

	var assets []models.ComplianceAsset
	if err := db.Find(&assets).Error; err != nil {
		t.Fatalf("load assets: %v", err)
	}
	if len(assets) != 1 {
		t.Fatalf("expected 1 asset, got %d", len(assets))
	}
	a := assets[0]
	if a.AssetType != models.AssetTypeElevator || a.DeviceTechnology != normalize.TechnologyTraction || a.DeviceSubtype != normalize.SubtypePassenger || !a.IsActive {
		t.Fatalf("unexpected asset: %+v", a)
	}

	var events []models.ComplianceEvent
	if err := db.Find(&events).Error; err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.ComplianceStatus != models.ComplianceStatusAccepted || ev.AssetId == nil || *ev.AssetId != a.ID {
		t.Fatalf("unexpected event: %+v", ev)
	}

	if n := count(t, db, &models.ComplianceViolation{}, "violation_number = ?", "V-100"); n != 1 {
		t.Fatalf("numbered violation stored %d times", n)
	}
	// Records without a number have no identity and are inserted on every run.
	if n := count(t, db, &models.ComplianceViolation{}, "violation_number IS NULL"); n != 2 {
		t.Fatalf("expected 2 numberless violations, got %d", n)
	}
	if n := count(t, db, &models.ComplianceSyncRun{}, "status = ?", models.SyncRunStatusSuccess); n != 2 {
		t.Fatalf("expected 2 successful runs, got %d", n)
	}
}

func TestSyncUpdatesMatchingItem(t *testing.T) {
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
	item := models.ComplianceItem{
		OrgId: testOrg, ProgramId: program.ID, PropertyId: property.ID, AssetKey: asset.ID, AssetId: &assetId,
		PeriodStart: testutil.Date(2024, 1, 1), PeriodEnd: testutil.Date(2024, 12, 31),
		DueDate: testutil.Date(2024, 12, 2), Status: models.ItemStatusNotStarted,
	}
	if err := db.Create(&item).Error; err != nil {
		t.Fatalf("seed item: %v", err)
	}

	o := newOrchestrator(t, db, sources.Registry{
		sources.DobElevatorInspections: staticProvider(nil, elevatorInspection()),
	})
	res, err := o.SyncSources(ctx, property.ID, testOrg, []string{sources.DobElevatorInspections}, false)
	if err != nil {
		t.Fatalf("SyncSources: %v", err)
	}
	if res.UpdatedItems != 1 {
		t.Fatalf("expected 1 updated item, got %+v", res)
	}

	var got models.ComplianceItem
	if err := db.First(&got, item.ID).Error; err != nil {
		t.Fatalf("load item: %v", err)
	}
	if got.Status != models.ItemStatusAccepted || got.LastEventId == nil {
		t.Fatalf("item not updated: %+v", got)
	}
	var ev models.ComplianceEvent
	if err := db.Where("external_tracking_number = ?", "INSP-1").Take(&ev).Error; err != nil {
		t.Fatalf("load event: %v", err)
	}
	if ev.ItemId == nil || *ev.ItemId != item.ID {
		t.Fatalf("event not attached: %+v", ev)
	}
	if *got.LastEventId != ev.ID {
		t.Fatalf("item last event %d, want %d", *got.LastEventId, ev.ID)
	}

	again, err := o.SyncSources(ctx, property.ID, testOrg, []string{sources.DobElevatorInspections}, false)
	if err != nil {
		t.Fatalf("second SyncSources: %v", err)
	}
	if again.UpdatedItems != 0 {
		t.Fatalf("second run updated %d items", again.UpdatedItems)
	}
}

func TestSyncSkipsHeldLease(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	property := seedBuilding(t, db)
	started := syncNow.Add(-time.Minute)
	if err := db.Create(&models.ExternalSyncState{
		OrgId: testOrg, Source: sources.DobBoilers, Status: models.SyncStateRunning,
		LockToken: "other-worker", StartedAt: &started,
	}).Error; err != nil {
		t.Fatalf("seed state: %v", err)
	}

	var calls int32
	o := newOrchestrator(t, db, sources.Registry{sources.DobBoilers: staticProvider(&calls)})
	res, err := o.SyncBoilers(ctx, property.ID, testOrg, false)
	if err != nil {
		t.Fatalf("SyncBoilers: %v", err)
	}
	if res.Sources[sources.DobBoilers] != compliancesync.SourceInProgress || !res.AlreadyInProgress() {
		t.Fatalf("expected in_progress, got %+v", res.Sources)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("provider called %d times while lease was held", calls)
	}

	st, err := models.GetSyncState(ctx, db, testOrg, sources.DobBoilers)
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if st.LockToken != "other-worker" || st.Status != models.SyncStateRunning {
		t.Fatalf("held lease was modified: %+v", st)
	}
}

func TestSyncHeldLeaseLeavesItemsAlone(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	property := seedBuilding(t, db)
	program := testutil.SeedProgram(t, db, testOrg, models.ComplianceProgram{
		Code: "BOILER", AppliesTo: models.AppliesToProperty, FrequencyMonths: 12, LeadTimeDays: 30,
		IsEnabled: true, DatasetKey: sources.DobBoilers,
	})
	item := seedItem(t, db, models.ComplianceItem{
		ProgramId: program.ID, PropertyId: property.ID,
		PeriodStart: testutil.Date(2024, 1, 1), PeriodEnd: testutil.Date(2024, 12, 31), DueDate: testutil.Date(2024, 12, 2),
	})
	event := models.ComplianceEvent{
		OrgId: testOrg, PropertyId: property.ID, EventType: models.EventTypeInspection,
		InspectionDate: testutil.DatePtr(2024, 3, 5), ComplianceStatus: models.ComplianceStatusAccepted,
		ExternalTrackingNumber: "BOILER-1", RawSource: sources.DobBoilers,
	}
	if err := db.Create(&event).Error; err != nil {
		t.Fatalf("seed event: %v", err)
	}
	started := syncNow.Add(-time.Minute)
	if err := db.Create(&models.ExternalSyncState{
		OrgId: testOrg, Source: sources.DobBoilers, Status: models.SyncStateRunning,
		LockToken: "other-worker", StartedAt: &started,
	}).Error; err != nil {
		t.Fatalf("seed state: %v", err)
	}

	o := newOrchestrator(t, db, sources.Registry{sources.DobBoilers: staticProvider(nil)})
	res, err := o.SyncBoilers(ctx, property.ID, testOrg, false)
	if err != nil {
		t.Fatalf("SyncBoilers: %v", err)
	}
	if !res.AlreadyInProgress() || res.UpdatedItems != 0 {
		t.Fatalf("expected an untouched in_progress result, got %+v", res)
	}

	var got models.ComplianceItem
	if err := db.First(&got, item.ID).Error; err != nil {
		t.Fatalf("load item: %v", err)
	}
	if got.Status != models.ItemStatusNotStarted || got.LastEventId != nil {
		t.Fatalf("item changed while another worker held the lease: %+v", got)
	}
	var ev models.ComplianceEvent
	if err := db.First(&ev, event.ID).Error; err != nil {
		t.Fatalf("load event: %v", err)
	}
	if ev.ItemId != nil {
		t.Fatalf("event attached to item %d while the lease was held", *ev.ItemId)
	}
}

func TestConcurrentSyncsFetchOnce(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	property := seedBuilding(t, db)

	var calls int32
	entered := make(chan struct{})
	release := make(chan struct{})
	slow := sources.ProviderFunc(func(ctx context.Context, ids sources.Identifiers, page sources.Pagination) ([]sources.RawRecord, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(entered)
			<-release
		}
		return nil, nil
	})
	o := newOrchestrator(t, db, sources.Registry{sources.DobBoilers: slow})

	type outcome struct {
		res *compliancesync.SyncResult
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := o.SyncBoilers(ctx, property.ID, testOrg, false)
		first <- outcome{res, err}
	}()
	<-entered

	second, err := o.SyncBoilers(ctx, property.ID, testOrg, false)
	if err != nil {
		t.Fatalf("second SyncBoilers: %v", err)
	}
	close(release)
	out := <-first
	if out.err != nil {
		t.Fatalf("first SyncBoilers: %v", out.err)
	}

	if !second.AlreadyInProgress() {
		t.Fatalf("second call should see the lease held, got %+v", second.Sources)
	}
	if out.res.Sources[sources.DobBoilers] != compliancesync.SourceSuccess {
		t.Fatalf("first call: %+v", out.res.Sources)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected one fetch, got %d", n)
	}
}

func TestSyncTakesOverStaleLease(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	property := seedBuilding(t, db)
	started := syncNow.Add(-20 * time.Minute)
	if err := db.Create(&models.ExternalSyncState{
		OrgId: testOrg, Source: sources.DobBoilers, Status: models.SyncStateRunning,
		LockToken: "crashed-worker", StartedAt: &started,
	}).Error; err != nil {
		t.Fatalf("seed state: %v", err)
	}

	var calls int32
	o := newOrchestrator(t, db, sources.Registry{sources.DobBoilers: staticProvider(&calls)})
	res, err := o.SyncBoilers(ctx, property.ID, testOrg, false)
	if err != nil {
		t.Fatalf("SyncBoilers: %v", err)
	}
	if res.Sources[sources.DobBoilers] != compliancesync.SourceSuccess {
		t.Fatalf("stale lease not taken over: %+v", res.Sources)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one fetch, got %d", calls)
	}
	st, err := models.GetSyncState(ctx, db, testOrg, sources.DobBoilers)
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if st.Status != models.SyncStateIdle || st.LockToken != "" || st.LastSeenAt == nil {
		t.Fatalf("unexpected state after release: %+v", st)
	}
}

func TestSyncContainsFetchFailure(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	property := seedBuilding(t, db)
	o := newOrchestrator(t, db, sources.Registry{
		sources.DobElevatorDevices: staticProvider(nil, elevatorDevice()),
		sources.DobBoilers:         failingProvider(errors.New("upstream returned 503")),
	})

	res, err := o.SyncSources(ctx, property.ID, testOrg, []string{sources.DobBoilers, sources.DobElevatorDevices}, false)
	if err != nil {
		t.Fatalf("SyncSources: %v", err)
	}
	if res.Sources[sources.DobBoilers] != compliancesync.SourceFailed || res.Sources[sources.DobElevatorDevices] != compliancesync.SourceSuccess {
		t.Fatalf("unexpected source statuses: %+v", res.Sources)
	}
	if len(res.Errors) != 1 || res.Errors[0].Code != compliancesync.CodeFetch || res.Errors[0].Source != sources.DobBoilers {
		t.Fatalf("unexpected errors: %+v", res.Errors)
	}
	if res.SyncedAssets != 1 {
		t.Fatalf("elevator device not merged: %+v", res)
	}

	run, err := models.GetSyncRun(ctx, db, testOrg, res.SyncRunId)
	if err != nil || run == nil {
		t.Fatalf("GetSyncRun: %v %v", run, err)
	}
	if run.Status != models.SyncRunStatusPartial || run.ErrorCount != 1 || run.FinishedAt == nil {
		t.Fatalf("unexpected run row: %+v", run)
	}
	rows, err := models.ListSyncErrors(ctx, db, testOrg, run.ID)
	if err != nil {
		t.Fatalf("ListSyncErrors: %v", err)
	}
	if len(rows) != 1 || rows[0].ErrorCode != compliancesync.CodeFetch {
		t.Fatalf("unexpected error rows: %+v", rows)
	}

	st, err := models.GetSyncState(ctx, db, testOrg, sources.DobBoilers)
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if st.Status != models.SyncStateError || st.LockToken != "" || st.LastError == "" || st.LastSeenAt != nil {
		t.Fatalf("unexpected boiler state: %+v", st)
	}
}

func TestSyncRecordFailureIsPartial(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	property := seedBuilding(t, db)
	o := newOrchestrator(t, db, sources.Registry{
		sources.DobElevatorDevices: staticProvider(nil,
			elevatorDevice(),
			sources.RawRecord{"device_type": "Freight Elevator - Hydraulic", "bin": "1000001"},
		),
	})

	res, err := o.SyncElevators(ctx, property.ID, testOrg, false)
	if err != nil {
		t.Fatalf("SyncElevators: %v", err)
	}
	if res.Sources[sources.DobElevatorDevices] != compliancesync.SourcePartial {
		t.Fatalf("expected partial, got %+v", res.Sources)
	}
	if res.Sources[sources.DobElevatorInspections] != compliancesync.SourceNotConfigured {
		t.Fatalf("missing provider should be not_configured: %+v", res.Sources)
	}
	if len(res.Errors) != 1 || res.Errors[0].Code != compliancesync.CodeMissingIdentity {
		t.Fatalf("unexpected errors: %+v", res.Errors)
	}
	st, err := models.GetSyncState(ctx, db, testOrg, sources.DobElevatorDevices)
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if st.LastSeenAt != nil {
		t.Fatalf("cursor advanced after a record failure: %v", st.LastSeenAt)
	}
}

func TestSyncSkipsPropertyWithoutIdentifiers(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	testutil.SeedOrg(t, db, testOrg)
	property := testutil.SeedProperty(t, db, testOrg, models.Property{Name: "No ids"})
	var calls int32
	o := newOrchestrator(t, db, sources.Registry{sources.DobPermits: staticProvider(&calls)})

	res, err := o.SyncPermits(ctx, property.ID, testOrg, false)
	if err != nil {
		t.Fatalf("SyncPermits: %v", err)
	}
	if res.Sources[sources.DobPermits] != compliancesync.SourceSkipped || calls != 0 {
		t.Fatalf("expected skipped without a fetch: %+v calls=%d", res.Sources, calls)
	}
}

func TestSyncRejectsUnknownSource(t *testing.T) {
	db := testutil.NewDB(t)
	property := seedBuilding(t, db)
	o := newOrchestrator(t, db, sources.Registry{})
	_, err := o.SyncSources(context.Background(), property.ID, testOrg, []string{"nyc_taxis"}, false)
	if !errors.Is(err, compliancesync.ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
}

func TestSyncRequiresOrgForProperty(t *testing.T) {
	db := testutil.NewDB(t)
	property := seedBuilding(t, db)
	testutil.SeedOrg(t, db, "org-2")
	o := newOrchestrator(t, db, sources.Registry{})
	if _, err := o.SyncPropertyCompliance(context.Background(), property.ID, "", false); err == nil {
		t.Fatalf("expected an error without an org")
	}
	if _, err := o.SyncPropertyCompliance(context.Background(), property.ID, "org-2", false); err == nil {
		t.Fatalf("expected an error for another org's property")
	}
}

func TestSyncForceIgnoresCursor(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	property := seedBuilding(t, db)

	var since []*time.Time
	o := newOrchestrator(t, db, sources.Registry{
		sources.DobElevatorDevices: sources.ProviderFunc(func(ctx context.Context, ids sources.Identifiers, page sources.Pagination) ([]sources.RawRecord, error) {
			since = append(since, page.Since)
			return []sources.RawRecord{elevatorDevice()}, nil
		}),
	})
	for _, force := range []bool{false, false, true} {
		if _, err := o.SyncSource(ctx, property.ID, testOrg, sources.DobElevatorDevices, force); err != nil {
			t.Fatalf("SyncSource: %v", err)
		}
	}
	if len(since) != 3 {
		t.Fatalf("expected 3 fetches, got %d", len(since))
	}
	if since[0] != nil {
		t.Fatalf("first run should fetch everything, got since %v", since[0])
	}
	want := testutil.Date(2024, 5, 2)
	if since[1] == nil || !since[1].Equal(want) {
		t.Fatalf("second run since %v, want %v", since[1], want)
	}
	if since[2] != nil {
		t.Fatalf("forced run should fetch everything, got since %v", since[2])
	}
}

func TestNarrowSyncsTouchOnlyTheirSources(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	property := seedBuilding(t, db)

	calls := map[string]*int32{}
	registry := sources.Registry{}
	for _, src := range sources.Order {
		n := new(int32)
		calls[src] = n
		registry[src] = staticProvider(n)
	}
	o := newOrchestrator(t, db, registry)

	type syncFunc func(context.Context, uint, string, bool) (*compliancesync.SyncResult, error)
	cases := []struct {
		name string
		run  syncFunc
		want []string
	}{
		{"elevators", o.SyncElevators, []string{sources.DobElevatorDevices, sources.DobElevatorInspections}},
		{"facades", o.SyncFacades, []string{sources.DobFacades}},
		{"permits", o.SyncPermits, []string{sources.DobPermits}},
		{"violations", o.SyncViolations, []string{sources.DobViolations, sources.EcbViolations, sources.HpdViolations}},
		{"complaints", o.SyncComplaints, []string{sources.DobComplaints}},
		{"registrations", o.SyncRegistrations, []string{sources.HpdRegistrations}},
		{"sprinklers", o.SyncSprinklers, []string{sources.FdnySprinklers}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, n := range calls {
				atomic.StoreInt32(n, 0)
			}
			res, err := tc.run(ctx, property.ID, testOrg, false)
			if err != nil {
				t.Fatalf("sync: %v", err)
			}
			if len(res.Sources) != len(tc.want) {
				t.Fatalf("unexpected sources: %+v", res.Sources)
			}
			for _, src := range tc.want {
				if res.Sources[src] != compliancesync.SourceSuccess {
					t.Fatalf("%s: %q", src, res.Sources[src])
				}
			}
			for src, n := range calls {
				got := atomic.LoadInt32(n)
				wanted := false
				for _, w := range tc.want {
					wanted = wanted || w == src
				}
				if wanted && got != 1 || !wanted && got != 0 {
					t.Fatalf("%s fetched %d times", src, got)
				}
			}
		})
	}
}
