package models_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/compliance_backend/models"
	"github.com/mmdatafocus/compliance_backend/testutil"
)

func TestSyncLeaseExcludesSecondHolder(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	now := time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC)

	first, err := models.TryAcquireSyncLease(ctx, db, "org-1", "dob_boilers", now, 15*time.Minute)
	if err != nil || first == nil {
		t.Fatalf("first acquire: %v %v", first, err)
	}
	second, err := models.TryAcquireSyncLease(ctx, db, "org-1", "dob_boilers", now.Add(time.Minute), 15*time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second != nil {
		t.Fatalf("lease acquired twice")
	}
	other, err := models.TryAcquireSyncLease(ctx, db, "org-2", "dob_boilers", now, 15*time.Minute)
	if err != nil || other == nil {
		t.Fatalf("other org should not contend: %v %v", other, err)
	}
}

func TestStaleLeaseReleaseIsFenced(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	now := time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC)

	stale, err := models.TryAcquireSyncLease(ctx, db, "org-1", "dob_boilers", now, 15*time.Minute)
	if err != nil || stale == nil {
		t.Fatalf("acquire: %v %v", stale, err)
	}
	later := now.Add(20 * time.Minute)
	fresh, err := models.TryAcquireSyncLease(ctx, db, "org-1", "dob_boilers", later, 15*time.Minute)
	if err != nil || fresh == nil {
		t.Fatalf("takeover: %v %v", fresh, err)
	}

	seen := later
	released, err := models.ReleaseSyncLease(ctx, db, stale, later, &seen, nil)
	if err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if released {
		t.Fatalf("stale holder released the new lease")
	}
	st, err := models.GetSyncState(ctx, db, "org-1", "dob_boilers")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if st.Status != models.SyncStateRunning || st.LockToken != fresh.Token || st.LastSeenAt != nil {
		t.Fatalf("stale release changed the row: %+v", st)
	}

	released, err = models.ReleaseSyncLease(ctx, db, fresh, later.Add(time.Minute), nil, errors.New("boom"))
	if err != nil || !released {
		t.Fatalf("fresh release: %v %v", released, err)
	}
	st, err = models.GetSyncState(ctx, db, "org-1", "dob_boilers")
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if st.Status != models.SyncStateError || st.LastError != "boom" || st.LockToken != "" {
		t.Fatalf("unexpected row after release: %+v", st)
	}
}

func TestSyncLeaseCarriesCursor(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	now := time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC)

	l, err := models.TryAcquireSyncLease(ctx, db, "org-1", "dob_permits", now, 15*time.Minute)
	if err != nil || l == nil {
		t.Fatalf("acquire: %v %v", l, err)
	}
	if l.LastSeenAt != nil {
		t.Fatalf("fresh lease has a cursor: %v", l.LastSeenAt)
	}
	if ok, err := models.ReleaseSyncLease(ctx, db, l, now, &l.StartedAt, nil); err != nil || !ok {
		t.Fatalf("release: %v %v", ok, err)
	}
	next, err := models.TryAcquireSyncLease(ctx, db, "org-1", "dob_permits", now.Add(time.Hour), 15*time.Minute)
	if err != nil || next == nil {
		t.Fatalf("reacquire: %v %v", next, err)
	}
	if next.LastSeenAt == nil || !next.LastSeenAt.Equal(now) {
		t.Fatalf("cursor %v, want %v", next.LastSeenAt, now)
	}
}
