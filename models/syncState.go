package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/compliance_backend/utils"
	"gorm.io/gorm"
)

// ExternalSyncState is the per-(org, source) lease and cursor row.
type ExternalSyncState struct {
	ID         uint       `gorm:"primary_key" json:"id"`
	OrgId      string     `gorm:"size:64;not null;uniqueIndex:idx_sync_state,priority:1" json:"org_id"`
	Source     string     `gorm:"size:64;not null;uniqueIndex:idx_sync_state,priority:2" json:"source"`
	Status     string     `gorm:"size:16;not null" json:"status"`
	LockToken  string     `gorm:"size:64" json:"-"`
	StartedAt  *time.Time `json:"started_at"`
	LastRunAt  *time.Time `json:"last_run_at"`
	LastSeenAt *time.Time `json:"last_seen_at"`
	LastError  string     `gorm:"type:text" json:"last_error"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncLease is held between a successful TryAcquireSyncLease and its release.
type SyncLease struct {
	OrgId      string
	Source     string
	Token      string
	StartedAt  time.Time
	LastSeenAt *time.Time
}

func GetSyncState(ctx context.Context, db *gorm.DB, orgId, source string) (*ExternalSyncState, error) {
	var st ExternalSyncState
	err := db.WithContext(ctx).Where("org_id = ? AND source = ?", orgId, source).Take(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func ListSyncStates(ctx context.Context, db *gorm.DB, orgId string) ([]ExternalSyncState, error) {
	var rows []ExternalSyncState
	err := db.WithContext(ctx).Where("org_id = ?", orgId).Order("source ASC").Find(&rows).Error
	return rows, err
}

// TryAcquireSyncLease takes the (org, source) lease with a single conditional
// update: the row must not be running, or its run must have started before
// now-staleAfter. A nil lease with nil error means another holder is active.
func TryAcquireSyncLease(ctx context.Context, db *gorm.DB, orgId, source string, now time.Time, staleAfter time.Duration) (*SyncLease, error) {
	now = now.UTC().Truncate(time.Second)
	token := uuid.NewString()
	staleBefore := now.Add(-staleAfter)

	res := db.WithContext(ctx).Model(&ExternalSyncState{}).
		Where("org_id = ? AND source = ?", orgId, source).
		Where("status <> ? OR started_at IS NULL OR started_at < ?", SyncStateRunning, staleBefore).
		Updates(map[string]interface{}{
			"status":     SyncStateRunning,
			"lock_token": token,
			"started_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 1 {
		st, err := GetSyncState(ctx, db, orgId, source)
		if err != nil {
			return nil, err
		}
		lease := &SyncLease{OrgId: orgId, Source: source, Token: token, StartedAt: now}
		if st != nil {
			lease.LastSeenAt = st.LastSeenAt
		}
		return lease, nil
	}

	existing, err := GetSyncState(ctx, db, orgId, source)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, nil
	}
	row := ExternalSyncState{
		OrgId:     orgId,
		Source:    source,
		Status:    SyncStateRunning,
		LockToken: token,
		StartedAt: &now,
	}
	if err := db.WithContext(ctx).Create(&row).Error; err != nil {
		if utils.IsDuplicateKeyErr(err) {
			return nil, nil
		}
		return nil, err
	}
	return &SyncLease{OrgId: orgId, Source: source, Token: token, StartedAt: now}, nil
}

// ReleaseSyncLease records the outcome of the run. Only the holder of the
// current token can release; a stale holder gets released=false.
func ReleaseSyncLease(ctx context.Context, db *gorm.DB, lease *SyncLease, now time.Time, lastSeenAt *time.Time, runErr error) (bool, error) {
	now = now.UTC()
	updates := map[string]interface{}{
		"status":      SyncStateIdle,
		"lock_token":  "",
		"last_run_at": now,
		"last_error":  "",
	}
	if runErr != nil {
		updates["status"] = SyncStateError
		updates["last_error"] = runErr.Error()
	}
	if lastSeenAt != nil {
		updates["last_seen_at"] = lastSeenAt.UTC()
	}
	res := db.WithContext(ctx).Model(&ExternalSyncState{}).
		Where("org_id = ? AND source = ? AND lock_token = ?", lease.OrgId, lease.Source, lease.Token).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
