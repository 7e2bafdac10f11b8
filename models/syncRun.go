package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ComplianceSyncRun records one property sync call.
type ComplianceSyncRun struct {
	ID               uint           `gorm:"primary_key" json:"id"`
	OrgId            string         `gorm:"size:64;index;not null" json:"org_id"`
	PropertyId       uint           `gorm:"index;not null" json:"property_id"`
	Status           string         `gorm:"size:20;not null" json:"status"`
	TriggeredBy      string         `gorm:"size:20" json:"triggered_by"`
	CorrelationId    string         `gorm:"size:64;index" json:"correlation_id"`
	Force            bool           `gorm:"not null" json:"force"`
	SourcesJSON      datatypes.JSON `gorm:"type:json" json:"sources"`
	StatsJSON        datatypes.JSON `gorm:"type:json" json:"stats"`
	SyncedAssets     int            `json:"synced_assets"`
	SyncedEvents     int            `json:"synced_events"`
	SyncedViolations int            `json:"synced_violations"`
	UpdatedItems     int            `json:"updated_items"`
	ErrorCount       int            `json:"error_count"`
	StartedAt        *time.Time     `json:"started_at"`
	FinishedAt       *time.Time     `json:"finished_at"`
	DurationMs       int64          `json:"duration_ms"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// ComplianceSyncError is one contained error of a sync run.
type ComplianceSyncError struct {
	ID          uint           `gorm:"primary_key" json:"id"`
	SyncRunId   uint           `gorm:"index;not null" json:"sync_run_id"`
	OrgId       string         `gorm:"size:64;index;not null" json:"org_id"`
	Source      string         `gorm:"size:64" json:"source"`
	ExternalId  string         `gorm:"size:191" json:"external_id"`
	ErrorCode   string         `gorm:"size:64" json:"error_code"`
	Message     string         `gorm:"type:text" json:"message"`
	PayloadJSON datatypes.JSON `gorm:"type:json" json:"payload"`
	Retryable   bool           `gorm:"not null" json:"retryable"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func StartSyncRun(ctx context.Context, db *gorm.DB, run *ComplianceSyncRun) error {
	if run.Status == "" {
		run.Status = SyncRunStatusRunning
	}
	return db.WithContext(ctx).Create(run).Error
}

// FinishSyncRun persists the final counters and status of run.
func FinishSyncRun(ctx context.Context, db *gorm.DB, run *ComplianceSyncRun) error {
	return db.WithContext(ctx).Model(&ComplianceSyncRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"status":            run.Status,
			"sources_json":      run.SourcesJSON,
			"stats_json":        run.StatsJSON,
			"synced_assets":     run.SyncedAssets,
			"synced_events":     run.SyncedEvents,
			"synced_violations": run.SyncedViolations,
			"updated_items":     run.UpdatedItems,
			"error_count":       run.ErrorCount,
			"finished_at":       run.FinishedAt,
			"duration_ms":       run.DurationMs,
		}).Error
}

func InsertSyncErrors(ctx context.Context, db *gorm.DB, rows []ComplianceSyncError) error {
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(rows, 100).Error
}

// ListSyncRuns returns the newest runs of an org, optionally for one property.
func ListSyncRuns(ctx context.Context, db *gorm.DB, orgId string, propertyId uint, limit int) ([]ComplianceSyncRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := db.WithContext(ctx).Where("org_id = ?", orgId)
	if propertyId > 0 {
		q = q.Where("property_id = ?", propertyId)
	}
	var runs []ComplianceSyncRun
	err := q.Order("id DESC").Limit(limit).Find(&runs).Error
	return runs, err
}

// GetSyncRun returns nil when the run does not exist or belongs to another org.
func GetSyncRun(ctx context.Context, db *gorm.DB, orgId string, id uint) (*ComplianceSyncRun, error) {
	var run ComplianceSyncRun
	err := db.WithContext(ctx).Where("id = ? AND org_id = ?", id, orgId).Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func ListSyncErrors(ctx context.Context, db *gorm.DB, orgId string, runId uint) ([]ComplianceSyncError, error) {
	var rows []ComplianceSyncError
	err := db.WithContext(ctx).
		Where("org_id = ? AND sync_run_id = ?", orgId, runId).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}
