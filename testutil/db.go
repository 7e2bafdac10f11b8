// Package testutil provides a file-backed sqlite datastore for package tests.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mmdatafocus/compliance_backend/config"
	"github.com/mmdatafocus/compliance_backend/models"
	"gorm.io/gorm"
)

// NewDB opens a fresh migrated sqlite database in t's temp dir.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "compliance_test.db")
	db, err := config.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func SeedOrg(t *testing.T, db *gorm.DB, id string) *models.Organization {
	t.Helper()
	org := &models.Organization{ID: id, Name: "Org " + id, IsActive: true}
	if err := db.Create(org).Error; err != nil {
		t.Fatalf("seed org: %v", err)
	}
	return org
}

// SeedProperty inserts p after defaulting the org and the active flag.
func SeedProperty(t *testing.T, db *gorm.DB, orgId string, p models.Property) *models.Property {
	t.Helper()
	p.OrgId = orgId
	p.IsActive = true
	if err := db.Create(&p).Error; err != nil {
		t.Fatalf("seed property: %v", err)
	}
	return &p
}

func SeedProgram(t *testing.T, db *gorm.DB, orgId string, p models.ComplianceProgram) *models.ComplianceProgram {
	t.Helper()
	p.OrgId = orgId
	if p.Name == "" {
		p.Name = p.Code
	}
	if err := db.Create(&p).Error; err != nil {
		t.Fatalf("seed program: %v", err)
	}
	return &p
}

func SeedAsset(t *testing.T, db *gorm.DB, orgId string, a models.ComplianceAsset) *models.ComplianceAsset {
	t.Helper()
	a.OrgId = orgId
	if err := db.Create(&a).Error; err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	return &a
}

// Date is a civil date at UTC midnight.
func Date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func DatePtr(y int, m time.Month, d int) *time.Time {
	v := Date(y, m, d)
	return &v
}
