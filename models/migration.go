package models

import (
	"log"

	"github.com/mmdatafocus/compliance_backend/config"
	"gorm.io/gorm"
)

// AllModels lists every table owned by the engine.
func AllModels() []interface{} {
	return []interface{}{
		&Organization{}, &Property{},
		&ComplianceProgram{}, &PropertyProgramOverride{},
		&ComplianceAsset{}, &ComplianceItem{}, &ComplianceEvent{}, &ComplianceViolation{},
		&ExternalSyncState{}, &DeviceTypeNormalization{},
		&ComplianceSyncRun{}, &ComplianceSyncError{},
	}
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}

func MigrateTable() {
	if err := AutoMigrate(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}
