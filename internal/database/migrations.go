package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillDocumentUpdatedAt = "2026-05-11_backfill_document_updated_at"
	migrationSeedOwnerCollaborators    = "2026-06-02_seed_owner_collaborator_rows"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func migrationList() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillDocumentUpdatedAt, apply: backfillDocumentUpdatedAt},
		{name: migrationSeedOwnerCollaborators, apply: seedOwnerCollaboratorRows},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrationList() {
		applied, err := migrationApplied(db, migration.name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		record := migrationRecord{
			Name:             migration.name,
			AppliedAtSeconds: time.Now().UTC().Unix(),
		}
		if err := db.Create(&record).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func migrationApplied(db *gorm.DB, name string) (bool, error) {
	var record migrationRecord
	err := db.Where("name = ?", name).Take(&record).Error
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, err
}

// Documents created before updated_at_s was maintained carry a zero value;
// treat creation time as the last update.
func backfillDocumentUpdatedAt(db *gorm.DB) error {
	return db.Exec("UPDATE documents SET updated_at_s = created_at_s WHERE updated_at_s = 0").Error
}

// Collaborator rows arrived after documents did. Give every document an owner
// row so roster queries see the owner without a join against documents.
func seedOwnerCollaboratorRows(db *gorm.DB) error {
	const insertOwners = `
INSERT INTO document_collaborators (document_id, user_id, username, role, joined_at_s)
SELECT d.document_id, d.owner_id, '', 'owner', d.created_at_s
FROM documents d
WHERE NOT EXISTS (
    SELECT 1 FROM document_collaborators c
    WHERE c.document_id = d.document_id AND c.user_id = d.owner_id
)`
	return db.Exec(insertOwners).Error
}
