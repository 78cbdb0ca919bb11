package documents

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opLoadState    = "documents.load_state"
	opSaveSnapshot = "documents.save_snapshot"
	opSaveMirror   = "documents.save_mirror"
)

var errEmptySnapshotState = errors.New("snapshot state is empty")

// LoadState returns what a session needs to open the document: the encoded
// snapshot when one exists, otherwise the mirror text to seed a fresh
// replica from.
func (s *Service) LoadState(ctx context.Context, documentID DocumentID) (DocumentState, error) {
	var document Document
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID.String()).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DocumentState{}, newServiceError(opLoadState, "not_found", ErrDocumentNotFound)
	}
	if err != nil {
		s.logError(opLoadState, "document_query_failed", err,
			zap.String("document_id", documentID.String()))
		return DocumentState{}, newServiceError(opLoadState, "document_query_failed", err)
	}

	var snapshot DocumentSnapshot
	err = s.db.WithContext(ctx).
		Where("document_id = ?", documentID.String()).
		Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DocumentState{MirrorText: document.MirrorText}, nil
	}
	if err != nil {
		s.logError(opLoadState, "snapshot_query_failed", err,
			zap.String("document_id", documentID.String()))
		return DocumentState{}, newServiceError(opLoadState, "snapshot_query_failed", err)
	}
	return DocumentState{
		Snapshot:    snapshot.State,
		MirrorText:  document.MirrorText,
		HasSnapshot: true,
	}, nil
}

// SaveSnapshot upserts the encoded replica state and touches the document's
// update time.
func (s *Service) SaveSnapshot(ctx context.Context, documentID DocumentID, state []byte) error {
	if len(state) == 0 {
		return newServiceError(opSaveSnapshot, "empty_state", errEmptySnapshotState)
	}
	if _, err := s.GetDocument(ctx, documentID); err != nil {
		return err
	}

	now := s.clock().UTC().Unix()
	snapshot := DocumentSnapshot{
		DocumentID:       documentID.String(),
		State:            state,
		UpdatedAtSeconds: now,
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at_s"}),
		}).Create(&snapshot).Error
		if err != nil {
			return err
		}
		return tx.Model(&Document{}).
			Where("document_id = ?", documentID.String()).
			Update("updated_at_s", now).Error
	})
	if txErr != nil {
		s.logError(opSaveSnapshot, "upsert_failed", txErr,
			zap.String("document_id", documentID.String()))
		return newServiceError(opSaveSnapshot, "upsert_failed", txErr)
	}
	return nil
}

// SaveMirror writes the plain-text rendering of the document.
func (s *Service) SaveMirror(ctx context.Context, documentID DocumentID, text string) error {
	result := s.db.WithContext(ctx).
		Model(&Document{}).
		Where("document_id = ?", documentID.String()).
		Updates(map[string]any{
			"mirror_text":  text,
			"updated_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opSaveMirror, "update_failed", result.Error,
			zap.String("document_id", documentID.String()))
		return newServiceError(opSaveMirror, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opSaveMirror, "not_found", ErrDocumentNotFound)
	}
	return nil
}

// PlainText returns the mirror text without loading the binary state.
func (s *Service) PlainText(ctx context.Context, documentID DocumentID) (string, error) {
	document, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return "", err
	}
	return document.MirrorText, nil
}
