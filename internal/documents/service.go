package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew         = "documents.service.new"
	opCreateDocument     = "documents.create_document"
	opGetDocument        = "documents.get_document"
	opListDocuments      = "documents.list_documents"
	opRenameDocument     = "documents.rename_document"
	opSetVisibility      = "documents.set_visibility"
	opDeleteDocument     = "documents.delete_document"
	opUpsertCollaborator = "documents.upsert_collaborator"
	opListCollaborators  = "documents.list_collaborators"
	opRemoveCollaborator = "documents.remove_collaborator"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider mints identifiers for new documents.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig wires the document service dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns document metadata, collaborator membership, and persisted
// replica state.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateDocument persists a new document owned by ownerID, with the owner
// registered as its first collaborator.
func (s *Service) CreateDocument(ctx context.Context, ownerID UserID, ownerName string, title Title) (Document, error) {
	documentID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateDocument, "id_generation_failed", err,
			zap.String("owner_id", ownerID.String()))
		return Document{}, newServiceError(opCreateDocument, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	document := Document{
		DocumentID:       documentID,
		OwnerID:          ownerID.String(),
		OwnerUsername:    ownerName,
		Title:            title.String(),
		MirrorText:       "",
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	owner := Collaborator{
		DocumentID:      documentID,
		UserID:          ownerID.String(),
		Username:        ownerName,
		Role:            RoleOwner,
		JoinedAtSeconds: now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&document).Error; err != nil {
			return err
		}
		return tx.Create(&owner).Error
	})
	if txErr != nil {
		s.logError(opCreateDocument, "insert_failed", txErr,
			zap.String("owner_id", ownerID.String()),
			zap.String("document_id", documentID))
		return Document{}, newServiceError(opCreateDocument, "insert_failed", txErr)
	}
	return document, nil
}

// GetDocument loads one document by identifier.
func (s *Service) GetDocument(ctx context.Context, documentID DocumentID) (Document, error) {
	var document Document
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID.String()).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, newServiceError(opGetDocument, "not_found", ErrDocumentNotFound)
	}
	if err != nil {
		s.logError(opGetDocument, "query_failed", err,
			zap.String("document_id", documentID.String()))
		return Document{}, newServiceError(opGetDocument, "query_failed", err)
	}
	return document, nil
}

// ListDocuments returns every document the user collaborates on plus every
// public document, most recently updated first. The join is restricted to
// the user's own membership row, so each document appears once.
func (s *Service) ListDocuments(ctx context.Context, userID UserID) ([]Document, error) {
	var results []Document
	err := s.db.WithContext(ctx).
		Joins("LEFT JOIN document_collaborators ON document_collaborators.document_id = documents.document_id AND document_collaborators.user_id = ?", userID.String()).
		Where("document_collaborators.user_id IS NOT NULL OR documents.is_public = ?", true).
		Order("documents.updated_at_s DESC").
		Find(&results).Error
	if err != nil {
		s.logError(opListDocuments, "query_failed", err,
			zap.String("user_id", userID.String()))
		return nil, newServiceError(opListDocuments, "query_failed", err)
	}
	return results, nil
}

// RenameDocument updates the title. Only the owner may rename.
func (s *Service) RenameDocument(ctx context.Context, userID UserID, documentID DocumentID, title Title) (Document, error) {
	document, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return Document{}, err
	}
	if document.OwnerID != userID.String() {
		return Document{}, newServiceError(opRenameDocument, "not_owner", ErrNotOwner)
	}

	document.Title = title.String()
	document.UpdatedAtSeconds = s.clock().UTC().Unix()
	err = s.db.WithContext(ctx).
		Model(&Document{}).
		Where("document_id = ?", documentID.String()).
		Updates(map[string]any{
			"title":        document.Title,
			"updated_at_s": document.UpdatedAtSeconds,
		}).Error
	if err != nil {
		s.logError(opRenameDocument, "update_failed", err,
			zap.String("document_id", documentID.String()))
		return Document{}, newServiceError(opRenameDocument, "update_failed", err)
	}
	return document, nil
}

// SetDocumentVisibility flips the public flag. The flag is carried for
// external access-control policy; this service never enforces it. Only the
// owner may change it.
func (s *Service) SetDocumentVisibility(ctx context.Context, userID UserID, documentID DocumentID, isPublic bool) (Document, error) {
	document, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return Document{}, err
	}
	if document.OwnerID != userID.String() {
		return Document{}, newServiceError(opSetVisibility, "not_owner", ErrNotOwner)
	}

	document.IsPublic = isPublic
	document.UpdatedAtSeconds = s.clock().UTC().Unix()
	err = s.db.WithContext(ctx).
		Model(&Document{}).
		Where("document_id = ?", documentID.String()).
		Updates(map[string]any{
			"is_public":    document.IsPublic,
			"updated_at_s": document.UpdatedAtSeconds,
		}).Error
	if err != nil {
		s.logError(opSetVisibility, "update_failed", err,
			zap.String("document_id", documentID.String()))
		return Document{}, newServiceError(opSetVisibility, "update_failed", err)
	}
	return document, nil
}

// DeleteDocument removes the document, its snapshot, and its collaborators.
// Only the owner may delete.
func (s *Service) DeleteDocument(ctx context.Context, userID UserID, documentID DocumentID) error {
	document, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if document.OwnerID != userID.String() {
		return newServiceError(opDeleteDocument, "not_owner", ErrNotOwner)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID.String()).Delete(&DocumentSnapshot{}).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", documentID.String()).Delete(&Collaborator{}).Error; err != nil {
			return err
		}
		return tx.Where("document_id = ?", documentID.String()).Delete(&Document{}).Error
	})
	if txErr != nil {
		s.logError(opDeleteDocument, "delete_failed", txErr,
			zap.String("document_id", documentID.String()))
		return newServiceError(opDeleteDocument, "delete_failed", txErr)
	}
	return nil
}

// UpsertCollaborator records that a user joined a document. Existing rows
// refresh the username and role but keep the original join time; an owner
// row never loses its role to a later join.
func (s *Service) UpsertCollaborator(ctx context.Context, documentID DocumentID, userID UserID, username string, role Role) error {
	if _, err := s.GetDocument(ctx, documentID); err != nil {
		return err
	}
	collaborator := Collaborator{
		DocumentID:      documentID.String(),
		UserID:          userID.String(),
		Username:        username,
		Role:            role,
		JoinedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "document_id"}, {Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"username": gorm.Expr("excluded.username"),
				"role":     gorm.Expr("CASE WHEN document_collaborators.role = 'owner' THEN document_collaborators.role ELSE excluded.role END"),
			}),
		}).
		Create(&collaborator).Error
	if err != nil {
		s.logError(opUpsertCollaborator, "upsert_failed", err,
			zap.String("document_id", documentID.String()),
			zap.String("user_id", userID.String()))
		return newServiceError(opUpsertCollaborator, "upsert_failed", err)
	}
	return nil
}

// ListCollaborators returns the document's membership, owner first, then by
// join time.
func (s *Service) ListCollaborators(ctx context.Context, documentID DocumentID) ([]Collaborator, error) {
	if _, err := s.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	var collaborators []Collaborator
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID.String()).
		Order("CASE role WHEN 'owner' THEN 0 ELSE 1 END, joined_at_s ASC").
		Find(&collaborators).Error
	if err != nil {
		s.logError(opListCollaborators, "query_failed", err,
			zap.String("document_id", documentID.String()))
		return nil, newServiceError(opListCollaborators, "query_failed", err)
	}
	return collaborators, nil
}

// RemoveCollaborator drops a user from the document. Only the owner may
// remove collaborators, and the owner row itself is not removable.
func (s *Service) RemoveCollaborator(ctx context.Context, callerID UserID, documentID DocumentID, userID UserID) error {
	document, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if document.OwnerID != callerID.String() {
		return newServiceError(opRemoveCollaborator, "not_owner", ErrNotOwner)
	}
	if document.OwnerID == userID.String() {
		return newServiceError(opRemoveCollaborator, "owner_is_permanent", ErrNotOwner)
	}
	err = s.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", documentID.String(), userID.String()).
		Delete(&Collaborator{}).Error
	if err != nil {
		s.logError(opRemoveCollaborator, "delete_failed", err,
			zap.String("document_id", documentID.String()),
			zap.String("user_id", userID.String()))
		return newServiceError(opRemoveCollaborator, "delete_failed", err)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("documents service error", attrs...)
}
