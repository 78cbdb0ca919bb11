package documents

import (
	"errors"
	"fmt"
	"strings"
)

// Role enumerates what a collaborator may do with a document.
type Role string

const (
	// RoleOwner may rename, delete, and manage collaborators.
	RoleOwner Role = "owner"
	// RoleEditor may read and edit.
	RoleEditor Role = "editor"
)

const (
	maxIdentifierLength = 190
	maxTitleLength      = 512
)

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("documents: invalid user id")
	// ErrInvalidTitle indicates that a document title is empty or exceeds storage bounds.
	ErrInvalidTitle = errors.New("documents: invalid title")
	// ErrDocumentNotFound indicates that no document exists for the identifier.
	ErrDocumentNotFound = errors.New("documents: document not found")
	// ErrNotOwner indicates that the caller lacks owner rights on the document.
	ErrNotOwner = errors.New("documents: caller is not the owner")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Title represents a validated document title.
type Title string

// NewTitle validates raw input and returns a Title.
func NewTitle(rawInput string) (Title, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTitle)
	}
	if len(trimmed) > maxTitleLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTitle, maxTitleLength)
	}
	return Title(trimmed), nil
}

// String returns the underlying title text.
func (t Title) String() string {
	return string(t)
}

// Document models one collaborative document. MirrorText is the plain-text
// rendering kept alongside the binary state so the content stays readable
// without decoding and can seed a replica when no snapshot exists.
type Document struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_documents_owner"`
	OwnerUsername    string `gorm:"column:owner_username;size:190;not null"`
	Title            string `gorm:"column:title;size:512;not null"`
	MirrorText       string `gorm:"column:mirror_text;type:text;not null"`
	IsPublic         bool   `gorm:"column:is_public;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_documents_updated"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// DocumentSnapshot holds the encoded replica state, tombstones included.
type DocumentSnapshot struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	State            []byte `gorm:"column:state;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentSnapshot) TableName() string {
	return "document_snapshots"
}

// Collaborator records one user's membership in a document.
type Collaborator struct {
	DocumentID      string `gorm:"column:document_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Username        string `gorm:"column:username;size:190;not null"`
	Role            Role   `gorm:"column:role;size:32;not null;default:'editor'"`
	JoinedAtSeconds int64  `gorm:"column:joined_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Collaborator) TableName() string {
	return "document_collaborators"
}

// DocumentState is what a session needs to reconstruct a replica: the
// encoded snapshot when one exists, otherwise the mirror text to seed from.
type DocumentState struct {
	Snapshot    []byte
	MirrorText  string
	HasSnapshot bool
}
