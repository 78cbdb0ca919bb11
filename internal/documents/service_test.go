package documents

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestNewServiceRequiresDatabase(t *testing.T) {
	_, err := NewService(ServiceConfig{IDProvider: &staticIDGenerator{}})
	if err == nil {
		t.Fatal("expected an error for a missing database")
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %T", err)
	}
	if serviceErr.Code() != "documents.service.new.missing_database" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
}

func TestNewServiceRequiresIDProvider(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if _, err := NewService(ServiceConfig{Database: db}); err == nil {
		t.Fatal("expected an error for a missing id provider")
	}
}

func TestCreateDocumentPersistsDocumentAndOwner(t *testing.T) {
	service, db := newTestService(t, []string{"doc-1"})
	ownerID := mustUserID(t, "user-1")

	document, err := service.CreateDocument(context.Background(), ownerID, "Ada", mustTitle(t, "Meeting notes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if document.DocumentID != "doc-1" {
		t.Fatalf("unexpected document id %s", document.DocumentID)
	}
	if document.CreatedAtSeconds != 1700000600 {
		t.Fatalf("unexpected created time %d", document.CreatedAtSeconds)
	}

	var stored Document
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load stored document: %v", err)
	}
	if stored.Title != "Meeting notes" {
		t.Fatalf("unexpected title %s", stored.Title)
	}
	if stored.MirrorText != "" {
		t.Fatalf("expected empty mirror, got %q", stored.MirrorText)
	}

	var owner Collaborator
	if err := db.First(&owner).Error; err != nil {
		t.Fatalf("failed to load owner collaborator: %v", err)
	}
	if owner.Role != RoleOwner || owner.UserID != "user-1" || owner.Username != "Ada" {
		t.Fatalf("unexpected owner row: %+v", owner)
	}
}

func TestGetDocumentReportsMissingDocument(t *testing.T) {
	service, _ := newTestService(t, nil)
	_, err := service.GetDocument(context.Background(), mustDocumentID(t, "missing"))
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestListDocumentsReturnsOnlyMemberships(t *testing.T) {
	service, _ := newTestService(t, []string{"doc-1", "doc-2", "doc-3"})
	alice := mustUserID(t, "alice")
	bob := mustUserID(t, "bob")

	first, err := service.CreateDocument(context.Background(), alice, "Alice", mustTitle(t, "First"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.CreateDocument(context.Background(), bob, "Bob", mustTitle(t, "Second")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	third, err := service.CreateDocument(context.Background(), alice, "Alice", mustTitle(t, "Third"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	listed, err := service.ListDocuments(context.Background(), alice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(listed))
	}
	seen := map[string]bool{}
	for _, document := range listed {
		seen[document.DocumentID] = true
	}
	if !seen[first.DocumentID] || !seen[third.DocumentID] {
		t.Fatalf("unexpected listing: %+v", listed)
	}

	// Joining bob's document makes it visible to alice.
	bobDoc := mustDocumentID(t, "doc-2")
	if err := service.UpsertCollaborator(context.Background(), bobDoc, alice, "Alice", RoleEditor); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	listed, err = service.ListDocuments(context.Background(), alice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("expected 3 documents after joining, got %d", len(listed))
	}
}

func TestListDocumentsIncludesPublicDocuments(t *testing.T) {
	service, _ := newTestService(t, []string{"doc-1", "doc-2"})
	alice := mustUserID(t, "alice")
	bob := mustUserID(t, "bob")

	if _, err := service.CreateDocument(context.Background(), bob, "Bob", mustTitle(t, "Hidden")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	shared, err := service.CreateDocument(context.Background(), bob, "Bob", mustTitle(t, "Announced"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sharedID := mustDocumentID(t, shared.DocumentID)
	if _, err := service.SetDocumentVisibility(context.Background(), bob, sharedID, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	listed, err := service.ListDocuments(context.Background(), alice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected only the public document, got %d", len(listed))
	}
	if listed[0].DocumentID != shared.DocumentID {
		t.Fatalf("unexpected listing: %+v", listed)
	}

	// The owner sees their public document once, not twice.
	listed, err = service.ListDocuments(context.Background(), bob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 documents for the owner, got %d", len(listed))
	}
}

func TestRenameDocumentRequiresOwner(t *testing.T) {
	service, _ := newTestService(t, []string{"doc-1"})
	owner := mustUserID(t, "owner")
	intruder := mustUserID(t, "intruder")

	created, err := service.CreateDocument(context.Background(), owner, "Owner", mustTitle(t, "Before"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	documentID := mustDocumentID(t, created.DocumentID)

	if _, err := service.RenameDocument(context.Background(), intruder, documentID, mustTitle(t, "After")); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	renamed, err := service.RenameDocument(context.Background(), owner, documentID, mustTitle(t, "After"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if renamed.Title != "After" {
		t.Fatalf("unexpected title %s", renamed.Title)
	}

	reloaded, err := service.GetDocument(context.Background(), documentID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reloaded.Title != "After" {
		t.Fatalf("rename did not persist, got %s", reloaded.Title)
	}
}

func TestDeleteDocumentRemovesAllRows(t *testing.T) {
	service, db := newTestService(t, []string{"doc-1"})
	owner := mustUserID(t, "owner")

	created, err := service.CreateDocument(context.Background(), owner, "Owner", mustTitle(t, "Doomed"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	documentID := mustDocumentID(t, created.DocumentID)
	if err := service.SaveSnapshot(context.Background(), documentID, []byte{0xD0, 0x01, 0x00, 0x00}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := service.DeleteDocument(context.Background(), mustUserID(t, "other"), documentID); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := service.DeleteDocument(context.Background(), owner, documentID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for name, model := range map[string]any{
		"documents":     &Document{},
		"snapshots":     &DocumentSnapshot{},
		"collaborators": &Collaborator{},
	} {
		var count int64
		if err := db.Model(model).Count(&count).Error; err != nil {
			t.Fatalf("failed to count %s: %v", name, err)
		}
		if count != 0 {
			t.Fatalf("expected no %s rows, got %d", name, count)
		}
	}

	if _, err := service.GetDocument(context.Background(), documentID); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestUpsertCollaboratorRefreshesRoleAndUsername(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Document{}, &DocumentSnapshot{}, &Collaborator{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// An advancing clock distinguishes a kept join time from a rewritten one.
	now := time.Unix(1700000600, 0).UTC()
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			now = now.Add(time.Minute)
			return now
		},
		IDProvider: &staticIDGenerator{ids: []string{"doc-1"}},
	})
	if err != nil {
		t.Fatalf("failed to construct documents service: %v", err)
	}
	owner := mustUserID(t, "owner")

	created, err := service.CreateDocument(context.Background(), owner, "Owner", mustTitle(t, "Shared"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	documentID := mustDocumentID(t, created.DocumentID)

	guest := mustUserID(t, "guest")
	if err := service.UpsertCollaborator(context.Background(), documentID, guest, "Guest", RoleEditor); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var first Collaborator
	if err := db.Where("user_id = ?", "guest").First(&first).Error; err != nil {
		t.Fatalf("failed to load collaborator: %v", err)
	}

	if err := service.UpsertCollaborator(context.Background(), documentID, guest, "Guest Renamed", RoleOwner); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stored Collaborator
	if err := db.Where("user_id = ?", "guest").First(&stored).Error; err != nil {
		t.Fatalf("failed to load collaborator: %v", err)
	}
	if stored.Username != "Guest Renamed" {
		t.Fatalf("expected username refresh, got %s", stored.Username)
	}
	if stored.Role != RoleOwner {
		t.Fatalf("expected role refresh, got %s", stored.Role)
	}
	if stored.JoinedAtSeconds != first.JoinedAtSeconds {
		t.Fatalf("expected join time to stay %d, got %d", first.JoinedAtSeconds, stored.JoinedAtSeconds)
	}
}

func TestUpsertCollaboratorNeverDemotesOwner(t *testing.T) {
	service, db := newTestService(t, []string{"doc-1"})
	owner := mustUserID(t, "owner")

	created, err := service.CreateDocument(context.Background(), owner, "Owner", mustTitle(t, "Shared"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	documentID := mustDocumentID(t, created.DocumentID)

	// Rejoining through the normal join path always carries the editor role.
	if err := service.UpsertCollaborator(context.Background(), documentID, owner, "Owner Renamed", RoleEditor); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stored Collaborator
	if err := db.Where("user_id = ?", "owner").First(&stored).Error; err != nil {
		t.Fatalf("failed to load collaborator: %v", err)
	}
	if stored.Role != RoleOwner {
		t.Fatalf("expected owner role to survive a rejoin, got %s", stored.Role)
	}
	if stored.Username != "Owner Renamed" {
		t.Fatalf("expected username refresh, got %s", stored.Username)
	}
}

func TestUpsertCollaboratorRequiresDocument(t *testing.T) {
	service, _ := newTestService(t, nil)
	err := service.UpsertCollaborator(context.Background(), mustDocumentID(t, "missing"), mustUserID(t, "guest"), "Guest", RoleEditor)
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestListCollaboratorsPutsOwnerFirst(t *testing.T) {
	service, db := newTestService(t, []string{"doc-1"})
	owner := mustUserID(t, "owner")

	created, err := service.CreateDocument(context.Background(), owner, "Owner", mustTitle(t, "Shared"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	documentID := mustDocumentID(t, created.DocumentID)

	// An earlier join time than the owner's must not displace the owner.
	early := Collaborator{
		DocumentID:      created.DocumentID,
		UserID:          "early-bird",
		Username:        "Early",
		Role:            RoleEditor,
		JoinedAtSeconds: 1600000000,
	}
	if err := db.Create(&early).Error; err != nil {
		t.Fatalf("failed to seed collaborator: %v", err)
	}

	collaborators, err := service.ListCollaborators(context.Background(), documentID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(collaborators) != 2 {
		t.Fatalf("expected 2 collaborators, got %d", len(collaborators))
	}
	if collaborators[0].Role != RoleOwner {
		t.Fatalf("expected owner first, got %+v", collaborators[0])
	}
}

func TestRemoveCollaboratorRules(t *testing.T) {
	service, _ := newTestService(t, []string{"doc-1"})
	owner := mustUserID(t, "owner")
	guest := mustUserID(t, "guest")

	created, err := service.CreateDocument(context.Background(), owner, "Owner", mustTitle(t, "Shared"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	documentID := mustDocumentID(t, created.DocumentID)
	if err := service.UpsertCollaborator(context.Background(), documentID, guest, "Guest", RoleEditor); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := service.RemoveCollaborator(context.Background(), guest, documentID, guest); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for non-owner caller, got %v", err)
	}
	if err := service.RemoveCollaborator(context.Background(), owner, documentID, owner); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected owner removal to be rejected, got %v", err)
	}
	if err := service.RemoveCollaborator(context.Background(), owner, documentID, guest); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	collaborators, err := service.ListCollaborators(context.Background(), documentID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(collaborators) != 1 {
		t.Fatalf("expected only the owner to remain, got %d", len(collaborators))
	}
}

func TestNewTitleValidation(t *testing.T) {
	if _, err := NewTitle("   "); !errors.Is(err, ErrInvalidTitle) {
		t.Fatalf("expected ErrInvalidTitle, got %v", err)
	}
	long := make([]byte, maxTitleLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := NewTitle(string(long)); !errors.Is(err, ErrInvalidTitle) {
		t.Fatalf("expected ErrInvalidTitle for oversized title, got %v", err)
	}
	title, err := NewTitle("  Trimmed  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if title.String() != "Trimmed" {
		t.Fatalf("expected trimmed title, got %q", title.String())
	}
}

func TestServiceUsesInjectedClock(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Document{}, &DocumentSnapshot{}, &Collaborator{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	fixed := time.Unix(1800000000, 0).UTC()
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return fixed },
		IDProvider: &staticIDGenerator{ids: []string{"doc-1"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	document, err := service.CreateDocument(context.Background(), mustUserID(t, "user-1"), "User", mustTitle(t, "Clocked"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if document.UpdatedAtSeconds != fixed.Unix() {
		t.Fatalf("expected %d, got %d", fixed.Unix(), document.UpdatedAtSeconds)
	}
}
