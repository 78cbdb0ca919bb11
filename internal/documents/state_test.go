package documents

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func createTestDocument(t *testing.T, service *Service) DocumentID {
	t.Helper()
	created, err := service.CreateDocument(context.Background(), mustUserID(t, "owner"), "Owner", mustTitle(t, "Stateful"))
	if err != nil {
		t.Fatalf("failed to create document: %v", err)
	}
	return mustDocumentID(t, created.DocumentID)
}

func TestLoadStateWithoutSnapshotReturnsMirror(t *testing.T) {
	service, _ := newTestService(t, []string{"doc-1"})
	documentID := createTestDocument(t, service)

	if err := service.SaveMirror(context.Background(), documentID, "seed me"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state, err := service.LoadState(context.Background(), documentID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.HasSnapshot {
		t.Fatal("expected no snapshot for a fresh document")
	}
	if state.MirrorText != "seed me" {
		t.Fatalf("unexpected mirror %q", state.MirrorText)
	}
}

func TestSaveSnapshotRoundTrip(t *testing.T) {
	service, _ := newTestService(t, []string{"doc-1"})
	documentID := createTestDocument(t, service)

	first := []byte{0xD0, 0x01, 0x01, 0x02}
	if err := service.SaveSnapshot(context.Background(), documentID, first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state, err := service.LoadState(context.Background(), documentID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !state.HasSnapshot {
		t.Fatal("expected a snapshot")
	}
	if !bytes.Equal(state.Snapshot, first) {
		t.Fatalf("unexpected snapshot bytes %v", state.Snapshot)
	}

	second := []byte{0xD0, 0x01, 0x00, 0x00}
	if err := service.SaveSnapshot(context.Background(), documentID, second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	state, err = service.LoadState(context.Background(), documentID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(state.Snapshot, second) {
		t.Fatalf("expected the second snapshot to replace the first, got %v", state.Snapshot)
	}
}

func TestSaveSnapshotRejectsEmptyState(t *testing.T) {
	service, _ := newTestService(t, []string{"doc-1"})
	documentID := createTestDocument(t, service)

	err := service.SaveSnapshot(context.Background(), documentID, nil)
	if err == nil {
		t.Fatal("expected an error for empty state")
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "documents.save_snapshot.empty_state" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestSaveSnapshotRequiresDocument(t *testing.T) {
	service, _ := newTestService(t, nil)
	err := service.SaveSnapshot(context.Background(), mustDocumentID(t, "missing"), []byte{0xD0})
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestSaveSnapshotTouchesDocumentUpdateTime(t *testing.T) {
	service, db := newTestService(t, []string{"doc-1"})
	documentID := createTestDocument(t, service)

	if err := db.Model(&Document{}).
		Where("document_id = ?", documentID.String()).
		Update("updated_at_s", 1).Error; err != nil {
		t.Fatalf("failed to age document: %v", err)
	}
	if err := service.SaveSnapshot(context.Background(), documentID, []byte{0xD0, 0x01, 0x00, 0x00}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	document, err := service.GetDocument(context.Background(), documentID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if document.UpdatedAtSeconds != 1700000600 {
		t.Fatalf("expected snapshot save to touch updated_at_s, got %d", document.UpdatedAtSeconds)
	}
}

func TestSaveMirrorPersistsPlainText(t *testing.T) {
	service, _ := newTestService(t, []string{"doc-1"})
	documentID := createTestDocument(t, service)

	if err := service.SaveMirror(context.Background(), documentID, "hello world"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text, err := service.PlainText(context.Background(), documentID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("unexpected mirror text %q", text)
	}
}

func TestSaveMirrorRequiresDocument(t *testing.T) {
	service, _ := newTestService(t, nil)
	err := service.SaveMirror(context.Background(), mustDocumentID(t, "missing"), "text")
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestPlainTextRequiresDocument(t *testing.T) {
	service, _ := newTestService(t, nil)
	if _, err := service.PlainText(context.Background(), mustDocumentID(t, "missing")); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}
