package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cowritelabs/cowrite/internal/auth"
	"github.com/cowritelabs/cowrite/internal/crdt"
	"github.com/cowritelabs/cowrite/internal/documents"
	"github.com/cowritelabs/cowrite/internal/relay"
)

type sequentialIDs struct {
	prefix string
	next   int
}

func (g *sequentialIDs) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

type serverKit struct {
	handler http.Handler
	service *documents.Service
	broker  *relay.Broker
	hubs    *HubManager
	issuer  *auth.TokenIssuer
}

type serverKitOptions struct {
	mirrorDebounce time.Duration
	snapshotEvery  time.Duration
	idleTTL        time.Duration
	sweepInterval  time.Duration
}

func newServerKit(t *testing.T) *serverKit {
	t.Helper()
	return newServerKitWithOptions(t, serverKitOptions{
		mirrorDebounce: 20 * time.Millisecond,
		snapshotEvery:  40 * time.Millisecond,
	})
}

func newServerKitWithOptions(t *testing.T, options serverKitOptions) *serverKit {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:cowrite_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&documents.Document{}, &documents.DocumentSnapshot{}, &documents.Collaborator{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		IDProvider: &sequentialIDs{prefix: "doc"},
	})
	if err != nil {
		t.Fatalf("failed to construct documents service: %v", err)
	}

	broker := relay.NewBroker()
	hubs, err := NewHubManager(HubManagerConfig{
		Store:          service,
		Relay:          broker,
		MirrorDebounce: options.mirrorDebounce,
		SnapshotEvery:  options.snapshotEvery,
		IdleTTL:        options.idleTTL,
		SweepInterval:  options.sweepInterval,
	})
	if err != nil {
		t.Fatalf("failed to construct hub manager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hubs.CloseAll(ctx)
	})

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("server-test-secret"),
		Issuer:        "cowrite-auth",
		Audience:      "cowrite-api",
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: issuer,
		Documents:    service,
		Relay:        broker,
		Hubs:         hubs,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	return &serverKit{
		handler: handler,
		service: service,
		broker:  broker,
		hubs:    hubs,
		issuer:  issuer,
	}
}

func (kit *serverKit) token(t *testing.T, userID, username string) string {
	t.Helper()
	token, _, err := kit.issuer.IssueToken(context.Background(), auth.Identity{UserID: userID, Username: username})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (kit *serverKit) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	kit.handler.ServeHTTP(recorder, request)
	return recorder
}

func (kit *serverKit) createDocument(t *testing.T, token, title string) string {
	t.Helper()
	recorder := kit.do(t, http.MethodPost, "/documents", token, gin.H{"title": title})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("failed to create document: %d %s", recorder.Code, recorder.Body.String())
	}
	var payload struct {
		DocumentID string `json:"document_id"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode create response: %v", err)
	}
	if payload.DocumentID == "" {
		t.Fatal("create response missing document id")
	}
	return payload.DocumentID
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func insertUpdate(t *testing.T, doc *crdt.Doc, index int, text string) []byte {
	t.Helper()
	update, err := doc.Insert(index, text)
	if err != nil {
		t.Fatalf("failed to build update: %v", err)
	}
	return crdt.EncodeUpdate(update)
}

func waitFor(t *testing.T, message string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if condition() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", message)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
