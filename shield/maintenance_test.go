package shield

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/docsync/dbopen"
)

func setupShieldDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func TestMaintenance_Off(t *testing.T) {
	db := setupShieldDB(t)
	mm := NewMaintenanceMode(db)

	handler := mm.Middleware(okHandler())
	req := httptest.NewRequest("GET", "/team-notes", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 when maintenance off, got %d", w.Code)
	}
	if w.Body.String() != "OK" {
		t.Errorf("expected OK body, got %q", w.Body.String())
	}
}

func TestMaintenance_On(t *testing.T) {
	db := setupShieldDB(t)
	db.Exec(`UPDATE maintenance SET active = 1, message = 'upgrading storage' WHERE id = 1`)

	mm := NewMaintenanceMode(db)

	handler := mm.Middleware(okHandler())
	req := httptest.NewRequest("GET", "/team-notes", nil)
	req.Header.Set("Upgrade", "websocket")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when maintenance on, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "upgrading storage") {
		t.Errorf("expected maintenance message in body, got %q", w.Body.String())
	}
	if ra := w.Header().Get("Retry-After"); ra != "300" {
		t.Errorf("expected Retry-After: 300, got %q", ra)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}
}

func TestMaintenance_ExcludedPath(t *testing.T) {
	db := setupShieldDB(t)
	db.Exec(`UPDATE maintenance SET active = 1 WHERE id = 1`)

	mm := NewMaintenanceMode(db, "/healthz")
	handler := mm.Middleware(okHandler())

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("/healthz should bypass maintenance, got %d", w.Code)
	}
}

func TestMaintenance_NoTable(t *testing.T) {
	db := dbopen.OpenMemory(t)

	mm := NewMaintenanceMode(db)
	if mm.Active() {
		t.Error("expected maintenance off when table missing")
	}

	handler := mm.Middleware(okHandler())
	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 when no table, got %d", w.Code)
	}
}

func TestMaintenance_Toggle(t *testing.T) {
	db := setupShieldDB(t)
	mm := NewMaintenanceMode(db)

	if mm.Active() {
		t.Fatal("expected off initially")
	}

	db.Exec(`UPDATE maintenance SET active = 1 WHERE id = 1`)
	mm.reload()
	if !mm.Active() {
		t.Fatal("expected on after toggle")
	}

	db.Exec(`UPDATE maintenance SET active = 0 WHERE id = 1`)
	mm.reload()
	if mm.Active() {
		t.Fatal("expected off after second toggle")
	}
}

func TestMaintenance_Set(t *testing.T) {
	db := setupShieldDB(t)
	mm := NewMaintenanceMode(db)
	ctx := context.Background()

	if err := mm.Set(ctx, true, "draining"); err != nil {
		t.Fatal(err)
	}
	if !mm.Active() || mm.Message() != "draining" {
		t.Fatalf("active=%v message=%q", mm.Active(), mm.Message())
	}

	// Empty message keeps the stored one.
	if err := mm.Set(ctx, false, ""); err != nil {
		t.Fatal(err)
	}
	if mm.Active() || mm.Message() != "draining" {
		t.Fatalf("active=%v message=%q", mm.Active(), mm.Message())
	}
}
