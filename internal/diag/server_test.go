package diag

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"github.com/dbbouncer/mssqlcore/internal/catalog"
	"github.com/dbbouncer/mssqlcore/internal/pool"
	"github.com/dbbouncer/mssqlcore/internal/secret"
	"github.com/dbbouncer/mssqlcore/internal/settings"
)

func newTestServer() (*Server, *mux.Router) {
	cfg := settings.Defaults()
	s := secret.Secret{Host: "localhost", Port: 1433, Database: "db", User: "u", Password: "p"}
	p := pool.New(s, cfg)
	cat := catalog.New(p, cfg)

	srv := NewServer("test_attachment", p, cat, nil, "0.0.0-test")

	mr := mux.NewRouter()
	mr.HandleFunc("/ping", srv.pingHandler).Methods("GET")
	mr.HandleFunc("/pool_stats", srv.poolStatsHandler).Methods("GET")
	mr.HandleFunc("/refresh_cache", srv.refreshCacheHandler).Methods("POST")
	mr.HandleFunc("/version", srv.versionHandler).Methods("GET")
	return srv, mr
}

func TestPingHandler(t *testing.T) {
	srv, mr := newTestServer()
	defer srv.pool.Close()

	req := httptest.NewRequest("GET", "/ping", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestPoolStatsHandlerReflectsPool(t *testing.T) {
	srv, mr := newTestServer()
	defer srv.pool.Close()

	req := httptest.NewRequest("GET", "/pool_stats", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var stats pool.Stats
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Total != 0 {
		t.Errorf("Total = %d, want 0 for a freshly created pool", stats.Total)
	}
}

func TestRefreshCacheRequiresSchema(t *testing.T) {
	srv, mr := newTestServer()
	defer srv.pool.Close()

	req := httptest.NewRequest("POST", "/refresh_cache", bytes.NewBufferString(`{}`))
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing schema", rr.Code)
	}
}

func TestRefreshCacheAcceptsSchema(t *testing.T) {
	srv, mr := newTestServer()
	defer srv.pool.Close()

	req := httptest.NewRequest("POST", "/refresh_cache", bytes.NewBufferString(`{"schema":"dbo"}`))
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestVersionHandler(t *testing.T) {
	srv, mr := newTestServer()
	defer srv.pool.Close()

	req := httptest.NewRequest("GET", "/version", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["version"] != "0.0.0-test" {
		t.Errorf("version = %v, want 0.0.0-test", body["version"])
	}
}
