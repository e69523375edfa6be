package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/akarpov/logutil/internal/store"
	"github.com/akarpov/logutil/pkg/models"
)

func testServer(t *testing.T) (*Server, *store.DB) {
	t.Helper()
	db := store.New(1000, nil)
	return NewServer("127.0.0.1:0", db, t.TempDir()), db
}

func insertRecord(db *store.DB, ip, url string, status int) {
	rt := 0.25
	db.Insert(models.Record{
		IP:           ip,
		URL:          url,
		Method:       "GET",
		Domain:       "unknown",
		Timestamp:    time.Now().Unix(),
		Status:       &status,
		ResponseTime: &rt,
		LogLine:      ip + " " + url,
	})
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := testServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q", body["status"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	s, db := testServer(t)
	insertRecord(db, "1.1.1.1", "/a", 200)
	insertRecord(db, "2.2.2.2", "/b", 404)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var stats models.Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalRequests != 2 || stats.UniqueIPs != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestTopIPsLimit(t *testing.T) {
	s, db := testServer(t)
	insertRecord(db, "1.1.1.1", "/a", 200)
	insertRecord(db, "1.1.1.1", "/a", 200)
	insertRecord(db, "2.2.2.2", "/a", 200)
	insertRecord(db, "3.3.3.3", "/a", 200)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/top/ips?limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var top []models.KeyCount
	if err := json.NewDecoder(rec.Body).Decode(&top); err != nil {
		t.Fatal(err)
	}
	if len(top) != 2 {
		t.Fatalf("len = %d, want 2", len(top))
	}
	if top[0].Key != "1.1.1.1" || top[0].Count != 2 {
		t.Errorf("top[0] = %+v", top[0])
	}
}

func TestFindByIP(t *testing.T) {
	s, db := testServer(t)
	insertRecord(db, "1.1.1.1", "/a", 200)
	insertRecord(db, "1.1.1.1", "/b", 200)
	insertRecord(db, "2.2.2.2", "/a", 200)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/records/by-ip/1.1.1.1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var records []models.Record
	if err := json.NewDecoder(rec.Body).Decode(&records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Errorf("len = %d, want 2", len(records))
	}
}

func TestFindByURLRequiresParam(t *testing.T) {
	s, db := testServer(t)
	insertRecord(db, "1.1.1.1", "/a", 200)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/records/by-url")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/records/by-url?url=%2Fa")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var records []models.Record
	if err := json.NewDecoder(rec.Body).Decode(&records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("len = %d, want 1", len(records))
	}
}

func TestSlowRequestsRejectsBadThreshold(t *testing.T) {
	s, _ := testServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/slow-requests?threshold=nope")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/slow-requests?threshold=-1")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestTimeSeriesRejectsBadInterval(t *testing.T) {
	s, _ := testServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/timeseries?interval=0")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSecurityEndpoints(t *testing.T) {
	s, db := testServer(t)
	insertRecord(db, "6.6.6.6", "/page?id=1 union select password", 403)
	insertRecord(db, "1.1.1.1", "/ok", 200)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/security/suspicious-ips")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var ips []models.KeyCount
	if err := json.NewDecoder(rec.Body).Decode(&ips); err != nil {
		t.Fatal(err)
	}
	if len(ips) != 1 || ips[0].Key != "6.6.6.6" {
		t.Errorf("suspicious ips = %+v", ips)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/v1/security/ip/6.6.6.6/patterns")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		IP       string   `json:"ip"`
		Patterns []string `json:"patterns"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.IP != "6.6.6.6" || len(body.Patterns) == 0 {
		t.Errorf("patterns response = %+v", body)
	}
}

func TestExportEndpoint(t *testing.T) {
	s, db := testServer(t)
	insertRecord(db, "1.1.1.1", "/a", 200)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/export")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(body["path"]); err != nil {
		t.Errorf("export file: %v", err)
	}
}
