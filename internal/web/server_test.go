package web

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/JonMunkholm/opsbulk/internal/artifact"
	"github.com/JonMunkholm/opsbulk/internal/config"
	"github.com/JonMunkholm/opsbulk/internal/core"
	"github.com/JonMunkholm/opsbulk/internal/modules"
	"github.com/JonMunkholm/opsbulk/internal/store/memstore"
	"github.com/gorilla/websocket"
)

type testEnv struct {
	srv   *Server
	svc   *core.Service
	items *modules.MemoryTable
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	artifacts, err := artifact.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	items := modules.NewMemoryTable(modules.StockItems)
	reg := core.NewRegistry()
	reg.Register(items)

	svc := core.NewService(memstore.New(), reg, artifacts, core.Options{TempDir: t.TempDir()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})
	return &testEnv{srv: NewServer(svc, opts), svc: svc, items: items}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, path string, fields map[string]string, csvData string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	fw, err := mw.CreateFormFile("file", "items.csv")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(fw, csvData)
	mw.Close()

	req := httptest.NewRequest("POST", path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(method, path string, v any) *http.Request {
	data, _ := json.Marshal(v)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

// startImport uploads csvData and waits for the job to finish.
func (e *testEnv) startImport(t *testing.T, csvData string) core.ImportJob {
	t.Helper()
	rec := e.do(t, uploadRequest(t, "/api/import", map[string]string{"module": "stock_items"}, csvData))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start import status = %d: %s", rec.Code, rec.Body.String())
	}
	job := decode[core.ImportJob](t, rec)
	e.svc.Wait()

	rec = e.do(t, httptest.NewRequest("GET", "/api/import/"+job.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get import status = %d", rec.Code)
	}
	return decode[core.ImportJob](t, rec)
}

// ===== Import Tests =====

func TestImportLifecycle(t *testing.T) {
	e := newTestEnv(t, Options{})

	job := e.startImport(t, "code,name,quantity\nA,Anvil,1\nB,,2\nC,Chain,3\n")
	if job.Status != core.ImportCompleted || job.SuccessRows != 2 || job.ErrorRows != 1 {
		t.Fatalf("job = %+v", job)
	}

	rec := e.do(t, httptest.NewRequest("GET", "/api/import/"+job.ID+"/errors?size=10", nil))
	page := decode[struct {
		Items []core.RowError `json:"items"`
		Total int             `json:"total"`
	}](t, rec)
	if page.Total != 1 || page.Items[0].RowNumber != 2 {
		t.Errorf("errors page = %+v", page)
	}

	rec = e.do(t, httptest.NewRequest("GET", "/api/import/"+job.ID+"/errors.csv", nil))
	cr := csv.NewReader(rec.Body)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[1][0] != "2" || records[1][1] != "validation" || records[1][3] != "B" {
		t.Errorf("errors.csv = %v", records)
	}

	rec = e.do(t, httptest.NewRequest("POST", "/api/import/"+job.ID+"/rollback", nil))
	report := decode[core.RollbackReport](t, rec)
	if rec.Code != http.StatusOK || report.Reverted != 2 {
		t.Errorf("rollback = %d %+v", rec.Code, report)
	}
	if e.items.Len() != 0 {
		t.Errorf("items after rollback = %d", e.items.Len())
	}

	rec = e.do(t, httptest.NewRequest("DELETE", "/api/import/"+job.ID, nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	rec = e.do(t, httptest.NewRequest("GET", "/api/import/"+job.ID, nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", rec.Code)
	}
}

func TestImportRequestErrors(t *testing.T) {
	e := newTestEnv(t, Options{})

	tests := []struct {
		name     string
		req      *http.Request
		want     int
		wantCode string
	}{
		{
			name:     "missing required mapping",
			req:      uploadRequest(t, "/api/import", map[string]string{"module": "stock_items"}, "code,quantity\nA,1\n"),
			want:     http.StatusUnprocessableEntity,
			wantCode: "MAP001",
		},
		{
			name:     "unknown module",
			req:      uploadRequest(t, "/api/import", map[string]string{"module": "nope"}, "code\nA\n"),
			want:     http.StatusNotFound,
			wantCode: "MOD001",
		},
		{
			name:     "invalid strategy",
			req:      uploadRequest(t, "/api/import", map[string]string{"module": "stock_items", "duplicateStrategy": "merge"}, "code,name\nA,B\n"),
			want:     http.StatusBadRequest,
			wantCode: "IMP003",
		},
		{
			name:     "bad mapping json",
			req:      uploadRequest(t, "/api/import", map[string]string{"module": "stock_items", "mapping": "{"}, "code,name\nA,B\n"),
			want:     http.StatusBadRequest,
			wantCode: "REQ001",
		},
		{
			name:     "no file",
			req:      jsonRequest("POST", "/api/import", map[string]string{"module": "stock_items"}),
			want:     http.StatusBadRequest,
			wantCode: "REQ001",
		},
		{
			name:     "unknown job",
			req:      httptest.NewRequest("POST", "/api/import/does-not-exist/cancel", nil),
			want:     http.StatusNotFound,
			wantCode: "JOB001",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, tt.req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
			if resp := decode[ErrorResponse](t, rec); resp.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", resp.Code, tt.wantCode)
			}
		})
	}
}

func TestImportMissingRequired_ListsKeys(t *testing.T) {
	e := newTestEnv(t, Options{})
	rec := e.do(t, uploadRequest(t, "/api/import", map[string]string{"module": "stock_items"}, "quantity\n1\n"))

	resp := decode[struct {
		Details struct {
			MissingRequired []string `json:"missingRequired"`
		} `json:"details"`
	}](t, rec)
	if strings.Join(resp.Details.MissingRequired, ",") != "code,name" {
		t.Errorf("missingRequired = %v", resp.Details.MissingRequired)
	}
}

func TestPreview(t *testing.T) {
	e := newTestEnv(t, Options{})
	rec := e.do(t, uploadRequest(t, "/api/import/preview", map[string]string{"module": "stock_items"}, "Item Code,Name\nA,Anvil\n"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	preview := decode[core.PreviewResult](t, rec)
	if preview.RowCount != 1 || len(preview.MissingRequired) != 0 {
		t.Errorf("preview = %+v", preview)
	}
}

func TestCreatedByFromHeader(t *testing.T) {
	e := newTestEnv(t, Options{})
	req := uploadRequest(t, "/api/import", map[string]string{"module": "stock_items"}, "code,name\nA,Anvil\n")
	req.Header.Set("X-User", "jane@ops")
	rec := e.do(t, req)
	e.svc.Wait()

	if job := decode[core.ImportJob](t, rec); job.CreatedBy != "jane@ops" {
		t.Errorf("CreatedBy = %q", job.CreatedBy)
	}
}

// ===== Export Tests =====

func TestExportAndDownload(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.items.Seed(nil, core.CanonicalRow{"code": "A", "name": "Anvil", "quantity": "1"})

	rec := e.do(t, jsonRequest("POST", "/api/export", map[string]any{
		"module":  "stock_items",
		"columns": []string{"code", "quantity"},
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("export status = %d: %s", rec.Code, rec.Body.String())
	}
	job := decode[core.ExportJob](t, rec)

	rec = e.do(t, httptest.NewRequest("GET", "/api/export/"+job.ID+"/download", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("download status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "code,quantity\r\nA,1\r\n" {
		t.Errorf("download = %q", got)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, job.FileName) {
		t.Errorf("Content-Disposition = %q", cd)
	}
}

func TestExportErrors(t *testing.T) {
	e := newTestEnv(t, Options{})

	tests := []struct {
		name string
		body any
		want int
	}{
		{"unknown column", map[string]any{"module": "stock_items", "columns": []string{"colour"}}, http.StatusBadRequest},
		{"bad filter", map[string]any{"module": "stock_items", "filters": []map[string]string{{"field": "code", "operator": "like"}}}, http.StatusBadRequest},
		{"unknown field in body", map[string]any{"module": "stock_items", "format": "xlsx"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := e.do(t, jsonRequest("POST", "/api/export", tt.body)); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	if rec := e.do(t, httptest.NewRequest("GET", "/api/export/missing/download", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("download unknown = %d", rec.Code)
	}
}

// ===== Scheduled Export Tests =====

func TestScheduledExportRoutes(t *testing.T) {
	e := newTestEnv(t, Options{})

	rec := e.do(t, jsonRequest("POST", "/api/scheduled-exports", map[string]any{
		"name":       "Nightly stock",
		"module":     "stock_items",
		"schedule":   "daily",
		"recipients": []string{"ops@example.com"},
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	sched := decode[core.ScheduledExport](t, rec)
	if !sched.IsActive || sched.NextRunAt == nil {
		t.Fatalf("schedule = %+v", sched)
	}

	rec = e.do(t, jsonRequest("PATCH", "/api/scheduled-exports/"+sched.ID+"/active", map[string]bool{"isActive": false}))
	if got := decode[core.ScheduledExport](t, rec); rec.Code != http.StatusOK || got.IsActive || got.NextRunAt != nil {
		t.Errorf("deactivate = %d %+v", rec.Code, got)
	}

	rec = e.do(t, httptest.NewRequest("GET", "/api/scheduled-exports/"+sched.ID+"/runs", nil))
	if runs := decode[[]core.ScheduledExportRun](t, rec); len(runs) != 0 {
		t.Errorf("runs = %v", runs)
	}

	rec = e.do(t, httptest.NewRequest("DELETE", "/api/scheduled-exports/"+sched.ID, nil))
	if got := decode[map[string]bool](t, rec); got["softDeleted"] {
		t.Errorf("schedule without runs should be hard deleted")
	}
	if rec := e.do(t, httptest.NewRequest("GET", "/api/scheduled-exports/"+sched.ID, nil)); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", rec.Code)
	}

	rec = e.do(t, jsonRequest("POST", "/api/scheduled-exports", map[string]any{
		"name": "Bad", "module": "stock_items", "schedule": "every tuesday", "recipients": []string{"ops@example.com"},
	}))
	if rec.Code != http.StatusBadRequest || decode[ErrorResponse](t, rec).Code != "SCH002" {
		t.Errorf("invalid schedule = %d %s", rec.Code, rec.Body.String())
	}
}

func TestNextRuns(t *testing.T) {
	e := newTestEnv(t, Options{})
	rec := e.do(t, httptest.NewRequest("GET", "/api/schedules/next?schedule=weekly&n=3", nil))
	resp := decode[struct {
		NextRuns []time.Time `json:"nextRuns"`
	}](t, rec)
	if len(resp.NextRuns) != 3 {
		t.Fatalf("nextRuns = %v", resp.NextRuns)
	}
	for _, at := range resp.NextRuns {
		if at.Weekday() != time.Sunday || at.Hour() != 0 {
			t.Errorf("run %v is not Sunday midnight", at)
		}
	}

	if rec := e.do(t, httptest.NewRequest("GET", "/api/schedules/next?schedule=61+*+*+*+*", nil)); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid expression status = %d", rec.Code)
	}
}

// ===== Auth, Pages and Progress Tests =====

func TestAPIKeyRequired(t *testing.T) {
	e := newTestEnv(t, Options{Security: config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"secret"}}})

	if rec := e.do(t, httptest.NewRequest("GET", "/api/modules", nil)); rec.Code != http.StatusUnauthorized {
		t.Errorf("no key = %d", rec.Code)
	}
	req := httptest.NewRequest("GET", "/api/modules", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := e.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("with key = %d", rec.Code)
	}
	if mods := decode[[]core.ModuleInfo](t, rec); len(mods) != 1 {
		t.Errorf("modules = %v", mods)
	}
	if rec := e.do(t, httptest.NewRequest("GET", "/healthz", nil)); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
}

func TestJobPage(t *testing.T) {
	e := newTestEnv(t, Options{})
	job := e.startImport(t, "code,name\nA,<b>Anvil</b>\n")

	rec := e.do(t, httptest.NewRequest("GET", "/jobs/"+job.ID, nil))
	body := rec.Body.String()
	if rec.Code != http.StatusOK || !strings.Contains(body, "COMPLETED") || !strings.Contains(body, "items.csv") {
		t.Errorf("page = %d %s", rec.Code, body)
	}
	if strings.Contains(body, "<script>") {
		t.Error("finished job page should not open a progress socket")
	}

	rec = e.do(t, httptest.NewRequest("GET", "/jobs/unknown", nil))
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "JOB001") {
		t.Errorf("unknown job page = %d %s", rec.Code, rec.Body.String())
	}
}

func TestImportProgressWS_FinishedJob(t *testing.T) {
	e := newTestEnv(t, Options{})
	job := e.startImport(t, "code,name\nA,Anvil\n")

	ts := httptest.NewServer(e.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/import/" + job.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snap core.ImportJob
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.ID != job.ID || snap.Status != core.ImportCompleted {
		t.Errorf("snapshot = %+v", snap)
	}

	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
}
