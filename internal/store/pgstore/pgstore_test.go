package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"os"
	"testing"
	"time"

	"github.com/JonMunkholm/opsbulk/internal/artifact"
	"github.com/JonMunkholm/opsbulk/internal/config"
	"github.com/JonMunkholm/opsbulk/internal/core"
	"github.com/JonMunkholm/opsbulk/internal/modules"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testStore *Store

// TestMain starts a Postgres container when OPSBULK_CONTAINER_TESTS=1.
// Without it every test in this package is skipped.
func TestMain(m *testing.M) {
	if os.Getenv("OPSBULK_CONTAINER_TESTS") != "1" {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "opsbulk",
				"POSTGRES_PASSWORD": "opsbulk",
				"POSTGRES_DB":       "opsbulk",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("container port: %v", err)
	}

	pool, err := NewPool(ctx, config.DatabaseConfig{
		URL:      fmt.Sprintf("postgres://opsbulk:opsbulk@%s:%s/opsbulk?sslmode=disable", host, port.Port()),
		MaxConns: 8,
		MinConns: 1,
	})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	testStore = New(pool)
	if _, err := testStore.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	code := m.Run()

	pool.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func requireDB(t *testing.T) *Store {
	t.Helper()
	if testStore == nil {
		t.Skip("set OPSBULK_CONTAINER_TESTS=1 to run Postgres integration tests")
	}
	return testStore
}

func newService(t *testing.T, store *Store) (*core.Service, *modules.PostgresTable) {
	t.Helper()
	artifacts, err := artifact.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg := core.NewRegistry()
	modules.RegisterPostgres(reg, store.Pool())
	adapter, ok := reg.Get("stock_items")
	if !ok {
		t.Fatal("stock_items not registered")
	}
	items := adapter.(*modules.PostgresTable)

	svc := core.NewService(store, reg, artifacts, core.Options{TempDir: t.TempDir()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})
	return svc, items
}

// ----------------------------------------------------------------------------
// Migration Tests
// ----------------------------------------------------------------------------

func TestMigrate_Idempotent(t *testing.T) {
	store := requireDB(t)
	applied, err := store.Migrate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 0 {
		t.Errorf("second Migrate applied %v", applied)
	}
}

// ----------------------------------------------------------------------------
// Engine Round Trip Tests
// ----------------------------------------------------------------------------

func TestImportRollbackExport_Postgres(t *testing.T) {
	store := requireDB(t)
	ctx := context.Background()
	svc, items := newService(t, store)

	if _, err := store.Pool().Exec(ctx, `TRUNCATE stock_items`); err != nil {
		t.Fatal(err)
	}
	if _, err := items.CreateRecord(ctx, core.CanonicalRow{"code": "PG-1", "name": "Original", "quantity": "5"}, nil); err != nil {
		t.Fatal(err)
	}

	job, err := svc.StartImport(ctx, core.ImportRequest{
		Module:            "stock_items",
		FileName:          "items.csv",
		Data:              []byte("code,name,quantity\npg-1,Renamed,7\nPG-2,New,3\nPG-3,,1\n"),
		DuplicateStrategy: core.DuplicateUpdate,
	})
	if err != nil {
		t.Fatal(err)
	}
	svc.Wait()

	final, err := svc.GetImportJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != core.ImportCompleted || final.SuccessRows != 2 || final.ErrorRows != 1 {
		t.Fatalf("job = %s success=%d errors=%d (%s)", final.Status, final.SuccessRows, final.ErrorRows, final.LastError)
	}

	rowErrs, total, err := svc.ListRowErrors(ctx, job.ID, core.Page{Size: 10})
	if err != nil || total != 1 || rowErrs[0].RowNumber != 3 {
		t.Fatalf("row errors = %+v total=%d err=%v", rowErrs, total, err)
	}

	exp, err := svc.RunExport(ctx, core.ExportRequest{
		Module:  "stock_items",
		Columns: []string{"code", "quantity"},
		Filters: []core.Filter{{Field: "code", Operator: core.OpStartsWith, Value: "pg-"}},
	})
	if err != nil {
		t.Fatalf("RunExport: %v", err)
	}
	if exp.TotalRows != 2 {
		t.Errorf("export rows = %d, want 2", exp.TotalRows)
	}

	report, err := svc.Rollback(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Reverted != 2 || !report.Complete() {
		t.Fatalf("report = %+v", report)
	}

	var got []core.CanonicalRow
	for rec, err := range items.Query(ctx, nil, nil) {
		if err != nil {
			t.Fatal(err)
		}
		row := rec.(core.CanonicalRow)
		delete(row, "id")
		got = append(got, row)
	}
	if len(got) != 1 {
		t.Fatalf("rows after rollback = %d, want 1", len(got))
	}
	want := core.CanonicalRow{
		"code": "PG-1", "name": "Original", "quantity": "5",
		"category": "", "unit_cost": "", "reorder_level": "", "location": "",
	}
	if !maps.Equal(got[0], want) {
		t.Errorf("restored row = %v, want %v", got[0], want)
	}

	stored, _ := store.GetImportJob(ctx, job.ID)
	if stored.RolledBackAt == nil {
		t.Error("RolledBackAt not persisted")
	}
}

func TestSchedules_Postgres(t *testing.T) {
	store := requireDB(t)
	ctx := context.Background()
	svc, _ := newService(t, store)

	sched, err := svc.CreateScheduledExport(ctx, core.ScheduleInput{
		Name:       "Weekly stock",
		Module:     "stock_items",
		Schedule:   "weekly",
		Recipients: []string{"ops@example.com"},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}

	due, err := store.ListDueScheduledExports(ctx, sched.NextRunAt.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, d := range due {
		found = found || d.ID == sched.ID
	}
	if !found {
		t.Error("schedule not listed as due after nextRunAt")
	}

	run := &core.ScheduledExportRun{
		ID: "6f1c1d1e-0000-4000-8000-000000000001", ScheduledExportID: sched.ID,
		Status: core.RunFailure, ErrorMessage: "boom", TriggeredAt: time.Now().UTC(), CreatedAt: time.Now().UTC(),
	}
	if err := store.AppendScheduledExportRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	soft, err := svc.DeleteScheduledExport(ctx, sched.ID)
	if err != nil || !soft {
		t.Fatalf("delete = %v, %v; want soft delete", soft, err)
	}

	if _, err := store.GetScheduledExport(ctx, "not-a-uuid"); !errors.Is(err, core.ErrScheduleNotFound) {
		t.Errorf("lookup by malformed id = %v", err)
	}
}
