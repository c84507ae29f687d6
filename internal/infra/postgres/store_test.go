package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/opsboard/opsboard/internal/domain"
)

// These tests need a live database:
//
//	OPSBOARD_TEST_DATABASE_URL=postgres://localhost/opsboard_test go test ./internal/infra/postgres
func openTestStore(t *testing.T) (*Store, domain.Scope) {
	t.Helper()
	dsn := os.Getenv("OPSBOARD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("OPSBOARD_TEST_DATABASE_URL not set")
	}
	s, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	// A fresh tenant per test keeps runs isolated on a shared database.
	return s, domain.Scope{TenantID: "test-" + uuid.NewString(), SiteID: "s1"}
}

func TestStore_InsertSelectUpdate(t *testing.T) {
	s, scope := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Insert(ctx, scope, domain.TableTasks, domain.Row{"id": uuid.NewString(), "name": "Mop", "due_date": "2024-01-10"}); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	rows, err := s.Select(ctx, scope, domain.Query{Table: domain.TableTasks})
	if err != nil || len(rows) != 1 {
		t.Fatalf("Select() = %d rows, %v", len(rows), err)
	}
	id := rows[0].String("id")

	n, err := s.Update(ctx, scope, domain.TableTasks, []domain.Cond{domain.Eq("id", id)}, domain.Row{"status": "completed"})
	if err != nil || n != 1 {
		t.Fatalf("Update() = %d, %v", n, err)
	}
	n, err = s.Delete(ctx, scope, domain.TableTasks, []domain.Cond{domain.Eq("id", id)})
	if err != nil || n != 1 {
		t.Fatalf("Delete() = %d, %v", n, err)
	}
}

func TestStore_InTxRollback(t *testing.T) {
	s, scope := openTestStore(t)
	ctx := context.Background()

	var published int
	defer s.Subscribe(scope, domain.TableTasks, func(domain.Change) { published++ })()

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx domain.RowStore) error {
		if _, err := tx.Insert(ctx, scope, domain.TableTasks, domain.Row{"id": uuid.NewString(), "name": "A"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v, want boom", err)
	}
	rows, err := s.Select(ctx, scope, domain.Query{Table: domain.TableTasks})
	if err != nil || len(rows) != 0 {
		t.Errorf("Select() after rollback = %d rows, %v", len(rows), err)
	}
	if published != 0 {
		t.Errorf("published %d changes after rollback", published)
	}
}

func TestStore_RequiresTenant(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.Select(context.Background(), domain.Scope{}, domain.Query{Table: domain.TableTasks})
	if !errors.Is(err, domain.ErrMissingTenant) {
		t.Errorf("Select() error = %v, want ErrMissingTenant", err)
	}
}
