package store

import (
	"context"
	"errors"
	"testing"
)

func TestInMemoryStoreCRUD(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	saved, err := s.Save(ctx, Application{Company: "Initech", Position: "Engineer"})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if saved.ID == "" {
		t.Fatalf("Save() did not assign an id")
	}
	if saved.Status != StatusSaved {
		t.Fatalf("Save() status = %q, want %q", saved.Status, StatusSaved)
	}
	if saved.CreatedAt.IsZero() || saved.UpdatedAt.IsZero() {
		t.Fatalf("Save() did not stamp timestamps")
	}

	got, err := s.Get(ctx, saved.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Company != "Initech" {
		t.Fatalf("Get() company = %q", got.Company)
	}

	got.Status = StatusApplied
	got.Notes = "referred by a friend"
	updated, err := s.Update(ctx, got)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Status != StatusApplied || updated.Notes == "" {
		t.Fatalf("Update() = %+v", updated)
	}
	if !updated.CreatedAt.Equal(saved.CreatedAt) {
		t.Fatalf("Update() changed created_at")
	}

	if err := s.Delete(ctx, saved.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, saved.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestInMemoryStoreListFiltersAndOrders(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	a, _ := s.Save(ctx, Application{Company: "A", Position: "Dev", Status: StatusApplied})
	if _, err := s.Save(ctx, Application{Company: "B", Position: "Dev"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	all, err := s.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List() returned %d items, want 2", len(all))
	}

	applied, err := s.List(ctx, StatusApplied, 0)
	if err != nil {
		t.Fatalf("List(applied) error = %v", err)
	}
	if len(applied) != 1 || applied[0].ID != a.ID {
		t.Fatalf("List(applied) = %+v", applied)
	}

	limited, err := s.List(ctx, "", 1)
	if err != nil {
		t.Fatalf("List(limit=1) error = %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("List(limit=1) returned %d items", len(limited))
	}
}

func TestInMemoryStoreUpdateMissing(t *testing.T) {
	s := NewInMemoryStore()
	if _, err := s.Update(context.Background(), Application{ID: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update() error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete() error = %v, want ErrNotFound", err)
	}
}
