package catalog_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jacentio/stockroom/catalog"
	"github.com/jacentio/stockroom/hierarchy"
)

// --- Party Tests ---

func TestPartyLifecycle(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	created, err := svc.parties.Create(ctx, testTenant, catalog.Party{
		Name:    "  Acme Supplies  ",
		Phone:   "555-0100",
		Address: "1 Warehouse Way",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.Name != "Acme Supplies" {
		t.Errorf("expected trimmed name, got %q", created.Name)
	}
	if created.Version != 1 || created.CreatedAt == "" {
		t.Errorf("unexpected party %+v", created)
	}

	got, err := svc.parties.Get(ctx, testTenant, created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != created.Name || got.Phone != created.Phone || got.Address != created.Address {
		t.Errorf("Get returned %+v, expected %+v", got, created)
	}

	listed, err := svc.parties.List(ctx, testTenant)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 party, got %d", len(listed))
	}

	if err := svc.parties.Delete(ctx, testTenant, created.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.parties.Get(ctx, testTenant, created.ID); !errors.Is(err, hierarchy.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestPartyValidation(t *testing.T) {
	svc := newTestServices(t)

	_, err := svc.parties.Create(context.Background(), testTenant, catalog.Party{Name: "   "})
	if !errors.Is(err, hierarchy.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestPartyGet_InvalidID(t *testing.T) {
	svc := newTestServices(t)

	_, err := svc.parties.Get(context.Background(), testTenant, "nope")
	if !errors.Is(err, hierarchy.ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
}

// --- Tax Tests ---

func TestTaxLifecycle(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	created, err := svc.taxes.Create(ctx, testTenant, catalog.Tax{Name: "VAT", Rate: 19})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.Rate != 19 {
		t.Errorf("expected rate 19, got %v", created.Rate)
	}

	got, err := svc.taxes.Get(ctx, testTenant, created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != "VAT" || got.Rate != 19 {
		t.Errorf("unexpected tax %+v", got)
	}

	if err := svc.taxes.Delete(ctx, testTenant, created.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	listed, err := svc.taxes.List(ctx, testTenant)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(listed) != 0 {
		t.Errorf("expected empty listing after delete, got %v", listed)
	}
}

func TestTaxValidation(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   catalog.Tax
	}{
		{"blank name", catalog.Tax{Name: " ", Rate: 5}},
		{"negative rate", catalog.Tax{Name: "VAT", Rate: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.taxes.Create(ctx, testTenant, tt.in); !errors.Is(err, hierarchy.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}
