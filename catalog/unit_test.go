package catalog_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jacentio/stockroom/catalog"
	"github.com/jacentio/stockroom/hierarchy"
)

func TestUnitCreate(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	gram, err := svc.units.Create(ctx, testTenant, catalog.UnitInput{
		Name:      "Gram",
		ShortName: "g",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gram.ShortName != "g" || gram.Base != "" || gram.Times != 0 {
		t.Errorf("unexpected base unit %+v", gram)
	}

	kilo, err := svc.units.Create(ctx, testTenant, catalog.UnitInput{
		Name:      "Kilogram",
		ShortName: "kg",
		Base:      gram.ID,
		Times:     1000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kilo.Base != gram.ID || kilo.Times != 1000 {
		t.Errorf("unexpected derived unit %+v", kilo)
	}
	if len(kilo.Ancestors) != 1 || kilo.Ancestors[0] != gram.ID {
		t.Errorf("expected ancestors [%s], got %v", gram.ID, kilo.Ancestors)
	}
}

func TestUnitValidation(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	base, err := svc.units.Create(ctx, testTenant, catalog.UnitInput{Name: "Gram", ShortName: "g"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		in   catalog.UnitInput
	}{
		{"missing short name", catalog.UnitInput{Name: "Kilogram"}},
		{"derived without factor", catalog.UnitInput{Name: "Kilogram", ShortName: "kg", Base: base.ID}},
		{"negative factor", catalog.UnitInput{Name: "Kilogram", ShortName: "kg", Base: base.ID, Times: -2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.units.Create(ctx, testTenant, tt.in); !errors.Is(err, hierarchy.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestUnitUniqueShortName(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	if _, err := svc.units.Create(ctx, testTenant, catalog.UnitInput{Name: "Gram", ShortName: "g"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Distinct name, colliding short name.
	_, err := svc.units.Create(ctx, testTenant, catalog.UnitInput{Name: "Gauge", ShortName: "g"})
	if !errors.Is(err, hierarchy.ErrDuplicateName) {
		t.Errorf("expected ErrDuplicateName, got %v", err)
	}
}

func TestUnitDelete_VetoedByDerivedUnit(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	gram, err := svc.units.Create(ctx, testTenant, catalog.UnitInput{Name: "Gram", ShortName: "g"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	kilo, err := svc.units.Create(ctx, testTenant, catalog.UnitInput{
		Name: "Kilogram", ShortName: "kg", Base: gram.ID, Times: 1000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := svc.units.Delete(ctx, testTenant, gram.ID); !errors.Is(err, hierarchy.ErrReferenced) {
		t.Fatalf("expected ErrReferenced, got %v", err)
	}
	if err := svc.units.Delete(ctx, testTenant, kilo.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.units.Delete(ctx, testTenant, gram.ID); err != nil {
		t.Errorf("expected delete after derived unit removal, got %v", err)
	}
}

func TestUnitRebase(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	gram, err := svc.units.Create(ctx, testTenant, catalog.UnitInput{Name: "Gram", ShortName: "g"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pound, err := svc.units.Create(ctx, testTenant, catalog.UnitInput{Name: "Pound", ShortName: "lb"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ounce, err := svc.units.Create(ctx, testTenant, catalog.UnitInput{
		Name: "Ounce", ShortName: "oz", Base: pound.ID, Times: 16,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rebased, err := svc.units.Update(ctx, testTenant, ounce.ID, catalog.UnitChange{
		Base:  &gram.ID,
		Times: 28,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rebased.Base != gram.ID || rebased.Times != 28 {
		t.Errorf("unexpected rebased unit %+v", rebased)
	}
}
