package catalog

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/stockroom/hierarchy"
)

// Unit is one node of a tenant's unit-of-measure tree. A derived unit
// references its base unit as parent and carries the conversion factor
// Times relative to it (e.g. Kilogram = 1000 x Gram).
type Unit struct {
	ID        string
	Name      string
	ShortName string
	Base      string
	Times     float64
	Ancestors []string
	Version   int64
	CreatedAt string
	UpdatedAt string
}

// UnitInput creates a unit, optionally derived from a base unit.
type UnitInput struct {
	Name      string
	ShortName string
	Base      string
	Times     float64
}

// UnitChange updates a unit. Zero-value fields are left untouched; Base
// follows the hierarchy.Change convention (nil unchanged, empty clears,
// id rebases).
type UnitChange struct {
	Name      string
	ShortName string
	Base      *string
	Times     float64
}

type unitKind struct{}

func (unitKind) Name() string { return KindUnit }

func (unitKind) Validate(n *hierarchy.Node) error {
	if n.StringAttr("short_name") == "" {
		return fmt.Errorf("%w: short name is required", hierarchy.ErrValidation)
	}
	if n.Parent != "" && n.NumberAttr("times") <= 0 {
		return fmt.Errorf("%w: conversion factor must be positive", hierarchy.ErrValidation)
	}
	return nil
}

func (unitKind) UniqueFields(n *hierarchy.Node) map[string]string {
	return map[string]string{
		"name":       n.Name,
		"short_name": n.StringAttr("short_name"),
	}
}

// Units exposes the unit-of-measure tree of every tenant.
type Units struct {
	eng *hierarchy.Engine
}

// NewUnits creates the unit service over an engine.
func NewUnits(eng *hierarchy.Engine) *Units {
	return &Units{eng: eng}
}

// Create adds a unit, optionally derived from a base unit with a positive
// conversion factor.
func (u *Units) Create(ctx context.Context, tenantKey string, in UnitInput) (*Unit, error) {
	n, err := u.eng.Create(ctx, tenantKey, unitKind{}, hierarchy.Draft{
		Name:   in.Name,
		Parent: in.Base,
		Attrs:  unitAttrs(in.ShortName, in.Times),
	})
	if err != nil {
		return nil, err
	}
	return unitFromNode(n), nil
}

// Update renames or rebases a unit.
func (u *Units) Update(ctx context.Context, tenantKey, id string, change UnitChange) (*Unit, error) {
	n, err := u.eng.Update(ctx, tenantKey, unitKind{}, id, hierarchy.Change{
		Name:   change.Name,
		Parent: change.Base,
		Attrs:  unitAttrs(change.ShortName, change.Times),
	})
	if err != nil {
		return nil, err
	}
	return unitFromNode(n), nil
}

// Get returns one unit by id.
func (u *Units) Get(ctx context.Context, tenantKey, id string) (*Unit, error) {
	n, err := u.eng.Get(ctx, tenantKey, unitKind{}, id)
	if err != nil {
		return nil, err
	}
	return unitFromNode(n), nil
}

// List returns the tenant's units in creation order.
func (u *Units) List(ctx context.Context, tenantKey string) ([]*Unit, error) {
	nodes, err := u.eng.List(ctx, tenantKey, unitKind{})
	if err != nil {
		return nil, err
	}
	out := make([]*Unit, len(nodes))
	for i, n := range nodes {
		out[i] = unitFromNode(n)
	}
	return out, nil
}

// Delete removes a unit unless derived units or products still reference it.
func (u *Units) Delete(ctx context.Context, tenantKey, id string) error {
	return u.eng.Delete(ctx, tenantKey, unitKind{}, id)
}

// unitAttrs builds the kind-specific attributes. Zero values are omitted
// so updates leave untouched fields alone.
func unitAttrs(shortName string, times float64) map[string]types.AttributeValue {
	attrs := map[string]types.AttributeValue{}
	if shortName != "" {
		attrs["short_name"] = &types.AttributeValueMemberS{Value: shortName}
	}
	if times > 0 {
		attrs["times"] = &types.AttributeValueMemberN{
			Value: strconv.FormatFloat(times, 'f', -1, 64),
		}
	}
	return attrs
}

func unitFromNode(n *hierarchy.Node) *Unit {
	return &Unit{
		ID:        n.ID,
		Name:      n.Name,
		ShortName: n.StringAttr("short_name"),
		Base:      n.Parent,
		Times:     n.NumberAttr("times"),
		Ancestors: n.Ancestors,
		Version:   n.Version,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
}
