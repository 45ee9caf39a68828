package catalog

import (
	"context"

	"github.com/jacentio/stockroom/hierarchy"
)

// Category is one node of a tenant's product category tree.
type Category struct {
	ID        string
	Name      string
	Parent    string
	Ancestors []string
	Version   int64
	CreatedAt string
	UpdatedAt string
}

// CategoryInput creates a category, optionally under a parent.
type CategoryInput struct {
	Name   string
	Parent string
}

// CategoryChange updates a category. Name is replaced when non-empty;
// Parent follows the hierarchy.Change convention (nil unchanged, empty
// clears, id reparents).
type CategoryChange struct {
	Name   string
	Parent *string
}

type categoryKind struct{}

func (categoryKind) Name() string { return KindCategory }

func (categoryKind) Validate(*hierarchy.Node) error { return nil }

func (categoryKind) UniqueFields(n *hierarchy.Node) map[string]string {
	return map[string]string{"name": n.Name}
}

// Categories exposes the category tree of every tenant.
type Categories struct {
	eng *hierarchy.Engine
}

// NewCategories creates the category service over an engine.
func NewCategories(eng *hierarchy.Engine) *Categories {
	return &Categories{eng: eng}
}

// Create adds a category to the tenant's tree.
func (c *Categories) Create(ctx context.Context, tenantKey string, in CategoryInput) (*Category, error) {
	n, err := c.eng.Create(ctx, tenantKey, categoryKind{}, hierarchy.Draft{
		Name:   in.Name,
		Parent: in.Parent,
	})
	if err != nil {
		return nil, err
	}
	return categoryFromNode(n), nil
}

// Update renames or reparents a category.
func (c *Categories) Update(ctx context.Context, tenantKey, id string, change CategoryChange) (*Category, error) {
	n, err := c.eng.Update(ctx, tenantKey, categoryKind{}, id, hierarchy.Change{
		Name:   change.Name,
		Parent: change.Parent,
	})
	if err != nil {
		return nil, err
	}
	return categoryFromNode(n), nil
}

// Get returns one category by id.
func (c *Categories) Get(ctx context.Context, tenantKey, id string) (*Category, error) {
	n, err := c.eng.Get(ctx, tenantKey, categoryKind{}, id)
	if err != nil {
		return nil, err
	}
	return categoryFromNode(n), nil
}

// List returns the tenant's categories in creation order.
func (c *Categories) List(ctx context.Context, tenantKey string) ([]*Category, error) {
	nodes, err := c.eng.List(ctx, tenantKey, categoryKind{})
	if err != nil {
		return nil, err
	}
	out := make([]*Category, len(nodes))
	for i, n := range nodes {
		out[i] = categoryFromNode(n)
	}
	return out, nil
}

// Delete removes a category unless children or products still reference it.
func (c *Categories) Delete(ctx context.Context, tenantKey, id string) error {
	return c.eng.Delete(ctx, tenantKey, categoryKind{}, id)
}

func categoryFromNode(n *hierarchy.Node) *Category {
	return &Category{
		ID:        n.ID,
		Name:      n.Name,
		Parent:    n.Parent,
		Ancestors: n.Ancestors,
		Version:   n.Version,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
}
