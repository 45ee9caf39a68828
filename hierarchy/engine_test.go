package hierarchy_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/oklog/ulid/v2"

	"github.com/jacentio/stockroom/hierarchy"
	"github.com/jacentio/stockroom/internal/dynamofake"
	"github.com/jacentio/stockroom/tenant"
)

// thingKind is a minimal hierarchical kind with a unique name.
type thingKind struct{}

func (thingKind) Name() string                   { return "thing" }
func (thingKind) Validate(*hierarchy.Node) error { return nil }

func (thingKind) UniqueFields(n *hierarchy.Node) map[string]string {
	return map[string]string{"name": n.Name}
}

const testTenant = "acme42"

func newTestEngine(t *testing.T) (*hierarchy.Engine, *dynamofake.Fake) {
	t.Helper()
	fake := dynamofake.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := tenant.NewRouter(fake, tenant.DefaultConfig(), logger)
	t.Cleanup(router.Close)
	return hierarchy.NewEngine(router, nil, logger), fake
}

func mustCreate(t *testing.T, eng *hierarchy.Engine, name, parent string) *hierarchy.Node {
	t.Helper()
	n, err := eng.Create(context.Background(), testTenant, thingKind{}, hierarchy.Draft{
		Name:   name,
		Parent: parent,
	})
	if err != nil {
		t.Fatalf("create %q: %v", name, err)
	}
	return n
}

// --- Create Tests ---

func TestCreate_Root(t *testing.T) {
	eng, _ := newTestEngine(t)

	n := mustCreate(t, eng, "Electronics", "")

	if _, err := ulid.ParseStrict(n.ID); err != nil {
		t.Errorf("expected ULID id, got %q", n.ID)
	}
	if len(n.Ancestors) != 0 {
		t.Errorf("expected empty ancestors for root, got %v", n.Ancestors)
	}
	if n.Version != 1 {
		t.Errorf("expected version 1, got %d", n.Version)
	}
	if n.CreatedAt == "" || n.CreatedAt != n.UpdatedAt {
		t.Errorf("expected matching timestamps, got %q / %q", n.CreatedAt, n.UpdatedAt)
	}
}

func TestCreate_ChildMaterializesPath(t *testing.T) {
	eng, _ := newTestEngine(t)

	root := mustCreate(t, eng, "Electronics", "")
	child := mustCreate(t, eng, "Audio", root.ID)
	grand := mustCreate(t, eng, "Headphones", child.ID)

	if len(child.Ancestors) != 1 || child.Ancestors[0] != root.ID {
		t.Errorf("expected child ancestors [%s], got %v", root.ID, child.Ancestors)
	}
	want := []string{root.ID, child.ID}
	if len(grand.Ancestors) != 2 || grand.Ancestors[0] != want[0] || grand.Ancestors[1] != want[1] {
		t.Errorf("expected grandchild ancestors %v, got %v", want, grand.Ancestors)
	}
}

func TestCreate_TrimsAndValidatesName(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	n := mustCreate(t, eng, "  Spaced  ", "")
	if n.Name != "Spaced" {
		t.Errorf("expected trimmed name, got %q", n.Name)
	}

	for _, name := range []string{"", "   "} {
		_, err := eng.Create(ctx, testTenant, thingKind{}, hierarchy.Draft{Name: name})
		if !errors.Is(err, hierarchy.ErrValidation) {
			t.Errorf("Create(%q): expected ErrValidation, got %v", name, err)
		}
	}
}

func TestCreate_DuplicateName(t *testing.T) {
	eng, _ := newTestEngine(t)

	mustCreate(t, eng, "Electronics", "")
	_, err := eng.Create(context.Background(), testTenant, thingKind{}, hierarchy.Draft{Name: "Electronics"})
	if !errors.Is(err, hierarchy.ErrDuplicateName) {
		t.Errorf("expected ErrDuplicateName, got %v", err)
	}
}

func TestCreate_ParentNotFound(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		parent string
	}{
		{"vanished parent", ulid.Make().String()},
		{"malformed parent id", "not-a-ulid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Create(ctx, testTenant, thingKind{}, hierarchy.Draft{
				Name:   "Orphan",
				Parent: tt.parent,
			})
			if !errors.Is(err, hierarchy.ErrParentNotFound) {
				t.Errorf("expected ErrParentNotFound, got %v", err)
			}
		})
	}
}

// --- Get / List Tests ---

func TestGet(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	created := mustCreate(t, eng, "Electronics", "")

	got, err := eng.Get(ctx, testTenant, thingKind{}, created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != created.ID || got.Name != created.Name {
		t.Errorf("Get returned %+v, expected %+v", got, created)
	}

	if _, err := eng.Get(ctx, testTenant, thingKind{}, "garbage"); !errors.Is(err, hierarchy.ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
	if _, err := eng.Get(ctx, testTenant, thingKind{}, ulid.Make().String()); !errors.Is(err, hierarchy.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestList_CreationOrder(t *testing.T) {
	eng, _ := newTestEngine(t)

	first := mustCreate(t, eng, "First", "")
	second := mustCreate(t, eng, "Second", "")
	third := mustCreate(t, eng, "Third", "")

	nodes, err := eng.List(context.Background(), testTenant, thingKind{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(nodes))
	}
	for i, want := range []string{first.ID, second.ID, third.ID} {
		if nodes[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, nodes[i].ID)
		}
	}
}

func TestList_ExcludesDeleted(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	keep := mustCreate(t, eng, "Keep", "")
	drop := mustCreate(t, eng, "Drop", "")

	if err := eng.Delete(ctx, testTenant, thingKind{}, drop.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	nodes, err := eng.List(ctx, testTenant, thingKind{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != keep.ID {
		t.Errorf("expected only %s, got %v", keep.ID, nodes)
	}
}

// --- Update Tests ---

func TestUpdate_Rename(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	n := mustCreate(t, eng, "Electronics", "")

	updated, err := eng.Update(ctx, testTenant, thingKind{}, n.ID, hierarchy.Change{Name: "Gadgets"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Name != "Gadgets" {
		t.Errorf("expected renamed node, got %q", updated.Name)
	}
	if updated.Version != n.Version+1 {
		t.Errorf("expected version %d, got %d", n.Version+1, updated.Version)
	}

	// The old name is released synchronously and can be taken again.
	if _, err := eng.Create(ctx, testTenant, thingKind{}, hierarchy.Draft{Name: "Electronics"}); err != nil {
		t.Errorf("expected released name to be claimable, got %v", err)
	}
}

func TestUpdate_RenameToTakenName(t *testing.T) {
	eng, _ := newTestEngine(t)

	mustCreate(t, eng, "Electronics", "")
	other := mustCreate(t, eng, "Clothing", "")

	_, err := eng.Update(context.Background(), testTenant, thingKind{}, other.ID, hierarchy.Change{Name: "Electronics"})
	if !errors.Is(err, hierarchy.ErrDuplicateName) {
		t.Errorf("expected ErrDuplicateName, got %v", err)
	}
}

func TestUpdate_Reparent(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	a := mustCreate(t, eng, "A", "")
	b := mustCreate(t, eng, "B", "")
	c := mustCreate(t, eng, "C", a.ID)

	moved, err := eng.Update(ctx, testTenant, thingKind{}, c.ID, hierarchy.Change{Parent: &b.ID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if moved.Parent != b.ID {
		t.Errorf("expected parent %s, got %s", b.ID, moved.Parent)
	}
	if len(moved.Ancestors) != 1 || moved.Ancestors[0] != b.ID {
		t.Errorf("expected ancestors [%s], got %v", b.ID, moved.Ancestors)
	}
}

func TestUpdate_ClearParent(t *testing.T) {
	eng, _ := newTestEngine(t)

	root := mustCreate(t, eng, "Root", "")
	child := mustCreate(t, eng, "Child", root.ID)

	none := ""
	cleared, err := eng.Update(context.Background(), testTenant, thingKind{}, child.ID, hierarchy.Change{Parent: &none})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cleared.Parent != "" || len(cleared.Ancestors) != 0 {
		t.Errorf("expected detached root, got parent=%q ancestors=%v", cleared.Parent, cleared.Ancestors)
	}
}

func TestUpdate_CycleRejected(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	a := mustCreate(t, eng, "A", "")
	b := mustCreate(t, eng, "B", a.ID)
	c := mustCreate(t, eng, "C", b.ID)

	tests := []struct {
		name   string
		node   string
		parent string
	}{
		{"own parent", a.ID, a.ID},
		{"direct child", a.ID, b.ID},
		{"deep descendant", a.ID, c.ID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Update(ctx, testTenant, thingKind{}, tt.node, hierarchy.Change{Parent: &tt.parent})
			if !errors.Is(err, hierarchy.ErrCyclicRelation) {
				t.Errorf("expected ErrCyclicRelation, got %v", err)
			}
		})
	}
}

func TestUpdate_ReparentToMissing(t *testing.T) {
	eng, _ := newTestEngine(t)

	n := mustCreate(t, eng, "A", "")
	ghost := ulid.Make().String()

	_, err := eng.Update(context.Background(), testTenant, thingKind{}, n.ID, hierarchy.Change{Parent: &ghost})
	if !errors.Is(err, hierarchy.ErrParentNotFound) {
		t.Errorf("expected ErrParentNotFound, got %v", err)
	}
}

// --- Delete Tests ---

func TestDelete_Leaf(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	n := mustCreate(t, eng, "Leaf", "")

	if err := eng.Delete(ctx, testTenant, thingKind{}, n.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := eng.Get(ctx, testTenant, thingKind{}, n.ID); !errors.Is(err, hierarchy.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	// Idempotent: the second delete sees the tombstone.
	if err := eng.Delete(ctx, testTenant, thingKind{}, n.ID); !errors.Is(err, hierarchy.ErrNotFound) {
		t.Errorf("expected ErrNotFound on repeated delete, got %v", err)
	}
}

func TestDelete_VetoedByChild(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	parent := mustCreate(t, eng, "Parent", "")
	child := mustCreate(t, eng, "Child", parent.ID)

	err := eng.Delete(ctx, testTenant, thingKind{}, parent.ID)
	if !errors.Is(err, hierarchy.ErrReferenced) {
		t.Fatalf("expected ErrReferenced, got %v", err)
	}

	// The vetoed delete must leave the node intact and unfenced.
	if _, err := eng.Get(ctx, testTenant, thingKind{}, parent.ID); err != nil {
		t.Fatalf("expected parent to survive vetoed delete, got %v", err)
	}

	if err := eng.Delete(ctx, testTenant, thingKind{}, child.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := eng.Delete(ctx, testTenant, thingKind{}, parent.ID); err != nil {
		t.Errorf("expected delete to succeed once unreferenced, got %v", err)
	}
}

func TestDelete_ConcurrentFence(t *testing.T) {
	eng, fake := newTestEngine(t)
	ctx := context.Background()

	n := mustCreate(t, eng, "Contested", "")

	// Another delete holds a fresh fence on the record.
	item := fake.Item("stockroom_entities", testTenant+"#thing", n.ID)
	item["deleting"] = &types.AttributeValueMemberN{
		Value: strconv.FormatInt(time.Now().UnixNano(), 10),
	}
	fake.Seed("stockroom_entities", item)

	if err := eng.Delete(ctx, testTenant, thingKind{}, n.ID); !errors.Is(err, hierarchy.ErrConcurrentModification) {
		t.Errorf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestDelete_ReclaimsStaleFence(t *testing.T) {
	eng, fake := newTestEngine(t)
	ctx := context.Background()

	n := mustCreate(t, eng, "Abandoned", "")

	// A crashed delete left its fence behind long ago.
	item := fake.Item("stockroom_entities", testTenant+"#thing", n.ID)
	item["deleting"] = &types.AttributeValueMemberN{
		Value: strconv.FormatInt(time.Now().Add(-5*time.Minute).UnixNano(), 10),
	}
	fake.Seed("stockroom_entities", item)

	if err := eng.Delete(ctx, testTenant, thingKind{}, n.ID); err != nil {
		t.Errorf("expected stale fence to be reclaimed, got %v", err)
	}
}

// --- Tenant Isolation Tests ---

func TestTenantIsolation(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := eng.Create(ctx, "tenant1", thingKind{}, hierarchy.Draft{Name: "Shared Name"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Same name in another tenant is not a duplicate.
	if _, err := eng.Create(ctx, "tenant2", thingKind{}, hierarchy.Draft{Name: "Shared Name"}); err != nil {
		t.Fatalf("expected no cross-tenant name conflict, got %v", err)
	}

	// Ids do not resolve across tenants.
	if _, err := eng.Get(ctx, "tenant2", thingKind{}, a.ID); !errors.Is(err, hierarchy.ErrNotFound) {
		t.Errorf("expected ErrNotFound across tenants, got %v", err)
	}

	nodes, err := eng.List(ctx, "tenant2", thingKind{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 1 {
		t.Errorf("expected 1 node in tenant2, got %d", len(nodes))
	}
}
