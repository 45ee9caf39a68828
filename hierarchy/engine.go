package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/oklog/ulid/v2"

	"github.com/jacentio/stockroom/internal/keys"
	"github.com/jacentio/stockroom/tenant"
)

// Engine runs the guarded lifecycle of hierarchical entities: create,
// reparent and delete while keeping every node's materialized ancestor path
// consistent with its live parent chain and refusing structurally unsafe
// mutations.
type Engine struct {
	router *tenant.Router
	guard  *Guard
	logger *slog.Logger
}

// NewEngine creates an Engine over a router and a dependent-kind registry.
// A nil logger falls back to slog.Default.
func NewEngine(router *tenant.Router, deps *Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		router: router,
		guard:  NewGuard(router, deps),
		logger: logger,
	}
}

// Router returns the tenant router the engine operates through.
func (e *Engine) Router() *tenant.Router { return e.router }

// Create validates a draft and persists it as a new node. With a parent
// set, the node's ancestors become the parent's ancestors plus the parent
// itself; the write transaction re-checks that the parent is alive and
// claims the kind's unique field values.
func (e *Engine) Create(ctx context.Context, tenantKey string, kind Kind, draft Draft) (*Node, error) {
	h, err := e.router.Resolve(ctx, tenantKey, kind.Name())
	if err != nil {
		return nil, err
	}

	node := &Node{
		ID:        ulid.Make().String(),
		Name:      strings.TrimSpace(draft.Name),
		Parent:    strings.TrimSpace(draft.Parent),
		Ancestors: []string{},
		Attrs:     trimAttrs(draft.Attrs),
	}
	if node.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if err := kind.Validate(node); err != nil {
		return nil, err
	}

	var items []types.TransactWriteItem
	parentCheckIndex := -1

	if node.Parent != "" {
		parent, err := e.load(ctx, h, node.Parent)
		if err != nil {
			if errors.Is(err, ErrInvalidID) || errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: parent %q", ErrParentNotFound, node.Parent)
			}
			return nil, err
		}
		node.Parent = parent.ID
		node.Ancestors = childAncestors(parent)
		parentCheckIndex = len(items)
		items = append(items, ReferenceCheck(h, parent.ID))
	}

	cKeys := constraintKeys(h, kind, node)
	uniques := kind.UniqueFields(node)
	for _, field := range sortedFields(cKeys) {
		items = append(items, constraintPut(h, cKeys[field], field, uniques[field], node.ID))
	}

	now := time.Now().UTC().Format(time.RFC3339)
	node.Version = 1
	node.CreatedAt = now
	node.UpdatedAt = now

	entityIndex := len(items)
	items = append(items, types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(h.Table()),
			Item:                marshalNode(h, node, sortedValues(cKeys)),
			ConditionExpression: aws.String("attribute_not_exists(id)"),
		},
	})

	_, err = h.Client().TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return nil, mapWriteError(err, parentCheckIndex, entityIndex, ErrAlreadyExists)
	}

	return node, nil
}

// Get returns one node by id.
func (e *Engine) Get(ctx context.Context, tenantKey string, kind Kind, id string) (*Node, error) {
	h, err := e.router.Resolve(ctx, tenantKey, kind.Name())
	if err != nil {
		return nil, err
	}
	return e.load(ctx, h, id)
}

// List returns all live nodes of the tenant+kind collection in creation
// order.
func (e *Engine) List(ctx context.Context, tenantKey string, kind Kind) ([]*Node, error) {
	h, err := e.router.Resolve(ctx, tenantKey, kind.Name())
	if err != nil {
		return nil, err
	}

	values := AliveFilterValues()
	values[":pk"] = &types.AttributeValueMemberS{Value: h.PK()}

	var nodes []*Node
	paginator := dynamodb.NewQueryPaginator(h.Client(), &dynamodb.QueryInput{
		TableName:                 aws.String(h.Table()),
		KeyConditionExpression:    aws.String("pk = :pk"),
		FilterExpression:          aws.String(AliveFilterExpr()),
		ExpressionAttributeNames:  AliveFilterNames(),
		ExpressionAttributeValues: values,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range page.Items {
			nodes = append(nodes, unmarshalNode(raw))
		}
	}

	return nodes, nil
}

// Update rewrites a node's attributes and, when Change.Parent is set, its
// place in the tree. Reparenting runs the cycle guard against the
// candidate's materialized ancestors; clearing the parent always resets the
// ancestors to empty. The whole change lands in one transaction: either the
// record fully reflects it or stays untouched.
func (e *Engine) Update(ctx context.Context, tenantKey string, kind Kind, id string, change Change) (*Node, error) {
	h, err := e.router.Resolve(ctx, tenantKey, kind.Name())
	if err != nil {
		return nil, err
	}
	current, err := e.load(ctx, h, id)
	if err != nil {
		return nil, err
	}

	next := current.clone()
	if change.Name != "" {
		next.Name = strings.TrimSpace(change.Name)
		if next.Name == "" {
			return nil, fmt.Errorf("%w: name is required", ErrValidation)
		}
	}
	for k, v := range trimAttrs(change.Attrs) {
		next.Attrs[k] = v
	}

	var items []types.TransactWriteItem
	parentCheckIndex := -1

	if change.Parent != nil {
		candidate := strings.TrimSpace(*change.Parent)
		switch {
		case candidate == "":
			next.Parent = ""
			next.Ancestors = []string{}
		case candidate == current.Parent:
			// parent unchanged
		default:
			if candidate == current.ID {
				return nil, fmt.Errorf("%w: %q cannot be its own parent", ErrCyclicRelation, current.ID)
			}
			parent, err := e.load(ctx, h, candidate)
			if err != nil {
				if errors.Is(err, ErrInvalidID) || errors.Is(err, ErrNotFound) {
					return nil, fmt.Errorf("%w: parent %q", ErrParentNotFound, candidate)
				}
				return nil, err
			}
			// O(depth) cycle guard: a candidate descending from the node
			// would close a loop.
			if containsID(parent.Ancestors, current.ID) {
				return nil, fmt.Errorf("%w: %q is a descendant of %q", ErrCyclicRelation, candidate, current.ID)
			}
			next.Parent = parent.ID
			next.Ancestors = childAncestors(parent)
			parentCheckIndex = len(items)
			items = append(items, ReferenceCheck(h, parent.ID))
		}
	}

	if err := kind.Validate(next); err != nil {
		return nil, err
	}

	// Swap unique constraints for fields whose value changed.
	oldKeys := constraintKeys(h, kind, current)
	newKeys := constraintKeys(h, kind, next)
	uniques := kind.UniqueFields(next)
	for _, field := range sortedFields(newKeys) {
		if oldKeys[field] == newKeys[field] {
			continue
		}
		if old, ok := oldKeys[field]; ok {
			items = append(items, constraintDelete(h, old))
		}
		items = append(items, constraintPut(h, newKeys[field], field, uniques[field], current.ID))
	}

	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	entityIndex := len(items)
	items = append(items, updateItem(h, current, next, sortedValues(newKeys)))

	_, err = h.Client().TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return nil, mapWriteError(err, parentCheckIndex, entityIndex, ErrConcurrentModification)
	}

	return next, nil
}

// Delete tombstones a node unless other records still reference it. The
// node is fenced before the referrer scan: referrer creates that race the
// fence fail their alive condition check, so none can slip past a delete
// that already passed the guard.
func (e *Engine) Delete(ctx context.Context, tenantKey string, kind Kind, id string) error {
	h, err := e.router.Resolve(ctx, tenantKey, kind.Name())
	if err != nil {
		return err
	}
	if _, err := e.load(ctx, h, id); err != nil {
		return err
	}

	fence := time.Now()
	if err := e.setFence(ctx, h, id, fence); err != nil {
		return err
	}

	ok, err := e.guard.CanDelete(ctx, tenantKey, kind.Name(), id)
	if err != nil {
		if cerr := e.clearFence(ctx, h, id, fence); cerr != nil {
			e.logger.Warn("could not clear delete fence",
				"tenant", tenantKey, "kind", kind.Name(), "id", id, "error", cerr)
		}
		return err
	}
	if !ok {
		if cerr := e.clearFence(ctx, h, id, fence); cerr != nil {
			e.logger.Warn("could not clear delete fence",
				"tenant", tenantKey, "kind", kind.Name(), "id", id, "error", cerr)
		}
		return fmt.Errorf("%w: %s %q", ErrReferenced, kind.Name(), id)
	}

	return e.tombstone(ctx, h, id)
}

// load fetches one live node, mapping malformed ids and tombstones.
func (e *Engine) load(ctx context.Context, h *tenant.Handle, id string) (*Node, error) {
	if _, err := ulid.ParseStrict(id); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	out, err := h.Client().GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(h.Table()),
		Key:       h.Key(id),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil || IsDeleted(out.Item) {
		return nil, ErrNotFound
	}

	return unmarshalNode(out.Item), nil
}

// setFence claims the node for deletion. A fence left by a crashed delete
// is reclaimable after fenceStaleAfter.
func (e *Engine) setFence(ctx context.Context, h *tenant.Handle, id string, fence time.Time) error {
	_, err := h.Client().UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(h.Table()),
		Key:                 h.Key(id),
		UpdateExpression:    aws.String("SET #deleting = :fence"),
		ConditionExpression: aws.String("attribute_exists(id) AND attribute_not_exists(#ttl) AND (attribute_not_exists(#deleting) OR #deleting < :stale)"),
		ExpressionAttributeNames: map[string]string{
			"#deleting": "deleting",
			"#ttl":      "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":fence": &types.AttributeValueMemberN{
				Value: strconv.FormatInt(fence.UnixNano(), 10),
			},
			":stale": &types.AttributeValueMemberN{
				Value: strconv.FormatInt(fence.Add(-fenceStaleAfter).UnixNano(), 10),
			},
		},
	})

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		if _, lerr := e.load(ctx, h, id); lerr != nil {
			return lerr // deleted meanwhile
		}
		return ErrConcurrentModification // another delete holds the fence
	}
	return err
}

// clearFence releases the node after a vetoed or failed delete. Only the
// caller's own fence is removed.
func (e *Engine) clearFence(ctx context.Context, h *tenant.Handle, id string, fence time.Time) error {
	_, err := h.Client().UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(h.Table()),
		Key:                 h.Key(id),
		UpdateExpression:    aws.String("REMOVE #deleting"),
		ConditionExpression: aws.String("#deleting = :fence"),
		ExpressionAttributeNames: map[string]string{
			"#deleting": "deleting",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":fence": &types.AttributeValueMemberN{
				Value: strconv.FormatInt(fence.UnixNano(), 10),
			},
		},
	})

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return nil // fence reclaimed by someone else
	}
	return err
}

// tombstone marks the node deleted by setting its TTL. The version bump
// fails concurrent optimistic-lock updates.
func (e *Engine) tombstone(ctx context.Context, h *tenant.Handle, id string) error {
	_, err := h.Client().UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(h.Table()),
		Key:                 h.Key(id),
		UpdateExpression:    aws.String("SET #ttl = :now, #version = #version + :one REMOVE #deleting"),
		ConditionExpression: aws.String("attribute_not_exists(#ttl)"),
		ExpressionAttributeNames: map[string]string{
			"#ttl":      "ttl",
			"#version":  "version",
			"#deleting": "deleting",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{
				Value: strconv.FormatInt(time.Now().Unix(), 10),
			},
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
	})

	// Already tombstoned is not an error.
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return nil
	}
	return err
}

// childAncestors materializes the ancestor path of a child of parent.
func childAncestors(parent *Node) []string {
	return append(append([]string{}, parent.Ancestors...), parent.ID)
}

// constraintKeys maps each unique field of a node to its constraint
// partition key.
func constraintKeys(h *tenant.Handle, kind Kind, n *Node) map[string]string {
	out := map[string]string{}
	for field, value := range kind.UniqueFields(n) {
		out[field] = keys.ConstraintPK(h.Tenant(), kind.Name(), field, value)
	}
	return out
}

func sortedFields(m map[string]string) []string {
	fields := make([]string, 0, len(m))
	for f := range m {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func sortedValues(m map[string]string) []string {
	values := make([]string, 0, len(m))
	for _, f := range sortedFields(m) {
		values = append(values, m[f])
	}
	return values
}

// ConstraintPK returns the constraint-table partition key claiming a
// unique field value within the handle's tenant and kind.
func ConstraintPK(h *tenant.Handle, field, value string) string {
	return keys.ConstraintPK(h.Tenant(), h.Kind(), field, value)
}

// ConstraintClaim builds the transaction item claiming a unique field
// value for an entity.
func ConstraintClaim(h *tenant.Handle, field, value, entityID string) types.TransactWriteItem {
	return constraintPut(h, ConstraintPK(h, field, value), field, value, entityID)
}

// ConstraintRelease builds the transaction item releasing a unique field
// value.
func ConstraintRelease(h *tenant.Handle, field, value string) types.TransactWriteItem {
	return constraintDelete(h, ConstraintPK(h, field, value))
}

// ReferenceCheck asserts within a transaction that a referenced entity is
// alive and unfenced.
func ReferenceCheck(h *tenant.Handle, id string) types.TransactWriteItem {
	values := map[string]types.AttributeValue{
		":now": &types.AttributeValueMemberN{
			Value: strconv.FormatInt(time.Now().Unix(), 10),
		},
	}
	return types.TransactWriteItem{
		ConditionCheck: &types.ConditionCheck{
			TableName:                 aws.String(h.Table()),
			Key:                       h.Key(id),
			ConditionExpression:       aws.String(ReferenceAliveCondition()),
			ExpressionAttributeNames:  ReferenceAliveNames(),
			ExpressionAttributeValues: values,
		},
	}
}

// constraintPut claims a unique field value. Fails if another entity
// already holds it.
func constraintPut(h *tenant.Handle, cpk, field, value, entityID string) types.TransactWriteItem {
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(h.ConstraintTable()),
			Item: map[string]types.AttributeValue{
				"pk":          &types.AttributeValueMemberS{Value: cpk},
				"sk":          &types.AttributeValueMemberS{Value: "CONSTRAINT"},
				"tenant":      &types.AttributeValueMemberS{Value: h.Tenant()},
				"entity_kind": &types.AttributeValueMemberS{Value: h.Kind()},
				"field_name":  &types.AttributeValueMemberS{Value: field},
				"field_value": &types.AttributeValueMemberS{Value: value},
				"entity_id":   &types.AttributeValueMemberS{Value: entityID},
			},
			ConditionExpression: aws.String("attribute_not_exists(pk)"),
		},
	}
}

// constraintDelete releases a unique field value.
func constraintDelete(h *tenant.Handle, cpk string) types.TransactWriteItem {
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(h.ConstraintTable()),
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: cpk},
				"sk": &types.AttributeValueMemberS{Value: "CONSTRAINT"},
			},
		},
	}
}

// marshalNode builds the stored item of a node.
func marshalNode(h *tenant.Handle, n *Node, uniquePKs []string) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"pk":         &types.AttributeValueMemberS{Value: h.PK()},
		"sk":         &types.AttributeValueMemberS{Value: n.ID},
		"id":         &types.AttributeValueMemberS{Value: n.ID},
		"name":       &types.AttributeValueMemberS{Value: n.Name},
		"ancestors":  ancestorsAttr(n.Ancestors),
		"version":    &types.AttributeValueMemberN{Value: strconv.FormatInt(n.Version, 10)},
		"created_at": &types.AttributeValueMemberS{Value: n.CreatedAt},
		"updated_at": &types.AttributeValueMemberS{Value: n.UpdatedAt},
	}
	if n.Parent != "" {
		item["parent"] = &types.AttributeValueMemberS{Value: n.Parent}
	}
	for k, v := range n.Attrs {
		item[k] = v
	}
	if len(uniquePKs) > 0 {
		item["_unique_pks"] = uniquePKsAttr(uniquePKs)
	}
	return item
}

func uniquePKsAttr(pks []string) types.AttributeValue {
	list := make([]types.AttributeValue, len(pks))
	for i, pk := range pks {
		list[i] = &types.AttributeValueMemberS{Value: pk}
	}
	return &types.AttributeValueMemberL{Value: list}
}

// updateItem builds the transaction item fully rewriting a node's record.
func updateItem(h *tenant.Handle, current, next *Node, uniquePKs []string) types.TransactWriteItem {
	exprNames := map[string]string{
		"#name":       "name",
		"#ancestors":  "ancestors",
		"#updated_at": "updated_at",
		"#version":    "version",
		"#ttl":        "ttl",
		"#unique_pks": "_unique_pks",
	}
	exprValues := map[string]types.AttributeValue{
		":name":             &types.AttributeValueMemberS{Value: next.Name},
		":ancestors":        ancestorsAttr(next.Ancestors),
		":updated_at":       &types.AttributeValueMemberS{Value: next.UpdatedAt},
		":version":          &types.AttributeValueMemberN{Value: strconv.FormatInt(next.Version, 10)},
		":expected_version": &types.AttributeValueMemberN{Value: strconv.FormatInt(current.Version, 10)},
		":unique_pks":       uniquePKsAttr(uniquePKs),
	}
	setClauses := []string{
		"#name = :name",
		"#ancestors = :ancestors",
		"#updated_at = :updated_at",
		"#version = :version",
		"#unique_pks = :unique_pks",
	}

	i := 0
	for k, v := range next.Attrs {
		nameKey := fmt.Sprintf("#attr%d", i)
		valueKey := fmt.Sprintf(":val%d", i)
		exprNames[nameKey] = k
		exprValues[valueKey] = v
		setClauses = append(setClauses, fmt.Sprintf("%s = %s", nameKey, valueKey))
		i++
	}

	exprNames["#parent"] = "parent"
	expr := ""
	if next.Parent != "" {
		exprValues[":parent"] = &types.AttributeValueMemberS{Value: next.Parent}
		setClauses = append(setClauses, "#parent = :parent")
		expr = "SET " + strings.Join(setClauses, ", ")
	} else {
		expr = "SET " + strings.Join(setClauses, ", ") + " REMOVE #parent"
	}

	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:                 aws.String(h.Table()),
			Key:                       h.Key(current.ID),
			UpdateExpression:          aws.String(expr),
			ConditionExpression:       aws.String("#version = :expected_version AND attribute_not_exists(#ttl)"),
			ExpressionAttributeNames:  exprNames,
			ExpressionAttributeValues: exprValues,
		},
	}
}

// mapWriteError maps transaction cancellations onto the error taxonomy.
// The parent condition check and the entity write are identified by item
// index; any other conditional failure is a unique constraint claim.
func mapWriteError(err error, parentIndex, entityIndex int, entityErr error) error {
	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				if i == parentIndex {
					return ErrParentNotFound
				}
				if i == entityIndex {
					return entityErr
				}
				return ErrDuplicateName
			}
		}
	}
	return err
}
