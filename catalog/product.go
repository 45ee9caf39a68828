package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/oklog/ulid/v2"

	"github.com/jacentio/stockroom/hierarchy"
	"github.com/jacentio/stockroom/tenant"
)

// Product is a catalog item. Its group and unit references keep the
// referenced category and unit alive: neither can be deleted while a
// product points at it.
type Product struct {
	ID        string
	Name      string
	Group     string
	Unit      string
	Price     float64
	Version   int64
	CreatedAt string
	UpdatedAt string
}

// ProductInput creates a product. Group and Unit are optional references
// to a category and a unit of the same tenant.
type ProductInput struct {
	Name  string
	Group string
	Unit  string
	Price float64
}

// ProductChange updates a product. Name is replaced when non-empty; Group
// and Unit follow the pointer convention (nil unchanged, empty clears, id
// re-references); Price is replaced when set.
type ProductChange struct {
	Name  string
	Group *string
	Unit  *string
	Price *float64
}

// Products stores catalog items per tenant. Creation and reference changes
// re-check the referenced category and unit inside the write transaction.
type Products struct {
	router *tenant.Router
}

// NewProducts creates the product service over a router.
func NewProducts(router *tenant.Router) *Products {
	return &Products{router: router}
}

// Create persists a new product after checking its references are alive.
func (p *Products) Create(ctx context.Context, tenantKey string, in ProductInput) (*Product, error) {
	h, err := p.router.Resolve(ctx, tenantKey, KindProduct)
	if err != nil {
		return nil, err
	}

	prod := &Product{
		ID:    ulid.Make().String(),
		Name:  strings.TrimSpace(in.Name),
		Group: strings.TrimSpace(in.Group),
		Unit:  strings.TrimSpace(in.Unit),
		Price: in.Price,
	}
	if prod.Name == "" {
		return nil, fmt.Errorf("%w: name is required", hierarchy.ErrValidation)
	}

	var items []types.TransactWriteItem
	groupIndex, unitIndex := -1, -1

	if prod.Group != "" {
		check, err := p.referenceCheck(ctx, tenantKey, KindCategory, attrGroup, prod.Group)
		if err != nil {
			return nil, err
		}
		groupIndex = len(items)
		items = append(items, check)
	}
	if prod.Unit != "" {
		check, err := p.referenceCheck(ctx, tenantKey, KindUnit, attrUnit, prod.Unit)
		if err != nil {
			return nil, err
		}
		unitIndex = len(items)
		items = append(items, check)
	}

	items = append(items, hierarchy.ConstraintClaim(h, "name", prod.Name, prod.ID))

	now := time.Now().UTC().Format(time.RFC3339)
	prod.Version = 1
	prod.CreatedAt = now
	prod.UpdatedAt = now

	entityIndex := len(items)
	items = append(items, types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(h.Table()),
			Item:                marshalProduct(h, prod),
			ConditionExpression: aws.String("attribute_not_exists(id)"),
		},
	})

	_, err = h.Client().TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return nil, mapProductError(err, groupIndex, unitIndex, entityIndex, hierarchy.ErrAlreadyExists)
	}

	return prod, nil
}

// Update rewrites a product's attributes and references.
func (p *Products) Update(ctx context.Context, tenantKey, id string, change ProductChange) (*Product, error) {
	h, err := p.router.Resolve(ctx, tenantKey, KindProduct)
	if err != nil {
		return nil, err
	}
	current, err := p.load(ctx, h, id)
	if err != nil {
		return nil, err
	}

	next := *current
	if change.Name != "" {
		next.Name = strings.TrimSpace(change.Name)
		if next.Name == "" {
			return nil, fmt.Errorf("%w: name is required", hierarchy.ErrValidation)
		}
	}
	if change.Group != nil {
		next.Group = strings.TrimSpace(*change.Group)
	}
	if change.Unit != nil {
		next.Unit = strings.TrimSpace(*change.Unit)
	}
	if change.Price != nil {
		next.Price = *change.Price
	}

	var items []types.TransactWriteItem
	groupIndex, unitIndex := -1, -1

	if next.Group != "" && next.Group != current.Group {
		check, err := p.referenceCheck(ctx, tenantKey, KindCategory, attrGroup, next.Group)
		if err != nil {
			return nil, err
		}
		groupIndex = len(items)
		items = append(items, check)
	}
	if next.Unit != "" && next.Unit != current.Unit {
		check, err := p.referenceCheck(ctx, tenantKey, KindUnit, attrUnit, next.Unit)
		if err != nil {
			return nil, err
		}
		unitIndex = len(items)
		items = append(items, check)
	}

	if next.Name != current.Name {
		items = append(items, hierarchy.ConstraintRelease(h, "name", current.Name))
		items = append(items, hierarchy.ConstraintClaim(h, "name", next.Name, current.ID))
	}

	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	entityIndex := len(items)
	items = append(items, productUpdateItem(h, current, &next))

	_, err = h.Client().TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return nil, mapProductError(err, groupIndex, unitIndex, entityIndex, hierarchy.ErrConcurrentModification)
	}

	return &next, nil
}

// Get returns one product by id.
func (p *Products) Get(ctx context.Context, tenantKey, id string) (*Product, error) {
	h, err := p.router.Resolve(ctx, tenantKey, KindProduct)
	if err != nil {
		return nil, err
	}
	return p.load(ctx, h, id)
}

// List returns the tenant's products in creation order.
func (p *Products) List(ctx context.Context, tenantKey string) ([]*Product, error) {
	h, err := p.router.Resolve(ctx, tenantKey, KindProduct)
	if err != nil {
		return nil, err
	}

	values := hierarchy.AliveFilterValues()
	values[":pk"] = &types.AttributeValueMemberS{Value: h.PK()}

	var products []*Product
	paginator := dynamodb.NewQueryPaginator(h.Client(), &dynamodb.QueryInput{
		TableName:                 aws.String(h.Table()),
		KeyConditionExpression:    aws.String("pk = :pk"),
		FilterExpression:          aws.String(hierarchy.AliveFilterExpr()),
		ExpressionAttributeNames:  hierarchy.AliveFilterNames(),
		ExpressionAttributeValues: values,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range page.Items {
			products = append(products, unmarshalProduct(raw))
		}
	}

	return products, nil
}

// Delete tombstones a product. Nothing references products, so no guard
// runs; the stream cascade releases the name constraint.
func (p *Products) Delete(ctx context.Context, tenantKey, id string) error {
	h, err := p.router.Resolve(ctx, tenantKey, KindProduct)
	if err != nil {
		return err
	}
	if _, err := p.load(ctx, h, id); err != nil {
		return err
	}

	_, err = h.Client().UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(h.Table()),
		Key:                 h.Key(id),
		UpdateExpression:    aws.String("SET #ttl = :now, #version = #version + :one"),
		ConditionExpression: aws.String("attribute_not_exists(#ttl)"),
		ExpressionAttributeNames: map[string]string{
			"#ttl":     "ttl",
			"#version": "version",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{
				Value: strconv.FormatInt(time.Now().Unix(), 10),
			},
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
	})

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return nil
	}
	return err
}

// referenceCheck builds the alive check for one reference attribute,
// rejecting ids that cannot possibly resolve.
func (p *Products) referenceCheck(ctx context.Context, tenantKey, kind, attr, id string) (types.TransactWriteItem, error) {
	if _, err := ulid.ParseStrict(id); err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("%w: %s %q", hierarchy.ErrParentNotFound, attr, id)
	}
	rh, err := p.router.Resolve(ctx, tenantKey, kind)
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	return hierarchy.ReferenceCheck(rh, id), nil
}

func (p *Products) load(ctx context.Context, h *tenant.Handle, id string) (*Product, error) {
	if _, err := ulid.ParseStrict(id); err != nil {
		return nil, fmt.Errorf("%w: %q", hierarchy.ErrInvalidID, id)
	}

	out, err := h.Client().GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(h.Table()),
		Key:       h.Key(id),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil || hierarchy.IsDeleted(out.Item) {
		return nil, hierarchy.ErrNotFound
	}

	return unmarshalProduct(out.Item), nil
}

func marshalProduct(h *tenant.Handle, prod *Product) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"pk":         &types.AttributeValueMemberS{Value: h.PK()},
		"sk":         &types.AttributeValueMemberS{Value: prod.ID},
		"id":         &types.AttributeValueMemberS{Value: prod.ID},
		"name":       &types.AttributeValueMemberS{Value: prod.Name},
		"price":      &types.AttributeValueMemberN{Value: strconv.FormatFloat(prod.Price, 'f', -1, 64)},
		"version":    &types.AttributeValueMemberN{Value: strconv.FormatInt(prod.Version, 10)},
		"created_at": &types.AttributeValueMemberS{Value: prod.CreatedAt},
		"updated_at": &types.AttributeValueMemberS{Value: prod.UpdatedAt},
		"_unique_pks": &types.AttributeValueMemberL{Value: []types.AttributeValue{
			&types.AttributeValueMemberS{Value: hierarchy.ConstraintPK(h, "name", prod.Name)},
		}},
	}
	if prod.Group != "" {
		item[attrGroup] = &types.AttributeValueMemberS{Value: prod.Group}
	}
	if prod.Unit != "" {
		item[attrUnit] = &types.AttributeValueMemberS{Value: prod.Unit}
	}
	return item
}

func unmarshalProduct(raw map[string]types.AttributeValue) *Product {
	prod := &Product{}
	if v, ok := raw["id"].(*types.AttributeValueMemberS); ok {
		prod.ID = v.Value
	}
	if v, ok := raw["name"].(*types.AttributeValueMemberS); ok {
		prod.Name = v.Value
	}
	if v, ok := raw[attrGroup].(*types.AttributeValueMemberS); ok {
		prod.Group = v.Value
	}
	if v, ok := raw[attrUnit].(*types.AttributeValueMemberS); ok {
		prod.Unit = v.Value
	}
	if v, ok := raw["price"].(*types.AttributeValueMemberN); ok {
		prod.Price, _ = strconv.ParseFloat(v.Value, 64)
	}
	if v, ok := raw["version"].(*types.AttributeValueMemberN); ok {
		prod.Version, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	if v, ok := raw["created_at"].(*types.AttributeValueMemberS); ok {
		prod.CreatedAt = v.Value
	}
	if v, ok := raw["updated_at"].(*types.AttributeValueMemberS); ok {
		prod.UpdatedAt = v.Value
	}
	return prod
}

// productUpdateItem builds the transaction item fully rewriting a product.
func productUpdateItem(h *tenant.Handle, current, next *Product) types.TransactWriteItem {
	exprNames := map[string]string{
		"#name":       "name",
		"#price":      "price",
		"#updated_at": "updated_at",
		"#version":    "version",
		"#ttl":        "ttl",
		"#unique_pks": "_unique_pks",
		"#group":      attrGroup,
		"#unit":       attrUnit,
	}
	exprValues := map[string]types.AttributeValue{
		":name":             &types.AttributeValueMemberS{Value: next.Name},
		":price":            &types.AttributeValueMemberN{Value: strconv.FormatFloat(next.Price, 'f', -1, 64)},
		":updated_at":       &types.AttributeValueMemberS{Value: next.UpdatedAt},
		":version":          &types.AttributeValueMemberN{Value: strconv.FormatInt(next.Version, 10)},
		":expected_version": &types.AttributeValueMemberN{Value: strconv.FormatInt(current.Version, 10)},
		":unique_pks": &types.AttributeValueMemberL{Value: []types.AttributeValue{
			&types.AttributeValueMemberS{Value: hierarchy.ConstraintPK(h, "name", next.Name)},
		}},
	}
	setClauses := []string{
		"#name = :name",
		"#price = :price",
		"#updated_at = :updated_at",
		"#version = :version",
		"#unique_pks = :unique_pks",
	}
	var removeClauses []string

	if next.Group != "" {
		exprValues[":group"] = &types.AttributeValueMemberS{Value: next.Group}
		setClauses = append(setClauses, "#group = :group")
	} else {
		removeClauses = append(removeClauses, "#group")
	}
	if next.Unit != "" {
		exprValues[":unit"] = &types.AttributeValueMemberS{Value: next.Unit}
		setClauses = append(setClauses, "#unit = :unit")
	} else {
		removeClauses = append(removeClauses, "#unit")
	}

	expr := "SET " + strings.Join(setClauses, ", ")
	if len(removeClauses) > 0 {
		expr += " REMOVE " + strings.Join(removeClauses, ", ")
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

// mapProductError maps transaction cancellations for product writes.
func mapProductError(err error, groupIndex, unitIndex, entityIndex int, entityErr error) error {
	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				switch i {
				case groupIndex:
					return fmt.Errorf("%w: group", hierarchy.ErrParentNotFound)
				case unitIndex:
					return fmt.Errorf("%w: unit", hierarchy.ErrParentNotFound)
				case entityIndex:
					return entityErr
				default:
					return hierarchy.ErrDuplicateName
				}
			}
		}
	}
	return err
}
