package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/oklog/ulid/v2"

	"github.com/jacentio/stockroom/hierarchy"
	"github.com/jacentio/stockroom/tenant"
)

// Party is a customer or supplier of a tenant.
type Party struct {
	ID        string `dynamodbav:"id"`
	Name      string `dynamodbav:"name"`
	Phone     string `dynamodbav:"phone,omitempty"`
	Address   string `dynamodbav:"address,omitempty"`
	Version   int64  `dynamodbav:"version"`
	CreatedAt string `dynamodbav:"created_at"`
	UpdatedAt string `dynamodbav:"updated_at"`
}

// Tax is a named tax rate of a tenant.
type Tax struct {
	ID        string  `dynamodbav:"id"`
	Name      string  `dynamodbav:"name"`
	Rate      float64 `dynamodbav:"rate"`
	Version   int64   `dynamodbav:"version"`
	CreatedAt string  `dynamodbav:"created_at"`
	UpdatedAt string  `dynamodbav:"updated_at"`
}

// plainStore is the shared plumbing for pass-through record kinds: no tree
// invariants, no reference guard, just tenant-scoped CRUD.
type plainStore struct {
	router *tenant.Router
	kind   string
}

func (s *plainStore) put(ctx context.Context, tenantKey, id string, rec any) error {
	h, err := s.router.Resolve(ctx, tenantKey, s.kind)
	if err != nil {
		return err
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return err
	}
	item["pk"] = &types.AttributeValueMemberS{Value: h.PK()}
	item["sk"] = &types.AttributeValueMemberS{Value: id}

	_, err = h.Client().PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(h.Table()),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return hierarchy.ErrAlreadyExists
	}
	return err
}

func (s *plainStore) get(ctx context.Context, tenantKey, id string, out any) error {
	h, err := s.router.Resolve(ctx, tenantKey, s.kind)
	if err != nil {
		return err
	}
	if _, err := ulid.ParseStrict(id); err != nil {
		return fmt.Errorf("%w: %q", hierarchy.ErrInvalidID, id)
	}

	res, err := h.Client().GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(h.Table()),
		Key:       h.Key(id),
	})
	if err != nil {
		return err
	}
	if res.Item == nil || hierarchy.IsDeleted(res.Item) {
		return hierarchy.ErrNotFound
	}

	return attributevalue.UnmarshalMap(res.Item, out)
}

func (s *plainStore) list(ctx context.Context, tenantKey string, out any) error {
	h, err := s.router.Resolve(ctx, tenantKey, s.kind)
	if err != nil {
		return err
	}

	values := hierarchy.AliveFilterValues()
	values[":pk"] = &types.AttributeValueMemberS{Value: h.PK()}

	var items []map[string]types.AttributeValue
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
			return err
		}
		items = append(items, page.Items...)
	}

	return attributevalue.UnmarshalListOfMaps(items, out)
}

func (s *plainStore) delete(ctx context.Context, tenantKey, id string) error {
	h, err := s.router.Resolve(ctx, tenantKey, s.kind)
	if err != nil {
		return err
	}
	if _, err := ulid.ParseStrict(id); err != nil {
		return fmt.Errorf("%w: %q", hierarchy.ErrInvalidID, id)
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

// Parties stores a tenant's customers and suppliers.
type Parties struct {
	store plainStore
}

// NewParties creates the party service over a router.
func NewParties(router *tenant.Router) *Parties {
	return &Parties{store: plainStore{router: router, kind: KindParty}}
}

// Create persists a new party.
func (p *Parties) Create(ctx context.Context, tenantKey string, in Party) (*Party, error) {
	party := Party{
		ID:      ulid.Make().String(),
		Name:    strings.TrimSpace(in.Name),
		Phone:   strings.TrimSpace(in.Phone),
		Address: strings.TrimSpace(in.Address),
		Version: 1,
	}
	if party.Name == "" {
		return nil, fmt.Errorf("%w: name is required", hierarchy.ErrValidation)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	party.CreatedAt = now
	party.UpdatedAt = now

	if err := p.store.put(ctx, tenantKey, party.ID, party); err != nil {
		return nil, err
	}
	return &party, nil
}

// Get returns one party by id.
func (p *Parties) Get(ctx context.Context, tenantKey, id string) (*Party, error) {
	var party Party
	if err := p.store.get(ctx, tenantKey, id, &party); err != nil {
		return nil, err
	}
	return &party, nil
}

// List returns the tenant's parties in creation order.
func (p *Parties) List(ctx context.Context, tenantKey string) ([]Party, error) {
	var parties []Party
	if err := p.store.list(ctx, tenantKey, &parties); err != nil {
		return nil, err
	}
	return parties, nil
}

// Delete removes a party.
func (p *Parties) Delete(ctx context.Context, tenantKey, id string) error {
	return p.store.delete(ctx, tenantKey, id)
}

// Taxes stores a tenant's tax rates.
type Taxes struct {
	store plainStore
}

// NewTaxes creates the tax service over a router.
func NewTaxes(router *tenant.Router) *Taxes {
	return &Taxes{store: plainStore{router: router, kind: KindTax}}
}

// Create persists a new tax rate.
func (t *Taxes) Create(ctx context.Context, tenantKey string, in Tax) (*Tax, error) {
	tax := Tax{
		ID:      ulid.Make().String(),
		Name:    strings.TrimSpace(in.Name),
		Rate:    in.Rate,
		Version: 1,
	}
	if tax.Name == "" {
		return nil, fmt.Errorf("%w: name is required", hierarchy.ErrValidation)
	}
	if tax.Rate < 0 {
		return nil, fmt.Errorf("%w: rate cannot be negative", hierarchy.ErrValidation)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tax.CreatedAt = now
	tax.UpdatedAt = now

	if err := t.store.put(ctx, tenantKey, tax.ID, tax); err != nil {
		return nil, err
	}
	return &tax, nil
}

// Get returns one tax by id.
func (t *Taxes) Get(ctx context.Context, tenantKey, id string) (*Tax, error) {
	var tax Tax
	if err := t.store.get(ctx, tenantKey, id, &tax); err != nil {
		return nil, err
	}
	return &tax, nil
}

// List returns the tenant's taxes in creation order.
func (t *Taxes) List(ctx context.Context, tenantKey string) ([]Tax, error) {
	var taxes []Tax
	if err := t.store.list(ctx, tenantKey, &taxes); err != nil {
		return nil, err
	}
	return taxes, nil
}

// Delete removes a tax.
func (t *Taxes) Delete(ctx context.Context, tenantKey, id string) error {
	return t.store.delete(ctx, tenantKey, id)
}
