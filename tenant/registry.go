package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/stockroom/internal/keys"
)

// tenantRecordSK is the sort key of a tenant's registry record. Namespace
// markers for the tenant share the partition under NS#<kind> sort keys.
const tenantRecordSK = "TENANT"

// tenantKeyLen is the length of generated tenant keys. Longer than AdminKey,
// so generated keys can never collide with the reserved one.
const tenantKeyLen = 6

// maxKeyAttempts bounds the key generation retry loop.
const maxKeyAttempts = 5

// Tenant is a registry record describing one isolated logical store.
type Tenant struct {
	// Key is the opaque store key. Assigned once, immutable.
	Key string

	// Name is the display name given at onboarding.
	Name string

	// CreatedAt is the ISO 8601 onboarding timestamp.
	CreatedAt string
}

// Registry onboards tenants and reads the tenant registry. It shares the
// Router's tables but owns no cache.
type Registry struct {
	client DynamoAPI
	cfg    Config
}

// NewRegistry creates a Registry over the given client and configuration.
func NewRegistry(client DynamoAPI, cfg Config) *Registry {
	cfg.validate()
	return &Registry{client: client, cfg: cfg}
}

// Create onboards a new tenant: it generates a key and writes the tenant
// record, retrying with a fresh key while the generated one is taken.
func (g *Registry) Create(ctx context.Context, name string) (*Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}

	now := time.Now().UTC().Format(time.RFC3339)

	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		key := keys.NewTenantKey(tenantKeyLen)

		_, err := g.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(g.cfg.TenantTable),
			Item: map[string]types.AttributeValue{
				"pk":         &types.AttributeValueMemberS{Value: key},
				"sk":         &types.AttributeValueMemberS{Value: tenantRecordSK},
				"name":       &types.AttributeValueMemberS{Value: name},
				"created_at": &types.AttributeValueMemberS{Value: now},
			},
			ConditionExpression: aws.String("attribute_not_exists(pk)"),
		})
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			continue // key collision, try another
		}
		if err != nil {
			return nil, err
		}

		return &Tenant{Key: key, Name: name, CreatedAt: now}, nil
	}

	return nil, ErrKeyExhausted
}

// Get returns the tenant record for a key.
func (g *Registry) Get(ctx context.Context, key string) (*Tenant, error) {
	if !keys.ValidTenantKey(key) {
		return nil, fmt.Errorf("%w: %q", ErrTenantUnresolvable, key)
	}

	out, err := g.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(g.cfg.TenantTable),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: key},
			"sk": &types.AttributeValueMemberS{Value: tenantRecordSK},
		},
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, ErrTenantNotFound
	}

	return unmarshalTenant(out.Item), nil
}

// List returns all onboarded tenants, including the administrative store
// once bootstrapped.
func (g *Registry) List(ctx context.Context) ([]*Tenant, error) {
	var tenants []*Tenant

	paginator := dynamodb.NewScanPaginator(g.client, &dynamodb.ScanInput{
		TableName:        aws.String(g.cfg.TenantTable),
		FilterExpression: aws.String("sk = :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberS{Value: tenantRecordSK},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			tenants = append(tenants, unmarshalTenant(item))
		}
	}

	return tenants, nil
}

func unmarshalTenant(item map[string]types.AttributeValue) *Tenant {
	t := &Tenant{}
	if v, ok := item["pk"].(*types.AttributeValueMemberS); ok {
		t.Key = v.Value
	}
	if v, ok := item["name"].(*types.AttributeValueMemberS); ok {
		t.Name = v.Value
	}
	if v, ok := item["created_at"].(*types.AttributeValueMemberS); ok {
		t.CreatedAt = v.Value
	}
	return t
}
