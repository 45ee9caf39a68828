package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/jacentio/stockroom/internal/keys"
)

// AdminKey is the distinguished tenant key of the shared administrative
// store. It is reserved and never handed out by the onboarding Registry.
const AdminKey = "admin"

// Router resolves (tenant key, entity kind) pairs to collection handles,
// creating and caching them on first use.
type Router struct {
	client  DynamoAPI
	cfg     Config
	logger  *slog.Logger
	handles *ttlcache.Cache[string, *Handle]
	flight  singleflight.Group
}

// NewRouter creates a Router with its own handle cache. A nil logger falls
// back to slog.Default.
func NewRouter(client DynamoAPI, cfg Config, logger *slog.Logger) *Router {
	cfg.validate()
	if logger == nil {
		logger = slog.Default()
	}

	var handles *ttlcache.Cache[string, *Handle]
	if cfg.HandleTTL > 0 {
		handles = ttlcache.New[string, *Handle](
			ttlcache.WithTTL[string, *Handle](cfg.HandleTTL),
		)
		go handles.Start()
	} else {
		handles = ttlcache.New[string, *Handle]()
	}

	return &Router{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		handles: handles,
	}
}

// Config returns the router's validated configuration.
func (r *Router) Config() Config { return r.cfg }

// Close stops the handle cache's eviction loop.
func (r *Router) Close() {
	r.handles.Stop()
}

// Resolve returns a handle on the tenant's collection of the given kind.
// The first resolution of a pair provisions the tenant's namespace; later
// resolutions return the cached handle. It fails only when tenantKey or
// kind is malformed, never because the tenant store does not yet exist.
func (r *Router) Resolve(ctx context.Context, tenantKey, kind string) (*Handle, error) {
	if !keys.ValidTenantKey(tenantKey) {
		return nil, fmt.Errorf("%w: %q", ErrTenantUnresolvable, tenantKey)
	}
	if kind == "" {
		return nil, fmt.Errorf("%w: empty entity kind", ErrTenantUnresolvable)
	}

	cacheKey := keys.EntityPK(tenantKey, kind)
	if item := r.handles.Get(cacheKey); item != nil {
		return item.Value(), nil
	}

	// Concurrent first access to the same pair must produce exactly one
	// provisioning write and one handle.
	v, err, _ := r.flight.Do(cacheKey, func() (any, error) {
		if item := r.handles.Get(cacheKey); item != nil {
			return item.Value(), nil
		}
		if err := r.provision(ctx, tenantKey, kind); err != nil {
			return nil, err
		}
		h := &Handle{
			tenant: tenantKey,
			kind:   kind,
			client: r.client,
			cfg:    r.cfg,
		}
		r.handles.Set(cacheKey, h, ttlcache.DefaultTTL)
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// Bootstrap provisions the shared administrative store. Call once at
// process start.
func (r *Router) Bootstrap(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.cfg.TenantTable),
		Item: map[string]types.AttributeValue{
			"pk":         &types.AttributeValueMemberS{Value: AdminKey},
			"sk":         &types.AttributeValueMemberS{Value: tenantRecordSK},
			"name":       &types.AttributeValueMemberS{Value: "Administration"},
			"created_at": &types.AttributeValueMemberS{Value: now},
		},
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return nil
	}
	if err != nil {
		return err
	}

	r.logger.Info("provisioned administrative store", "tenant", AdminKey)
	return nil
}

// provision writes the tenant's namespace marker for one entity kind.
// The conditional put makes first access idempotent.
func (r *Router) provision(ctx context.Context, tenantKey, kind string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.cfg.TenantTable),
		Item: map[string]types.AttributeValue{
			"pk":         &types.AttributeValueMemberS{Value: tenantKey},
			"sk":         &types.AttributeValueMemberS{Value: keys.NamespaceSK(kind)},
			"created_at": &types.AttributeValueMemberS{Value: now},
		},
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return nil
	}
	if err != nil {
		return err
	}

	r.logger.Debug("provisioned tenant namespace", "tenant", tenantKey, "kind", kind)
	return nil
}
