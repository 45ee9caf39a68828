package tenant

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/stockroom/internal/keys"
)

// Handle is a live reference to one tenant's collection of one entity kind.
// Handles are owned by the Router's cache and shared across requests; all
// state is immutable after construction, so a Handle is safe for concurrent
// use.
type Handle struct {
	tenant string
	kind   string
	client DynamoAPI
	cfg    Config
}

// Tenant returns the tenant key this handle is bound to.
func (h *Handle) Tenant() string { return h.tenant }

// Kind returns the entity kind this handle is bound to.
func (h *Handle) Kind() string { return h.kind }

// Client returns the underlying DynamoDB client.
func (h *Handle) Client() DynamoAPI { return h.client }

// Table returns the entities table name.
func (h *Handle) Table() string { return h.cfg.EntityTable }

// ConstraintTable returns the unique constraints table name.
func (h *Handle) ConstraintTable() string { return h.cfg.ConstraintTable }

// PK returns the partition key of this tenant+kind collection.
func (h *Handle) PK() string { return keys.EntityPK(h.tenant, h.kind) }

// Key returns the full primary key of one record in this collection.
func (h *Handle) Key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: h.PK()},
		"sk": &types.AttributeValueMemberS{Value: id},
	}
}
