package hierarchy

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/stockroom/tenant"
)

// Guard decides whether a hierarchical entity may be deleted. An entity is
// deletable only when no sibling lists it as parent and no dependent record
// references it.
type Guard struct {
	router *tenant.Router
	deps   *Registry
}

// NewGuard creates a Guard over the router and dependent-kind registry.
func NewGuard(router *tenant.Router, deps *Registry) *Guard {
	if deps == nil {
		deps = NewRegistry()
	}
	return &Guard{router: router, deps: deps}
}

// CanDelete reports whether the entity has zero referrers. The caller must
// fence the entity before asking, so referrers created concurrently either
// commit before the scan and are seen, or fail their alive condition check.
func (g *Guard) CanDelete(ctx context.Context, tenantKey, kind, id string) (bool, error) {
	h, err := g.router.Resolve(ctx, tenantKey, kind)
	if err != nil {
		return false, err
	}

	// Any child still pointing here blocks the delete.
	referenced, err := g.hasReferrer(ctx, h, "parent", id)
	if err != nil {
		return false, err
	}
	if referenced {
		return false, nil
	}

	for _, dep := range g.deps.DependentsOf(kind) {
		dh, err := g.router.Resolve(ctx, tenantKey, dep.Kind)
		if err != nil {
			return false, err
		}
		referenced, err := g.hasReferrer(ctx, dh, dep.Attr, id)
		if err != nil {
			return false, err
		}
		if referenced {
			return false, nil
		}
	}

	return true, nil
}

// hasReferrer scans one tenant+kind collection for a live record whose attr
// equals id.
func (g *Guard) hasReferrer(ctx context.Context, h *tenant.Handle, attr, id string) (bool, error) {
	filter := fmt.Sprintf("#ref = :ref AND (%s)", AliveFilterExpr())

	names := AliveFilterNames()
	names["#ref"] = attr

	values := AliveFilterValues()
	values[":ref"] = &types.AttributeValueMemberS{Value: id}
	values[":pk"] = &types.AttributeValueMemberS{Value: h.PK()}

	paginator := dynamodb.NewQueryPaginator(h.Client(), &dynamodb.QueryInput{
		TableName:                 aws.String(h.Table()),
		KeyConditionExpression:    aws.String("pk = :pk"),
		FilterExpression:          aws.String(filter),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return false, err
		}
		if len(page.Items) > 0 {
			return true, nil
		}
	}

	return false, nil
}
