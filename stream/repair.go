// Package stream provides DynamoDB Streams handlers that finish the work
// synchronous operations leave behind.
//
// A reparent rewrites only the edited entity's own ancestor path; the
// handler reacts to the resulting stream event and rewrites the paths of
// its children, whose own events repair the next level down until the
// subtree converges. A delete tombstones the entity; the handler releases
// its unique-constraint claims so the names free up immediately.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/stockroom/hierarchy"
	"github.com/jacentio/stockroom/tenant"
)

// Handler processes entity-table stream events for ancestor repair and
// constraint cleanup. It is designed to be used as an AWS Lambda handler.
type Handler struct {
	client tenant.DynamoAPI
	cfg    tenant.Config
	logger *slog.Logger
}

// NewHandler creates a stream handler. A nil logger falls back to
// slog.Default.
func NewHandler(client tenant.DynamoAPI, cfg tenant.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{client: client, cfg: cfg, logger: logger}
}

// HandleEntityChange processes DynamoDB stream events from the entities
// table.
func (h *Handler) HandleEntityChange(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"error", err,
			)
			return err // will retry, eventually DLQ
		}
	}
	return nil
}

// processRecord dispatches a single stream record.
func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	if record.EventName != "MODIFY" {
		return nil
	}

	oldTTL := getNumberAttr(record.Change.OldImage, "ttl")
	newTTL := getNumberAttr(record.Change.NewImage, "ttl")

	// A newly set TTL is a committed delete.
	if oldTTL == 0 && newTTL != 0 {
		return h.releaseConstraints(ctx, record)
	}
	if newTTL != 0 {
		return nil
	}

	return h.repairChildren(ctx, record)
}

// repairChildren rewrites the ancestor paths of an entity's direct
// children after its own path changed. The children's stream events repair
// the next level, so the whole subtree converges.
func (h *Handler) repairChildren(ctx context.Context, record events.DynamoDBEventRecord) error {
	oldAncestors := getStringListAttr(record.Change.OldImage, "ancestors")
	newAncestors := getStringListAttr(record.Change.NewImage, "ancestors")
	if equalStrings(oldAncestors, newAncestors) {
		return nil
	}

	pk := getStringAttr(record.Change.Keys, "pk")
	id := getStringAttr(record.Change.Keys, "sk")
	if pk == "" || id == "" {
		return nil
	}

	want := append(append([]string{}, newAncestors...), id)

	h.logger.Info("repairing descendant ancestor paths",
		"collection", pk,
		"entity", id,
	)

	names := hierarchy.AliveFilterNames()
	names["#parent"] = "parent"
	values := hierarchy.AliveFilterValues()
	values[":pk"] = &types.AttributeValueMemberS{Value: pk}
	values[":id"] = &types.AttributeValueMemberS{Value: id}

	repaired := 0
	paginator := dynamodb.NewQueryPaginator(h.client, &dynamodb.QueryInput{
		TableName:                 aws.String(h.cfg.EntityTable),
		KeyConditionExpression:    aws.String("pk = :pk"),
		FilterExpression:          aws.String(fmt.Sprintf("#parent = :id AND (%s)", hierarchy.AliveFilterExpr())),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("query children: %w", err)
		}
		for _, child := range page.Items {
			childID := ""
			if v, ok := child["sk"].(*types.AttributeValueMemberS); ok {
				childID = v.Value
			}
			if childID == "" || equalStrings(itemStringList(child["ancestors"]), want) {
				continue
			}
			if err := h.rewriteAncestors(ctx, pk, childID, id, want); err != nil {
				h.logger.Warn("failed to repair child",
					"child", childID,
					"error", err,
				)
				continue // idempotent, will retry
			}
			repaired++
		}
	}

	h.logger.Info("ancestor repair completed",
		"collection", pk,
		"entity", id,
		"childrenRepaired", repaired,
	)

	return nil
}

// rewriteAncestors rewrites one child's path, unless it was reparented or
// deleted since the scan.
func (h *Handler) rewriteAncestors(ctx context.Context, pk, childID, parentID string, ancestors []string) error {
	list := make([]types.AttributeValue, len(ancestors))
	for i, a := range ancestors {
		list[i] = &types.AttributeValueMemberS{Value: a}
	}

	_, err := h.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(h.cfg.EntityTable),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: pk},
			"sk": &types.AttributeValueMemberS{Value: childID},
		},
		UpdateExpression:    aws.String("SET #ancestors = :ancestors, #version = #version + :one"),
		ConditionExpression: aws.String("#parent = :parent AND attribute_not_exists(#ttl)"),
		ExpressionAttributeNames: map[string]string{
			"#ancestors": "ancestors",
			"#version":   "version",
			"#parent":    "parent",
			"#ttl":       "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ancestors": &types.AttributeValueMemberL{Value: list},
			":parent":    &types.AttributeValueMemberS{Value: parentID},
			":one":       &types.AttributeValueMemberN{Value: "1"},
		},
	})

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return nil
	}
	return err
}

// releaseConstraints deletes the unique-constraint claims of a tombstoned
// entity, freeing its names for reuse.
func (h *Handler) releaseConstraints(ctx context.Context, record events.DynamoDBEventRecord) error {
	uniquePKs := getStringListAttr(record.Change.NewImage, "_unique_pks")
	if len(uniquePKs) == 0 {
		return nil
	}

	id := getStringAttr(record.Change.Keys, "sk")
	h.logger.Info("releasing unique constraints",
		"entity", id,
		"constraints", len(uniquePKs),
	)

	for _, pk := range uniquePKs {
		_, err := h.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(h.cfg.ConstraintTable),
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: pk},
				"sk": &types.AttributeValueMemberS{Value: "CONSTRAINT"},
			},
		})
		if err != nil {
			h.logger.Warn("failed to release constraint",
				"pk", pk,
				"error", err,
			)
			// Continue - idempotent, will retry
		}
	}

	return nil
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok {
		return v.String()
	}
	return ""
}

// getNumberAttr extracts a number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) int64 {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeNumber {
			n, _ := strconv.ParseInt(v.Number(), 10, 64)
			return n
		}
	}
	return 0
}

// getStringListAttr extracts a string list attribute from a DynamoDB
// stream image.
func getStringListAttr(image map[string]events.DynamoDBAttributeValue, key string) []string {
	if v, ok := image[key]; ok {
		if v.DataType() == events.DataTypeList {
			var result []string
			for _, item := range v.List() {
				if item.DataType() == events.DataTypeString {
					result = append(result, item.String())
				}
			}
			return result
		}
	}
	return nil
}

// itemStringList extracts a list-of-strings attribute from a stored item.
func itemStringList(v types.AttributeValue) []string {
	l, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil
	}
	var result []string
	for _, el := range l.Value {
		if s, ok := el.(*types.AttributeValueMemberS); ok {
			result = append(result, s.Value)
		}
	}
	return result
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
