package hierarchy

import (
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Node is a hierarchical entity: one record of a tenant+kind collection,
// holding its place in the tree through Parent and the materialized
// Ancestors path.
type Node struct {
	// ID is the entity id (ULID).
	ID string

	// Name is the display name, unique within the tenant and kind.
	Name string

	// Parent is the id of the parent entity, empty for roots.
	Parent string

	// Ancestors is the root-first id path from the tree root down to the
	// parent, excluding the node itself. Empty for roots.
	Ancestors []string

	// Version is the optimistic lock version.
	Version int64

	// CreatedAt is the ISO 8601 creation timestamp.
	CreatedAt string

	// UpdatedAt is the ISO 8601 last update timestamp.
	UpdatedAt string

	// Attrs holds kind-specific attributes keyed by stored attribute name.
	Attrs map[string]types.AttributeValue
}

// Kind describes one hierarchical entity kind to the engine.
type Kind interface {
	// Name returns the entity kind name (e.g. "category").
	Name() string

	// Validate checks kind-specific required attributes on a trimmed node.
	Validate(n *Node) error

	// UniqueFields returns field name to value mappings for fields that
	// must be unique within the tenant and kind.
	UniqueFields(n *Node) map[string]string
}

// Draft is the unvalidated input for creating a node.
type Draft struct {
	Name   string
	Parent string
	Attrs  map[string]types.AttributeValue
}

// Change describes an update to a node. Zero-value fields leave the
// corresponding attribute untouched.
type Change struct {
	// Name replaces the display name when non-empty.
	Name string

	// Parent changes the parent when set: nil leaves it as is, a pointer
	// to the empty string clears it, any other value reparents the node.
	Parent *string

	// Attrs are merged over the node's kind-specific attributes.
	Attrs map[string]types.AttributeValue
}

// managedAttrs are attribute names owned by the engine. Kind-specific
// attributes may not use them.
var managedAttrs = map[string]bool{
	"pk": true, "sk": true, "id": true, "name": true, "parent": true,
	"ancestors": true, "version": true, "created_at": true,
	"updated_at": true, "ttl": true, "deleting": true, "_unique_pks": true,
}

// trimAttrs returns a copy of attrs with every string value trimmed of
// leading and trailing whitespace and all managed names dropped.
func trimAttrs(attrs map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(attrs))
	for k, v := range attrs {
		if managedAttrs[k] {
			continue
		}
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			out[k] = &types.AttributeValueMemberS{Value: strings.TrimSpace(s.Value)}
			continue
		}
		out[k] = v
	}
	return out
}

// StringAttr returns the named string attribute of a node, or "".
func (n *Node) StringAttr(name string) string {
	if v, ok := n.Attrs[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// NumberAttr returns the named numeric attribute of a node, or 0.
func (n *Node) NumberAttr(name string) float64 {
	if v, ok := n.Attrs[name].(*types.AttributeValueMemberN); ok {
		f, _ := strconv.ParseFloat(v.Value, 64)
		return f
	}
	return 0
}

// ancestorsAttr builds the stored form of an ancestors path. The list is
// always present, even when empty.
func ancestorsAttr(ancestors []string) types.AttributeValue {
	list := make([]types.AttributeValue, len(ancestors))
	for i, id := range ancestors {
		list[i] = &types.AttributeValueMemberS{Value: id}
	}
	return &types.AttributeValueMemberL{Value: list}
}

// stringList extracts a list-of-strings attribute.
func stringList(v types.AttributeValue) []string {
	l, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(l.Value))
	for _, el := range l.Value {
		if s, ok := el.(*types.AttributeValueMemberS); ok {
			out = append(out, s.Value)
		}
	}
	return out
}

// unmarshalNode converts a stored item into a Node. Managed attributes are
// lifted onto the struct; everything else lands in Attrs.
func unmarshalNode(raw map[string]types.AttributeValue) *Node {
	n := &Node{
		Ancestors: []string{},
		Attrs:     map[string]types.AttributeValue{},
	}

	if v, ok := raw["id"].(*types.AttributeValueMemberS); ok {
		n.ID = v.Value
	}
	if v, ok := raw["name"].(*types.AttributeValueMemberS); ok {
		n.Name = v.Value
	}
	if v, ok := raw["parent"].(*types.AttributeValueMemberS); ok {
		n.Parent = v.Value
	}
	if v, ok := raw["ancestors"]; ok {
		n.Ancestors = stringList(v)
	}
	if v, ok := raw["version"].(*types.AttributeValueMemberN); ok {
		n.Version, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	if v, ok := raw["created_at"].(*types.AttributeValueMemberS); ok {
		n.CreatedAt = v.Value
	}
	if v, ok := raw["updated_at"].(*types.AttributeValueMemberS); ok {
		n.UpdatedAt = v.Value
	}

	for k, v := range raw {
		if managedAttrs[k] {
			continue
		}
		n.Attrs[k] = v
	}

	return n
}

// clone returns a deep copy safe to mutate independently.
func (n *Node) clone() *Node {
	c := *n
	c.Ancestors = append([]string{}, n.Ancestors...)
	c.Attrs = make(map[string]types.AttributeValue, len(n.Attrs))
	for k, v := range n.Attrs {
		c.Attrs[k] = v
	}
	return &c
}

// containsID reports whether id appears in the ancestor path.
func containsID(ancestors []string, id string) bool {
	for _, a := range ancestors {
		if a == id {
			return true
		}
	}
	return false
}
