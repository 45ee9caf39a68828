package hierarchy

import (
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fenceStaleAfter is how long a delete fence is honored. A fence older than
// this is a leftover of a crashed delete and may be reclaimed.
const fenceStaleAfter = time.Minute

// IsDeleted checks if an item carries an expired TTL tombstone.
func IsDeleted(item map[string]types.AttributeValue) bool {
	ttlAttr, exists := item["ttl"]
	if !exists {
		return false // no TTL = active
	}
	ttlNum, ok := ttlAttr.(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	ttl, err := strconv.ParseInt(ttlNum.Value, 10, 64)
	if err != nil {
		return false
	}
	return ttl <= time.Now().Unix()
}

// AliveFilterExpr returns the filter expression excluding tombstoned items.
// Use with AliveFilterNames and AliveFilterValues on custom queries.
func AliveFilterExpr() string {
	return "attribute_not_exists(#ttl) OR #ttl > :now"
}

// AliveFilterNames returns expression attribute names for AliveFilterExpr.
func AliveFilterNames() map[string]string {
	return map[string]string{"#ttl": "ttl"}
}

// AliveFilterValues returns expression attribute values for AliveFilterExpr.
func AliveFilterValues() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":now": &types.AttributeValueMemberN{
			Value: strconv.FormatInt(time.Now().Unix(), 10),
		},
	}
}

// ReferenceAliveCondition returns the transaction condition for checks on a
// referenced entity: it must exist, carry no delete fence, and no tombstone.
// A create that races a delete of its referent fails this condition.
func ReferenceAliveCondition() string {
	return "attribute_exists(id) AND attribute_not_exists(#deleting) AND (attribute_not_exists(#ttl) OR #ttl > :now)"
}

// ReferenceAliveNames returns expression attribute names for
// ReferenceAliveCondition.
func ReferenceAliveNames() map[string]string {
	return map[string]string{"#ttl": "ttl", "#deleting": "deleting"}
}
