// Package keys derives partition keys for tenant-scoped DynamoDB tables.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// tenantAlphabet is the character set for generated tenant keys.
const tenantAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// MaxTenantKeyLen bounds the length of a well-formed tenant key.
const MaxTenantKeyLen = 32

// EntityPK returns the partition key isolating one tenant's collection of
// one entity kind. All items for that collection share this key.
func EntityPK(tenant, kind string) string {
	return fmt.Sprintf("%s#%s", tenant, kind)
}

// ConstraintPK computes a hash-distributed partition key for a unique
// constraint scoped to one tenant and entity kind. Hashing spreads
// constraints across partitions, eliminating hot partition risk.
func ConstraintPK(tenant, kind, field, value string) string {
	data := fmt.Sprintf("%s#%s#%s#%s", tenant, kind, field, value)
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:16]) // 128-bit hash as hex
}

// NamespaceSK returns the sort key of a tenant's namespace marker for one
// entity kind in the tenant registry table.
func NamespaceSK(kind string) string {
	return "NS#" + kind
}

// ValidTenantKey reports whether key is a well-formed tenant key:
// 1 to MaxTenantKeyLen characters, lowercase letters and digits only.
func ValidTenantKey(key string) bool {
	if len(key) == 0 || len(key) > MaxTenantKeyLen {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// NewTenantKey returns a random tenant key of n characters drawn from the
// tenant alphabet. Callers must verify uniqueness at write time.
func NewTenantKey(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("keys: read random: %v", err))
	}
	for i, b := range buf {
		buf[i] = tenantAlphabet[int(b)%len(tenantAlphabet)]
	}
	return string(buf)
}
