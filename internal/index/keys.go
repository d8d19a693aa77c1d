package index

import (
	"strings"

	"github.com/nabulines/nabulines/internal/schema"
	apperrors "github.com/nabulines/nabulines/pkg/errors"
)

const (
	indexPrefix = "idx"
	maxIDLength = 128
)

// PrimaryKey is the key of the record document.
func PrimaryKey(entityType, id string) string {
	return entityType + ":" + id
}

// MembershipKey is the key of the set of ids whose attribute holds value.
func MembershipKey(indexName, value string) string {
	return indexPrefix + ":" + indexName + ":" + value
}

// OrderedKey is the key of the sorted set of an ordered index.
func OrderedKey(indexName string) string {
	return indexPrefix + ":" + indexName
}

func recordPattern(entityType string) string {
	return entityType + ":*"
}

func membershipPattern(indexName string) string {
	return indexPrefix + ":" + indexName + ":*"
}

// KeyPatterns returns the SCAN patterns covering every key owned by s: its
// records and each of its indexes.
func KeyPatterns(s *schema.Schema) []string {
	patterns := []string{recordPattern(s.Type)}
	for _, f := range s.Indexed() {
		if f.Index.Kind == schema.Ordered {
			patterns = append(patterns, OrderedKey(f.Index.Name))
			continue
		}
		patterns = append(patterns, membershipPattern(f.Index.Name))
	}
	return patterns
}

// ValidateID rejects ids that would break key parsing or SCAN patterns.
func ValidateID(id string) error {
	switch {
	case id == "":
		return apperrors.Invalid("id is required")
	case len(id) > maxIDLength:
		return apperrors.Invalid("id longer than %d bytes", maxIDLength)
	case strings.ContainsAny(id, " \t\r\n*?[]\\"):
		return apperrors.Invalid("id %q contains whitespace or glob characters", id)
	}
	return nil
}

func idFromKey(entityType, key string) (string, bool) {
	id, ok := strings.CutPrefix(key, entityType+":")
	if !ok || ValidateID(id) != nil {
		return "", false
	}
	return id, true
}
