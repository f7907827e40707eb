package processor

import (
	"crypto/sha1"
	"encoding/hex"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var canonicalJSON = jsoniter.Config{SortMapKeys: true, UseNumber: true}.Froze()

// HashDocument returns the SHA-1 hex digest of doc serialized as compact JSON
// with sorted keys. Equal documents get equal ids regardless of key order.
func HashDocument(doc map[string]any) (string, error) {
	data, err := canonicalJSON.Marshal(doc)
	if err != nil {
		return "", errors.Wrap(err, "canonical json")
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}
