package bitrix

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Record is the canonical normalized shape every entity adapter produces:
// the entity's ID, its raw field map, and the modification timestamp used
// for watermark advancement (zero when the entity carries none).
type Record struct {
	ID         string
	Fields     map[string]any
	ModifiedAt time.Time
}

// Fingerprint returns a content hash of the normalized fields. Two fetches
// of an unchanged record produce the same fingerprint, which makes the
// downstream upsert idempotent.
func (r Record) Fingerprint() string {
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		// json.Marshal sorts nested map keys, so the encoding is stable.
		v, err := json.Marshal(r.Fields[k])
		if err != nil {
			v = []byte(fmt.Sprintf("%v", r.Fields[k]))
		}
		fmt.Fprintf(h, "%s=%s;", k, v)
	}
	return hex.EncodeToString(h.Sum(nil))
}
