// Package rowhash computes deterministic content fingerprints for flattened
// rows. The hash is the engine's only change-detection mechanism: two
// captures of the same logical entity are unchanged iff their hashes are
// equal. Downstream readers compare hashes across captures with ordered
// window queries; the engine itself never diffs rows.
package rowhash

import (
	"crypto/md5" //nolint:gosec // content fingerprint, not a security boundary
	"encoding/hex"
	"strconv"
	"time"

	"github.com/trawler-io/trawler/pkg/json"
)

// Excluded lists capture and lineage columns that must never influence the
// hash. A row that differs only in these columns is the same logical content.
var Excluded = map[string]struct{}{
	"scraped_at":     {},
	"row_hash":       {},
	"id":             {},
	"version":        {},
	"effective_from": {},
	"effective_to":   {},
	"is_current":     {},
	"loaded_at":      {},
	"updated_at":     {},
	"created_at":     {},
	"source_url":     {},
	"photo_path":     {},
}

// Compute returns a 32-character hex fingerprint of the row's logical
// content. Nil values and excluded columns are dropped, remaining values are
// rendered to canonical text, and the resulting string map is serialized
// with sorted keys before hashing, so column insertion order never matters.
func Compute(row map[string]interface{}) string {
	content := make(map[string]string, len(row))
	for k, v := range row {
		if _, skip := Excluded[k]; skip {
			continue
		}
		if v == nil {
			continue
		}
		content[k] = canonical(v)
	}

	// Map keys are sorted by the JSON encoder, which makes the
	// serialization canonical.
	data, err := json.Marshal(content)
	if err != nil {
		// Only non-serializable values can land here; canonical already
		// stringified everything.
		data = []byte{}
	}

	sum := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// canonical renders a scalar to the text form used for hashing. The form
// only has to be stable within this system, not pretty.
func canonical(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 64)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
