package rowhash

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeDeterministic(t *testing.T) {
	row := map[string]interface{}{
		"pid":            1041,
		"owner":          "SMITH JOHN",
		"assessed_value": 245300.0,
	}

	first := Compute(row)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Compute(row))
	}
	assert.Len(t, first, 32)
}

func TestComputeKeyOrderIndependent(t *testing.T) {
	forward := map[string]interface{}{}
	forward["a"] = "1"
	forward["b"] = "2"
	forward["c"] = "3"

	backward := map[string]interface{}{}
	backward["c"] = "3"
	backward["b"] = "2"
	backward["a"] = "1"

	assert.Equal(t, Compute(forward), Compute(backward))
}

func TestComputeIgnoresVolatileColumns(t *testing.T) {
	base := map[string]interface{}{
		"pid":   "1041",
		"owner": "SMITH JOHN",
	}
	stamped := map[string]interface{}{
		"pid":        "1041",
		"owner":      "SMITH JOHN",
		"scraped_at": "2026-08-25T10:00:00Z",
		"row_hash":   "deadbeef",
		"source_url": "https://gis.example.gov/Parcel.aspx?pid=1041",
		"updated_at": "2026-08-25",
	}

	assert.Equal(t, Compute(base), Compute(stamped))
}

func TestComputeSensitiveToValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"changed value", func(r map[string]interface{}) { r["owner"] = "SMITH JANE" }},
		{"added column", func(r map[string]interface{}) { r["zone"] = "R40" }},
		{"removed column", func(r map[string]interface{}) { delete(r, "owner") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := map[string]interface{}{
				"pid":   "1041",
				"owner": "SMITH JOHN",
				"acres": 1.2,
			}
			before := Compute(row)
			tt.mutate(row)
			assert.NotEqual(t, before, Compute(row))
		})
	}
}

func TestComputeNilEqualsAbsent(t *testing.T) {
	withNil := map[string]interface{}{
		"pid":   "1041",
		"owner": nil,
	}
	without := map[string]interface{}{
		"pid": "1041",
	}

	assert.Equal(t, Compute(without), Compute(withNil))
}

func TestComputeNumericForms(t *testing.T) {
	// The same number arriving as int and int64 must hash identically;
	// flatten functions are not required to normalize integer widths.
	asInt := map[string]interface{}{"pid": 1041}
	asInt64 := map[string]interface{}{"pid": int64(1041)}
	assert.Equal(t, Compute(asInt), Compute(asInt64))

	// A float that prints differently is different content.
	asFloat := map[string]interface{}{"pid": 1041.5}
	assert.NotEqual(t, Compute(asInt), Compute(asFloat))
}

func TestComputeNestedValues(t *testing.T) {
	row := map[string]interface{}{
		"pid":    "1041",
		"extras": map[string]interface{}{"style": "Colonial", "rooms": 7},
	}
	same := map[string]interface{}{
		"pid":    "1041",
		"extras": map[string]interface{}{"rooms": 7, "style": "Colonial"},
	}

	assert.Equal(t, Compute(row), Compute(same))
}

func BenchmarkCompute(b *testing.B) {
	row := make(map[string]interface{}, 40)
	for i := 0; i < 40; i++ {
		row[fmt.Sprintf("col_%02d", i)] = fmt.Sprintf("value %d", i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Compute(row)
	}
}
