package storage

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go/parquet"

	"github.com/trawler-io/trawler/pkg/json"
)

// colKind is the storage type of one column, inferred from the values a batch
// actually carries. Mixed numeric columns widen to float, any other mix
// widens to string.
type colKind int

const (
	kindUnknown colKind = iota
	kindBool
	kindInt
	kindFloat
	kindTime
	kindString
)

type column struct {
	name string
	kind colKind
}

type tableSchema struct {
	columns []column
}

// inferSchema derives a schema from the rows of one batch. Column order is
// lexicographic so the same logical content always produces the same layout.
func inferSchema(rows []map[string]interface{}) tableSchema {
	kinds := make(map[string]colKind)
	for _, row := range rows {
		for name, value := range row {
			if value == nil {
				if _, ok := kinds[name]; !ok {
					kinds[name] = kindUnknown
				}
				continue
			}
			kinds[name] = mergeKind(kinds[name], kindOf(value))
		}
	}
	return schemaFromKinds(kinds)
}

func schemaFromKinds(kinds map[string]colKind) tableSchema {
	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]column, 0, len(names))
	for _, name := range names {
		kind := kinds[name]
		if kind == kindUnknown {
			kind = kindString
		}
		cols = append(cols, column{name: name, kind: kind})
	}
	return tableSchema{columns: cols}
}

func kindOf(v interface{}) colKind {
	switch v.(type) {
	case bool:
		return kindBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return kindInt
	case float32, float64:
		return kindFloat
	case time.Time:
		return kindTime
	default:
		return kindString
	}
}

func mergeKind(a, b colKind) colKind {
	switch {
	case a == kindUnknown:
		return b
	case b == kindUnknown || a == b:
		return a
	case (a == kindInt && b == kindFloat) || (a == kindFloat && b == kindInt):
		return kindFloat
	default:
		return kindString
	}
}

// kindFromElement maps a footer schema element back to a column kind when a
// partition is read for compaction or lookup.
func kindFromElement(el *parquet.SchemaElement) colKind {
	if el.Type == nil {
		return kindString
	}
	switch *el.Type {
	case parquet.Type_BOOLEAN:
		return kindBool
	case parquet.Type_INT64:
		if el.ConvertedType != nil && *el.ConvertedType == parquet.ConvertedType_TIMESTAMP_MICROS {
			return kindTime
		}
		return kindInt
	case parquet.Type_INT32:
		return kindInt
	case parquet.Type_FLOAT, parquet.Type_DOUBLE:
		return kindFloat
	default:
		return kindString
	}
}

// schemaJSON renders the schema in the JSON form the parquet writer consumes.
func (s tableSchema) schemaJSON() string {
	fields := make([]map[string]string, 0, len(s.columns))
	for _, col := range s.columns {
		fields = append(fields, map[string]string{"Tag": col.tag()})
	}
	out := map[string]interface{}{
		"Tag":    "name=" + rootName + ", repetitiontype=REQUIRED",
		"Fields": fields,
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func (c column) tag() string {
	switch c.kind {
	case kindBool:
		return fmt.Sprintf("name=%s, type=BOOLEAN, repetitiontype=OPTIONAL", c.name)
	case kindInt:
		return fmt.Sprintf("name=%s, type=INT64, repetitiontype=OPTIONAL", c.name)
	case kindFloat:
		return fmt.Sprintf("name=%s, type=DOUBLE, repetitiontype=OPTIONAL", c.name)
	case kindTime:
		return fmt.Sprintf("name=%s, type=INT64, convertedtype=TIMESTAMP_MICROS, repetitiontype=OPTIONAL", c.name)
	default:
		return fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", c.name)
	}
}

// normalize coerces row values to the schema's column kinds so every
// partition of a table decodes uniformly. Nil and absent values stay absent.
func (s tableSchema) normalize(row map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for _, col := range s.columns {
		value, ok := row[col.name]
		if !ok || value == nil {
			continue
		}
		if coerced, ok := col.coerce(value); ok {
			out[col.name] = coerced
		}
	}
	return out
}

func (c column) coerce(v interface{}) (interface{}, bool) {
	switch c.kind {
	case kindBool:
		b, ok := v.(bool)
		return b, ok
	case kindInt:
		return toInt64(v)
	case kindFloat:
		return toFloat64(v)
	case kindTime:
		switch t := v.(type) {
		case time.Time:
			return t.UnixMicro(), true
		case int64:
			// already micros, read back from an existing partition
			return t, true
		}
		return nil, false
	default:
		return formatValue(v), true
	}
}

func toInt64(v interface{}) (interface{}, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint:
		return int64(t), true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return int64(t), true
	}
	return nil, false
}

func toFloat64(v interface{}) (interface{}, bool) {
	switch t := v.(type) {
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return nil, false
}

// formatValue renders a value as text for string columns and catalog lookups.
func formatValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.FormatInt(int64(t), 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 64)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
