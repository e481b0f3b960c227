package jobs

import (
	"encoding/json"
	"sort"
)

// Field types reported by InferSchema.
const (
	FieldNumber  = "number"
	FieldBoolean = "boolean"
	FieldString  = "string"
)

// SchemaField describes one column of a row set.
type SchemaField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// InferSchema derives column names and types from the first row. Keys are
// reported in lexical order; values that are neither numeric nor boolean are
// typed as string.
func InferSchema(rows []Row) []SchemaField {
	if len(rows) == 0 {
		return []SchemaField{}
	}
	first := rows[0]
	names := make([]string, 0, len(first))
	for k := range first {
		names = append(names, k)
	}
	sort.Strings(names)
	fields := make([]SchemaField, 0, len(names))
	for _, name := range names {
		fields = append(fields, SchemaField{Name: name, Type: fieldType(first[name])})
	}
	return fields
}

func fieldType(v any) string {
	switch v.(type) {
	case float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return FieldNumber
	case bool:
		return FieldBoolean
	default:
		return FieldString
	}
}
