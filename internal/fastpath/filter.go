package fastpath

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// FilterWhere keeps the records whose fields equal every value in the
// where clause. Keys are gjson paths, so nested fields ("owner.id") and
// array queries work. A record missing a key never matches.
func FilterWhere(records []Record, where map[string]any) []Record {
	if len(where) == 0 {
		return records
	}
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if matchesWhere(r, where) {
			out = append(out, r)
		}
	}
	return out
}

func matchesWhere(r Record, where map[string]any) bool {
	for path, want := range where {
		got := gjson.GetBytes(r, path)
		if !got.Exists() {
			return false
		}
		if !valueEqual(got, want) {
			return false
		}
	}
	return true
}

// valueEqual compares a JSON field against an expected Go value without
// being strict about numeric types.
func valueEqual(got gjson.Result, want any) bool {
	switch w := want.(type) {
	case string:
		return got.Type == gjson.String && got.Str == w
	case bool:
		return got.IsBool() && got.Bool() == w
	case nil:
		return got.Type == gjson.Null
	case int:
		return got.Type == gjson.Number && got.Num == float64(w)
	case int64:
		return got.Type == gjson.Number && got.Num == float64(w)
	case float64:
		return got.Type == gjson.Number && got.Num == w
	default:
		return got.String() == fmt.Sprintf("%v", want)
	}
}
