// Package postfix rewrites free-form report fields into type-qualified keys so
// that a schema-less index never sees one field name with two value types.
package postfix

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	extraField   = "extra"
	sentryPrefix = "sentry."
)

// Field is one (key, value) pair produced by Retag.
type Field struct {
	Name  string
	Value any
}

// Normalize retags the `extra` field and every `sentry.*` field of doc in place.
func Normalize(doc map[string]any) {
	for name, value := range doc {
		if name != extraField && !strings.HasPrefix(name, sentryPrefix) {
			continue
		}
		fields := Retag("", value)
		doc[name] = fields[0].Value
	}
}

// Retag returns the type-qualified fields for value stored under name. Fields
// are ordered by first appearance; a list yields one field per element type.
func Retag(name string, value any) []Field {
	switch v := value.(type) {
	case nil:
		return []Field{{Name: name, Value: nil}}
	case map[string]any:
		return []Field{retagMap(name, v)}
	case string:
		return []Field{{Name: name + "<string>", Value: v}}
	case []any:
		return retagList(name, v)
	default:
		return []Field{{Name: fmt.Sprintf("%s<%s>", name, TypeName(v)), Value: v}}
	}
}

func retagMap(name string, m map[string]any) Field {
	if strings.HasSuffix(name, ">") {
		name += "<dict>"
	}
	merged := make(map[string]any, len(m))
	for key, item := range m {
		for _, field := range Retag(key, item) {
			merged[field.Name] = field.Value
		}
	}
	return Field{Name: name, Value: merged}
}

func retagList(name string, list []any) []Field {
	if len(list) == 0 {
		return []Field{{Name: name, Value: []any{}}}
	}
	var order []string
	groups := make(map[string][]any)
	for _, element := range list {
		for _, field := range Retag("", element) {
			if _, seen := groups[field.Name]; !seen {
				order = append(order, field.Name)
			}
			groups[field.Name] = append(groups[field.Name], field.Value)
		}
	}
	fields := make([]Field, 0, len(order))
	for _, suffix := range order {
		fields = append(fields, Field{Name: name + suffix, Value: groups[suffix]})
	}
	return fields
}

// TypeName names scalar types the way reporting clients do: int, float, bool.
func TypeName(value any) string {
	switch v := value.(type) {
	case bool:
		return "bool"
	case json.Number:
		if strings.ContainsAny(v.String(), ".eE") {
			return "float"
		}
		return "int"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "int"
	case float32, float64:
		return "float"
	default:
		return fmt.Sprintf("%T", value)
	}
}
