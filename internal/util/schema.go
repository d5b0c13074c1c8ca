// Package util holds small helpers shared by turnmesh packages that are not
// part of the public API.
package util

import (
	"reflect"
	"strings"
)

// ObjectSchema returns the JSON schema of the exported fields of the struct
// v. Property names follow the json tag, the "description" tag documents a
// property, and a comma separated "enum" tag restricts string values.
// Properties are required unless tagged omitempty or typed as pointers.
// enums overrides or adds enum values per property name.
func ObjectSchema(v any, enums map[string][]string) map[string]any {
	props := map[string]any{}
	schema := map[string]any{"type": "object", "properties": props}

	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return schema
	}

	var required []string
	for _, f := range reflect.VisibleFields(t) {
		if !f.IsExported() || f.Anonymous {
			continue
		}

		name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}

		prop := map[string]any{"type": jsonType(f.Type)}
		if d := f.Tag.Get("description"); d != "" {
			prop["description"] = d
		}
		if e := f.Tag.Get("enum"); e != "" {
			prop["enum"] = strings.Split(e, ",")
		}
		if e, ok := enums[name]; ok && len(e) > 0 {
			prop["enum"] = append([]string(nil), e...)
		}
		props[name] = prop

		if f.Type.Kind() != reflect.Pointer && !hasOption(opts, "omitempty") {
			required = append(required, name)
		}
	}

	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func jsonType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Pointer:
		return jsonType(t.Elem())
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	default:
		return "string"
	}
}

func hasOption(opts, want string) bool {
	for opts != "" {
		var opt string
		opt, opts, _ = strings.Cut(opts, ",")
		if strings.TrimSpace(opt) == want {
			return true
		}
	}
	return false
}
