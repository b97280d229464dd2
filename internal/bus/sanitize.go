package bus

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
)

// sanitize returns a JSON-safe deep copy of v. Values JSON cannot carry
// become nil inside arrays and are omitted from objects.
func sanitize(v any) any {
	out, _ := clean(reflect.ValueOf(v), 0)
	return out
}

const maxDepth = 32

func clean(v reflect.Value, depth int) (any, bool) {
	if !v.IsValid() {
		return nil, true
	}
	if depth > maxDepth {
		return nil, false
	}
	if v.CanInterface() {
		if data, err := json.Marshal(v.Interface()); err == nil {
			return json.RawMessage(data), true
		}
	}

	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return nil, false
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, true
		}
		return f, true
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil, true
		}
		return clean(v.Elem(), depth+1)
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil, true
		}
		out := make([]any, v.Len())
		for i := range out {
			out[i], _ = clean(v.Index(i), depth+1)
		}
		return out, true
	case reflect.Map:
		if v.IsNil() {
			return nil, true
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			if val, ok := clean(iter.Value(), depth+1); ok {
				out[fmt.Sprint(iter.Key().Interface())] = val
			}
		}
		return out, true
	case reflect.Struct:
		out := make(map[string]any)
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name := f.Name
			if tag, ok := f.Tag.Lookup("json"); ok {
				tagName, _, _ := strings.Cut(tag, ",")
				if tagName == "-" {
					continue
				}
				if tagName != "" {
					name = tagName
				}
			}
			if val, ok := clean(v.Field(i), depth+1); ok {
				out[name] = val
			}
		}
		return out, true
	}
	if v.CanInterface() {
		return v.Interface(), true
	}
	return nil, false
}
