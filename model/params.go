package model

import (
	"fmt"
	"reflect"

	"github.com/tessera-ml/tessera/ml"
)

// NamedParameters walks the model's exported fields and collects every tensor
// that supports in-place updates, keyed by its dotted field path. The result
// is what weight averaging and checkpoint code iterates over.
func NamedParameters(m Model) map[string]ml.Tensor {
	params := make(map[string]ml.Tensor)
	collectParameters(reflect.ValueOf(m), "", params)
	return params
}

func collectParameters(v reflect.Value, path string, params map[string]ml.Tensor) {
	if !v.IsValid() {
		return
	}

	if v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}

		if t, ok := v.Interface().(ml.Tensor); ok {
			if _, ok := t.(ml.Parameter); ok {
				params[path] = t
			}
			return
		}

		collectParameters(v.Elem(), path, params)
		return
	}

	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			f := v.Type().Field(i)
			if !f.IsExported() {
				continue
			}

			p := f.Name
			if path != "" {
				p = path + "." + p
			}
			collectParameters(v.Field(i), p, params)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			collectParameters(v.Index(i), fmt.Sprintf("%s.%d", path, i), params)
		}
	case reflect.Map:
		for _, k := range v.MapKeys() {
			collectParameters(v.MapIndex(k), fmt.Sprintf("%s.%v", path, k.Interface()), params)
		}
	}
}
