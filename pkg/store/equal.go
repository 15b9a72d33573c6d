package store

import "reflect"

// ShallowEqual compares two values one level deep. Struct fields, map values
// and slice elements are compared by identity: references (pointers, maps,
// slices, funcs, channels) must point at the same data, scalars must be equal.
func ShallowEqual(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() {
		return va.IsValid() == vb.IsValid()
	}
	if va.Type() != vb.Type() {
		return false
	}

	switch va.Kind() {
	case reflect.Struct:
		for i := 0; i < va.NumField(); i++ {
			if !identical(va.Field(i), vb.Field(i)) {
				return false
			}
		}
		return true
	case reflect.Map:
		if va.IsNil() != vb.IsNil() || va.Len() != vb.Len() {
			return false
		}
		if va.Pointer() == vb.Pointer() {
			return true
		}
		iter := va.MapRange()
		for iter.Next() {
			other := vb.MapIndex(iter.Key())
			if !other.IsValid() || !identical(iter.Value(), other) {
				return false
			}
		}
		return true
	case reflect.Slice:
		if va.IsNil() != vb.IsNil() {
			return false
		}
		return sameElements(va, vb)
	case reflect.Array:
		return sameElements(va, vb)
	case reflect.Pointer:
		if va.Pointer() == vb.Pointer() {
			return true
		}
		if va.IsNil() || vb.IsNil() {
			return false
		}
		return ShallowEqual(va.Elem().Interface(), vb.Elem().Interface())
	default:
		return identical(va, vb)
	}
}

func sameElements(a, b reflect.Value) bool {
	if a.Len() != b.Len() {
		return false
	}
	for i := 0; i < a.Len(); i++ {
		if !identical(a.Index(i), b.Index(i)) {
			return false
		}
	}
	return true
}

func identical(a, b reflect.Value) bool {
	switch a.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return a.Pointer() == b.Pointer()
	case reflect.Slice:
		return a.IsNil() == b.IsNil() && a.Len() == b.Len() && a.Pointer() == b.Pointer()
	case reflect.Interface:
		if a.IsNil() || b.IsNil() {
			return a.IsNil() == b.IsNil()
		}
		ea, eb := a.Elem(), b.Elem()
		if ea.Type() != eb.Type() {
			return false
		}
		return identical(ea, eb)
	case reflect.Struct:
		for i := 0; i < a.NumField(); i++ {
			if !identical(a.Field(i), b.Field(i)) {
				return false
			}
		}
		return true
	case reflect.Array:
		return sameElements(a, b)
	default:
		return a.Equal(b)
	}
}
