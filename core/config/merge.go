package config

import (
	"reflect"
)

// DeepMerge overlays src onto dst, field by field. Non-zero src values win;
// zero src values leave the dst default in place. Both arguments must be
// pointers to the same struct type.
func DeepMerge(dst, src any) {
	dstVal := reflect.ValueOf(dst)
	srcVal := reflect.ValueOf(src)

	if dstVal.Kind() != reflect.Ptr || srcVal.Kind() != reflect.Ptr {
		return
	}

	overlayValue(dstVal.Elem(), srcVal.Elem())
}

func overlayValue(dst, src reflect.Value) {
	if !dst.CanSet() || !src.IsValid() {
		return
	}

	switch dst.Kind() {
	case reflect.Struct:
		overlayStruct(dst, src)
	case reflect.Map:
		overlayMap(dst, src)
	case reflect.Slice:
		if src.Len() > 0 {
			dst.Set(src)
		}
	default:
		if dst.IsZero() || !src.IsZero() {
			dst.Set(src)
		}
	}
}

func overlayStruct(dst, src reflect.Value) {
	for i := 0; i < dst.NumField(); i++ {
		overlayValue(dst.Field(i), src.Field(i))
	}
}

func overlayMap(dst, src reflect.Value) {
	if src.IsNil() {
		return
	}
	if dst.IsNil() {
		dst.Set(reflect.MakeMap(dst.Type()))
	}

	for _, key := range src.MapKeys() {
		srcElem := src.MapIndex(key)
		dstElem := dst.MapIndex(key)

		if !dstElem.IsValid() || srcElem.Kind() != reflect.Struct {
			dst.SetMapIndex(key, srcElem)
			continue
		}

		merged := reflect.New(dstElem.Type()).Elem()
		merged.Set(dstElem)
		overlayValue(merged, srcElem)
		dst.SetMapIndex(key, merged)
	}
}
