// funceq.go - function-value identity comparison used when popping a
// handler registration off a stack by matching its full tuple.

package main

import "reflect"

func funcsEqual(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.IsNil() || vb.IsNil() {
		return va.IsNil() && vb.IsNil()
	}
	return va.Pointer() == vb.Pointer()
}
