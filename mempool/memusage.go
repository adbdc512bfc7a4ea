// Copyright (c) 2013-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"reflect"

	"github.com/btcsuite/btcd/btcutil"
)

// entryOverhead approximates the bookkeeping bytes a pool entry carries on
// top of its transaction: the entry struct itself, the two adjacency maps,
// and the per-entry footprint of the hash and next-output indexes.
const entryOverhead = 512

// txDynamicUsage estimates the number of bytes of heap the given
// transaction occupies, including everything reachable from it.
func txDynamicUsage(tx *btcutil.Tx) int64 {
	return int64(dynamicMemUsage(reflect.ValueOf(tx.MsgTx())))
}

// dynamicMemUsage walks v and totals the size of everything reachable from
// it.  For complex types it peeks inside slices, arrays, structs, and maps,
// and chases pointers.
func dynamicMemUsage(v reflect.Value) uintptr {
	t := v.Type()
	bytes := t.Size()

	switch t.Kind() {
	case reflect.Pointer, reflect.Interface:
		if !v.IsNil() {
			bytes += dynamicMemUsage(v.Elem())
		}

	case reflect.Array, reflect.Slice:
		for j := 0; j < v.Len(); j++ {
			vi := v.Index(j)
			k := vi.Type().Kind()
			if k == reflect.Uint8 {
				// Short circuit for byte slices and arrays: all
				// elements are the same size and the backing
				// array is counted once.
				if t.Kind() == reflect.Slice {
					bytes += uintptr(v.Len())
				}
				break
			}
			elemB := uintptr(0)
			if t.Kind() == reflect.Array {
				if (k == reflect.Pointer || k == reflect.Interface) && !vi.IsNil() {
					elemB += dynamicMemUsage(vi.Elem())
				}
			} else {
				elemB += dynamicMemUsage(vi)
			}
			bytes += elemB
		}

	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			bytes += dynamicMemUsage(iter.Key())
			bytes += dynamicMemUsage(iter.Value())
		}

	case reflect.Struct:
		for _, f := range reflect.VisibleFields(t) {
			vf := v.FieldByIndex(f.Index)
			k := vf.Type().Kind()
			if (k == reflect.Pointer || k == reflect.Interface) && !vf.IsNil() {
				bytes += dynamicMemUsage(vf.Elem())
			} else if k == reflect.Array || k == reflect.Slice {
				// The inline portion was already counted by the
				// enclosing struct size.
				bytes -= vf.Type().Size()
				bytes += dynamicMemUsage(vf)
			}
		}
	}

	return bytes
}
