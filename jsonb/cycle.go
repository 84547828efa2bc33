package jsonb

import "reflect"

// nodeID identifies a reference-typed node. Slices that share a backing
// array but differ in length are distinct nodes.
type nodeID struct {
	ptr uintptr
	typ reflect.Type
	len int
}

// cycleWalker is a depth-first walk over an arena of visited nodes. Each
// reference node gets a stable index on first visit; onStack marks the
// nodes on the current path and done marks fully explored ones. A node
// reached again while on the path closes a cycle. Reaching a node that is
// done (a sibling sharing a sub-object) is legal.
type cycleWalker struct {
	index   map[nodeID]int
	onStack []bool
	done    []bool
	path    []int
}

func hasCycle(v reflect.Value) bool {
	w := &cycleWalker{index: make(map[nodeID]int)}
	return w.visit(v)
}

func (w *cycleWalker) visit(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return false
		}
		return w.visit(v.Elem())

	case reflect.Pointer:
		if v.IsNil() {
			return false
		}
		return w.enter(v, 0, func() bool { return w.visit(v.Elem()) })

	case reflect.Map:
		if v.IsNil() {
			return false
		}
		return w.enter(v, 0, func() bool {
			iter := v.MapRange()
			for iter.Next() {
				if w.visit(iter.Value()) {
					return true
				}
			}
			return false
		})

	case reflect.Slice:
		if v.IsNil() || v.Len() == 0 {
			return false
		}
		return w.enter(v, v.Len(), func() bool { return w.visitElems(v) })

	case reflect.Array:
		return w.visitElems(v)

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !encodedField(v.Type().Field(i)) {
				continue
			}
			if w.visit(v.Field(i)) {
				return true
			}
		}
	}
	return false
}

func (w *cycleWalker) visitElems(v reflect.Value) bool {
	for i := 0; i < v.Len(); i++ {
		if w.visit(v.Index(i)) {
			return true
		}
	}
	return false
}

// enter pushes the node onto the path, runs children and pops it again.
func (w *cycleWalker) enter(v reflect.Value, length int, children func() bool) bool {
	id := nodeID{ptr: v.Pointer(), typ: v.Type(), len: length}
	idx, seen := w.index[id]
	if !seen {
		idx = len(w.onStack)
		w.index[id] = idx
		w.onStack = append(w.onStack, false)
		w.done = append(w.done, false)
	}

	if w.onStack[idx] {
		return true
	}
	if w.done[idx] {
		return false
	}

	w.onStack[idx] = true
	w.path = append(w.path, idx)

	found := children()

	w.path = w.path[:len(w.path)-1]
	w.onStack[idx] = false
	w.done[idx] = true
	return found
}

// encodedField reports whether encoding/json serializes f: exported fields
// and embedded structs, minus those tagged "-".
func encodedField(f reflect.StructField) bool {
	if f.Tag.Get("json") == "-" {
		return false
	}
	if f.Anonymous {
		t := f.Type
		if t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		return f.IsExported() || t.Kind() == reflect.Struct
	}
	return f.IsExported()
}
