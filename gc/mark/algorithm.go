// Mark Algorithm (spec.md C5): per-object marking and field traversal.
package mark

import (
	"github.com/kortex/gcrun/gc/heapiface"
)

// pushGray marks obj if it is a heap object and was previously unmarked,
// and if so hands it to the given deque as new gray work. Non-heap
// (static/permanent) objects are always considered alive (invariant M2) and
// are never enqueued: they carry no incremental marking work of their own
// beyond whatever fields they reference, and the original collector's
// traverseReferredObjects only recurses into objects that satisfy
// field->heap().
func pushGray(q *deque, obj heapiface.Object) bool {
	if obj == nil || !obj.OnHeap() {
		return false
	}

	if !obj.TestAndSetMark() {
		return false
	}

	q.pushLocal(obj)

	return true
}

// markOne processes one gray object: walks its type descriptor to enumerate
// reference fields (and, for arrays, element slots — the type descriptor is
// responsible for treating those uniformly, per §4.5), marking and
// enqueuing any field that was previously unmarked.
//
// Extra-object data is not independently traversed or enqueued: per
// invariant M2 it is treated as part of its base object and reclaimed based
// solely on the base object's mark bit during sweep.
func markOne(q *deque, obj heapiface.Object) {
	td := obj.TypeDescriptor()
	if td == nil {
		return
	}

	td.ForEachReferenceField(obj, func(field heapiface.Object) {
		pushGray(q, field)
	})
}

// CheckMarkCorrectness is the assertion-mode heap scan described in §4.5:
// after markingComplete, every marked object's reference fields must target
// either a marked heap object or a non-heap (static) object. It is only
// ever invoked when RuntimeAssertsMode is enabled; a violation indicates a
// collector bug and is reported by returning one descriptive string per
// violation rather than aborting the process outright, so callers (tests,
// in particular) can assert on it.
func CheckMarkCorrectness(heap heapiface.ObjectIterable) []string {
	var violations []string

	heap.ForEach(func(obj heapiface.Object) bool {
		if !obj.Marked() {
			return true
		}

		td := obj.TypeDescriptor()
		if td == nil {
			return true
		}

		td.ForEachReferenceField(obj, func(field heapiface.Object) {
			if field == nil {
				return
			}

			if field.OnHeap() && !field.Marked() {
				violations = append(violations, "field of a marked object is unmarked and on-heap")
			}
		})

		return true
	})

	return violations
}
