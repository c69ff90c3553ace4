package util

import (
	"fmt"
	"sort"
)

// EqualSlices compares a and b element-wise with equal. With ignoreOrder
// both sides are sorted by their printed form first.
func EqualSlices[T any](a, b []T, equal func(x, y T) bool, ignoreOrder bool) bool {
	if len(a) != len(b) {
		return false
	}

	if ignoreOrder {
		aCopy := append([]T(nil), a...)
		bCopy := append([]T(nil), b...)

		sort.Slice(aCopy, func(i, j int) bool {
			return fmt.Sprint(aCopy[i]) < fmt.Sprint(aCopy[j])
		})
		sort.Slice(bCopy, func(i, j int) bool {
			return fmt.Sprint(bCopy[i]) < fmt.Sprint(bCopy[j])
		})

		a, b = aCopy, bCopy
	}

	for i := range a {
		if !equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// Equal is EqualSlices for comparable elements in order.
func Equal[T comparable](a, b []T) bool {
	return EqualSlices(a, b, func(x, y T) bool { return x == y }, false)
}
