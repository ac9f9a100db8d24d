package ut

import (
	"cmp"
	"slices"

	"github.com/samber/lo"
)

func Map[T any, R any](collection []T, fn func(T) R) []R {
	return lo.Map(collection, func(t T, _ int) R { return fn(t) })
}

// SortedKeys 返回按升序排列的 map 键
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}

// SortedValues 返回按键升序排列的 map 值
func SortedValues[K cmp.Ordered, V any](m map[K]V) []V {
	return Map(SortedKeys(m), func(k K) V { return m[k] })
}
