package orderedmap

type (
	// OrderedMap keeps insertion order. It is not safe for concurrent use;
	// callers hold their own lock.
	OrderedMap[K comparable, V any] struct {
		keys []K
		data map[K]V
	}
)

func NewOrderedMap[K comparable, V any]() *OrderedMap[K, V] {
	return &OrderedMap[K, V]{
		keys: []K{},
		data: make(map[K]V),
	}
}

// Add or update an element
func (om *OrderedMap[K, V]) Set(key K, value V) {
	if _, exists := om.data[key]; !exists {
		om.keys = append(om.keys, key) // Add key to order list if new
	}
	om.data[key] = value
}

func (om *OrderedMap[K, V]) Len() int {
	return len(om.keys)
}

// Get an element
func (om *OrderedMap[K, V]) Get(key K) (V, bool) {
	value, exists := om.data[key]
	return value, exists
}

// Remove an element
func (om *OrderedMap[K, V]) Delete(key K) {
	if _, exists := om.data[key]; exists {
		delete(om.data, key)
		for i, k := range om.keys {
			if k == key {
				om.keys = append(om.keys[:i], om.keys[i+1:]...)
				break
			}
		}
	}
}

// DeleteFunc removes every element for which del returns true.
func (om *OrderedMap[K, V]) DeleteFunc(del func(K, V) bool) {
	kept := om.keys[:0]
	for _, k := range om.keys {
		if del(k, om.data[k]) {
			delete(om.data, k)
			continue
		}
		kept = append(kept, k)
	}
	om.keys = kept
}

// Range calls f in insertion order until it returns false.
func (om *OrderedMap[K, V]) Range(f func(K, V) bool) {
	for _, k := range om.keys {
		if !f(k, om.data[k]) {
			return
		}
	}
}
