package router

import "strings"

// Prefix is a compressed trie mapping string prefixes to values. Match
// returns the value of the longest registered prefix of a path.
type Prefix[V any] struct {
	root *prefixNode[V]
	size int
}

type prefixNode[V any] struct {
	path     string
	indices  string
	children []*prefixNode[V]
	value    V
	set      bool
}

// NewPrefix creates an empty prefix router
func NewPrefix[V any]() *Prefix[V] {
	return &Prefix[V]{root: &prefixNode[V]{}}
}

// Len returns the number of registered prefixes
func (r *Prefix[V]) Len() int { return r.size }

// Add registers v under prefix, replacing any previous value
func (r *Prefix[V]) Add(prefix string, v V) {
	n := r.root
	path := prefix
	for {
		i := longestCommonPrefix(path, n.path)

		// Split edge
		if i < len(n.path) {
			child := &prefixNode[V]{
				path:     n.path[i:],
				indices:  n.indices,
				children: n.children,
				value:    n.value,
				set:      n.set,
			}
			var zero V
			n.children = []*prefixNode[V]{child}
			n.indices = string([]byte{n.path[i]})
			n.path = n.path[:i]
			n.value = zero
			n.set = false
		}

		path = path[i:]
		if path == "" {
			if !n.set {
				r.size++
			}
			n.value = v
			n.set = true
			return
		}

		if idx := strings.IndexByte(n.indices, path[0]); idx >= 0 {
			n = n.children[idx]
			continue
		}
		n.indices += string([]byte{path[0]})
		n.children = append(n.children, &prefixNode[V]{path: path, value: v, set: true})
		r.size++
		return
	}
}

// Get returns the value registered for exactly prefix
func (r *Prefix[V]) Get(prefix string) (V, bool) {
	var zero V
	n := r.root
	path := prefix
	for {
		if !strings.HasPrefix(path, n.path) {
			return zero, false
		}
		path = path[len(n.path):]
		if path == "" {
			if !n.set {
				return zero, false
			}
			return n.value, true
		}
		idx := strings.IndexByte(n.indices, path[0])
		if idx < 0 {
			return zero, false
		}
		n = n.children[idx]
	}
}

// Match returns the value of the longest registered prefix of path
func (r *Prefix[V]) Match(path string) (V, bool) {
	var best V
	found := false
	n := r.root
	for strings.HasPrefix(path, n.path) {
		path = path[len(n.path):]
		if n.set {
			best, found = n.value, true
		}
		if path == "" {
			break
		}
		idx := strings.IndexByte(n.indices, path[0])
		if idx < 0 {
			break
		}
		n = n.children[idx]
	}
	return best, found
}

func longestCommonPrefix(a, b string) int {
	max := len(a)
	if len(b) < max {
		max = len(b)
	}
	for i := 0; i < max; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return max
}
