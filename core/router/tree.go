package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Errors returned while building the tree
var (
	ErrInvalidPath   = errors.New("path must begin with '/'")
	ErrDuplicate     = errors.New("route already declared")
	ErrParamConflict = errors.New("conflicting parameter names")
	ErrCatchAllPos   = errors.New("catch-all routes are only allowed at the end of the path")
	ErrUnnamedParam  = errors.New("wildcards must be named")
)

type nodeType uint8

const (
	static   nodeType = iota // default
	param                    // :param
	catchAll                 // *param
)

// Tree is a segment tree keyed by path pattern. Each leaf holds one value
// per HTTP method.
type Tree[T any] struct {
	root *node[T]

	// IgnoreTrailingSlash makes "/foo" and "/foo/" the same route.
	IgnoreTrailingSlash bool
}

type node[T any] struct {
	nType     nodeType
	paramName string
	children  map[string]*node[T]
	param     *node[T]
	catchAll  *node[T]
	handlers  map[string]T
	pattern   string
}

// Match is the outcome of a lookup
type Match[T any] struct {
	Value   T
	Params  map[string]string
	Pattern string
	Found   bool

	// Allowed lists the methods registered for the path when the path
	// matched but the method did not.
	Allowed []string
}

// New creates an empty tree
func New[T any]() *Tree[T] {
	return &Tree[T]{root: &node[T]{}}
}

// Add registers value for method and path. Declaring the same method and
// path twice fails with ErrDuplicate.
func (t *Tree[T]) Add(method, path string, value T) error {
	return t.insert(method, path, value, false)
}

// Set registers value for method and path, replacing any previous value.
func (t *Tree[T]) Set(method, path string, value T) error {
	return t.insert(method, path, value, true)
}

// Has reports whether method and path were registered with exactly this
// pattern.
func (t *Tree[T]) Has(method, path string) bool {
	n := t.root
	for _, seg := range t.split(path) {
		var next *node[T]
		switch {
		case strings.HasPrefix(seg, ":"):
			next = n.param
			if next != nil && next.paramName != seg[1:] {
				next = nil
			}
		case strings.HasPrefix(seg, "*"):
			next = n.catchAll
		default:
			next = n.children[seg]
		}
		if next == nil {
			return false
		}
		n = next
	}
	_, ok := n.handlers[method]
	return ok
}

func (t *Tree[T]) insert(method, path string, value T, replace bool) error {
	if path == "" || path[0] != '/' {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	segs := t.split(path)
	n := t.root
	for i, seg := range segs {
		switch {
		case strings.HasPrefix(seg, ":"):
			name := seg[1:]
			if name == "" {
				return fmt.Errorf("%w: %q", ErrUnnamedParam, path)
			}
			if n.param == nil {
				n.param = &node[T]{nType: param, paramName: name}
			} else if n.param.paramName != name {
				return fmt.Errorf("%w: ':%s' and ':%s' in %q", ErrParamConflict, n.param.paramName, name, path)
			}
			n = n.param

		case strings.HasPrefix(seg, "*"):
			if i != len(segs)-1 {
				return fmt.Errorf("%w: %q", ErrCatchAllPos, path)
			}
			name := seg[1:]
			if name == "" {
				name = "*"
			}
			if n.catchAll == nil {
				n.catchAll = &node[T]{nType: catchAll, paramName: name}
			} else if n.catchAll.paramName != name {
				return fmt.Errorf("%w: '*%s' and '*%s' in %q", ErrParamConflict, n.catchAll.paramName, name, path)
			}
			n = n.catchAll

		default:
			if n.children == nil {
				n.children = make(map[string]*node[T])
			}
			child, ok := n.children[seg]
			if !ok {
				child = &node[T]{}
				n.children[seg] = child
			}
			n = child
		}
	}

	if n.handlers == nil {
		n.handlers = make(map[string]T)
	}
	if _, exists := n.handlers[method]; exists && !replace {
		return fmt.Errorf("%w: %s %s", ErrDuplicate, method, path)
	}
	n.handlers[method] = value
	n.pattern = path
	return nil
}

// Lookup resolves method and path. Static segments win over parameters,
// parameters win over catch-alls.
func (t *Tree[T]) Lookup(method, path string) Match[T] {
	var m Match[T]
	segs := t.split(path)

	params := make(map[string]string)
	if n := t.root.match(segs, 0, params, method); n != nil {
		m.Value = n.handlers[method]
		m.Params = params
		m.Pattern = n.pattern
		m.Found = true
		return m
	}

	if n := t.root.match(segs, 0, make(map[string]string), ""); n != nil {
		m.Allowed = make([]string, 0, len(n.handlers))
		for verb := range n.handlers {
			m.Allowed = append(m.Allowed, verb)
		}
		sort.Strings(m.Allowed)
	}
	return m
}

// match walks the tree with backtracking. An empty method accepts any leaf
// that has at least one handler.
func (n *node[T]) match(segs []string, i int, params map[string]string, method string) *node[T] {
	if i == len(segs) {
		if n.accepts(method) {
			return n
		}
		// "/files/*" also matches "/files"
		if n.catchAll != nil && n.catchAll.accepts(method) {
			params[n.catchAll.paramName] = ""
			return n.catchAll
		}
		return nil
	}

	seg := segs[i]
	if child := n.children[seg]; child != nil {
		if found := child.match(segs, i+1, params, method); found != nil {
			return found
		}
	}

	if n.param != nil && seg != "" {
		params[n.param.paramName] = seg
		if found := n.param.match(segs, i+1, params, method); found != nil {
			return found
		}
		delete(params, n.param.paramName)
	}

	if n.catchAll != nil && n.catchAll.accepts(method) {
		params[n.catchAll.paramName] = strings.Join(segs[i:], "/")
		return n.catchAll
	}
	return nil
}

func (n *node[T]) accepts(method string) bool {
	if len(n.handlers) == 0 {
		return false
	}
	if method == "" {
		return true
	}
	_, ok := n.handlers[method]
	return ok
}

func (t *Tree[T]) split(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if t.IgnoreTrailingSlash {
		path = strings.TrimSuffix(path, "/")
	}
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
