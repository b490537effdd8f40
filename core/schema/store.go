package schema

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// baseURL anchors schemas whose $id is relative, so "$ref": "user" from a
// route schema resolves to the shared schema registered with $id "user".
const baseURL = "https://hookserver.local/schemas/"

// Store holds shared schemas referenced by $id. It is append-only and
// sealed once the server is ready.
type Store struct {
	mu      sync.RWMutex
	schemas map[string]Schema
	sealed  bool
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{schemas: make(map[string]Schema)}
}

// Add registers a deep copy of s under its $id
func (st *Store) Add(s Schema) error {
	id := ID(s)
	if id == "" {
		return ErrMissingID
	}
	cp, err := Clone(s)
	if err != nil {
		return err
	}
	delete(cp, "$schema")

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.sealed {
		return ErrStoreSealed
	}
	if _, exists := st.schemas[id]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyPresent, id)
	}
	st.schemas[id] = cp
	return nil
}

// Get returns a copy of the schema registered under id
func (st *Store) Get(id string) (Schema, bool) {
	st.mu.RLock()
	s, ok := st.schemas[id]
	st.mu.RUnlock()
	if !ok {
		return nil, false
	}
	cp, _ := Clone(s)
	return cp, true
}

// All returns copies of every shared schema keyed by $id
func (st *Store) All() map[string]Schema {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make(map[string]Schema, len(st.schemas))
	for id, s := range st.schemas {
		out[id], _ = Clone(s)
	}
	return out
}

// IDs returns the registered ids in sorted order
func (st *Store) IDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()

	ids := make([]string, 0, len(st.schemas))
	for id := range st.schemas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Seal rejects further additions
func (st *Store) Seal() {
	st.mu.Lock()
	st.sealed = true
	st.mu.Unlock()
}

// resourceURL maps a schema id to the URL it is registered under when
// compiling.
func resourceURL(id string) string {
	id, _, _ = strings.Cut(id, "#")
	if u, err := url.Parse(id); err == nil && u.IsAbs() {
		return id
	}
	return baseURL + strings.TrimPrefix(id, "/")
}
