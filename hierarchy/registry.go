package hierarchy

// Dependent names an entity kind whose records hold a foreign reference to
// a hierarchical entity, blocking its deletion while the reference exists.
type Dependent struct {
	// Kind is the dependent entity kind (e.g. "product").
	Kind string

	// Attr is the stored attribute holding the referenced id (e.g. "group").
	Attr string
}

// Registry holds the static mapping from hierarchical entity kinds to the
// dependent kinds that reference them.
type Registry struct {
	byKind map[string][]Dependent
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byKind: make(map[string][]Dependent)}
}

// Register records that dep's records may reference entities of kind.
// Call during wiring, once per reference attribute.
func (r *Registry) Register(kind string, dep Dependent) {
	r.byKind[kind] = append(r.byKind[kind], dep)
}

// DependentsOf returns the dependent kinds registered for a kind.
func (r *Registry) DependentsOf(kind string) []Dependent {
	return r.byKind[kind]
}

// HasDependents reports whether any dependent kind is registered for kind.
func (r *Registry) HasDependents(kind string) bool {
	return len(r.byKind[kind]) > 0
}
