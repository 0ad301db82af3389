package store

// Binding describes how one entity type is stored: its table, key
// attribute, the attribute referencing its parent (if any), and the id
// sequence category its ids are minted from (if any).
type Binding struct {
	// EntityType is the entity type name (e.g., "thread").
	EntityType string

	// Table is the DynamoDB table name (e.g., "threads").
	Table string

	// KeyAttr is the primary key attribute name (e.g., "id").
	KeyAttr string

	// ParentType is the parent entity type, empty for root entities.
	ParentType string

	// ParentAttr is the attribute referencing the parent (e.g.,
	// "forum_id"), empty for root entities.
	ParentAttr string

	// Category is the id sequence category (e.g., "post"), empty for
	// entity types whose ids are provisioned out of band.
	Category string
}

// Registry holds the static collection layout. It is assembled once at
// startup and never mutated afterwards.
type Registry struct {
	bindings []Binding
	byType   map[string]Binding
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[string]Binding),
	}
}

// Register adds a binding to the registry. Registering the same entity
// type twice replaces the earlier binding.
func (r *Registry) Register(b Binding) {
	if _, ok := r.byType[b.EntityType]; !ok {
		r.bindings = append(r.bindings, b)
	} else {
		for i := range r.bindings {
			if r.bindings[i].EntityType == b.EntityType {
				r.bindings[i] = b
				break
			}
		}
	}
	r.byType[b.EntityType] = b
}

// Lookup returns the binding for an entity type.
func (r *Registry) Lookup(entityType string) (Binding, bool) {
	b, ok := r.byType[entityType]
	return b, ok
}

// All returns all registered bindings in registration order.
func (r *Registry) All() []Binding {
	return r.bindings
}
