package instance

// ChangeKind is the kind of mutation a change event describes
type ChangeKind string

const (
	Added    ChangeKind = "ADDED"
	Modified ChangeKind = "MODIFIED"
	Deleted  ChangeKind = "DELETED"
)

// Publisher receives one call per committed mutation. Stores call it
// synchronously, before the mutating call returns.
type Publisher interface {
	Publish(kind ChangeKind, m *ModelInstance)
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(kind ChangeKind, m *ModelInstance)

// Publish implements Publisher
func (f PublisherFunc) Publish(kind ChangeKind, m *ModelInstance) {
	f(kind, m)
}
