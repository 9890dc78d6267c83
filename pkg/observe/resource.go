package observe

import "slices"

// Resource is an observable resource.
type Resource interface {
	// Path is the resource path, e.g. "/time".
	Path() string

	// Formats lists the content formats the resource renders. The first
	// is used when an observer did not ask for one.
	Formats() []uint32

	// Render returns the current representation in format.
	Render(format uint32) ([]byte, error)
}

// MaxAger is implemented by resources whose notifications carry a Max-Age
// other than the default.
type MaxAger interface {
	MaxAge() uint32
}

// NotificationPolicy is implemented by resources that choose per
// notification whether it is sent confirmable.
type NotificationPolicy interface {
	Confirmable(seq uint32) bool
}

type funcResource struct {
	path    string
	formats []uint32
	render  func(format uint32) ([]byte, error)
}

// NewResource returns a Resource backed by render.
func NewResource(path string, formats []uint32, render func(format uint32) ([]byte, error)) Resource {
	return &funcResource{path: path, formats: formats, render: render}
}

func (r *funcResource) Path() string                         { return r.path }
func (r *funcResource) Formats() []uint32                    { return r.formats }
func (r *funcResource) Render(format uint32) ([]byte, error) { return r.render(format) }

// Supports reports whether res renders format.
func Supports(res Resource, format uint32) bool {
	return slices.Contains(res.Formats(), format)
}
