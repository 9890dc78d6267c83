package engine

import (
	"errors"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/mash-protocol/coap-go/pkg/observe"
)

// WellKnownCore is the resource discovery path (RFC 6690).
const WellKnownCore = "/.well-known/core"

// ErrPathInUse is returned when a handler is already registered for a path.
var ErrPathInUse = errors.New("path already handled")

// Handler serves one inbound request. It answers with req.Respond, either
// before returning or later from another goroutine.
type Handler interface {
	ServeCoAP(req *Request)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *Request)

// ServeCoAP calls f(req).
func (f HandlerFunc) ServeCoAP(req *Request) { f(req) }

type route struct {
	handler  Handler
	resource observe.Resource
}

// ServeMux routes requests by exact Uri-Path.
type ServeMux struct {
	mu     sync.RWMutex
	routes map[string]route
}

// NewServeMux creates an empty mux.
func NewServeMux() *ServeMux {
	return &ServeMux{routes: make(map[string]route)}
}

func cleanPath(p string) string {
	return "/" + strings.Trim(p, "/")
}

// Handle registers h for path.
func (m *ServeMux) Handle(path string, h Handler) error {
	return m.add(cleanPath(path), route{handler: h})
}

func (m *ServeMux) add(path string, r route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[path]; ok {
		return ErrPathInUse
	}
	m.routes[path] = r
	return nil
}

// Remove drops the handler for path.
func (m *ServeMux) Remove(path string) bool {
	path = cleanPath(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.routes[path]
	delete(m.routes, path)
	return ok
}

// Handler returns the handler for path.
func (m *ServeMux) Handler(path string) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[cleanPath(path)]
	return r.handler, ok
}

func (m *ServeMux) isObservable(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.routes[cleanPath(path)].resource != nil
}

// Paths returns the registered paths, sorted.
func (m *ServeMux) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.routes))
}

// Observables returns the paths of observable resources, sorted.
func (m *ServeMux) Observables() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for p, r := range m.routes {
		if r.resource != nil {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

// Links renders the registered paths in CoRE link format. Observable
// resources carry the obs attribute and their content formats.
func (m *ServeMux) Links() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := slices.Sorted(maps.Keys(m.routes))

	var sb strings.Builder
	for i, p := range paths {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString("<" + p + ">")
		res := m.routes[p].resource
		if res == nil {
			continue
		}
		sb.WriteString(";obs")
		formats := res.Formats()
		switch len(formats) {
		case 0:
		case 1:
			sb.WriteString(";ct=" + strconv.FormatUint(uint64(formats[0]), 10))
		default:
			cts := make([]string, len(formats))
			for j, f := range formats {
				cts[j] = strconv.FormatUint(uint64(f), 10)
			}
			sb.WriteString(`;ct="` + strings.Join(cts, " ") + `"`)
		}
	}
	return sb.String()
}
