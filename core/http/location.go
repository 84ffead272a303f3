package http

import "strings"

// StageBinding names a stage for a Location, optionally restricted to a set
// of request path extensions. Stages are resolved when a pipeline is built.
type StageBinding struct {
	Name       string
	Extensions map[string]bool
}

// matchExtension reports whether ext is admitted by the binding
func (b *StageBinding) matchExtension(ext string) bool {
	if len(b.Extensions) == 0 {
		return true
	}
	return b.Extensions[strings.ToLower(ext)]
}

func newBinding(name string, exts []string) *StageBinding {
	b := &StageBinding{Name: name}
	if len(exts) > 0 {
		b.Extensions = make(map[string]bool, len(exts))
		for _, e := range exts {
			b.Extensions[strings.ToLower(strings.TrimPrefix(e, "."))] = true
		}
	}
	return b
}

// Location is the configuration applied to requests under a URL prefix
type Location struct {
	Prefix        string
	Handlers      []*StageBinding
	InputFilters  []*StageBinding
	OutputFilters []*StageBinding
	Connector     string
	Auth          *AuthPolicy
	Limits        *Limits
	// Data is free for stages bound to the location
	Data map[string]any
}

// NewLocation creates a location for prefix inheriting parent's stages,
// auth policy and limits. parent may be nil.
func NewLocation(prefix string, parent *Location) *Location {
	loc := &Location{Prefix: prefix, Data: make(map[string]any)}
	if parent == nil {
		loc.Connector = NetConnectorName
		loc.OutputFilters = []*StageBinding{newBinding(RangeFilterName, nil), newBinding(ChunkFilterName, nil)}
		loc.InputFilters = []*StageBinding{newBinding(ChunkFilterName, nil)}
		return loc
	}
	loc.Handlers = append(loc.Handlers, parent.Handlers...)
	loc.InputFilters = append(loc.InputFilters, parent.InputFilters...)
	loc.OutputFilters = append(loc.OutputFilters, parent.OutputFilters...)
	loc.Connector = parent.Connector
	loc.Auth = parent.Auth
	loc.Limits = parent.Limits
	for k, v := range parent.Data {
		loc.Data[k] = v
	}
	return loc
}

// AddHandler appends a candidate handler, optionally restricted to extensions
func (l *Location) AddHandler(name string, exts ...string) *Location {
	l.Handlers = append(l.Handlers, newBinding(name, exts))
	return l
}

// SetHandler replaces the candidate handlers with name
func (l *Location) SetHandler(name string, exts ...string) *Location {
	l.Handlers = []*StageBinding{newBinding(name, exts)}
	return l
}

// AddInputFilter appends a receive-side filter
func (l *Location) AddInputFilter(name string, exts ...string) *Location {
	l.InputFilters = append(l.InputFilters, newBinding(name, exts))
	return l
}

// AddOutputFilter inserts a transmit-side filter ahead of the chunk filter,
// so transfer encoding stays the last transformation before the connector.
func (l *Location) AddOutputFilter(name string, exts ...string) *Location {
	b := newBinding(name, exts)
	for i, f := range l.OutputFilters {
		if f.Name == ChunkFilterName {
			l.OutputFilters = append(l.OutputFilters[:i], append([]*StageBinding{b}, l.OutputFilters[i:]...)...)
			return l
		}
	}
	l.OutputFilters = append(l.OutputFilters, b)
	return l
}

// SetConnector selects the connector stage
func (l *Location) SetConnector(name string) *Location {
	l.Connector = name
	return l
}
