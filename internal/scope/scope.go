// Package scope decides which requests are beacons worth tracking.
package scope

import (
	"net/url"
	"path"
	"strings"

	"pixelwatch/internal/model"
)

// Filter is an allow-list of host globs and resource types. An empty
// list allows everything on that axis.
type Filter struct {
	hosts []string
	types map[model.ResourceType]struct{}
}

// New builds a filter. Host patterns use path.Match syntax
// ("*.example.com"); matching is case-insensitive.
func New(hosts, types []string) *Filter {
	f := &Filter{types: make(map[model.ResourceType]struct{}, len(types))}
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			f.hosts = append(f.hosts, h)
		}
	}
	for _, t := range types {
		if nt := model.ResourceType(t).Normalize(); nt != "" {
			f.types[nt] = struct{}{}
		}
	}
	return f
}

// Allows reports whether a request to rawURL of type typ is in scope.
func (f *Filter) Allows(rawURL string, typ model.ResourceType) bool {
	if f == nil {
		return true
	}
	if len(f.types) > 0 {
		if _, ok := f.types[typ.Normalize()]; !ok {
			return false
		}
	}
	if len(f.hosts) == 0 {
		return true
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, pattern := range f.hosts {
		if ok, _ := path.Match(pattern, host); ok {
			return true
		}
	}
	return false
}

// AllowsEvent applies the filter to start events; every other kind is in
// scope.
func (f *Filter) AllowsEvent(ev model.Event) bool {
	if ev.Kind != model.KindStart {
		return true
	}
	return f.Allows(ev.URL, ev.Type)
}
