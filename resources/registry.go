package resources

import (
	"slices"
	"strings"
)

// Registry is the ordered collection of all known resources keyed by name.
// Iteration follows insertion order so that selection among ties is
// reproducible. Registry does no locking of its own; its owner serializes
// access.
type Registry struct {
	order  []string
	byName map[string]*Resource
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Resource)}
}

// Add registers a new resource definition.
func (r *Registry) Add(def Definition) (*Resource, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return nil, InvalidRequest("define", "resource name is required")
	}
	if _, exists := r.byName[name]; exists {
		return nil, Conflict("define", []string{name}, "resource already exists")
	}
	def.Name = name
	res := newResource(def)
	r.byName[name] = res
	r.order = append(r.order, name)
	return res, nil
}

// Remove drops a resource. Only FREE resources can be removed.
func (r *Registry) Remove(name string) error {
	res, ok := r.byName[name]
	if !ok {
		return NotFound("undefine", name)
	}
	if !res.IsFree() {
		return Conflict("undefine", []string{name}, "resource is %s", res.State())
	}
	delete(r.byName, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	return nil
}

// SetLabels replaces the label set of a resource without touching its state.
func (r *Registry) SetLabels(name string, labels []string) error {
	res, ok := r.byName[name]
	if !ok {
		return NotFound("relabel", name)
	}
	res.labels = NormalizeLabels(labels)
	return nil
}

func (r *Registry) Lookup(name string) (*Resource, bool) {
	res, ok := r.byName[name]
	return res, ok
}

// Resolve looks up every name, failing with NotFound listing all unknown
// names. Duplicate names are collapsed.
func (r *Registry) Resolve(op string, names []string) ([]*Resource, error) {
	if len(names) == 0 {
		return nil, InvalidRequest(op, "at least one resource name is required")
	}
	var (
		out     = make([]*Resource, 0, len(names))
		missing []string
		seen    = make(map[string]bool, len(names))
	)
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			return nil, InvalidRequest(op, "empty resource name")
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		res, ok := r.byName[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		out = append(out, res)
	}
	if len(missing) > 0 {
		return nil, NotFound(op, missing...)
	}
	return out, nil
}

func (r *Registry) Len() int { return len(r.order) }

// Resources returns all resources in registry order.
func (r *Registry) Resources() []*Resource {
	out := make([]*Resource, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.byName[n])
	}
	return out
}

// WithLabel returns the resources matching the label expression in registry order.
func (r *Registry) WithLabel(label string) []*Resource {
	tokens := ParseLabel(label)
	if len(tokens) == 0 {
		return nil
	}
	var out []*Resource
	for _, n := range r.order {
		if res := r.byName[n]; res.HasLabel(tokens) {
			out = append(out, res)
		}
	}
	return out
}

// AllLabels returns the sorted union of every resource's labels.
func (r *Registry) AllLabels() []string {
	var out []string
	for _, res := range r.byName {
		for _, l := range res.labels {
			if !slices.Contains(out, l) {
				out = append(out, l)
			}
		}
	}
	slices.Sort(out)
	return out
}

func (r *Registry) TotalCount(label string) int {
	return len(r.WithLabel(label))
}

func (r *Registry) FreeCount(label string) int {
	n := 0
	for _, res := range r.WithLabel(label) {
		if res.IsFree() {
			n++
		}
	}
	return n
}

// FreePercentage is the share of free resources for label in [0, 100],
// truncated; 0 when no resource carries the label.
func (r *Registry) FreePercentage(label string) int {
	total := r.TotalCount(label)
	if total == 0 {
		return 0
	}
	return int(float64(r.FreeCount(label)) / float64(total) * 100)
}
