package media

import "sort"

// Registry is a deduplication index over descriptors, keyed by the
// normalized URL key. Two targets that resolve to the same key share one
// entry whose usage records every context (gallery and/or hero variants)
// the image must appear in. Build never produces two entries with the same
// key and has no side effects.
type Registry struct {
	entries map[string]*Descriptor
}

// Build constructs a Registry from the gallery targets and the per-variant
// hero targets of one media set. Later duplicates merge into the first
// occurrence: gallery usage is OR-ed, hero variant ids are unioned, and the
// first non-empty RemoteID, AltText and lowest Position win.
func Build(gallery []Descriptor, heroByVariant map[string]Descriptor) *Registry {
	r := &Registry{entries: make(map[string]*Descriptor)}
	for _, d := range gallery {
		d.Gallery = true
		r.merge(d)
	}

	// Deterministic order for stable merge results.
	variantIDs := make([]string, 0, len(heroByVariant))
	for id := range heroByVariant {
		variantIDs = append(variantIDs, id)
	}
	sort.Strings(variantIDs)
	for _, id := range variantIDs {
		d := heroByVariant[id]
		d.Gallery = false
		d.HeroVariants = []string{id}
		r.merge(d)
	}
	return r
}

func (r *Registry) merge(d Descriptor) {
	key := d.Key()
	if key == "" {
		return
	}
	existing, ok := r.entries[key]
	if !ok {
		cp := d
		cp.HeroVariants = append([]string(nil), d.HeroVariants...)
		r.entries[key] = &cp
		return
	}
	existing.Gallery = existing.Gallery || d.Gallery
	for _, v := range d.HeroVariants {
		if !contains(existing.HeroVariants, v) {
			existing.HeroVariants = append(existing.HeroVariants, v)
		}
	}
	if existing.RemoteID == "" {
		existing.RemoteID = d.RemoteID
	}
	if existing.AltText == "" {
		existing.AltText = d.AltText
	}
	if d.Position < existing.Position {
		existing.Position = d.Position
	}
}

// Get returns the entry for a key, or nil.
func (r *Registry) Get(key string) *Descriptor {
	return r.entries[key]
}

// Has reports whether the registry contains the key.
func (r *Registry) Has(key string) bool {
	_, ok := r.entries[key]
	return ok
}

// Len returns the number of distinct entries.
func (r *Registry) Len() int { return len(r.entries) }

// Keys returns all keys in deterministic order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Ordered returns the entries sorted by Position, then key, which is the
// order the remote gallery must end up in after a switch.
func (r *Registry) Ordered() []Descriptor {
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
