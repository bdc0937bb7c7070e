package gateway

import (
	"fmt"
	"sort"
	"sync"

	"chunkrelay/pkg/interfaces"
	"chunkrelay/pkg/types"
)

// Directory holds the parent categories and the channels created under them.
// A channel named after a user id is that user's delivery channel, and the
// user is its only member.
type Directory struct {
	mu          sync.RWMutex
	categories  map[string]map[string]types.ChannelRef
	allowCreate bool
}

func NewDirectory(allowCreate bool, categories ...string) *Directory {
	d := &Directory{
		categories:  make(map[string]map[string]types.ChannelRef),
		allowCreate: allowCreate,
	}
	for _, c := range categories {
		d.categories[c] = make(map[string]types.ChannelRef)
	}
	return d
}

// GetOrCreate returns parent/name, creating it when allowed.
func (d *Directory) GetOrCreate(parent, name string) (types.ChannelRef, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	channels, ok := d.categories[parent]
	if !ok {
		return types.ChannelRef{}, fmt.Errorf("%w: category %q", interfaces.ErrChannelNotFound, parent)
	}
	if ref, ok := channels[name]; ok {
		return ref, nil
	}
	if !d.allowCreate {
		return types.ChannelRef{}, fmt.Errorf("%w: cannot create channel %q", interfaces.ErrPermissionDenied, name)
	}

	ref := types.ChannelRef{Kind: types.ChannelGrouped, Parent: parent, Name: name}
	channels[name] = ref
	return ref, nil
}

// Members lists the user ids that receive traffic for ref.
func (d *Directory) Members(ref types.ChannelRef) []string {
	if ref.Kind == types.ChannelDirect {
		return []string{ref.Name}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.categories[ref.Parent][ref.Name]; !ok {
		return nil
	}
	return []string{ref.Name}
}

// Channels lists the channels under parent, sorted by name.
func (d *Directory) Channels(parent string) []types.ChannelRef {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.ChannelRef, 0, len(d.categories[parent]))
	for _, ref := range d.categories[parent] {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
