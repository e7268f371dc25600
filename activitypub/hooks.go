package activitypub

import (
	"sort"
	"sync"

	"github.com/deemkeen/fedipress/domain"
)

// InboxFilter can add to or prune the destination inbox list of an
// outgoing activity before fan-out (e.g. a blocklist, or an extra relay).
type InboxFilter func(inboxes []string, activity *domain.Activity) []string

// ActorFilter can amend a local actor document before it is served.
type ActorFilter func(doc map[string]any, account *domain.Account) map[string]any

// Hooks is an ordered registry of extension points. Filters run in
// ascending priority; ties run in registration order.
type Hooks struct {
	mu           sync.RWMutex
	inboxFilters []prioritized[InboxFilter]
	actorFilters []prioritized[ActorFilter]
	seq          int
}

type prioritized[T any] struct {
	priority int
	seq      int
	fn       T
}

func NewHooks() *Hooks {
	return &Hooks{}
}

// OnModifyDestinationInboxes registers an inbox filter.
func (h *Hooks) OnModifyDestinationInboxes(priority int, fn InboxFilter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inboxFilters = append(h.inboxFilters, prioritized[InboxFilter]{priority, h.seq, fn})
	h.seq++
	sortFilters(h.inboxFilters)
}

// OnModifyActorDocument registers an actor document filter.
func (h *Hooks) OnModifyActorDocument(priority int, fn ActorFilter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.actorFilters = append(h.actorFilters, prioritized[ActorFilter]{priority, h.seq, fn})
	h.seq++
	sortFilters(h.actorFilters)
}

func sortFilters[T any](filters []prioritized[T]) {
	sort.SliceStable(filters, func(i, j int) bool {
		if filters[i].priority != filters[j].priority {
			return filters[i].priority < filters[j].priority
		}
		return filters[i].seq < filters[j].seq
	})
}

// ApplyInboxFilters runs all registered inbox filters in order.
func (h *Hooks) ApplyInboxFilters(inboxes []string, activity *domain.Activity) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, f := range h.inboxFilters {
		inboxes = f.fn(inboxes, activity)
	}
	return inboxes
}

// ApplyActorFilters runs all registered actor document filters in order.
func (h *Hooks) ApplyActorFilters(doc map[string]any, account *domain.Account) map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, f := range h.actorFilters {
		doc = f.fn(doc, account)
	}
	return doc
}
