package ui

import (
	"sort"
	"sync"

	"relaychat/models"
)

// Roster is the client's view of who is online and who it is chatting with.
type Roster struct {
	mu       sync.RWMutex
	online   []string
	chatting map[string]struct{}
	active   string
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{chatting: make(map[string]struct{})}
}

// SetOnline replaces the online list from a LIST reply.
func (r *Roster) SetOnline(names []string) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	r.mu.Lock()
	r.online = sorted
	r.mu.Unlock()
}

// MarkChatting records a pairing. The newest pairing becomes the active peer.
func (r *Roster) MarkChatting(name string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.chatting[name] = struct{}{}
	r.active = name
	r.mu.Unlock()
}

// Unmark drops a pairing and picks another active peer if needed.
func (r *Roster) Unmark(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.chatting, name)
	if r.active != name {
		return
	}
	r.active = ""
	if remaining := sortedKeys(r.chatting); len(remaining) > 0 {
		r.active = remaining[0]
	}
}

// SetActive selects the peer that plain text lines go to.
func (r *Roster) SetActive(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.chatting[name]; !ok {
		return false
	}
	r.active = name
	return true
}

// Active returns the peer that plain text lines go to, or "".
func (r *Roster) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// IsChatting reports whether name is paired with this client.
func (r *Roster) IsChatting(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.chatting[name]
	return ok
}

// Peers returns the online users other than self, plus paired users not in
// the last LIST reply.
func (r *Roster) Peers(self string) []models.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.online))
	out := make([]models.Peer, 0, len(r.online))
	for _, name := range r.online {
		if name == self {
			continue
		}
		seen[name] = struct{}{}
		_, chatting := r.chatting[name]
		out = append(out, models.Peer{Username: name, Chatting: chatting})
	}
	for _, name := range sortedKeys(r.chatting) {
		if _, ok := seen[name]; ok {
			continue
		}
		out = append(out, models.Peer{Username: name, Chatting: true})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Username < out[j].Username
	})
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
