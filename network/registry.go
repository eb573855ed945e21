package network

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUsernameInvalid indicates an empty name or one containing protocol delimiters.
	ErrUsernameInvalid = errors.New("network: invalid username")
	// ErrUsernameTaken indicates another live session already holds the name.
	ErrUsernameTaken = errors.New("network: username already in use")
	// ErrUsernameAlreadySet indicates the session already claimed a name.
	ErrUsernameAlreadySet = errors.New("network: username already set")
	// ErrSessionNotRegistered indicates the session was removed or never added.
	ErrSessionNotRegistered = errors.New("network: session not registered")
	// ErrNotAuthenticated indicates the session has not claimed a username.
	ErrNotAuthenticated = errors.New("network: username not set")
	// ErrSelfLink indicates a session tried to pair with itself.
	ErrSelfLink = errors.New("network: cannot link session to itself")
	// ErrUserNotFound indicates no live session holds the requested name.
	ErrUserNotFound = errors.New("network: username not found")
	// ErrAlreadyLinked indicates the two sessions are already paired.
	ErrAlreadyLinked = errors.New("network: sessions already linked")
	// ErrNotLinked indicates the two sessions are not paired.
	ErrNotLinked = errors.New("network: sessions not linked")
)

// Registry is the server-wide directory of live chat sessions.
//
// Sessions are tracked by identity; two connections from the same address
// are distinct entries. One mutex guards the session set, the username map,
// and the peer set of every registered session. No socket I/O happens while
// it is held.
type Registry struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
	byName   map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[*Session]struct{}),
		byName:   make(map[string]*Session),
	}
}

// Add registers a freshly accepted session. Adding it twice is a no-op.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.peers == nil {
		s.peers = make(map[string]*Session)
	}
	r.sessions[s] = struct{}{}
}

// ClaimUsername atomically binds name to s if no live session holds it.
func (r *Registry) ClaimUsername(s *Session, name string) error {
	if !validUsername(name) {
		return ErrUsernameInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s]; !ok {
		return ErrSessionNotRegistered
	}
	if s.username != "" {
		return ErrUsernameAlreadySet
	}
	if _, taken := r.byName[name]; taken {
		return ErrUsernameTaken
	}

	s.username = name
	r.byName[name] = s
	return nil
}

// Lookup returns the live session holding name.
func (r *Registry) Lookup(name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byName[name]
	return s, ok
}

// IsOnline reports whether name is currently claimed.
func (r *Registry) IsOnline(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// ListOnline returns every claimed username in sorted order.
func (r *Registry) ListOnline() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

// Remove drops s from both maps. Removing an unknown session is a no-op.
// Peer links are left untouched; use Detach for full teardown.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(s)
}

func (r *Registry) removeLocked(s *Session) bool {
	if s.username != "" && r.byName[s.username] == s {
		delete(r.byName, s.username)
	}
	if _, ok := r.sessions[s]; !ok {
		return false
	}
	delete(r.sessions, s)
	return true
}

// Detach removes s and severs every peer link symmetrically. It returns the
// sessions that were paired with s so the caller can notify them.
func (r *Registry) Detach(s *Session) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(s)

	peers := make([]*Session, 0, len(s.peers))
	for name, peer := range s.peers {
		delete(peer.peers, s.username)
		delete(s.peers, name)
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].username < peers[j].username
	})
	return peers
}

// Link pairs s with the session holding peerName and returns that session.
func (r *Registry) Link(s *Session, peerName string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.username == "" {
		return nil, ErrNotAuthenticated
	}
	if peerName == s.username {
		return nil, ErrSelfLink
	}
	peer, ok := r.byName[peerName]
	if !ok {
		return nil, ErrUserNotFound
	}
	if _, linked := s.peers[peerName]; linked {
		return nil, ErrAlreadyLinked
	}

	s.peers[peerName] = peer
	peer.peers[s.username] = s
	return peer, nil
}

// Unlink removes the pairing between s and peerName and returns the former peer.
func (r *Registry) Unlink(s *Session, peerName string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := s.peers[peerName]
	if !ok {
		return nil, ErrNotLinked
	}

	delete(s.peers, peerName)
	delete(peer.peers, s.username)
	return peer, nil
}

// LinkedPeer returns the session paired with s under peerName.
func (r *Registry) LinkedPeer(s *Session, peerName string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := s.peers[peerName]
	return peer, ok
}

// Peers returns the sorted usernames paired with s.
func (r *Registry) Peers(s *Session) []string {
	r.mu.Lock()
	names := make([]string, 0, len(s.peers))
	for name := range s.peers {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

// Len returns the number of live sessions, named or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of every live session.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) usernameOf(s *Session) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return s.username
}

func validUsername(name string) bool {
	if name == "" {
		return false
	}
	return !strings.ContainsAny(name, " \t\r\n;,|")
}
