package gateway

import (
	"sort"
	"sync"
)

// subscribers indexes /events clients by the session they follow. Clients
// without a session filter sit in the firehose set and see every event.
type subscribers struct {
	mu        sync.RWMutex
	firehose  map[string]*Client
	bySession map[string]map[string]*Client
	count     int
}

func newSubscribers() *subscribers {
	return &subscribers{
		firehose:  make(map[string]*Client),
		bySession: make(map[string]map[string]*Client),
	}
}

func (s *subscribers) add(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.SessionID == "" {
		s.firehose[c.ID] = c
	} else {
		set, ok := s.bySession[c.SessionID]
		if !ok {
			set = make(map[string]*Client)
			s.bySession[c.SessionID] = set
		}
		set[c.ID] = c
	}
	s.count++
}

func (s *subscribers) remove(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.SessionID == "" {
		if _, ok := s.firehose[c.ID]; ok {
			delete(s.firehose, c.ID)
			s.count--
		}
		return
	}
	set := s.bySession[c.SessionID]
	if _, ok := set[c.ID]; !ok {
		return
	}
	delete(set, c.ID)
	s.count--
	if len(set) == 0 {
		delete(s.bySession, c.SessionID)
	}
}

// forSession returns the clients that should receive an event about
// sessionID. Server-wide events (empty sessionID) reach everyone.
func (s *subscribers) forSession(sessionID string) []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sessionID == "" {
		return s.allLocked()
	}
	set := s.bySession[sessionID]
	out := make([]*Client, 0, len(s.firehose)+len(set))
	for _, c := range s.firehose {
		out = append(out, c)
	}
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (s *subscribers) all() []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allLocked()
}

func (s *subscribers) allLocked() []*Client {
	out := make([]*Client, 0, s.count)
	for _, c := range s.firehose {
		out = append(out, c)
	}
	for _, set := range s.bySession {
		for _, c := range set {
			out = append(out, c)
		}
	}
	return out
}

func (s *subscribers) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// snapshot describes every client, oldest connection first
func (s *subscribers) snapshot() []ClientInfo {
	clients := s.all()
	infos := make([]ClientInfo, 0, len(clients))
	for _, c := range clients {
		infos = append(infos, ClientInfo{
			ID:          c.ID,
			ConnectedAt: c.ConnectedAt,
			IPAddress:   c.IPAddress,
			SessionID:   c.SessionID,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}
