package api

import "sync"

// defaultStoreLimit is how many results a LossStore keeps by default.
const defaultStoreLimit = 256

// LossStore keeps the most recent loss results so clients can fetch them
// again by id. The oldest entry is evicted when the limit is reached.
type LossStore struct {
	mu      sync.Mutex
	limit   int
	order   []string
	results map[string]*LossResponse
}

func NewLossStore(limit int) *LossStore {
	if limit <= 0 {
		limit = defaultStoreLimit
	}
	return &LossStore{
		limit:   limit,
		results: make(map[string]*LossResponse),
	}
}

func (s *LossStore) Put(resp *LossResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[resp.ID]; !ok {
		s.order = append(s.order, resp.ID)
	}
	s.results[resp.ID] = resp
	for len(s.order) > s.limit {
		delete(s.results, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *LossStore) Get(id string) (*LossResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.results[id]
	return resp, ok
}

func (s *LossStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[id]; !ok {
		return false
	}
	delete(s.results, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *LossStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}
