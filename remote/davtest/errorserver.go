package davtest

import (
	"log"
	"net/http"
	"sync"
)

// An ErrorServer wraps another http.Handler and injects errors as
// described by a playbook, given by calling Reset. Every request increments
// a counter starting at 0, and so does every request of a given method. A
// play without a Method fires when the overall counter reaches When; a play
// with one fires when the counter of that method does. A fired play answers
// with its Status and Body instead of passing the request on, and is used
// up. This is safe for concurrent use.
type ErrorServer struct {
	h http.Handler

	m        sync.Mutex
	count    int
	byMethod map[string]int
	playbook []Play
}

type Play struct {
	When   int
	Method string
	Status int
	Body   string
}

// NewErrorServer wraps h with an empty playbook.
func NewErrorServer(h http.Handler) *ErrorServer {
	return &ErrorServer{h: h, byMethod: make(map[string]int)}
}

func (s *ErrorServer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.m.Lock()
	count := s.count
	s.count++
	mcount := s.byMethod[req.Method]
	s.byMethod[req.Method]++
	log.Printf("(%d) %s %s\n", count, req.Method, req.URL)
	for i, p := range s.playbook {
		if (p.Method == "" && p.When == count) || (p.Method == req.Method && p.When == mcount) {
			s.playbook = append(s.playbook[:i], s.playbook[i+1:]...)
			s.m.Unlock()
			w.WriteHeader(p.Status)
			w.Write([]byte(p.Body))
			return
		}
	}
	s.m.Unlock()
	s.h.ServeHTTP(w, req)
}

// Reset installs a new playbook and restarts the counters.
func (s *ErrorServer) Reset(playbook []Play) {
	s.m.Lock()
	s.count = 0
	s.byMethod = make(map[string]int)
	s.playbook = append([]Play(nil), playbook...)
	s.m.Unlock()
}
