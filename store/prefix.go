package store

import (
	"io"
	"strings"
)

// Prefixed is a view of another store holding only the keys which start
// with a fixed prefix. The prefix is hidden from callers. Several
// repositories can keep their blobs in one bucket or directory this way.
type Prefixed struct {
	s      Store
	prefix string
}

// NewWithPrefix returns the part of s whose keys start with prefix.
func NewWithPrefix(s Store, prefix string) *Prefixed {
	return &Prefixed{s: s, prefix: prefix}
}

// Prefix returns the string added in front of every key.
func (p *Prefixed) Prefix() string { return p.prefix }

func (p *Prefixed) List() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for key := range p.s.List() {
			if rest, ok := p.strip(key); ok {
				out <- rest
			}
		}
	}()
	return out
}

func (p *Prefixed) ListPrefix(prefix string) ([]string, error) {
	keys, err := p.s.ListPrefix(p.prefix + prefix)
	if err != nil {
		return nil, err
	}
	var result []string
	for _, key := range keys {
		if rest, ok := p.strip(key); ok {
			result = append(result, rest)
		}
	}
	return result, nil
}

// strip removes the prefix from a key of the underlying store.
func (p *Prefixed) strip(key string) (string, bool) {
	if !strings.HasPrefix(key, p.prefix) {
		return "", false
	}
	return key[len(p.prefix):], true
}

func (p *Prefixed) Open(key string) (ReadAtCloser, int64, error) {
	return p.s.Open(p.prefix + key)
}

func (p *Prefixed) Create(key string) (io.WriteCloser, error) {
	return p.s.Create(p.prefix + key)
}

func (p *Prefixed) Delete(key string) error {
	return p.s.Delete(p.prefix + key)
}
