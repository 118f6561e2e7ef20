// Package credentials holds the upstream API keys and base URLs and hands
// them out in round-robin order.
package credentials

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/samber/lo"
)

var (
	// ErrNoCredentials is returned when a pool is built or replaced with no slots.
	ErrNoCredentials = errors.New("credential pool requires at least one slot")
	// ErrCredentialExhausted is returned by Next when the pool holds no slots.
	ErrCredentialExhausted = errors.New("credential pool exhausted")
	// ErrMissingAPIKey is reported for a slot without a key on a provider
	// that requires one.
	ErrMissingAPIKey = errors.New("api key not found")
)

// Slot is a single (API key, base URL) pair.
type Slot struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// Pool rotates through credential slots. It is safe for concurrent use.
type Pool struct {
	mu     sync.Mutex
	slots  []Slot
	cursor int
}

// NewPool creates a pool over a copy of slots.
func NewPool(slots []Slot) (*Pool, error) {
	if len(slots) == 0 {
		return nil, ErrNoCredentials
	}
	return &Pool{slots: append([]Slot(nil), slots...)}, nil
}

// Next returns the slot under the cursor and advances it.
func (p *Pool) Next() (Slot, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.slots) == 0 {
		return Slot{}, -1, ErrCredentialExhausted
	}
	idx := p.cursor
	p.cursor = (p.cursor + 1) % len(p.slots)
	return p.slots[idx], idx, nil
}

// ReplaceAll swaps the slot list and resets the cursor.
func (p *Pool) ReplaceAll(slots []Slot) error {
	if len(slots) == 0 {
		return ErrNoCredentials
	}
	next := append([]Slot(nil), slots...)

	p.mu.Lock()
	p.slots = next
	p.cursor = 0
	p.mu.Unlock()
	return nil
}

// Slots returns a snapshot of the current slots.
func (p *Pool) Slots() []Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Slot(nil), p.slots...)
}

// Len returns the number of slots.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Keys returns the API keys in slot order.
func (p *Pool) Keys() []string {
	return lo.Map(p.Slots(), func(s Slot, _ int) string { return s.APIKey })
}

// BaseURLs returns the base URLs in slot order.
func (p *Pool) BaseURLs() []string {
	return lo.Map(p.Slots(), func(s Slot, _ int) string { return s.BaseURL })
}

// PairSlots zips keys and base URLs by index. A single URL is shared by every
// key; otherwise the lists must have the same length.
func PairSlots(keys, urls []string) ([]Slot, error) {
	keys = lo.Map(keys, func(k string, _ int) string { return strings.TrimSpace(k) })
	urls = lo.Map(urls, func(u string, _ int) string { return strings.TrimRight(strings.TrimSpace(u), "/") })

	switch {
	case len(keys) == 0:
		return nil, ErrNoCredentials
	case len(urls) == 0:
		urls = []string{""}
		fallthrough
	case len(urls) == 1 && len(keys) > 1:
		urls = lo.Times(len(keys), func(int) string { return urls[0] })
	case len(urls) != len(keys):
		return nil, fmt.Errorf("credential lists differ in length: %d keys, %d base urls", len(keys), len(urls))
	}

	return lo.Map(keys, func(k string, i int) Slot {
		return Slot{APIKey: k, BaseURL: urls[i]}
	}), nil
}
