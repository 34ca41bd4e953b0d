package vauclient

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// NewClientFunc creates a client for a host base URL.
type NewClientFunc func(host string) (*Client, error)

// Pool hands out up to size clients per host. Each client owns its own channel,
// so requests on different clients of a host run in parallel.
type Pool struct {
	size      int
	newClient NewClientFunc

	mu     sync.Mutex
	hosts  map[string]*hostClients
	closed bool
}

type hostClients struct {
	slots chan struct{}
	mu    sync.Mutex
	idle  []*Client
}

func NewPool(size int, newClient NewClientFunc) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	return &Pool{
		size:      size,
		newClient: newClient,
		hosts:     make(map[string]*hostClients),
	}, nil
}

func (p *Pool) hostClients(host string) (*hostClients, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	hc, ok := p.hosts[host]
	if !ok {
		hc = &hostClients{slots: make(chan struct{}, p.size)}
		p.hosts[host] = hc
	}
	return hc, nil
}

// Acquire returns an idle client for host or creates one. It blocks while all
// clients of host are in use, until ctx is done.
func (p *Pool) Acquire(ctx context.Context, host string) (*Client, error) {
	hc, err := p.hostClients(host)
	if err != nil {
		return nil, err
	}
	select {
	case hc.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	hc.mu.Lock()
	if n := len(hc.idle); n > 0 {
		c := hc.idle[n-1]
		hc.idle = hc.idle[:n-1]
		hc.mu.Unlock()
		return c, nil
	}
	hc.mu.Unlock()

	c, err := p.newClient(host)
	if err != nil {
		<-hc.slots
		return nil, fmt.Errorf("creating client for %s: %w", host, err)
	}
	c.host = host
	return c, nil
}

// Release returns c to the pool. Clients of a closed pool are closed.
func (p *Pool) Release(c *Client) {
	p.mu.Lock()
	hc, ok := p.hosts[c.host]
	closed := p.closed
	p.mu.Unlock()
	if !ok {
		c.Close()
		return
	}
	if closed {
		c.Close()
	} else {
		hc.mu.Lock()
		hc.idle = append(hc.idle, c)
		hc.mu.Unlock()
	}
	<-hc.slots
}

// Hosts lists the hosts the pool has clients for.
func (p *Pool) Hosts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	hosts := make([]string, 0, len(p.hosts))
	for host := range p.hosts {
		hosts = append(hosts, host)
	}
	slices.Sort(hosts)
	return hosts
}

// Close closes all idle clients. Clients in use are closed on Release.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	hosts := p.hosts
	p.mu.Unlock()
	for _, hc := range hosts {
		hc.mu.Lock()
		for _, c := range hc.idle {
			c.Close()
		}
		hc.idle = nil
		hc.mu.Unlock()
	}
}
