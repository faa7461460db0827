// SPDX-License-Identifier: Apache-2.0

package mcptool

import (
	"context"
	stderrors "errors"
	"slices"
	"strings"
	"sync"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = stderrors.New("mcp pool is closed")

// ServerConfig identifies one stdio MCP server process.
type ServerConfig struct {
	Command string
	Args    []string
	Env     []string
}

func (s ServerConfig) key() string {
	env := slices.Clone(s.Env)
	slices.Sort(env)
	return s.Command + "\x00" + strings.Join(s.Args, "\x1f") + "\x00" + strings.Join(env, "\x1f")
}

// DialFunc starts and initializes a session for a server.
type DialFunc func(ctx context.Context, cfg ServerConfig) (*Client, error)

type pooledClient struct {
	client   *Client
	refCount int
}

// Pool shares one session per distinct server so that several tools backed by
// the same command do not each spawn a process.
type Pool struct {
	mu      sync.Mutex
	dial    DialFunc
	opts    []ClientOption
	clients map[string]*pooledClient
	closed  bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDialer replaces the stdio dialer.
func WithDialer(dial DialFunc) PoolOption {
	return func(p *Pool) {
		if dial != nil {
			p.dial = dial
		}
	}
}

// WithClientOptions are applied to every session the pool starts.
func WithClientOptions(opts ...ClientOption) PoolOption {
	return func(p *Pool) { p.opts = append(p.opts, opts...) }
}

// NewPool creates an empty pool.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{clients: make(map[string]*pooledClient)}
	p.dial = func(ctx context.Context, cfg ServerConfig) (*Client, error) {
		return NewStdioClient(ctx, cfg.Command, cfg.Env, cfg.Args, p.opts...)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns the shared session for cfg, starting it on first use.
// Each successful Acquire must be paired with a Release.
func (p *Pool) Acquire(ctx context.Context, cfg ServerConfig) (*Client, error) {
	key := cfg.key()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if pc, ok := p.clients[key]; ok {
		pc.refCount++
		return pc.client, nil
	}

	// Dialing under the lock keeps two tools from racing to start the same process.
	c, err := p.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p.clients[key] = &pooledClient{client: c, refCount: 1}
	return c, nil
}

// Release drops one reference and closes the session when none remain.
func (p *Pool) Release(cfg ServerConfig) error {
	key := cfg.key()

	p.mu.Lock()
	pc, ok := p.clients[key]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	pc.refCount--
	if pc.refCount > 0 {
		p.mu.Unlock()
		return nil
	}
	delete(p.clients, key)
	p.mu.Unlock()
	return pc.client.Close()
}

// Size reports the number of live sessions.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close closes every session regardless of outstanding references.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	clients := p.clients
	p.clients = make(map[string]*pooledClient)
	p.mu.Unlock()

	var errs []error
	for _, pc := range clients {
		if err := pc.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
