// SPDX-License-Identifier: Apache-2.0

package mcptool

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/client"
)

// closeCounter satisfies client.MCPClient; only Close is exercised.
type closeCounter struct {
	client.MCPClient
	closed *atomic.Int32
}

func (c closeCounter) Close() error {
	c.closed.Add(1)
	return nil
}

func countingPool(dials, closes *atomic.Int32) *Pool {
	return NewPool(WithDialer(func(_ context.Context, _ ServerConfig) (*Client, error) {
		dials.Add(1)
		return NewClient(closeCounter{closed: closes}), nil
	}))
}

func TestPool_SharesSessionPerServer(t *testing.T) {
	var dials, closes atomic.Int32
	p := countingPool(&dials, &closes)
	ctx := context.Background()

	ops := ServerConfig{Command: "ops-mcp", Args: []string{"--stdio"}, Env: []string{"B=2", "A=1"}}
	same := ServerConfig{Command: "ops-mcp", Args: []string{"--stdio"}, Env: []string{"A=1", "B=2"}}
	other := ServerConfig{Command: "ops-mcp", Args: []string{"--readonly"}}

	c1, err := p.Acquire(ctx, ops)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := p.Acquire(ctx, same)
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 {
		t.Fatal("expected env order not to affect sharing")
	}
	if _, err := p.Acquire(ctx, other); err != nil {
		t.Fatal(err)
	}
	if got := dials.Load(); got != 2 {
		t.Fatalf("dials = %d, want 2", got)
	}
	if p.Size() != 2 {
		t.Fatalf("size = %d, want 2", p.Size())
	}

	if err := p.Release(ops); err != nil {
		t.Fatal(err)
	}
	if closes.Load() != 0 {
		t.Fatal("session closed while still referenced")
	}
	if err := p.Release(same); err != nil {
		t.Fatal(err)
	}
	if closes.Load() != 1 || p.Size() != 1 {
		t.Fatalf("closes = %d size = %d, want 1 and 1", closes.Load(), p.Size())
	}
	if err := p.Release(ops); err != nil {
		t.Fatalf("extra release should be ignored: %v", err)
	}
}

func TestPool_CloseRejectsAcquire(t *testing.T) {
	var dials, closes atomic.Int32
	p := countingPool(&dials, &closes)
	ctx := context.Background()

	if _, err := p.Acquire(ctx, ServerConfig{Command: "a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Acquire(ctx, ServerConfig{Command: "b"}); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if closes.Load() != 2 {
		t.Fatalf("closes = %d, want 2", closes.Load())
	}
	if _, err := p.Acquire(ctx, ServerConfig{Command: "a"}); !stderrors.Is(err, ErrPoolClosed) {
		t.Fatalf("err = %v, want ErrPoolClosed", err)
	}
}

func TestPool_DialErrorNotCached(t *testing.T) {
	boom := stderrors.New("spawn failed")
	var calls int
	p := NewPool(WithDialer(func(context.Context, ServerConfig) (*Client, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		return NewClient(closeCounter{closed: new(atomic.Int32)}), nil
	}))

	cfg := ServerConfig{Command: "flaky"}
	if _, err := p.Acquire(context.Background(), cfg); !stderrors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if _, err := p.Acquire(context.Background(), cfg); err != nil {
		t.Fatalf("retry after failed dial: %v", err)
	}
	if p.Size() != 1 {
		t.Fatalf("size = %d, want 1", p.Size())
	}
}
