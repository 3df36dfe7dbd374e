package kmip

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/effective-security/signer/cryptoprov"
	"github.com/pkg/errors"
)

// conn wraps a pooled TLS connection with the bookkeeping needed to enforce
// max_use_seconds/max_idle_seconds at checkout, grounded on the
// createdAt/lastUsedAt tracking the wider pack's connection pool uses for
// per-tenant adapter connections, adapted here to a fixed-size FIFO free
// list since KMIP connections are fungible.
type conn struct {
	nc         net.Conn
	createdAt  time.Time
	lastUsedAt time.Time
}

func (c *conn) expired(maxUse, maxIdle time.Duration) bool {
	now := time.Now()
	return now.Sub(c.createdAt) > maxUse || now.Sub(c.lastUsedAt) > maxIdle
}

// pool is a bounded FIFO pool of idle KMIP connections.
type pool struct {
	cfg cryptoprov.SignerConfig
	tls *tls.Config

	mu      sync.Mutex
	idle    []*conn
	active  int
	maxConn int

	maxUse  time.Duration
	maxIdle time.Duration
}

func newPool(cfg cryptoprov.SignerConfig, tlsCfg *tls.Config) *pool {
	return &pool{
		cfg:     cfg,
		tls:     tlsCfg,
		maxConn: cfg.MaxConnections,
		maxUse:  time.Duration(cfg.MaxUseSeconds) * time.Second,
		maxIdle: time.Duration(cfg.MaxIdleSeconds) * time.Second,
	}
}

// checkout returns an idle connection passing liveness checks, or dials a
// new one if none are idle and the pool is below its cap.
func (p *pool) checkout(ctx context.Context) (*conn, error) {
	p.mu.Lock()
	for len(p.idle) > 0 {
		c := p.idle[0]
		p.idle = p.idle[1:]
		if c.expired(p.maxUse, p.maxIdle) {
			_ = c.nc.Close()
			p.active--
			continue
		}
		p.mu.Unlock()
		return c, nil
	}
	if p.active >= p.maxConn {
		p.mu.Unlock()
		return nil, errors.New("kmip connection pool exhausted")
	}
	p.active++
	p.mu.Unlock()

	c, err := p.dial(ctx)
	if err != nil {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		return nil, err
	}
	return c, nil
}

// checkin returns a connection to the idle list, or discards it (and
// releases its slot) if keep is false.
func (p *pool) checkin(c *conn, keep bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !keep {
		_ = c.nc.Close()
		p.active--
		return
	}
	c.lastUsedAt = time.Now()
	p.idle = append(p.idle, c)
}

func (p *pool) dial(ctx context.Context) (*conn, error) {
	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
	dialer := &net.Dialer{Timeout: time.Duration(p.cfg.ConnectTimeoutSeconds) * time.Second}

	nc, err := tls.DialWithDialer(dialer, "tcp", addr, p.tls)
	if err != nil {
		return nil, errors.WithMessagef(err, "dial kmip server: %s", addr)
	}
	now := time.Now()
	return &conn{nc: nc, createdAt: now, lastUsedAt: now}, nil
}

func (p *pool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.idle {
		_ = c.nc.Close()
	}
	p.idle = nil
	p.active = 0
}
