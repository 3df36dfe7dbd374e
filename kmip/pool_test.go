package kmip

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_conn_expired_maxUse(t *testing.T) {
	now := time.Now()
	c := &conn{createdAt: now.Add(-2 * time.Hour), lastUsedAt: now}
	assert.True(t, c.expired(time.Hour, time.Hour))
}

func Test_conn_expired_maxIdle(t *testing.T) {
	now := time.Now()
	c := &conn{createdAt: now, lastUsedAt: now.Add(-2 * time.Hour)}
	assert.True(t, c.expired(time.Hour, time.Hour))
}

func Test_conn_notExpired(t *testing.T) {
	now := time.Now()
	c := &conn{createdAt: now, lastUsedAt: now}
	assert.False(t, c.expired(time.Hour, time.Hour))
}

// fakeConn is a minimal net.Conn for checkin/checkout tests that never
// touch the network.
type fakeConn struct {
	net.Conn
	closed bool
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func Test_pool_checkin_discard_releases_slot(t *testing.T) {
	p := &pool{maxConn: 1}
	p.active = 1

	fc := &fakeConn{}
	c := &conn{nc: fc, createdAt: time.Now(), lastUsedAt: time.Now()}

	p.checkin(c, false)
	assert.True(t, fc.closed)
	assert.Equal(t, 0, p.active)
	assert.Empty(t, p.idle)
}

func Test_pool_checkin_keep_returns_to_idle(t *testing.T) {
	p := &pool{maxConn: 1}
	p.active = 1

	fc := &fakeConn{}
	c := &conn{nc: fc, createdAt: time.Now(), lastUsedAt: time.Now()}

	p.checkin(c, true)
	assert.False(t, fc.closed)
	assert.Len(t, p.idle, 1)
}
