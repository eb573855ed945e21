package network

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestIPRateLimiterPerHost(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := newIPRateLimiter(rate.Limit(1), 2)
	limiter.now = func() time.Time { return now }

	a := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1000}
	aOtherPort := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 2000}
	b := &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 1000}

	assert.True(t, limiter.Allow(a))
	assert.True(t, limiter.Allow(aOtherPort))
	assert.False(t, limiter.Allow(a), "burst exhausted for host")
	assert.True(t, limiter.Allow(b), "other hosts unaffected")

	now = now.Add(time.Second)
	assert.True(t, limiter.Allow(a), "token refilled")
}

func TestIPRateLimiterDisabled(t *testing.T) {
	var limiter *ipRateLimiter = newIPRateLimiter(0, 0)
	assert.Nil(t, limiter)
	for i := 0; i < 100; i++ {
		assert.True(t, limiter.Allow(&net.TCPAddr{IP: net.ParseIP("10.0.0.1")}))
	}
}

func TestIPRateLimiterPrunesIdleHosts(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := newIPRateLimiter(rate.Limit(1), 1)
	limiter.now = func() time.Time { return now }

	for i := 0; i < limiterPruneTrigger; i++ {
		limiter.Allow(&net.TCPAddr{IP: net.IPv4(10, 1, byte(i/256), byte(i%256))})
	}
	now = now.Add(limiterIdleTTL + time.Second)
	limiter.Allow(&net.TCPAddr{IP: net.ParseIP("192.168.1.1")})

	assert.Len(t, limiter.entries, 1)
}
