package metrics

import (
	"testing"
	"time"

	"curryx/message"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveCall("calc#v1", "add", nil, time.Millisecond)
		c.ObserveServed("calc#v1", "add", nil, time.Millisecond)
		c.CacheLookup(true)
		c.CacheFlush("child-change")
		c.ConnOpened()
		c.ConnClosed()
		c.PendingAdd(1)
		c.ResponseDropped()
	})
}

func TestCollector(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	c.ObserveCall("calc#v1", "add", nil, time.Millisecond)
	c.ObserveCall("calc#v1", "add", message.Errorf(message.KindTimeout, "slow"), time.Second)
	c.CacheLookup(false)
	c.CacheLookup(true)
	c.CacheLookup(true)
	c.ConnOpened()
	c.ConnOpened()
	c.ConnClosed()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.calls.WithLabelValues("calc#v1", "add", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.calls.WithLabelValues("calc#v1", "add", "timeout")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connections))
}
