package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/rendezvous"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	c := NewCollector("test", reg, zap.NewNop())
	require.NotNil(t, c)
	return c, reg
}

// gatherValue reads one sample value from the registry by family name.
func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		require.Len(t, fam.GetMetric(), 1)
		m := fam.GetMetric()[0]
		if m.GetCounter() != nil {
			return m.GetCounter().GetValue()
		}
		return m.GetGauge().GetValue()
	}
	t.Fatalf("metric family %q not found", name)
	return 0
}

func TestNewCollector(t *testing.T) {
	c, _ := newTestCollector(t)

	assert.NotNil(t, c.exchangesTotal)
	assert.NotNil(t, c.exchangeBytes)
	assert.NotNil(t, c.framesTotal)
	assert.NotNil(t, c.connectionsActive)
	assert.NotNil(t, c.authFailures)
}

func TestCollector_ExchangeResolved(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ExchangeResolved("send", "ok", 128)
	c.ExchangeResolved("recv", "ok", 128)
	c.ExchangeResolved("recv", "dead", 0)
	c.ExchangeResolved("recv", "ABORTED", 0)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.exchangesTotal.WithLabelValues("send", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.exchangesTotal.WithLabelValues("recv", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.exchangesTotal.WithLabelValues("recv", "ABORTED")))

	// Failed exchanges are not observed in the payload histogram.
	count := testutil.CollectAndCount(c.exchangeBytes)
	assert.Equal(t, 2, count)
}

func TestCollector_Frames(t *testing.T) {
	c, _ := newTestCollector(t)

	c.FrameReceived("send")
	c.FrameReceived("send")
	c.FrameSent("result")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.framesTotal.WithLabelValues("send", "in")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.framesTotal.WithLabelValues("result", "out")))
}

func TestCollector_Connections(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()

	assert.Equal(t, float64(1), testutil.ToFloat64(c.connectionsActive))
}

func TestCollector_AuthFailed(t *testing.T) {
	c, _ := newTestCollector(t)

	c.AuthFailed()
	c.AuthFailed()

	assert.Equal(t, float64(2), testutil.ToFloat64(c.authFailures))
}

func TestCollector_TableStats(t *testing.T) {
	c, reg := newTestCollector(t)

	table := rendezvous.New(rendezvous.TableConfig{Shards: 4}, nil)
	t.Cleanup(func() { table.Close() })
	c.RegisterTableStats(table.Stats)

	key, err := rendezvous.ParseKey("worker/0;7;worker/1;edge_a;3:0")
	require.NoError(t, err)

	require.NoError(t, table.Send(key, rendezvous.Args{}, rendezvous.Envelope{Payload: []byte("x")}))
	assert.Equal(t, float64(1), gatherValue(t, reg, "test_table_sends_total"))
	assert.Equal(t, float64(1), gatherValue(t, reg, "test_table_pending_exchanges"))

	_, _, err = rendezvous.Recv(context.Background(), table, key, rendezvous.Args{})
	require.NoError(t, err)

	assert.Equal(t, float64(1), gatherValue(t, reg, "test_table_matches_total"))
	assert.Equal(t, float64(0), gatherValue(t, reg, "test_table_pending_exchanges"))
	assert.Equal(t, float64(0), gatherValue(t, reg, "test_table_aborted"))

	table.StartAbort(assert.AnError)
	assert.Equal(t, float64(1), gatherValue(t, reg, "test_table_aborted"))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c, _ := newTestCollector(t)

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			c.ExchangeResolved("send", "ok", 64)
			c.FrameReceived("send")
			c.ConnectionOpened()
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Equal(t, float64(10), testutil.ToFloat64(c.exchangesTotal.WithLabelValues("send", "ok")))
	assert.Equal(t, float64(10), testutil.ToFloat64(c.connectionsActive))
}
