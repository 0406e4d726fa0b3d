package mdns

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTXTRecords(t *testing.T) {
	a := NewAdvertiser(Config{Port: 7080, SessionID: "sess-1", App: "c3", Name: "bench-1"})
	assert.Equal(t, []string{"version=1", "name=bench-1", "session=sess-1", "app=c3"}, a.txtRecords(a.instanceName()))
}

func TestTXTRecordsOmitEmpty(t *testing.T) {
	a := NewAdvertiser(Config{Port: 7080, Name: "bench-1"})
	assert.Equal(t, []string{"version=1", "name=bench-1"}, a.txtRecords("bench-1"))
}

func TestInstanceNameDefaultsToHostname(t *testing.T) {
	a := NewAdvertiser(Config{Port: 7080})
	assert.NotEmpty(t, a.instanceName())
}

func TestStopBeforeStart(t *testing.T) {
	a := NewAdvertiser(Config{Port: 7080})
	assert.False(t, a.IsRunning())

	a.Stop()
	a.Stop()
	assert.False(t, a.IsRunning())
}

func TestFromEntry(t *testing.T) {
	entry := zeroconf.NewServiceEntry("bench-1", ServiceType, "local.")
	entry.Port = 7080
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	entry.Text = []string{"version=1", "name=Bench One", "session=sess-1", "app=c3", "garbage"}

	s := fromEntry(entry)
	assert.Equal(t, DiscoveredServer{
		Name:      "Bench One",
		Host:      "192.168.1.20",
		Port:      7080,
		SessionID: "sess-1",
		App:       "c3",
		Version:   "1",
	}, s)
	assert.Equal(t, "192.168.1.20:7080", s.Addr())
}

func TestAddrIPv6(t *testing.T) {
	s := DiscoveredServer{Host: "fe80::1", Port: 7080}
	assert.Equal(t, "[fe80::1]:7080", s.Addr())
}

// Requires multicast on the test host.
func TestAdvertiseAndDiscover(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}

	a := NewAdvertiser(Config{Port: 7181, SessionID: "sess-discover", App: "c3", Name: "grlctl-discover-test"})
	require.NoError(t, a.Start())
	defer a.Stop()
	assert.True(t, a.IsRunning())
	require.NoError(t, a.Start(), "second Start is a no-op")

	time.Sleep(500 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	servers, err := Discover(ctx)
	require.NoError(t, err)

	for _, s := range servers {
		if s.SessionID == "sess-discover" {
			assert.Equal(t, 7181, s.Port)
			assert.Equal(t, "c3", s.App)
			return
		}
	}
	t.Log("advertised server not discovered; multicast may be unavailable")
}
