// Package mdns advertises a running orchestrator's event server on the local
// network and finds other ones.
//
// The advertisement carries:
//   - Service type: _grlctl._tcp
//   - TXT records with protocol version, session ID, the vendor application
//     under test and a human-readable instance name
//
// Advertising is opt-in through the events.mdns config key.
package mdns

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type of the event server.
const ServiceType = "_grlctl._tcp"

// ProtocolVersion identifies the event stream format.
const ProtocolVersion = "1"

// Config holds configuration for mDNS advertisement.
type Config struct {
	// Port is the event server port.
	Port int

	// SessionID identifies the orchestrator session behind the server.
	SessionID string

	// App is the configured vendor application name, e.g. "c3".
	App string

	// Name is the instance name. Defaults to the system hostname.
	Name string
}

// Advertiser manages the DNS-SD registration of one event server.
type Advertiser struct {
	config Config
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates an advertiser. Nothing is registered until Start.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{
		config: cfg,
	}
}

func (a *Advertiser) instanceName() string {
	if a.config.Name != "" {
		return a.config.Name
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "grlctl"
	}
	return hostname
}

// txtRecords builds the TXT metadata. Each string stays well under the
// 255 byte DNS limit.
func (a *Advertiser) txtRecords(name string) []string {
	txt := []string{
		"version=" + ProtocolVersion,
		"name=" + name,
	}
	if a.config.SessionID != "" {
		txt = append(txt, "session="+a.config.SessionID)
	}
	if a.config.App != "" {
		txt = append(txt, "app="+a.config.App)
	}
	return txt
}

// Start registers the service. Calling Start while running is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	name := a.instanceName()
	server, err := zeroconf.Register(
		name,
		ServiceType,
		"local.",
		a.config.Port,
		a.txtRecords(name),
		nil, // all interfaces
	)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.server = server
	return nil
}

// Stop unregisters the service. It is safe to call at any time.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning reports whether the service is registered.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// DiscoveredServer is an event server found on the network.
type DiscoveredServer struct {
	Name      string `json:"name"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	SessionID string `json:"session_id,omitempty"`
	App       string `json:"app,omitempty"`
	Version   string `json:"version,omitempty"`
}

// Addr returns host:port.
func (d DiscoveredServer) Addr() string {
	if strings.Contains(d.Host, ":") {
		return fmt.Sprintf("[%s]:%d", d.Host, d.Port)
	}
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

func fromEntry(entry *zeroconf.ServiceEntry) DiscoveredServer {
	s := DiscoveredServer{
		Name: entry.Instance,
		Port: entry.Port,
	}
	// Prefer IPv4
	if len(entry.AddrIPv4) > 0 {
		s.Host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		s.Host = entry.AddrIPv6[0].String()
	}
	applyTXT(&s, entry.Text)
	return s
}

func applyTXT(s *DiscoveredServer, txt []string) {
	for _, kv := range txt {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case "version":
			s.Version = value
		case "name":
			s.Name = value
		case "session":
			s.SessionID = value
		case "app":
			s.App = value
		}
	}
}

// Discover browses for event servers until ctx is done.
func Discover(ctx context.Context) ([]DiscoveredServer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		found []DiscoveredServer
		wg    sync.WaitGroup
	)
	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			found = append(found, fromEntry(entry))
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-ctx.Done()
	// The resolver closes entries once ctx is done.
	wg.Wait()

	return found, nil
}
