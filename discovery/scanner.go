package discovery

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventServerUpserted is emitted when a server appears or its metadata changes.
	EventServerUpserted EventType = "server_upserted"
	// EventServerRemoved is emitted when a previously seen server disappears.
	EventServerRemoved EventType = "server_removed"
)

// ErrNoServers indicates a scan window ended without finding a server.
var ErrNoServers = errors.New("discovery: no relay servers found")

// EventType identifies discovery updates.
type EventType string

// Event carries one change between two scan windows.
type Event struct {
	Type   EventType
	Server DiscoveredServer
}

// DiscoveredServer is one relay server found on the LAN.
type DiscoveredServer struct {
	ServerID         string
	Name             string
	Version          int
	HostName         string
	ChatPort         int
	FileTransferPort int
	Addresses        []string
	LastSeen         time.Time
}

// ChatAddress returns host:port for the first known address.
func (d DiscoveredServer) ChatAddress() string {
	return net.JoinHostPort(d.host(), strconv.Itoa(d.ChatPort))
}

// FileTransferAddress returns host:port of the side channel.
func (d DiscoveredServer) FileTransferAddress() string {
	return net.JoinHostPort(d.host(), strconv.Itoa(d.FileTransferPort))
}

func (d DiscoveredServer) host() string {
	if len(d.Addresses) > 0 {
		return d.Addresses[0]
	}
	return strings.TrimSuffix(d.HostName, ".")
}

// sameAs ignores LastSeen, which changes on every window.
func (d DiscoveredServer) sameAs(other DiscoveredServer) bool {
	return d.ServerID == other.ServerID &&
		d.Name == other.Name &&
		d.Version == other.Version &&
		d.HostName == other.HostName &&
		d.ChatPort == other.ChatPort &&
		d.FileTransferPort == other.FileTransferPort &&
		slices.Equal(d.Addresses, other.Addresses)
}

// Lookup runs one scan window and returns every server found, sorted by name.
func Lookup(ctx context.Context, config Config) ([]DiscoveredServer, error) {
	cfg := config.withDefaults()
	browse, err := resolveBrowse(cfg)
	if err != nil {
		return nil, err
	}

	found, err := scanWindow(ctx, cfg, browse)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, ErrNoServers
	}
	return sortedServers(found), nil
}

// Watch scans every RefreshInterval until ctx ends and reports each server
// that appeared, changed or vanished since the previous window. onEvent runs
// on the calling goroutine. Cancellation returns nil.
func Watch(ctx context.Context, config Config, onEvent func(Event)) error {
	cfg := config.withDefaults()
	browse, err := resolveBrowse(cfg)
	if err != nil {
		return err
	}

	known := make(map[string]DiscoveredServer)
	for {
		found, err := scanWindow(ctx, cfg, browse)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, event := range diffServers(known, found) {
			onEvent(event)
		}
		known = found

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.RefreshInterval):
		}
	}
}

func diffServers(previous, next map[string]DiscoveredServer) []Event {
	var events []Event
	for _, server := range sortedServers(next) {
		if old, ok := previous[server.ServerID]; !ok || !old.sameAs(server) {
			events = append(events, Event{Type: EventServerUpserted, Server: server})
		}
	}
	for _, server := range sortedServers(previous) {
		if _, ok := next[server.ServerID]; !ok {
			events = append(events, Event{Type: EventServerRemoved, Server: server})
		}
	}
	return events
}

func resolveBrowse(cfg Config) (browseFunc, error) {
	if cfg.browseFn != nil {
		return cfg.browseFn, nil
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return resolver.Browse, nil
}

// scanWindow collects entries until ScanTimeout elapses. A deadline on ctx
// ends the window early but is not an error.
func scanWindow(ctx context.Context, cfg Config, browse browseFunc) (map[string]DiscoveredServer, error) {
	windowCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	browseDone := make(chan error, 1)
	go func() {
		browseDone <- browse(windowCtx, cfg.Service, cfg.Domain, entries)
	}()

	found := make(map[string]DiscoveredServer)
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			if server, ok := parseEntry(entry); ok {
				server.LastSeen = time.Now()
				found[server.ServerID] = server
			}
		case err := <-browseDone:
			if err != nil && windowCtx.Err() == nil {
				return nil, err
			}
			browseDone = nil
		case <-windowCtx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return found, nil
		}
	}
}

// parseEntry rejects entries without a server id or a usable file port.
func parseEntry(entry *zeroconf.ServiceEntry) (DiscoveredServer, bool) {
	if entry == nil {
		return DiscoveredServer{}, false
	}
	txt := parseTXT(entry.Text)
	server := DiscoveredServer{
		ServerID: txt[txtServerID],
		HostName: entry.HostName,
		ChatPort: entry.Port,
	}
	if server.ServerID == "" {
		return server, false
	}
	server.Name = cmp.Or(strings.TrimSpace(entry.Instance), strings.TrimSpace(entry.HostName), server.ServerID)

	if version, err := strconv.Atoi(txt[txtVersion]); err == nil {
		server.Version = version
	}
	if port, err := strconv.Atoi(txt[txtChatPort]); err == nil && port > 0 {
		server.ChatPort = port
	}
	port, err := strconv.Atoi(txt[txtFilePort])
	if err != nil || port <= 0 {
		return server, false
	}
	server.FileTransferPort = port

	for _, ip := range slices.Concat(entry.AddrIPv4, entry.AddrIPv6) {
		if ip != nil {
			server.Addresses = append(server.Addresses, ip.String())
		}
	}
	slices.Sort(server.Addresses)
	server.Addresses = slices.Compact(server.Addresses)
	return server, true
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, record := range records {
		key, value, ok := strings.Cut(record, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func sortedServers(found map[string]DiscoveredServer) []DiscoveredServer {
	out := slices.Collect(maps.Values(found))
	slices.SortFunc(out, func(a, b DiscoveredServer) int {
		return cmp.Or(strings.Compare(a.Name, b.Name), strings.Compare(a.ServerID, b.ServerID))
	})
	return out
}
