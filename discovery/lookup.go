package discovery

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"

	"chatrelay/wire"
)

// Relay is one advertised relay endpoint.
type Relay struct {
	ServerID  string
	Name      string
	Version   int
	HostName  string
	Port      int
	Addresses []string
	Widths    wire.Widths
}

// Lookup browses for relays until the scan timeout or ctx ends and returns
// them sorted by name. Entries advertising config.ServerID are skipped.
func Lookup(ctx context.Context, config Config) ([]Relay, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Relay)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				relay, ok := parseEntry(entry, cfg.ServerID)
				if !ok {
					continue
				}
				collectedMu.Lock()
				collected[relay.ServerID] = relay
				collectedMu.Unlock()
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return nil, err
	}

	<-scanCtx.Done()
	<-collectorDone

	// Only a caller cancellation is an error; the scan window ending is not.
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	collectedMu.Lock()
	defer collectedMu.Unlock()
	out := make([]Relay, 0, len(collected))
	for _, relay := range collected {
		out = append(out, relay)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, selfServerID string) (Relay, bool) {
	txt := txtToMap(entry.Text)

	serverID := txt["server_id"]
	if serverID == "" || serverID == selfServerID {
		return Relay{}, false
	}

	widths := wire.DefaultWidths()
	if n, err := strconv.Atoi(txt["type_width"]); err == nil && n > 0 {
		widths.Type = n
	}
	if n, err := strconv.Atoi(txt["length_width"]); err == nil && n > 0 {
		widths.Length = n
	}
	version, _ := strconv.Atoi(txt["version"])

	// The codec and message ids are IPv4 only.
	addresses := make([]string, 0, len(entry.AddrIPv4))
	seen := make(map[string]struct{})
	for _, ip := range entry.AddrIPv4 {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = serverID
	}

	return Relay{
		ServerID:  serverID,
		Name:      name,
		Version:   version,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
		Widths:    widths,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
