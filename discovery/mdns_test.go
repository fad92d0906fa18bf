package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"chatrelay/wire"
)

func TestStartAdvertiserBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		ServerID:   "relay-123",
		ServerName: "Office Relay",
		Port:       5050,
		Widths:     wire.Widths{Type: 2, Length: 8},
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	advertiser, err := StartAdvertiser(cfg)
	if err != nil {
		t.Fatalf("StartAdvertiser failed: %v", err)
	}
	if advertiser == nil {
		t.Fatalf("expected advertiser instance")
	}
	advertiser.Stop()

	if gotInstance != "Office Relay" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService || gotDomain != DefaultDomain {
		t.Fatalf("unexpected service %q domain %q", gotService, gotDomain)
	}
	if gotPort != 5050 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "server_id=relay-123")
	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "type_width=2")
	assertContainsTXT(t, gotTXT, "length_width=8")
}

func TestStartAdvertiserValidatesConfig(t *testing.T) {
	register := func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		t.Fatalf("register must not be called for invalid config")
		return nil, nil
	}
	for _, cfg := range []Config{
		{ServerName: "x", Port: 1, registerFn: register},
		{ServerID: "x", Port: 1, registerFn: register},
		{ServerID: "x", ServerName: "x", registerFn: register},
	} {
		if _, err := StartAdvertiser(cfg); err == nil {
			t.Fatalf("expected %+v to be rejected", cfg)
		}
	}
}

func TestLookupFiltersSelfAndParsesWidths(t *testing.T) {
	cfg := Config{
		ServerID:    "self",
		ScanTimeout: 40 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if service != DefaultService {
				t.Errorf("unexpected service %q", service)
			}
			entries <- testServiceEntry("self", "Self", 5050, "10.0.0.1", "type_width=1")
			entries <- testServiceEntry("relay-b", "Bravo", 6060, "10.0.0.3", "type_width=2", "length_width=8")
			entries <- testServiceEntry("relay-a", "Alpha", 7070, "10.0.0.2")
			entries <- &zeroconf.ServiceEntry{Text: []string{"version=1"}}
			<-ctx.Done()
			return nil
		},
	}

	relays, err := Lookup(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if len(relays) != 2 {
		t.Fatalf("expected 2 relays, got %+v", relays)
	}
	if relays[0].Name != "Alpha" || relays[1].Name != "Bravo" {
		t.Fatalf("expected relays sorted by name, got %q, %q", relays[0].Name, relays[1].Name)
	}
	if relays[0].Widths != wire.DefaultWidths() {
		t.Fatalf("expected default widths for Alpha, got %+v", relays[0].Widths)
	}
	if relays[1].Widths != (wire.Widths{Type: 2, Length: 8}) {
		t.Fatalf("unexpected widths for Bravo: %+v", relays[1].Widths)
	}
	if len(relays[1].Addresses) != 1 || relays[1].Addresses[0] != "10.0.0.3" || relays[1].Port != 6060 {
		t.Fatalf("unexpected endpoint for Bravo: %+v", relays[1])
	}
}

func TestLookupReportsBrowseErrorsAndCancellation(t *testing.T) {
	boom := errors.New("no multicast")
	_, err := Lookup(context.Background(), Config{
		browseFn: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error { return boom },
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected browse error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Lookup(ctx, Config{
		ScanTimeout: time.Second,
		browseFn: func(ctx context.Context, _, _ string, _ chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func testServiceEntry(serverID, name string, port int, ip string, extra ...string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: name,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: name + ".local",
		Port:     port,
		Text:     append([]string{"server_id=" + serverID, "version=1"}, extra...),
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
