package discovery

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestInfoTXTRoundTrip(t *testing.T) {
	info := Info{OfferPath: "/signal", StreamPath: "/ws", Version: "abc123", BaseURL: "https://rv.example.com"}
	txt := info.txtRecords()
	if len(txt) != 4 {
		t.Fatalf("txt=%v, want 4 records", txt)
	}
	if got := parseTXT(txt); got != info {
		t.Fatalf("parseTXT=%+v, want %+v", got, info)
	}
}

func TestInfoTXTOmitsEmptyValues(t *testing.T) {
	txt := Info{StreamPath: "/ws"}.txtRecords()
	if len(txt) != 1 || txt[0] != "ws=/ws" {
		t.Fatalf("txt=%v, want [ws=/ws]", txt)
	}
}

func TestParseTXTIgnoresUnknownAndMalformed(t *testing.T) {
	got := parseTXT([]string{"garbage", "other=1", "ws=/peers", "signal="})
	want := Info{StreamPath: "/peers"}
	if got != want {
		t.Fatalf("parseTXT=%+v, want %+v", got, want)
	}
}

func TestServiceFromEntry(t *testing.T) {
	entry := zeroconf.NewServiceEntry("aero-rendezvous-test", ServiceType, Domain)
	entry.HostName = "box.local."
	entry.Port = 8080
	entry.Text = []string{"ws=/ws", "signal=/signal"}
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1"), net.ParseIP("2001:db8::1")}
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}

	svc := serviceFromEntry(entry)
	if svc.Instance != "aero-rendezvous-test" || svc.Port != 8080 {
		t.Fatalf("unexpected service %+v", svc)
	}
	if len(svc.Addrs) != 2 {
		t.Fatalf("Addrs=%v, want IPv4 plus the global IPv6 address", svc.Addrs)
	}
	if got := svc.StreamURL(); got != "ws://192.168.1.20:8080/ws" {
		t.Fatalf("StreamURL=%q", got)
	}
	if got := svc.OfferURL(); got != "http://192.168.1.20:8080/signal" {
		t.Fatalf("OfferURL=%q", got)
	}
}

func TestServiceURLs(t *testing.T) {
	cases := []struct {
		name       string
		svc        Service
		wantStream string
		wantOffer  string
	}{
		{
			name:       "hostname fallback",
			svc:        Service{HostName: "box.local.", Port: 9000},
			wantStream: "ws://box.local:9000/ws",
		},
		{
			name: "https base url",
			svc: Service{Port: 443, Info: Info{
				BaseURL: "https://rv.example.com", StreamPath: "/ws", OfferPath: "/signal",
			}},
			wantStream: "wss://rv.example.com/ws",
			wantOffer:  "https://rv.example.com/signal",
		},
		{
			name:       "ipv6",
			svc:        Service{Port: 8080, Addrs: []net.IP{net.ParseIP("2001:db8::1")}, Info: Info{StreamPath: "/ws"}},
			wantStream: "ws://[2001:db8::1]:8080/ws",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.svc.StreamURL(); got != tc.wantStream {
				t.Fatalf("StreamURL=%q, want %q", got, tc.wantStream)
			}
			if got := tc.svc.OfferURL(); got != tc.wantOffer {
				t.Fatalf("OfferURL=%q, want %q", got, tc.wantOffer)
			}
		})
	}
}

func TestDefaultInstanceName(t *testing.T) {
	name := DefaultInstanceName()
	if !strings.HasPrefix(name, "aero-rendezvous-") {
		t.Fatalf("name=%q", name)
	}
	if parts := strings.Split(strings.TrimPrefix(name, "aero-rendezvous-"), "-"); len(parts) != 2 {
		t.Fatalf("name=%q, want two petname words", name)
	}
}

func TestAdvertiseRejectsBadPort(t *testing.T) {
	if _, err := Advertise("x", 0, Info{}); err == nil {
		t.Fatalf("expected error for port 0")
	}
}

// Multicast is often unavailable in containers and CI, so the live round trip
// only runs on request.
func TestAdvertiseAndBrowse(t *testing.T) {
	if os.Getenv("AERO_RENDEZVOUS_MDNS_TEST") == "" {
		t.Skip("set AERO_RENDEZVOUS_MDNS_TEST=1 to run the multicast round trip")
	}

	ad, err := Advertise("", 9999, Info{StreamPath: "/ws", OfferPath: "/signal"})
	if err != nil {
		t.Fatalf("Advertise: %v", err)
	}
	defer ad.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	services, err := Browse(ctx)
	if err != nil {
		t.Fatalf("Browse: %v", err)
	}
	for _, svc := range services {
		if svc.Instance == ad.Instance {
			if svc.Port != 9999 || svc.Info.StreamPath != "/ws" {
				t.Fatalf("unexpected service %+v", svc)
			}
			return
		}
	}
	t.Fatalf("instance %q not found in %+v", ad.Instance, services)
}
