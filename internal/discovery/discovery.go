// Package discovery announces the rendezvous server on the local network over
// mDNS/DNS-SD and finds announced servers.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the DNS-SD service type of a rendezvous server.
	ServiceType = "_aero-rendezvous._tcp"
	Domain      = "local."
)

// TXT record keys.
const (
	txtStreamPath = "ws"
	txtOfferPath  = "signal"
	txtVersion    = "version"
	txtBaseURL    = "base"
)

// Info describes what a server advertises about itself.
type Info struct {
	// OfferPath is empty when POST /signal is disabled.
	OfferPath  string
	StreamPath string
	Version    string
	BaseURL    string
}

// Advertisement is a running mDNS announcement.
type Advertisement struct {
	Instance string
	server   *zeroconf.Server
}

// Shutdown withdraws the announcement.
func (a *Advertisement) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// DefaultInstanceName returns a readable, random instance name such as
// "aero-rendezvous-brave-otter".
func DefaultInstanceName() string {
	return "aero-rendezvous-" + petname.Generate(2, "-")
}

// Advertise announces a server listening on port on every interface. An empty
// instance name selects DefaultInstanceName.
func Advertise(instance string, port int, info Info) (*Advertisement, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("advertise: port %d out of range", port)
	}
	if strings.TrimSpace(instance) == "" {
		instance = DefaultInstanceName()
	}
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, info.txtRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("advertise %q: %w", instance, err)
	}
	return &Advertisement{Instance: instance, server: server}, nil
}

func (i Info) txtRecords() []string {
	var txt []string
	add := func(key, value string) {
		if value != "" {
			txt = append(txt, key+"="+value)
		}
	}
	add(txtStreamPath, i.StreamPath)
	add(txtOfferPath, i.OfferPath)
	add(txtVersion, i.Version)
	add(txtBaseURL, i.BaseURL)
	return txt
}

// Service is a discovered rendezvous server.
type Service struct {
	Instance string
	HostName string
	Port     int
	Addrs    []net.IP
	Info     Info
}

// StreamURL returns the ws:// URL of the peer endpoint, preferring an
// advertised base URL over the resolved addresses.
func (s Service) StreamURL() string {
	path := s.Info.StreamPath
	if path == "" {
		path = "/ws"
	}
	if base := s.Info.BaseURL; base != "" {
		switch {
		case strings.HasPrefix(base, "https://"):
			return "wss://" + strings.TrimPrefix(base, "https://") + path
		case strings.HasPrefix(base, "http://"):
			return "ws://" + strings.TrimPrefix(base, "http://") + path
		}
	}
	return "ws://" + s.hostPort() + path
}

// OfferURL returns the http:// URL of the offer endpoint, or "" when the
// server does not accept HTTP offers.
func (s Service) OfferURL() string {
	if s.Info.OfferPath == "" {
		return ""
	}
	if base := s.Info.BaseURL; base != "" {
		return base + s.Info.OfferPath
	}
	return "http://" + s.hostPort() + s.Info.OfferPath
}

func (s Service) hostPort() string {
	host := strings.TrimSuffix(s.HostName, ".")
	if len(s.Addrs) > 0 {
		host = s.Addrs[0].String()
	}
	return net.JoinHostPort(host, strconv.Itoa(s.Port))
}

func serviceFromEntry(entry *zeroconf.ServiceEntry) Service {
	svc := Service{
		Instance: entry.Instance,
		HostName: entry.HostName,
		Port:     entry.Port,
		Info:     parseTXT(entry.Text),
	}
	// IPv4 first; link-local IPv6 addresses need a zone to be dialable.
	svc.Addrs = append(svc.Addrs, entry.AddrIPv4...)
	for _, ip := range entry.AddrIPv6 {
		if !ip.IsLinkLocalUnicast() {
			svc.Addrs = append(svc.Addrs, ip)
		}
	}
	return svc
}

func parseTXT(records []string) Info {
	var info Info
	for _, rec := range records {
		key, value, ok := strings.Cut(rec, "=")
		if !ok {
			continue
		}
		switch key {
		case txtStreamPath:
			info.StreamPath = value
		case txtOfferPath:
			info.OfferPath = value
		case txtVersion:
			info.Version = value
		case txtBaseURL:
			info.BaseURL = value
		}
	}
	return info
}

// Browse collects announced servers until ctx is done. Services are returned
// sorted by instance name, one entry per instance.
func Browse(ctx context.Context) ([]Service, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	found := map[string]Service{}
	collect := func(entry *zeroconf.ServiceEntry) {
		if entry == nil || entry.Port == 0 {
			return
		}
		found[entry.Instance] = serviceFromEntry(entry)
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case entry, ok := <-entries:
			if !ok {
				break loop
			}
			collect(entry)
		}
	}

	out := make([]Service, 0, len(found))
	for _, svc := range found {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}
