// Package discovery finds relays on the local network over multicast DNS.
// Two interchangeable backends exist: hashicorp/mdns and
// grandcat/zeroconf. Relays advertise ServiceType with TXT records
// carrying the websocket path and a version.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	ServiceType = "_raycon-collab._tcp"
	Domain      = "local."

	DefaultPath    = "/ws"
	DefaultTimeout = 3 * time.Second
)

var ErrUnknownBackend = errors.New("discovery: unknown backend")

// Relay is one advertised relay.
type Relay struct {
	Instance string
	Host     string
	IP       net.IP
	Port     int
	Path     string
	Version  string
}

// Addr is host:port suitable for dialing.
func (r Relay) Addr() string {
	host := r.Host
	if r.IP != nil {
		host = r.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(r.Port))
}

// URL is the websocket endpoint of the relay.
func (r Relay) URL() string {
	path := r.Path
	if path == "" {
		path = DefaultPath
	}
	return "ws://" + r.Addr() + path
}

// Advertisement stops advertising when shut down.
type Advertisement interface {
	Shutdown() error
}

type Backend interface {
	Advertise(instance string, port int, info []string) (Advertisement, error)
	// Browse reports relays until ctx is done.
	Browse(ctx context.Context, found func(Relay)) error
}

// New returns the named backend: "mdns" or "zeroconf".
func New(kind string) (Backend, error) {
	switch strings.ToLower(kind) {
	case "", "mdns":
		return MDNS{}, nil
	case "zeroconf":
		return Zeroconf{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
	}
}

// TXT builds the records a relay advertises.
func TXT(path, version string) []string {
	if path == "" {
		path = DefaultPath
	}
	out := []string{"path=" + path}
	if version != "" {
		out = append(out, "version="+version)
	}
	return out
}

// applyTXT fills Path and Version from key=value records.
func applyTXT(r *Relay, records []string) {
	for _, rec := range records {
		k, v, ok := strings.Cut(rec, "=")
		if !ok {
			continue
		}
		switch k {
		case "path":
			r.Path = v
		case "version":
			r.Version = v
		}
	}
}

// Collect browses for timeout and returns every relay seen once, sorted by
// address.
func Collect(ctx context.Context, b Backend, timeout time.Duration) ([]Relay, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	seen := make(map[string]Relay)
	found := make(chan Relay, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Browse(ctx, func(r Relay) { found <- r })
		close(found)
	}()
	for r := range found {
		key := r.Instance + "|" + r.Addr()
		if _, ok := seen[key]; !ok {
			seen[key] = r
		}
	}
	err := <-errCh
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, err
	}

	out := make([]Relay, 0, len(seen))
	for _, r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Addr() != out[j].Addr() {
			return out[i].Addr() < out[j].Addr()
		}
		return out[i].Instance < out[j].Instance
	})
	return out, nil
}
