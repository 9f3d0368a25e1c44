package discovery

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// MDNS is the hashicorp/mdns backend.
type MDNS struct{}

func (MDNS) Advertise(instance string, port int, info []string) (Advertisement, error) {
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %w", err)
		}
		instance = host
	}
	service, err := mdns.NewMDNSService(instance, ServiceType, "", "", port, nil, info)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS server: %w", err)
	}
	return server, nil
}

// Browse queries once; the query lasts until ctx's deadline, or
// DefaultTimeout without one.
func (MDNS) Browse(ctx context.Context, found func(Relay)) error {
	timeout := DefaultTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	entries := make(chan *mdns.ServiceEntry, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			if r, ok := fromMDNS(e); ok {
				found(r)
			}
		}
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	params.Logger = log.New(io.Discard, "", 0)
	err := mdns.Query(params)
	close(entries)
	<-done
	if err != nil {
		return fmt.Errorf("mdns query: %w", err)
	}
	return ctx.Err()
}

func fromMDNS(e *mdns.ServiceEntry) (Relay, bool) {
	if e == nil || e.AddrV4 == nil || e.Port == 0 {
		return Relay{}, false
	}
	r := Relay{
		Instance: instanceName(e.Name),
		Host:     strings.TrimSuffix(e.Host, "."),
		IP:       e.AddrV4,
		Port:     e.Port,
	}
	applyTXT(&r, e.InfoFields)
	return r, true
}

// instanceName strips the service and domain from a full record name.
func instanceName(name string) string {
	if i := strings.Index(name, "."+ServiceType); i >= 0 {
		return name[:i]
	}
	return strings.TrimSuffix(name, ".")
}
