package discovery

import (
	"context"
	"fmt"
	"os"

	"github.com/grandcat/zeroconf"
)

// Zeroconf is the grandcat/zeroconf backend.
type Zeroconf struct{}

type zeroconfAd struct{ server *zeroconf.Server }

func (a zeroconfAd) Shutdown() error {
	a.server.Shutdown()
	return nil
}

func (Zeroconf) Advertise(instance string, port int, info []string) (Advertisement, error) {
	if instance == "" {
		host, _ := os.Hostname()
		instance = "collab-relay-" + host
	}
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, info, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	return zeroconfAd{server: server}, nil
}

// Browse runs until ctx is done; the resolver closes entries then.
func (Zeroconf) Browse(ctx context.Context, found func(Relay)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			if r, ok := fromZeroconf(e); ok {
				found(r)
			}
		}
	}()
	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return fmt.Errorf("failed to browse for mDNS services: %w", err)
	}
	<-ctx.Done()
	<-done
	return ctx.Err()
}

func fromZeroconf(e *zeroconf.ServiceEntry) (Relay, bool) {
	if e == nil || len(e.AddrIPv4) == 0 || e.Port == 0 {
		return Relay{}, false
	}
	r := Relay{
		Instance: e.Instance,
		Host:     e.HostName,
		IP:       e.AddrIPv4[0],
		Port:     e.Port,
	}
	applyTXT(&r, e.Text)
	return r, true
}
