package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/hashicorp/mdns"
)

type fakeBackend struct {
	relays []Relay
	err    error
}

func (f fakeBackend) Advertise(string, int, []string) (Advertisement, error) { return nil, nil }

func (f fakeBackend) Browse(ctx context.Context, found func(Relay)) error {
	for _, r := range f.relays {
		found(r)
	}
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestNew(t *testing.T) {
	tests := []struct {
		kind    string
		want    Backend
		wantErr bool
	}{
		{"", MDNS{}, false},
		{"mdns", MDNS{}, false},
		{"ZeroConf", Zeroconf{}, false},
		{"bonjour", nil, true},
	}
	for _, tt := range tests {
		got, err := New(tt.kind)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownBackend) {
				t.Errorf("New(%q) err = %v", tt.kind, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("New(%q) = %#v, %v", tt.kind, got, err)
		}
	}
}

func TestRelayURL(t *testing.T) {
	tests := []struct {
		name  string
		relay Relay
		want  string
	}{
		{"ip wins", Relay{Host: "box.local", IP: net.IPv4(10, 0, 0, 2), Port: 8787}, "ws://10.0.0.2:8787/ws"},
		{"host only", Relay{Host: "box.local", Port: 80, Path: "/collab"}, "ws://box.local:80/collab"},
	}
	for _, tt := range tests {
		if got := tt.relay.URL(); got != tt.want {
			t.Errorf("%s: URL() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestTXT(t *testing.T) {
	var r Relay
	applyTXT(&r, append(TXT("", "1.2"), "junk", "other=x"))
	if r.Path != DefaultPath || r.Version != "1.2" {
		t.Fatalf("relay = %+v", r)
	}
}

func TestCollect(t *testing.T) {
	a := Relay{Instance: "a", IP: net.IPv4(10, 0, 0, 2), Port: 1}
	b := Relay{Instance: "b", IP: net.IPv4(10, 0, 0, 1), Port: 1}
	got, err := Collect(context.Background(), fakeBackend{relays: []Relay{a, b, a}}, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Instance != "b" || got[1].Instance != "a" {
		t.Fatalf("got %+v", got)
	}

	boom := errors.New("no multicast")
	if _, err := Collect(context.Background(), fakeBackend{err: boom}, time.Second); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestFromEntries(t *testing.T) {
	m, ok := fromMDNS(&mdns.ServiceEntry{
		Name:       "relay-1." + ServiceType + ".local.",
		Host:       "box.local.",
		AddrV4:     net.IPv4(192, 168, 1, 5),
		Port:       8787,
		InfoFields: []string{"path=/ws", "version=2"},
	})
	if !ok || m.Instance != "relay-1" || m.Host != "box.local" || m.URL() != "ws://192.168.1.5:8787/ws" || m.Version != "2" {
		t.Fatalf("mdns relay = %+v", m)
	}
	if _, ok := fromMDNS(&mdns.ServiceEntry{Port: 1}); ok {
		t.Fatal("entry without address accepted")
	}

	z := &zeroconf.ServiceEntry{HostName: "box.local.", Port: 9000, Text: []string{"path=/x"}, AddrIPv4: []net.IP{net.IPv4(192, 168, 1, 6)}}
	z.Instance = "relay-2"
	r, ok := fromZeroconf(z)
	if !ok || r.Instance != "relay-2" || r.URL() != "ws://192.168.1.6:9000/x" {
		t.Fatalf("zeroconf relay = %+v", r)
	}
	if _, ok := fromZeroconf(&zeroconf.ServiceEntry{}); ok {
		t.Fatal("empty entry accepted")
	}
}
