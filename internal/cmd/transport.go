package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/roboricindustries/raycon-collab/internal/config"
	"github.com/roboricindustries/raycon-collab/pkg/collab"
	"github.com/roboricindustries/raycon-collab/pkg/discovery"
	"github.com/roboricindustries/raycon-collab/pkg/pubsub"
	v2 "github.com/roboricindustries/raycon-collab/pkg/pubsub/v2"
	collaboration "github.com/roboricindustries/raycon-collab/pkg/schemas/collaboration/v1"
	"github.com/roboricindustries/raycon-collab/pkg/transport/ws"
)

// transport is an opened event channel plus whatever keeps it alive.
type transport struct {
	kind    string
	channel collab.Channel
	run     func(ctx context.Context) error // nil when nothing runs in the background
	close   func()
}

func openTransport(ctx context.Context, c *config.Config, log *slog.Logger) (*transport, error) {
	kind := strings.ToLower(c.Transport.Kind)
	switch kind {
	case config.TransportWebsocket:
		target, err := relayURL(ctx, c, log)
		if err != nil {
			return nil, err
		}
		cl := ws.New(ws.Options{
			URL:        target,
			QueueSize:  c.Transport.Websocket.QueueSize,
			MaxBackoff: c.Transport.Websocket.MaxBackoff,
			Logger:     log,
		})
		return &transport{kind: kind, channel: cl, run: cl.Run, close: func() { _ = cl.Close() }}, nil

	case config.TransportAMQP:
		a := c.Transport.AMQP
		client, err := v2.NewClient(ctx, v2.RabbitMQConfig{
			URL:             a.URL,
			Exchange:        a.Exchange,
			AppID:           c.Identity.UserID,
			PublishPoolSize: a.PublishPoolSize,
			MessageTTL:      a.MessageTTL,
			Confirm:         a.Confirm,
			Dialer: pubsub.RetryDialer(pubsub.DialOptions{
				Attempts:       a.RetryAttempts,
				Delay:          a.RetryDelay,
				ConnectionName: "collabctl-" + c.Identity.UserID,
				Logger:         log,
			}),
		}, log)
		if err != nil {
			return nil, fmt.Errorf("amqp transport: %w", err)
		}
		wf := c.Workflow.ID
		if collaboration.IsPlaceholder(wf) {
			wf = collaboration.PlaceholderWorkflowID
		}
		ch := v2.NewEventChannel(client, v2.EventChannelOptions{WorkflowID: wf}, log)
		return &transport{kind: kind, channel: ch, run: ch.Run, close: client.Close}, nil

	case config.TransportMemory:
		bus := pubsub.NewBus(log)
		return &transport{kind: kind, channel: bus, close: func() { _ = bus.Close() }}, nil

	case config.TransportOffline:
		fb := pubsub.NewFallback(log)
		return &transport{kind: kind, channel: fb, close: func() { _ = fb.Close() }}, nil
	}
	return nil, fmt.Errorf("unknown transport %q", c.Transport.Kind)
}

var errNoRelay = errors.New("no relay found on the local network")

// relayURL is the configured relay, or the first one discovered, with the
// local identity in the query string.
func relayURL(ctx context.Context, c *config.Config, log *slog.Logger) (string, error) {
	target := c.Transport.Websocket.URL
	if target == "" || c.Transport.Websocket.Discover {
		backend, err := discovery.New(c.Discovery.Backend)
		if err != nil {
			return "", err
		}
		relays, err := discovery.Collect(ctx, backend, c.Discovery.Timeout)
		if err != nil {
			return "", fmt.Errorf("discover relay: %w", err)
		}
		if len(relays) == 0 {
			return "", errNoRelay
		}
		target = relays[0].URL()
		log.Info("using discovered relay", slog.String("instance", relays[0].Instance), slog.String("url", target))
	}
	return withIdentity(target, c.Identity.User())
}

func withIdentity(raw string, u collaboration.User) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("relay url %q: scheme must be ws or wss", raw)
	}
	q := parsed.Query()
	q.Set("userId", u.ID)
	for key, val := range map[string]string{"email": u.Email, "firstName": u.FirstName, "lastName": u.LastName} {
		if val != "" {
			q.Set(key, val)
		}
	}
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}
