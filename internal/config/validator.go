package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ValidationError is one rejected setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return ""
	case 1:
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

func ValidTransports() []string {
	return []string{TransportWebsocket, TransportAMQP, TransportMemory, TransportOffline}
}

func ValidLogLevels() []string { return []string{"debug", "info", "warn", "error"} }

// Validate returns every problem found, nil when the config is usable.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	errs = append(errs, c.validateCoordinator()...)
	errs = append(errs, c.validateTransport()...)
	errs = append(errs, c.validateRelay()...)
	errs = append(errs, c.validateMisc()...)
	return errs
}

func positive(field string, d time.Duration) []ValidationError {
	if d > 0 {
		return nil
	}
	return []ValidationError{{Field: field, Value: d, Message: "must be positive"}}
}

func oneOf(field, value string, valid []string) []ValidationError {
	if slices.Contains(valid, strings.ToLower(value)) {
		return nil
	}
	return []ValidationError{{Field: field, Value: value, Message: "must be one of " + strings.Join(valid, ", ")}}
}

func (c *Config) validateCoordinator() []ValidationError {
	co := c.Coordinator
	var errs []ValidationError
	errs = append(errs, positive("coordinator.heartbeat_interval", co.HeartbeatInterval)...)
	errs = append(errs, positive("coordinator.inactivity_check_interval", co.InactivityCheckInterval)...)
	errs = append(errs, positive("coordinator.inactivity_timeout", co.InactivityTimeout)...)
	errs = append(errs, positive("coordinator.handoff_delay", co.HandoffDelay)...)
	errs = append(errs, positive("coordinator.exit_reopen_delay", co.ExitReopenDelay)...)
	errs = append(errs, positive("coordinator.send_timeout", co.SendTimeout)...)
	if co.InactivityCheckInterval > 0 && co.InactivityTimeout > 0 && co.InactivityCheckInterval > co.InactivityTimeout {
		errs = append(errs, ValidationError{
			Field:   "coordinator.inactivity_check_interval",
			Value:   co.InactivityCheckInterval,
			Message: "must not exceed coordinator.inactivity_timeout",
		})
	}
	if co.HeartbeatInterval > 0 && co.HeartbeatInterval <= co.InactivityCheckInterval {
		errs = append(errs, ValidationError{
			Field:   "coordinator.heartbeat_interval",
			Value:   co.HeartbeatInterval,
			Message: "must exceed coordinator.inactivity_check_interval",
		})
	}
	return errs
}

func (c *Config) validateTransport() []ValidationError {
	t := c.Transport
	errs := oneOf("transport.kind", t.Kind, ValidTransports())
	switch strings.ToLower(t.Kind) {
	case TransportWebsocket:
		if t.Websocket.URL == "" && !t.Websocket.Discover {
			errs = append(errs, ValidationError{Field: "transport.websocket.url", Value: "", Message: "required unless transport.websocket.discover is set"})
		}
		if t.Websocket.QueueSize < 1 {
			errs = append(errs, ValidationError{Field: "transport.websocket.queue_size", Value: t.Websocket.QueueSize, Message: "must be at least 1"})
		}
		errs = append(errs, positive("transport.websocket.max_backoff", t.Websocket.MaxBackoff)...)
	case TransportAMQP:
		if t.AMQP.URL == "" {
			errs = append(errs, ValidationError{Field: "transport.amqp.url", Value: "", Message: "required"})
		}
		if t.AMQP.RetryAttempts < 1 {
			errs = append(errs, ValidationError{Field: "transport.amqp.retry_attempts", Value: t.AMQP.RetryAttempts, Message: "must be at least 1"})
		}
	}
	return errs
}

func (c *Config) validateRelay() []ValidationError {
	r := c.Relay
	var errs []ValidationError
	errs = append(errs, positive("relay.presence_ttl", r.PresenceTTL)...)
	errs = append(errs, positive("relay.sweep_interval", r.SweepInterval)...)
	errs = append(errs, oneOf("relay.store", r.Store, []string{StoreMemory, StoreRedis, StoreBolt})...)
	errs = append(errs, oneOf("relay.fanout", r.Fanout, []string{FanoutLocal, FanoutRedis})...)
	errs = append(errs, oneOf("relay.audit", r.Audit, []string{AuditNone, AuditMemory, AuditPostgres})...)
	if (strings.EqualFold(r.Store, StoreRedis) || strings.EqualFold(r.Fanout, FanoutRedis)) && r.RedisAddr == "" {
		errs = append(errs, ValidationError{Field: "relay.redis_addr", Value: "", Message: "required for the redis store or fanout"})
	}
	if strings.EqualFold(r.Store, StoreBolt) && r.BoltPath == "" {
		errs = append(errs, ValidationError{Field: "relay.bolt_path", Value: "", Message: "required for the bolt store"})
	}
	if strings.EqualFold(r.Audit, AuditPostgres) && r.PostgresURL == "" {
		errs = append(errs, ValidationError{Field: "relay.postgres_url", Value: "", Message: "required for postgres audit"})
	}
	return errs
}

func (c *Config) validateMisc() []ValidationError {
	var errs []ValidationError
	errs = append(errs, oneOf("discovery.backend", c.Discovery.Backend, []string{"mdns", "zeroconf"})...)
	errs = append(errs, oneOf("logging.level", c.Logging.Level, ValidLogLevels())...)
	errs = append(errs, oneOf("logging.format", c.Logging.Format, []string{"json", "text"})...)
	return errs
}
