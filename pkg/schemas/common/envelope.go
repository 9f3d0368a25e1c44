package common

import (
	"encoding/json"
	"fmt"
)

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// RawEnvelope is the inbound form: Data stays undecoded until the
// receiver has looked at Meta.Type.
type RawEnvelope struct {
	Meta Meta            `json:"meta"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals Data into a T.
func Decode[T any](env RawEnvelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, fmt.Errorf("decode %s: empty data", env.Meta.Type)
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", env.Meta.Type, err)
	}
	return v, nil
}

// ToRaw round-trips an outbound envelope through JSON, which is what
// every transport does on the wire.
func ToRaw(env Envelope) (RawEnvelope, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return RawEnvelope{}, fmt.Errorf("marshal envelope: %w", err)
	}
	var raw RawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return RawEnvelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return raw, nil
}
