// Package control implements the rekey control plane: the typed protocol
// messages, the replicated per-peer state machine driving the two-phase
// commit, and the TCP bridge that routes external requests into it.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType discriminates the control protocol messages on the wire.
type MessageType string

const (
	TypePrepareRekey    MessageType = "prepare_rekey"
	TypePrepareOK       MessageType = "prepare_ok"
	TypePrepareFail     MessageType = "prepare_fail"
	TypeCommitRekey     MessageType = "commit_rekey"
	TypeStatus          MessageType = "status"
	TypeTelemetryReport MessageType = "telemetry_report"
)

var (
	// ErrUnknownType is returned for message types outside the protocol.
	// Unknown types are rejected explicitly, never silently ignored.
	ErrUnknownType = errors.New("unknown control message type")
	// ErrMalformed is returned when a known type is missing required fields.
	ErrMalformed = errors.New("malformed control message")
)

// Message is one control-plane protocol message.
type Message interface {
	Type() MessageType
}

// PrepareRekey asks the follower to vote on switching to Suite
// (coordinator → follower).
type PrepareRekey struct {
	Suite string `json:"suite"`
	RID   string `json:"rid"`
	TMs   int64  `json:"t_ms"`
}

func (PrepareRekey) Type() MessageType { return TypePrepareRekey }

// PrepareOK is the follower's yes vote (follower → coordinator).
type PrepareOK struct {
	RID string `json:"rid"`
	TMs int64  `json:"t_ms"`
}

func (PrepareOK) Type() MessageType { return TypePrepareOK }

// PrepareFail is the follower's refusal, with a reason code
// (follower → coordinator).
type PrepareFail struct {
	RID    string `json:"rid"`
	Reason string `json:"reason"`
	TMs    int64  `json:"t_ms"`
}

func (PrepareFail) Type() MessageType { return TypePrepareFail }

// CommitRekey commits an agreed negotiation (coordinator → follower).
type CommitRekey struct {
	Suite string `json:"suite"`
	RID   string `json:"rid"`
	TMs   int64  `json:"t_ms"`
}

func (CommitRekey) Type() MessageType { return TypeCommitRekey }

// Status announces the sender's state after a rekey attempt (either
// direction, observational only).
type Status struct {
	State  string `json:"state"`
	Suite  string `json:"suite"`
	RID    string `json:"rid,omitempty"`
	Result string `json:"result,omitempty"`
	TMs    int64  `json:"t_ms"`
}

func (Status) Type() MessageType { return TypeStatus }

// TelemetryReport carries summarized link metrics to the peer; the receiver
// keeps only the latest report.
type TelemetryReport struct {
	Metrics map[string]float64 `json:"metrics"`
}

func (TelemetryReport) Type() MessageType { return TypeTelemetryReport }

// Encode serializes a message as a single JSON object carrying its type tag.
func Encode(m Message) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	obj["type"] = string(m.Type())
	return json.Marshal(obj)
}

// Decode parses one JSON control message, dispatching on the type tag and
// validating the fields the protocol requires for that type.
func Decode(data []byte) (Message, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch MessageType(envelope.Type) {
	case TypePrepareRekey:
		var m PrepareRekey
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if m.Suite == "" || m.RID == "" {
			return nil, fmt.Errorf("%w: prepare_rekey requires suite and rid", ErrMalformed)
		}
		return m, nil
	case TypePrepareOK:
		var m PrepareOK
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if m.RID == "" {
			return nil, fmt.Errorf("%w: prepare_ok requires rid", ErrMalformed)
		}
		return m, nil
	case TypePrepareFail:
		var m PrepareFail
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if m.RID == "" {
			return nil, fmt.Errorf("%w: prepare_fail requires rid", ErrMalformed)
		}
		if m.Reason == "" {
			m.Reason = "unknown"
		}
		return m, nil
	case TypeCommitRekey:
		var m CommitRekey
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if m.RID == "" {
			return nil, fmt.Errorf("%w: commit_rekey requires rid", ErrMalformed)
		}
		return m, nil
	case TypeStatus:
		var m Status
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return m, nil
	case TypeTelemetryReport:
		var m TelemetryReport
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return m, nil
	case "":
		return nil, fmt.Errorf("%w: missing type tag", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}
}
