package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/radio-control/gapd/internal/adapter"
	"github.com/radio-control/gapd/internal/telemetry"
)

// Kind discriminates envelopes.
type Kind string

const (
	KindRequest        Kind = "request"
	KindResponse       Kind = "response"
	KindEvent          Kind = "event"
	KindCancel         Kind = "cancel"
	KindPairingRequest Kind = "pairingRequest"
	KindPairingReply   Kind = "pairingReply"
)

// Message is the wire envelope.
type Message struct {
	Kind   Kind             `json:"kind"`
	ID     string           `json:"id,omitempty"`
	Method string           `json:"method,omitempty"`
	Params json.RawMessage  `json:"params,omitempty"`
	Result json.RawMessage  `json:"result,omitempty"`
	Status *Status          `json:"status,omitempty"`
	Event  *telemetry.Event `json:"event,omitempty"`
}

// NewRequest builds a request envelope.
func NewRequest(id, method string, params interface{}) (Message, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s params: %w", method, err)
	}
	return Message{Kind: KindRequest, ID: id, Method: method, Params: raw}, nil
}

// NewResponse builds a response envelope. result may be nil.
func NewResponse(id string, status Status, result interface{}) (Message, error) {
	raw, err := marshalOptional(result)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode result: %w", err)
	}
	return Message{Kind: KindResponse, ID: id, Status: &status, Result: raw}, nil
}

// NewEvent wraps a hub event.
func NewEvent(event telemetry.Event) Message {
	return Message{Kind: KindEvent, Event: &event}
}

// NewCancel asks the peer to cancel the in-flight request id.
func NewCancel(id string) Message {
	return Message{Kind: KindCancel, ID: id}
}

// DecodeParams decodes the request params into v. Missing params leave v untouched.
func (m Message) DecodeParams(v interface{}) error {
	if len(m.Params) == 0 || string(m.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(m.Params, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

// DecodeResult decodes the response result into v.
func (m Message) DecodeResult(v interface{}) error {
	if len(m.Result) == 0 || string(m.Result) == "null" {
		return nil
	}
	return json.Unmarshal(m.Result, v)
}

func marshalOptional(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// NewPairingRequest forwards a pairing callback to a delegate client.
func NewPairingRequest(id string, req adapter.PairingRequest) (Message, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindPairingRequest, ID: id, Params: raw}, nil
}

// NewPairingReply answers the pairing request id.
func NewPairingReply(id string, resp adapter.PairingResponse) (Message, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindPairingReply, ID: id, Result: raw}, nil
}
