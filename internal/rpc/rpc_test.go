package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/radio-control/gapd/internal/adapter"
	"github.com/radio-control/gapd/internal/auth"
	"github.com/radio-control/gapd/internal/bond"
	"github.com/radio-control/gapd/internal/logging"
	"github.com/radio-control/gapd/internal/telemetry"
)

func TestMessageRoundTripHelpers(t *testing.T) {
	req, err := NewRequest("1", MethodRequestDiscovery, RequestDiscoveryParams{Discover: true})
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	var params RequestDiscoveryParams
	if err := req.DecodeParams(&params); err != nil || !params.Discover {
		t.Errorf("Expected discover=true, got %+v (err %v)", params, err)
	}

	resp, err := NewResponse("1", OK(), TokenResult{Token: "t-1"})
	if err != nil {
		t.Fatalf("NewResponse failed: %v", err)
	}
	var result TokenResult
	if err := resp.DecodeResult(&result); err != nil || result.Token != "t-1" {
		t.Errorf("Expected token t-1, got %+v (err %v)", result, err)
	}
	if !resp.Status.IsOK() {
		t.Errorf("Expected OK status, got %+v", resp.Status)
	}
}

func TestDecodeParamsMalformed(t *testing.T) {
	msg := Message{Kind: KindRequest, Params: []byte(`{"discover":"yes"}`)}
	var params RequestDiscoveryParams
	if err := msg.DecodeParams(&params); !errors.Is(err, ErrBadRequest) {
		t.Errorf("Expected ErrBadRequest, got %v", err)
	}

	empty := Message{Kind: KindRequest}
	if err := empty.DecodeParams(&params); err != nil {
		t.Errorf("Expected missing params to be accepted, got %v", err)
	}
}

func TestStatusFromError(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{nil, CodeOK},
		{adapter.ErrNotFound, CodeNotFound},
		{fmt.Errorf("discovery: %w", adapter.ErrAlreadyInProgress), CodeAlreadyInProgress},
		{adapter.ErrTimeout, CodeTimeout},
		{context.DeadlineExceeded, CodeTimeout},
		{adapter.ErrNotSupported, CodeNotSupported},
		{ErrBadRequest, CodeBadRequest},
		{bond.ErrInvalidRecord, CodeBadRequest},
		{auth.ErrUnauthorized, CodeUnauthorized},
		{ErrForbidden, CodeForbidden},
		{adapter.ErrBusy, CodeBusy},
		{&adapter.DriverError{Code: adapter.ErrUnavailable, Original: errors.New("org.bluez.Error.NotReady")}, CodeUnavailable},
		{context.Canceled, CodeCancelled},
		{errors.New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		if got := StatusFromError(tt.err); got.Code != tt.code {
			t.Errorf("StatusFromError(%v) = %s, want %s", tt.err, got.Code, tt.code)
		}
	}
}

func TestPipe(t *testing.T) {
	a, b := Pipe()
	ctx := context.Background()

	if err := a.Send(ctx, NewCancel("7")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	msg, err := b.Recv(ctx)
	if err != nil || msg.Kind != KindCancel || msg.ID != "7" {
		t.Fatalf("Expected cancel 7, got %+v (err %v)", msg, err)
	}

	// Messages sent before close are still delivered
	_ = b.Send(ctx, NewEvent(telemetry.Event{Type: telemetry.EventHeartbeat}))
	b.Close()
	if msg, err := a.Recv(ctx); err != nil || msg.Kind != KindEvent {
		t.Errorf("Expected buffered event before close, got %+v (err %v)", msg, err)
	}
	if _, err := a.Recv(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := a.Send(ctx, NewCancel("8")); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed on send, got %v", err)
	}
	a.Close()
}

func TestPipeRecvHonoursContext(t *testing.T) {
	a, _ := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := a.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestStreamChannelOverNetPipe(t *testing.T) {
	left, right := net.Pipe()
	a := NewStreamChannel(left)
	b := NewStreamChannel(right)
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	req, _ := NewRequest("r1", MethodSetActiveAdapter, SetActiveAdapterParams{ID: "hci1"})
	go func() { _ = a.Send(ctx, req) }()

	msg, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	var params SetActiveAdapterParams
	if err := msg.DecodeParams(&params); err != nil || params.ID != "hci1" || msg.Method != MethodSetActiveAdapter {
		t.Errorf("Unexpected message %+v params %+v (err %v)", msg, params, err)
	}

	a.Close()
	if _, err := b.Recv(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after peer close, got %v", err)
	}
}

func TestStreamChannelMalformedLine(t *testing.T) {
	left, right := net.Pipe()
	b := NewStreamChannel(right)
	defer b.Close()
	defer left.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		_, _ = left.Write([]byte("{not json}\n"))
		_, _ = left.Write([]byte(`{"kind":"cancel","id":"3"}` + "\n"))
	}()

	if _, err := b.Recv(ctx); !errors.Is(err, ErrBadRequest) {
		t.Errorf("Expected ErrBadRequest for malformed line, got %v", err)
	}
	if msg, err := b.Recv(ctx); err != nil || msg.ID != "3" {
		t.Errorf("Expected stream to recover, got %+v (err %v)", msg, err)
	}
}

func TestServerEcho(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "gapd.sock")
	listener, err := Listen("unix", socket)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	echo := HandlerFunc(func(ctx context.Context, ch Channel) {
		for {
			msg, err := ch.Recv(ctx)
			if err != nil {
				return
			}
			resp, _ := NewResponse(msg.ID, OK(), nil)
			_ = ch.Send(ctx, resp)
		}
	})

	server := NewServer(listener, echo, 1, logging.Discard())
	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := Dial(ctx, "unix", socket)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	req, _ := NewRequest("42", MethodGetAdapters, nil)
	if err := client.Send(ctx, req); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	resp, err := client.Recv(ctx)
	if err != nil || resp.ID != "42" || !resp.Status.IsOK() {
		t.Fatalf("Expected OK response to 42, got %+v (err %v)", resp, err)
	}

	// Second connection exceeds the limit and is closed by the server
	extra, err := Dial(ctx, "unix", socket)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if _, err := extra.Recv(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected rejected connection to close, got %v", err)
	}
	extra.Close()

	if err := server.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	select {
	case err := <-serveDone:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Close")
	}
	if server.ConnectionCount() != 0 {
		t.Errorf("Expected no connections after Close, got %d", server.ConnectionCount())
	}
}
