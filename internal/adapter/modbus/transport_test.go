package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/nexus-edge/saj-gateway/internal/domain"
	"github.com/rs/zerolog"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func newTestTransport(p ConnectionProvider) *Transport {
	return NewTransport(TransportConfig{Read: fastPolicy(), Write: fastPolicy()}, p, zerolog.Nop(), nil)
}

func TestTransport_RetriesOperationFailures(t *testing.T) {
	conn := newFakeConn()
	conn.regs[10] = 42
	transient := fmt.Errorf("%w: crc", domain.ErrOperationFailed)
	conn.readErrs = []error{transient, transient}

	tr := newTestTransport(&staticProvider{conn: conn})
	words, err := tr.Read(context.Background(), 10, 1)
	if err != nil {
		t.Fatal(err)
	}
	if words[0] != 42 {
		t.Fatalf("words = %v", words)
	}
	if n := conn.reads.Load(); n != 3 {
		t.Fatalf("reads = %d, want 3", n)
	}
}

func TestTransport_ExhaustedRetriesKeepCause(t *testing.T) {
	conn := newFakeConn()
	cause := errors.New("illegal data address")
	conn.writeErrs = []error{cause, cause, cause}

	tr := newTestTransport(&staticProvider{conn: conn})
	err := tr.Write(context.Background(), 1, []uint16{5})
	if !errors.Is(err, domain.ErrOperationFailed) || !errors.Is(err, cause) {
		t.Fatalf("got %v", err)
	}
	if n := conn.writes.Load(); n != 3 {
		t.Fatalf("writes = %d, want 3", n)
	}
}

func TestTransport_ReconnectionNeededIsNotRetried(t *testing.T) {
	conn := newFakeConn()
	conn.readErrs = []error{fmt.Errorf("%w: broken pipe", domain.ErrReconnectionNeeded)}
	provider := &staticProvider{conn: conn}

	tr := newTestTransport(provider)
	_, err := tr.Read(context.Background(), 0, 2)
	if !domain.IsReconnectionNeeded(err) {
		t.Fatalf("got %v", err)
	}
	if n := conn.reads.Load(); n != 1 {
		t.Fatalf("reads = %d, want 1", n)
	}
	if provider.reconnects.Load() != 0 {
		t.Fatal("transport must leave reconnecting to its caller")
	}
}

func TestTransport_ContextCancelUnblocksCaller(t *testing.T) {
	conn := newFakeConn()
	conn.block = make(chan struct{})
	defer close(conn.block)

	tr := newTestTransport(&staticProvider{conn: conn})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := tr.Read(ctx, 0, 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > time.Second {
		t.Fatal("caller stayed blocked on the device call")
	}
}

func TestTransport_RejectsOversizedRead(t *testing.T) {
	tr := newTestTransport(&staticProvider{conn: newFakeConn()})
	if _, err := tr.Read(context.Background(), 0, 126); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("got %v", err)
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{Attempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i, got, w)
		}
	}

	p.Jitter = true
	for i := 0; i < 100; i++ {
		d := p.Backoff(1)
		if d < 750*time.Millisecond || d > 1250*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±25%%", d)
		}
	}
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), true},
		{"reset", errors.New("read tcp: connection reset by peer"), true},
		{"gateway path", &modbus.ModbusError{FunctionCode: 0x83, ExceptionCode: modbus.ExceptionCodeGatewayPathUnavailable}, true},
		{"gateway target", &modbus.ModbusError{FunctionCode: 0x83, ExceptionCode: modbus.ExceptionCodeGatewayTargetDeviceFailedToRespond}, true},
		{"illegal address", &modbus.ModbusError{FunctionCode: 0x83, ExceptionCode: modbus.ExceptionCodeIllegalDataAddress}, false},
		{"timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, false},
		{"plain", errors.New("response transaction id mismatch"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isConnectionError(tt.err); got != tt.want {
				t.Fatalf("isConnectionError(%v) = %v", tt.err, got)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestTranslateError_KeepsCause(t *testing.T) {
	c := &tcpConn{}
	c.connected.Store(true)

	timeout := &net.OpError{Op: "read", Err: timeoutErr{}}
	err := c.translateError(timeout)
	if !errors.Is(err, domain.ErrOperationFailed) || !isTimeout(err) {
		t.Fatalf("timeout translated to %v", err)
	}
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		t.Fatal("goburrow cause lost")
	}
	if !c.IsConnected() {
		t.Fatal("timeout must not mark the connection dead")
	}

	err = c.translateError(io.EOF)
	if !domain.IsReconnectionNeeded(err) || !errors.Is(err, io.EOF) {
		t.Fatalf("eof translated to %v", err)
	}
	if c.IsConnected() {
		t.Fatal("connection error must mark the connection dead")
	}
}

func TestTransport_TimeoutSurvivesRetries(t *testing.T) {
	c := &tcpConn{}
	c.connected.Store(true)
	timeout := c.translateError(&net.OpError{Op: "read", Err: timeoutErr{}})

	conn := newFakeConn()
	conn.readErrs = []error{timeout, timeout, timeout}
	provider := &staticProvider{conn: conn}

	_, err := newTestTransport(provider).Read(context.Background(), 10, 1)
	if !errors.Is(err, domain.ErrOperationFailed) || !isTimeout(err) {
		t.Fatalf("got %v, want a timeout operation failure", err)
	}
	if n := provider.leases.Load(); n != 0 {
		t.Fatalf("%d leases not released", n)
	}
}

func TestTransport_ReleasesLeaseWhenCallerGivesUp(t *testing.T) {
	conn := newFakeConn()
	conn.block = make(chan struct{})
	provider := &staticProvider{conn: conn}
	tr := newTestTransport(provider)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := tr.Read(ctx, 10, 1); err == nil {
		t.Fatal("expected the caller to give up")
	}
	if n := provider.leases.Load(); n != 1 {
		t.Fatalf("leases = %d while the read is still running", n)
	}

	close(conn.block)
	deadline := time.Now().Add(2 * time.Second)
	for provider.leases.Load() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("lease not released after the read finished")
		}
		time.Sleep(time.Millisecond)
	}
}
