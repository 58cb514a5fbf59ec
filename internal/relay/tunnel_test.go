package relay

import (
	"encoding/binary"
	"testing"

	"github.com/gridlink/relay/internal/relay/ratelimit"
)

func handshakeInitiationBytes() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, wgMessageTypeInitiation)
	return b
}

func TestDecapDropsHandshakeInitiationOnceLimiterExhausted(t *testing.T) {
	t.Parallel()

	tn := &Tunnel{limiter: ratelimit.New(0)}

	if got := tn.Decap(handshakeInitiationBytes()); got != OutcomeDrop {
		t.Fatalf("Decap() = %v, want OutcomeDrop once AllowHandshakeAttempt is exhausted", got)
	}
}

func TestDecapLetsHandshakeInitiationThroughWithBudgetAvailable(t *testing.T) {
	t.Parallel()

	// No sender/endpoint needed: with an unexhausted limiter the gate
	// passes the payload to bind.inject and nothing ever drains sentCh, so
	// Decap falls through to its decapGrace timeout and reports
	// OutcomePass rather than being gate-dropped.
	tn := &Tunnel{limiter: ratelimit.New(1), bind: newWGBind(nil, nil)}

	if got := tn.Decap(handshakeInitiationBytes()); got != OutcomePass {
		t.Fatalf("Decap() = %v with budget available, want OutcomePass", got)
	}
}

func TestDecapDoesNotRateLimitTransportData(t *testing.T) {
	t.Parallel()

	transportData := make([]byte, 4)
	binary.LittleEndian.PutUint32(transportData, 4) // MessageTransportType

	tn := &Tunnel{limiter: ratelimit.New(0), bind: newWGBind(nil, nil)}

	if got := tn.Decap(transportData); got != OutcomePass {
		t.Fatalf("Decap() = %v for transport data with an exhausted handshake limiter, want OutcomePass (only initiations are gated)", got)
	}
}
