package relay

import (
	"time"

	"github.com/google/uuid"

	"github.com/gridlink/relay/internal/relay/ctrlproto"
)

// connState is the per-(charger, conn_no) state machine spec.md ยง4.5
// describes: Idle, waiting on the charger's Ack, waiting on its UDP
// port-discovery reply, then Active until a disconnect.
type connState int

const (
	stateIdle connState = iota
	stateAwaitAck
	stateAwaitDiscovery
	stateActive
)

// ackTimeout bounds how long the relay waits for a charger's Ack before
// declaring the connect attempt failed (spec.md S2: "Expected Ack arrives
// within 2s").
const ackTimeout = 2 * time.Second

// nackRetryDelay is the bounded single retry delay for a TooManyRequests
// Nack (spec.md ยง4.5: "schedules a bounded retry (at most one, after >=1s)").
const nackRetryDelay = 1100 * time.Millisecond

// pendingConn tracks one in-flight or active remote connection attempt
// within a ManagementSession.
type pendingConn struct {
	connNo   int32
	connUUID uuid.UUID
	state    connState
	retried  bool
	timer    *time.Timer
}

func (s *ManagementSession) newPendingConn(connNo int32) *pendingConn {
	return &pendingConn{connNo: connNo, connUUID: uuid.New(), state: stateIdle}
}

// RequestConnect starts the Idle -> AwaitAck transition: it emits a Connect
// ManagementCommand and arms the ack timeout. Called when a browser opens a
// WebSocket wanting a fresh remote tunnel to this charger.
func (s *ManagementSession) RequestConnect(connNo int32, onFailure func()) (uuid.UUID, error) {
	s.mu.Lock()
	pc := s.newPendingConn(connNo)
	pc.state = stateAwaitAck
	if prev, ok := s.pending[connNo]; ok {
		// A re-request after a TooManyRequests Nack keeps its spent retry.
		pc.retried = prev.retried
	}
	s.pending[connNo] = pc
	s.mu.Unlock()

	if err := s.sendManagementCommand(ctrlproto.CommandConnect, connNo, pc.connUUID); err != nil {
		s.mu.Lock()
		delete(s.pending, connNo)
		s.mu.Unlock()
		return uuid.UUID{}, err
	}

	pc.timer = time.AfterFunc(ackTimeout, func() {
		s.mu.Lock()
		cur, ok := s.pending[connNo]
		stillWaiting := ok && cur == pc && cur.state == stateAwaitAck
		if stillWaiting {
			delete(s.pending, connNo)
		}
		s.mu.Unlock()
		if stillWaiting && onFailure != nil {
			onFailure()
		}
	})

	return pc.connUUID, nil
}

// reemitConnect re-emits a Connect frame for a conn_no recovered from
// LostConnections once the charger's management session is reestablished
// (spec.md S5, ยง4.1 step 3's "drain any queued LostConnections").
func (s *ManagementSession) reemitConnect(connNo int32) error {
	_, err := s.RequestConnect(connNo, nil)
	return err
}

// HandleAck advances a pending connection from AwaitAck to AwaitDiscovery
// if the (conn_no, uuid) pair matches what the relay is expecting.
func (s *ManagementSession) HandleAck(connNo int32, connUUID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.pending[connNo]
	if !ok || pc.connUUID != connUUID || pc.state != stateAwaitAck {
		return
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}
	pc.state = stateAwaitDiscovery
}

// HandleNack processes a refusal per spec.md ยง4.5: Busy/OngoingRequest fail
// the browser immediately; TooManyRequests schedules one bounded retry.
func (s *ManagementSession) HandleNack(connNo int32, reason ctrlproto.NackReason, onFailure func(), onRetry func()) {
	s.mu.Lock()
	pc, ok := s.pending[connNo]
	if !ok {
		s.mu.Unlock()
		return
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}

	switch reason {
	case ctrlproto.NackBusy, ctrlproto.NackOngoingRequest:
		delete(s.pending, connNo)
		s.mu.Unlock()
		if onFailure != nil {
			onFailure()
		}
	case ctrlproto.NackTooManyRequests:
		if pc.retried {
			delete(s.pending, connNo)
			s.mu.Unlock()
			if onFailure != nil {
				onFailure()
			}
			return
		}
		pc.retried = true
		pc.timer = time.AfterFunc(nackRetryDelay, func() {
			if onRetry != nil {
				onRetry()
			}
		})
		s.mu.Unlock()
	default:
		s.mu.Unlock()
	}
}

// MarkActive transitions a pending connection to Active once its
// port-discovery reply has been matched (called by PortDiscovery via the
// Dispatcher's discovery step).
func (s *ManagementSession) MarkActive(connNo int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pc, ok := s.pending[connNo]; ok && pc.state == stateAwaitDiscovery {
		pc.state = stateActive
	}
}

// CloseConnection emits Disconnect for connNo and returns it to Idle
// (removing the pending entry). Used on browser close, charger-initiated
// Disconnect, or idle eviction.
func (s *ManagementSession) CloseConnection(connNo int32) {
	s.mu.Lock()
	pc, ok := s.pending[connNo]
	if ok {
		delete(s.pending, connNo)
		if pc.timer != nil {
			pc.timer.Stop()
		}
	}
	s.mu.Unlock()
	if ok {
		_ = s.sendManagementCommand(ctrlproto.CommandDisconnect, connNo, pc.connUUID)
	}
}
