package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/minhvtn/listsync-be/internal/domain"
)

// RelayCommand is the frame sent to a browser agent session. The agent
// performs the action inside the seller's authenticated marketplace session
// and answers with a RelayReply carrying the same id.
type RelayCommand struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RelayReply is the correlated answer from a session.
type RelayReply struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Code   string          `json:"code,omitempty"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Reply error codes an agent may report. They map onto the task failure
// taxonomy so relay failures retry (or not) like direct-channel ones.
const (
	RelayCodeRateLimited = "rate_limited"
	RelayCodeAuth        = "auth"
	RelayCodeValidation  = "validation"
)

// relayCodeSessionClosed marks the synthetic reply injected when a session
// is torn down with waiters outstanding. It never comes from an agent; it
// classifies transient so a reconnect mid-command stays retryable.
const relayCodeSessionClosed = "session_closed"

type sessionKey struct {
	tenantID    string
	marketplace domain.Marketplace
}

// RelayHub tracks connected agent sessions and correlates commands with
// replies. One session per (tenant, marketplace); a new connection replaces
// the old one.
type RelayHub struct {
	mu           sync.RWMutex
	sessions     map[sessionKey]*relaySession
	replyTimeout time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewRelayHub creates a hub with the given reply and write deadlines.
func NewRelayHub(replyTimeout, writeTimeout time.Duration, logger *slog.Logger) *RelayHub {
	return &RelayHub{
		sessions:     make(map[sessionKey]*relaySession),
		replyTimeout: replyTimeout,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Register attaches a connected agent session for (tenant, marketplace) and
// starts its read loop. It returns when the session disconnects.
func (h *RelayHub) Register(tenantID string, m domain.Marketplace, conn *websocket.Conn) {
	key := sessionKey{tenantID: tenantID, marketplace: m}
	session := &relaySession{
		conn:    conn,
		pending: make(map[string]chan RelayReply),
	}

	h.mu.Lock()
	if old, ok := h.sessions[key]; ok {
		old.close(domain.ErrNoRelaySession)
	}
	h.sessions[key] = session
	h.mu.Unlock()

	h.logger.Info("Relay session connected",
		slog.String("tenant_id", tenantID),
		slog.String("marketplace", string(m)),
	)

	session.readLoop(h.logger)

	h.mu.Lock()
	if h.sessions[key] == session {
		delete(h.sessions, key)
	}
	h.mu.Unlock()

	h.logger.Info("Relay session disconnected",
		slog.String("tenant_id", tenantID),
		slog.String("marketplace", string(m)),
	)
}

// Connected reports whether a session is attached for (tenant, marketplace).
func (h *RelayHub) Connected(tenantID string, m domain.Marketplace) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[sessionKey{tenantID: tenantID, marketplace: m}]
	return ok
}

// Send issues a command to the tenant's session and waits for the
// correlated reply. No connected session fails immediately; a missing reply
// fails at the deadline. The caller must not hold a database transaction
// across this call.
func (h *RelayHub) Send(ctx context.Context, tenantID string, m domain.Marketplace, command string, payload interface{}) (json.RawMessage, error) {
	h.mu.RLock()
	session, ok := h.sessions[sessionKey{tenantID: tenantID, marketplace: m}]
	h.mu.RUnlock()
	if !ok {
		return nil, domain.NewTransientError(
			fmt.Errorf("%w for tenant %s on %s", domain.ErrNoRelaySession, tenantID, m))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode relay payload: %w", err)
	}

	cmd := RelayCommand{
		ID:      uuid.New().String(),
		Command: command,
		Payload: body,
	}

	replyCh := session.addPending(cmd.ID)
	defer session.removePending(cmd.ID)

	if err := session.write(cmd, h.writeTimeout); err != nil {
		return nil, domain.NewTransientError(fmt.Errorf("failed to send relay command: %w", err))
	}

	h.logger.Debug("Relay command sent",
		slog.String("tenant_id", tenantID),
		slog.String("marketplace", string(m)),
		slog.String("command", command),
		slog.String("correlation_id", cmd.ID),
	)

	timer := time.NewTimer(h.replyTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil, domain.NewTransientError(
				fmt.Errorf("relay session closed while awaiting %q", command))
		}
		if !reply.OK {
			return nil, classifyRelayError(reply)
		}
		return reply.Result, nil

	case <-timer.C:
		return nil, domain.NewTransientError(
			fmt.Errorf("%w: command %q after %s", domain.ErrRelayTimeout, command, h.replyTimeout))

	case <-ctx.Done():
		return nil, domain.NewTransientError(
			fmt.Errorf("relay command %q canceled: %w", command, ctx.Err()))
	}
}

// classifyRelayError maps an agent-reported failure onto the task taxonomy.
func classifyRelayError(reply RelayReply) error {
	err := fmt.Errorf("relay command rejected: %s", reply.Error)
	switch reply.Code {
	case relayCodeSessionClosed:
		return domain.NewTransientError(fmt.Errorf("relay session closed: %s", reply.Error))
	case RelayCodeRateLimited:
		return domain.NewRateLimitError("", err)
	case RelayCodeAuth:
		return domain.NewAuthError(err)
	case RelayCodeValidation:
		return domain.NewPermanentError(err)
	default:
		return domain.NewPermanentError(err)
	}
}

// relaySession is one agent connection. Writes are serialized with a mutex;
// the read loop routes replies to waiters by correlation id.
type relaySession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan RelayReply
	closed  bool
}

func (s *relaySession) addPending(id string) chan RelayReply {
	ch := make(chan RelayReply, 1)
	s.mu.Lock()
	if s.closed {
		close(ch)
	} else {
		s.pending[id] = ch
	}
	s.mu.Unlock()
	return ch
}

func (s *relaySession) removePending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *relaySession) write(cmd RelayCommand, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return s.conn.WriteJSON(cmd)
}

// readLoop reads replies until the connection dies. A frame that cannot be
// decoded carries no usable correlation id, so the session is closed and
// every waiter fails with a parse error.
func (s *relaySession) readLoop(logger *slog.Logger) {
	defer s.close(nil)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var reply RelayReply
		if err := json.Unmarshal(data, &reply); err != nil || reply.ID == "" {
			logger.Error("Malformed relay reply, closing session",
				slog.Any("error", err),
			)
			s.close(domain.ErrMalformedRelayReply)
			return
		}

		s.mu.Lock()
		ch, ok := s.pending[reply.ID]
		if ok {
			delete(s.pending, reply.ID)
		}
		s.mu.Unlock()

		if !ok {
			logger.Warn("Relay reply with unknown correlation id",
				slog.String("correlation_id", reply.ID),
			)
			continue
		}
		ch <- reply
	}
}

// close tears down the session and unblocks every waiter. When reason is
// nil the waiters see a closed channel (disconnect); otherwise they get a
// transient failure naming the reason, so a replaced or torn-down session
// never marks a job permanently failed.
func (s *relaySession) close(reason error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.pending
	s.pending = make(map[string]chan RelayReply)
	s.mu.Unlock()

	for id, ch := range pending {
		if reason != nil {
			ch <- RelayReply{ID: id, OK: false, Code: relayCodeSessionClosed, Error: reason.Error()}
		}
		close(ch)
	}
	_ = s.conn.Close()
}
