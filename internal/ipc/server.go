package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/winrun/winrun/internal/ratelimit"
)

// Backend is the daemon logic behind the IPC surface.
type Backend interface {
	VMStatus(ctx context.Context) (*VMStatusResponse, error)
	LaunchProgram(ctx context.Context, req *LaunchProgramRequest) error
	ListSessions(ctx context.Context) (*SessionListResponse, error)
	CloseSession(ctx context.Context, sessionID string) error
	ListShortcuts(ctx context.Context) (*ShortcutListResponse, error)
	SyncShortcuts(ctx context.Context, req *SyncShortcutsRequest) (*SyncShortcutsResponse, error)
	StartProvisioning(ctx context.Context, req *ProvisioningRequest, progress func(ProvisioningProgress)) (*ProvisioningResult, error)
	CancelProvisioning(ctx context.Context) error
	RollbackProvisioning(ctx context.Context) (*RollbackResponse, error)
}

// Options configures the IPC server.
type Options struct {
	SocketPath     string
	Auth           AuthConfig
	RateLimit      ratelimit.Config
	PruneInterval  time.Duration
	StaleClientAge time.Duration
}

// Server accepts privileged clients on a unix socket.
type Server struct {
	opts      Options
	backend   Backend
	inspector PeerInspector
	auth      *Authenticator
	limiter   *ratelimit.Limiter
	metrics   *Metrics
	logger    *slog.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates the server. A nil metrics collector is replaced
// with a standalone one.
func NewServer(opts Options, backend Backend, inspector PeerInspector, metrics *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:      opts,
		backend:   backend,
		inspector: inspector,
		auth:      NewAuthenticator(opts.Auth),
		limiter:   ratelimit.New(opts.RateLimit),
		metrics:   metrics,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Limiter exposes the rate limiter for metrics wiring.
func (s *Server) Limiter() *ratelimit.Limiter { return s.limiter }

// Start listens on the socket and begins accepting clients.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.opts.SocketPath), 0o755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	// A stale socket from an unclean shutdown blocks the bind.
	if err := os.Remove(s.opts.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.opts.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.SocketPath, err)
	}
	if err := os.Chmod(s.opts.SocketPath, 0o660); err != nil {
		ln.Close()
		return fmt.Errorf("restricting socket mode: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	if s.opts.PruneInterval > 0 {
		s.wg.Add(1)
		go s.pruneLoop()
	}

	s.logger.Info("IPC server listening", "socket", s.opts.SocketPath)
	return nil
}

// Stop closes the listener and waits for connections to drain.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// pruneLoop drops stale rate-limiter buckets on a fixed cadence.
func (s *Server) pruneLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.limiter.PruneStaleClients(s.opts.StaleClientAge)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	connID := uuid.NewString()
	logger := s.logger.With("conn", connID)

	info, err := s.inspector.Inspect(conn)
	if err != nil {
		logger.Warn("peer inspection failed", "error", err)
		return
	}

	if err := s.auth.Authenticate(info); err != nil {
		s.metrics.authRejected.Add(1)
		logger.Warn("client rejected", "uid", info.UID, "pid", info.PID, "error", err)
		s.writeError(conn, &sync.Mutex{}, 0, errorInfoFor(err))
		return
	}

	s.metrics.connOpened()
	defer s.metrics.connClosed()
	logger.Info("client connected", "uid", info.UID, "pid", info.PID)

	var writeMu sync.Mutex
	clientKey := info.RateLimitKey()

	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				logger.Debug("connection read ended", "error", err)
			}
			return
		}
		s.serveRequest(conn, &writeMu, logger, clientKey, frame)
	}
}

// serveRequest applies throttling and dispatches one frame, recovering
// from handler panics.
func (s *Server) serveRequest(conn net.Conn, writeMu *sync.Mutex, logger *slog.Logger, clientKey string, frame *Frame) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in IPC handler",
				"op", opName(frame.Op),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			outcome = "panic"
			s.writeError(conn, writeMu, frame.RequestID, &ErrorInfo{Kind: KindInternal, Message: "internal error"})
		}
		s.metrics.recordRequest(frame.Op, outcome)
		logger.Info("ipc request",
			"op", opName(frame.Op),
			"requestId", frame.RequestID,
			"outcome", outcome,
			"duration", time.Since(start),
		)
	}()

	if err := s.limiter.CheckRequest(clientKey); err != nil {
		outcome = "throttled"
		s.metrics.throttled.Add(1)
		s.writeError(conn, writeMu, frame.RequestID, errorInfoFor(err))
		return
	}

	result, errInfo := s.dispatch(conn, writeMu, frame)
	if errInfo != nil {
		outcome = errInfo.Kind
		s.writeError(conn, writeMu, frame.RequestID, errInfo)
		return
	}
	s.writeResult(conn, writeMu, frame.RequestID, result)
}

func (s *Server) dispatch(conn net.Conn, writeMu *sync.Mutex, frame *Frame) (interface{}, *ErrorInfo) {
	ctx := s.ctx

	switch frame.Op {
	case OpVMStatus:
		resp, err := s.backend.VMStatus(ctx)
		if err != nil {
			return nil, errorInfoFor(err)
		}
		return resp, nil

	case OpLaunchProgram:
		var req LaunchProgramRequest
		if err := DecodePayload(frame, &req); err != nil {
			return nil, &ErrorInfo{Kind: KindInvalidRequest, Message: err.Error()}
		}
		if req.WindowsPath == "" {
			return nil, &ErrorInfo{Kind: KindInvalidRequest, Message: "windowsPath is required"}
		}
		if err := s.backend.LaunchProgram(ctx, &req); err != nil {
			return nil, errorInfoFor(err)
		}
		return nil, nil

	case OpListSessions:
		resp, err := s.backend.ListSessions(ctx)
		if err != nil {
			return nil, errorInfoFor(err)
		}
		return resp, nil

	case OpCloseSession:
		var req CloseSessionRequest
		if err := DecodePayload(frame, &req); err != nil {
			return nil, &ErrorInfo{Kind: KindInvalidRequest, Message: err.Error()}
		}
		if err := s.backend.CloseSession(ctx, req.SessionID); err != nil {
			return nil, errorInfoFor(err)
		}
		return nil, nil

	case OpListShortcuts:
		resp, err := s.backend.ListShortcuts(ctx)
		if err != nil {
			return nil, errorInfoFor(err)
		}
		return resp, nil

	case OpSyncShortcuts:
		var req SyncShortcutsRequest
		if err := DecodePayload(frame, &req); err != nil {
			return nil, &ErrorInfo{Kind: KindInvalidRequest, Message: err.Error()}
		}
		resp, err := s.backend.SyncShortcuts(ctx, &req)
		if err != nil {
			return nil, errorInfoFor(err)
		}
		return resp, nil

	case OpStartProvisioning:
		var req ProvisioningRequest
		if err := DecodePayload(frame, &req); err != nil {
			return nil, &ErrorInfo{Kind: KindInvalidRequest, Message: err.Error()}
		}
		progress := func(p ProvisioningProgress) {
			f, err := EncodeFrame(OpProgress, frame.RequestID, p)
			if err != nil {
				return
			}
			writeMu.Lock()
			WriteFrame(conn, f)
			writeMu.Unlock()
		}
		resp, err := s.backend.StartProvisioning(ctx, &req, progress)
		if err != nil {
			return nil, errorInfoFor(err)
		}
		return resp, nil

	case OpCancelProvisioning:
		if err := s.backend.CancelProvisioning(ctx); err != nil {
			return nil, errorInfoFor(err)
		}
		return nil, nil

	case OpRollbackProvisioning:
		resp, err := s.backend.RollbackProvisioning(ctx)
		if err != nil {
			return nil, errorInfoFor(err)
		}
		return resp, nil

	case OpMetrics:
		return &MetricsResponse{PrometheusText: s.metrics.Prometheus()}, nil

	default:
		return nil, &ErrorInfo{Kind: KindInvalidRequest, Message: fmt.Sprintf("unknown operation 0x%02x", frame.Op)}
	}
}

func (s *Server) writeResult(conn net.Conn, writeMu *sync.Mutex, requestID uint32, result interface{}) {
	f, err := EncodeFrame(OpResult, requestID, result)
	if err != nil {
		s.logger.Error("encoding result", "error", err)
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := WriteFrame(conn, f); err != nil {
		s.logger.Debug("writing result", "error", err)
	}
}

func (s *Server) writeError(conn net.Conn, writeMu *sync.Mutex, requestID uint32, info *ErrorInfo) {
	f, err := EncodeFrame(OpError, requestID, info)
	if err != nil {
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	WriteFrame(conn, f)
}

// errorInfoFor maps backend errors onto the wire taxonomy.
func errorInfoFor(err error) *ErrorInfo {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return &ErrorInfo{Kind: KindUnauthorized, Message: authErr.Error()}
	}
	var throttled *ratelimit.ThrottledError
	if errors.As(err, &throttled) {
		return &ErrorInfo{
			Kind:         KindThrottled,
			Message:      throttled.Error(),
			RetryAfterMs: throttled.RetryAfter.Milliseconds(),
		}
	}
	if errors.Is(err, ErrGuestUnavailable) {
		return &ErrorInfo{Kind: KindNotConnected, Message: err.Error()}
	}
	return &ErrorInfo{Kind: KindInternal, Message: err.Error()}
}
