package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taver33/lanBackup/internal/config"
	"github.com/taver33/lanBackup/pkg/concurrency"
	"github.com/taver33/lanBackup/pkg/protocol"
	"github.com/taver33/lanBackup/pkg/reassembly"
)

// Server owns the listening socket lifecycle and dispatches parsed
// messages to the reassembler. Exactly one connection is live at a time by
// contract; all session mutation happens on that connection's receive
// goroutine, so the reassembler itself needs no locking.
type Server struct {
	cfg         *config.Config
	pub         *Publisher
	guard       *concurrency.Guard
	reassembler *reassembly.Reassembler

	mu       sync.Mutex
	listener net.Listener
	conn     net.Conn
	stopping bool
	wg       sync.WaitGroup
}

// NewServer creates a receiver with the given configuration. The output
// directory is created if it does not exist.
func NewServer(cfg *config.Config) (*Server, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	return &Server{
		cfg:         cfg,
		guard:       concurrency.NewGuard(),
		reassembler: reassembly.NewReassembler(cfg.OutputDir),
		pub: NewPublisher(State{
			Status:     StatusIdle,
			InstanceID: uuid.NewString(),
		}),
	}, nil
}

// Subscribe registers a listener for state snapshots.
func (s *Server) Subscribe(l Listener) (unsubscribe func()) {
	return s.pub.Subscribe(l)
}

// Snapshot returns the current state.
func (s *Server) Snapshot() State {
	return s.pub.Snapshot()
}

// Port returns the bound port, or 0 when not listening.
func (s *Server) Port() int {
	return s.pub.Snapshot().Port
}

// Start binds the listening socket and launches the accept loop. It
// returns concurrency.ErrBusy when the receiver is already running, and a
// bind error leaves the receiver in the error state.
func (s *Server) Start() error {
	if s.pub.Snapshot().Status == StatusErrored {
		// Restarting out of the error state implies a stop first: any
		// leftover socket or session from the failed run is discarded.
		s.Stop()
	}
	if err := s.guard.Acquire(); err != nil {
		return err
	}

	s.mu.Lock()
	s.stopping = false
	s.mu.Unlock()

	s.pub.update(func(st *State) {
		st.Status = StatusStarting
		st.LastError = nil
		st.Client = nil
		st.Transfer = nil
	})

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		s.guard.Release()
		s.publishError(StatusErrored, ErrorKindResource, fmt.Sprintf("failed to bind port %d: %v", s.cfg.Port, err))
		return fmt.Errorf("failed to bind port %d: %w", s.cfg.Port, err)
	}

	port := ln.Addr().(*net.TCPAddr).Port

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.pub.update(func(st *State) {
		st.Status = StatusListening
		st.Port = port
	})
	slog.Info("Receiver listening", "port", port)

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Stop releases the socket, discards any active session, and returns the
// receiver to idle. Safe to call from any goroutine and at any state;
// cancellation is never an error.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopping = true
	ln := s.listener
	conn := s.conn
	s.listener = nil
	s.conn = nil
	s.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil {
			slog.Warn("Failed to close listener", "error", err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			slog.Warn("Failed to close connection", "error", err)
		}
	}

	s.wg.Wait()
	// The receive goroutine has exited; the session is ours to discard.
	s.reassembler.Abort()
	s.guard.Release()

	s.pub.update(func(st *State) {
		st.Status = StatusIdle
		st.Port = 0
		st.Client = nil
		st.Transfer = nil
	})
	slog.Info("Receiver stopped")
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopping := s.stopping
			s.mu.Unlock()
			if stopping || s.pub.Snapshot().Status == StatusErrored {
				// Shut down deliberately, either by Stop or by a
				// session-fatal failure that already published its state.
				return
			}
			s.publishError(StatusErrored, ErrorKindResource, fmt.Sprintf("accept failed: %v", err))
			return
		}

		s.mu.Lock()
		busy := s.conn != nil
		if !busy {
			s.conn = conn
		}
		s.mu.Unlock()

		if busy {
			// One peer at a time; extra connections are refused outright.
			slog.Warn("Refusing second connection", "remote", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn runs the per-connection receive loop: append newly read
// bytes, feed the parser until it reports Incomplete, dispatch each
// message, repeat. The buffer is owned exclusively by this goroutine.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
	}()

	slog.Info("Peer connected", "remote", conn.RemoteAddr())
	s.pub.update(func(st *State) {
		st.Status = StatusHandshaking
	})

	phase := StatusHandshaking
	resetDeadline := func() {
		window := s.cfg.InactivityTimeout
		if phase == StatusHandshaking {
			window = s.cfg.HandshakeTimeout
		}
		_ = conn.SetReadDeadline(time.Now().Add(window))
	}
	resetDeadline()

	var buf []byte
	readBuf := make([]byte, 32*1024)
	fatal := false

	for !fatal {
		n, readErr := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
		}

		off := 0
		for !fatal {
			msg := protocol.ParseNext(buf[off:])
			if msg.Kind == protocol.KindIncomplete {
				break
			}
			off += msg.Consumed

			switch msg.Kind {
			case protocol.KindSkip:
				// Resynchronization never changes server state.
				slog.Debug("Skipping unrecognized bytes", "count", msg.Consumed)
			case protocol.KindControl:
				fatal = s.handleControl(&phase, msg.Payload)
				resetDeadline()
			case protocol.KindChunk:
				fatal = s.handleChunk(&phase, msg)
				resetDeadline()
			}
		}
		if off > 0 {
			buf = buf[:copy(buf, buf[off:])]
		}

		if readErr != nil {
			if !fatal {
				s.onDisconnect(conn, readErr)
			}
			break
		}
	}

	if fatal {
		// The error state is already published. Drop the session and
		// close the listener: Errored leaves only via an explicit
		// Stop/Start cycle, so no new peer may be accepted.
		s.reassembler.Abort()
		s.mu.Lock()
		ln := s.listener
		s.listener = nil
		s.mu.Unlock()
		if ln != nil {
			_ = ln.Close()
		}
	}
}

// onDisconnect handles a closed or timed-out socket: a normal termination
// that returns the receiver to listening, never a hard failure.
func (s *Server) onDisconnect(conn net.Conn, readErr error) {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()

	s.reassembler.Abort()
	if stopping {
		// Stop publishes the idle state once all loops have drained.
		return
	}
	if s.pub.Snapshot().Status == StatusErrored {
		// A session-fatal failure elsewhere already parked the receiver;
		// a trailing socket close must not downgrade it to listening.
		return
	}

	var netErr net.Error
	if errors.As(readErr, &netErr) && netErr.Timeout() {
		slog.Warn("Peer timed out", "remote", conn.RemoteAddr())
	} else {
		slog.Info("Peer disconnected", "remote", conn.RemoteAddr())
	}

	s.pub.update(func(st *State) {
		st.Status = StatusListening
		st.Client = nil
		st.Transfer = nil
	})
}

// handleControl decodes and dispatches one control message. The returned
// flag is true only for session-fatal failures (incompatible handshake).
func (s *Server) handleControl(phase *Status, payload string) bool {
	decoded, err := protocol.DecodeControl(payload)
	if err != nil {
		// A complete but malformed line is a state-machine-level error,
		// never a parse failure; the stream simply continues.
		slog.Warn("Ignoring malformed control message", "error", err)
		s.setLastError(ErrorKindProtocol, err.Error())
		return false
	}

	switch msg := decoded.(type) {
	case *protocol.Handshake:
		return s.handleHandshake(phase, msg)
	case *protocol.FileStart:
		s.handleFileStart(phase, msg)
	case *protocol.Unknown:
		slog.Debug("Ignoring control message", "type", msg.Type)
	}
	return false
}

func (s *Server) handleHandshake(phase *Status, msg *protocol.Handshake) bool {
	if *phase != StatusHandshaking {
		slog.Warn("Ignoring duplicate handshake", "device", msg.DeviceName)
		return false
	}

	if !protocol.CompatibleVersion(msg.Version) {
		s.publishError(StatusErrored, ErrorKindProtocol,
			fmt.Sprintf("incompatible protocol version %q (receiver speaks %s)", msg.Version, protocol.Version))
		slog.Error("Handshake rejected", "device", msg.DeviceName, "version", msg.Version)
		return true
	}

	*phase = StatusConnected
	s.pub.update(func(st *State) {
		st.Status = StatusConnected
		st.Client = &ClientInfo{
			DeviceName: msg.DeviceName,
			Platform:   msg.Platform,
			AppVersion: msg.AppVersion,
		}
	})
	slog.Info("Handshake accepted",
		"device", msg.DeviceName, "platform", msg.Platform, "appVersion", msg.AppVersion)
	return false
}

func (s *Server) handleFileStart(phase *Status, msg *protocol.FileStart) {
	if *phase == StatusHandshaking {
		slog.Warn("Ignoring file_start before handshake", "transferId", msg.TransferID)
		return
	}

	if *phase == StatusReceiving {
		// The peer abandoned the previous transfer and is starting over.
		s.reassembler.Abort()
		*phase = StatusConnected
	}

	if !s.cfg.IsValidChunkSize(msg.ChunkSize) {
		s.setLastError(ErrorKindTransfer,
			fmt.Sprintf("chunk size %d outside accepted bounds [%d, %d]",
				msg.ChunkSize, s.cfg.MinChunkSize, s.cfg.MaxChunkSize))
		return
	}

	if err := s.reassembler.Start(msg); err != nil {
		slog.Warn("Rejected file_start", "transferId", msg.TransferID, "error", err)
		s.setLastError(ErrorKindTransfer, err.Error())
		return
	}

	*phase = StatusReceiving
	progress, _ := s.reassembler.Progress()
	s.pub.update(func(st *State) {
		st.Status = StatusReceiving
		st.Transfer = transferInfoOf(progress)
	})
}

// handleChunk applies one chunk frame. Per-transfer failures degrade to
// the connected state; only file I/O failures are session-fatal.
func (s *Server) handleChunk(phase *Status, msg protocol.ParsedMessage) bool {
	if *phase != StatusReceiving {
		slog.Warn("Ignoring chunk with no active transfer",
			"transferId", msg.TransferID, "index", msg.ChunkIndex)
		s.setLastError(ErrorKindTransfer, "chunk received with no active transfer")
		return false
	}

	progress, err := s.reassembler.Apply(msg.TransferID, msg.ChunkIndex, msg.Data)
	switch {
	case err == nil:
	case errors.Is(err, reassembly.ErrForeignChunk), errors.Is(err, reassembly.ErrChunkOutOfRange):
		// Stale or racing peer; the active transfer is unaffected.
		s.setLastError(ErrorKindTransfer, err.Error())
		return false
	default:
		s.publishError(StatusErrored, ErrorKindResource, err.Error())
		return true
	}

	s.pub.update(func(st *State) {
		st.Transfer = transferInfoOf(progress)
	})

	if !progress.Complete {
		return false
	}

	path, err := s.reassembler.Finalize()
	switch {
	case err == nil:
		*phase = StatusConnected
		s.pub.update(func(st *State) {
			st.Status = StatusConnected
			st.Transfer = nil
			st.CompletedFilePath = path
		})
	case errors.Is(err, reassembly.ErrChecksumMismatch):
		// Per-transfer failure: the peer may retry over the same
		// connection.
		slog.Error("Transfer failed verification", "transferId", msg.TransferID, "error", err)
		*phase = StatusConnected
		s.pub.update(func(st *State) {
			st.Status = StatusConnected
			st.Transfer = nil
			st.LastError = &StateError{Kind: ErrorKindTransfer, Message: err.Error()}
		})
	default:
		s.publishError(StatusErrored, ErrorKindResource, err.Error())
		return true
	}
	return false
}

func (s *Server) setLastError(kind ErrorKind, message string) {
	s.pub.update(func(st *State) {
		st.LastError = &StateError{Kind: kind, Message: message}
	})
}

func (s *Server) publishError(status Status, kind ErrorKind, message string) {
	s.pub.update(func(st *State) {
		st.Status = status
		st.Client = nil
		st.Transfer = nil
		st.LastError = &StateError{Kind: kind, Message: message}
	})
}
