package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fusekv/fusekv/pkg/config"
	"github.com/fusekv/fusekv/pkg/db"
	"github.com/fusekv/fusekv/pkg/log"
	"github.com/fusekv/fusekv/pkg/metrics"
)

// Server accepts client connections and pumps newline-delimited JSON
// requests through the dispatcher.
type Server struct {
	cfg      *config.Config
	mgr      *db.Manager
	logger   zerolog.Logger
	handlers map[string]handlerFunc

	listener net.Listener
	httpSrv  *http.Server

	mu       sync.Mutex
	conns    map[net.Conn]*connState
	stopCh   chan struct{}
	stopping bool
	wg       sync.WaitGroup
}

// connState tracks whether a connection is mid-request, which decides
// if shutdown may close it immediately or must let it drain.
type connState struct {
	inFlight atomic.Bool
}

// NewServer creates a server over the manager
func NewServer(cfg *config.Config, mgr *db.Manager) *Server {
	s := &Server{
		cfg:    cfg,
		mgr:    mgr,
		logger: log.WithComponent("server"),
		conns:  make(map[net.Conn]*connState),
		stopCh: make(chan struct{}),
	}
	s.buildHandlers()
	return s
}

// Start binds the data-plane listener and, when enabled, the HTTP
// metrics/health listener. It returns once both listeners are bound;
// serving continues in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.cfg.Address, err)
	}
	s.listener = listener
	s.logger.Info().Str("address", s.cfg.Address).Msg("listening")

	if s.cfg.Metrics || s.cfg.HealthCheck {
		mux := http.NewServeMux()
		if s.cfg.Metrics {
			mux.Handle("/metrics", metrics.Handler())
		}
		if s.cfg.HealthCheck {
			mux.Handle("/health", metrics.HealthHandler())
		}
		httpListener, err := net.Listen("tcp", s.cfg.MetricsAddr)
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to bind %s: %w", s.cfg.MetricsAddr, err)
		}
		s.httpSrv = &http.Server{Handler: mux}
		go func() {
			if err := s.httpSrv.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("metrics server error")
			}
		}()
		s.logger.Info().Str("address", s.cfg.MetricsAddr).Msg("metrics listening")
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound data-plane address, useful when the configured
// port was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Address
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		state := &connState{}
		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.conns[conn] = state
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn, state)
	}
}

func (s *Server) removeConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// serveConn runs the session loop for one connection
func (s *Server) serveConn(conn net.Conn, state *connState) {
	defer s.wg.Done()
	defer s.removeConn(conn)
	defer conn.Close()

	sessionID := uuid.NewString()
	logger := log.WithSession(sessionID)
	logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("connection opened")

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	sess := s.mgr.NewSession(sessionID)
	defer sess.Close()

	// The scanner's token limit is the larger of max and the initial
	// buffer, so the buffer must not exceed the configured frame size.
	bufSize := 64 * 1024
	if s.cfg.MaxFrameSize < bufSize {
		bufSize = s.cfg.MaxFrameSize
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, bufSize), s.cfg.MaxFrameSize)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		select {
		case <-s.stopCh:
			logger.Debug().Msg("connection closing on shutdown")
			return
		default:
		}

		frame := scanner.Bytes()
		if len(frame) == 0 {
			continue
		}

		state.inFlight.Store(true)
		timer := metrics.NewTimer()
		metrics.RequestsTotal.Inc()

		resp, closeConn := s.dispatch(sess, frame)

		if resp.Success {
			metrics.RequestSuccessTotal.Inc()
		} else {
			metrics.RequestFailureTotal.Inc()
		}

		err := s.writeResponse(writer, resp)
		timer.ObserveDuration(metrics.RequestDuration)
		state.inFlight.Store(false)
		if err != nil {
			logger.Debug().Err(err).Msg("write failed")
			return
		}

		if closeConn {
			logger.Warn().Msg("closing connection after auth failure")
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			metrics.RequestsTotal.Inc()
			metrics.RequestFailureTotal.Inc()
			_ = s.writeResponse(writer, fail("frame-too-large: frame exceeds %d bytes", s.cfg.MaxFrameSize))
			logger.Warn().Msg("closing connection on oversized frame")
			return
		}
		select {
		case <-s.stopCh:
		default:
			logger.Debug().Err(err).Msg("read failed")
		}
	}
	logger.Debug().Msg("connection closed")
}

func (s *Server) writeResponse(w *bufio.Writer, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	n, err := w.Write(data)
	if err != nil {
		return err
	}
	metrics.ResponseBytesTotal.Add(float64(n))
	return w.Flush()
}

// Shutdown stops accepting connections, waits up to grace for in-flight
// sessions to finish their current request, then force-closes the
// remaining connections. A zero grace waits indefinitely.
func (s *Server) Shutdown(grace time.Duration) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.mu.Unlock()

	close(s.stopCh)
	if s.listener != nil {
		s.listener.Close()
	}

	// Idle connections are parked in a blocking read with no handler in
	// flight; closing them now lets the drain finish promptly.
	s.mu.Lock()
	for conn, state := range s.conns {
		if !state.inFlight.Load() {
			conn.Close()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	if grace > 0 {
		select {
		case <-done:
		case <-time.After(grace):
			s.logger.Warn().Msg("grace period elapsed, closing connections")
			s.mu.Lock()
			for conn := range s.conns {
				conn.Close()
			}
			s.mu.Unlock()
			<-done
		}
	} else {
		<-done
	}

	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
	}
	s.logger.Info().Msg("server stopped")
}
