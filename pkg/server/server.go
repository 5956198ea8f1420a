package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ErinCastro/CHATAPP/pkg/protocol"
	"github.com/ErinCastro/CHATAPP/pkg/store"
)

var (
	errorLog *log.Logger
	debugLog *log.Logger
)

// Server is the chat relay: it accepts TCP connections, runs one
// protocol state machine per connection, and owns the shared components
// (session registry, credential store, history log, router).
type Server struct {
	config   Config
	dataDir  string
	creds    *store.CredentialStore
	history  *store.HistoryLog
	sessions *SessionManager
	router   *Router
	metrics  *Metrics
	registry *prometheus.Registry

	listener   net.Listener
	metricsSrv *http.Server
	shutdown   chan struct{}
	wg         sync.WaitGroup
	startTime  time.Time

	// Auth policy, fixed for the server's lifetime (see New).
	requirePassword bool
	historyEnabled  bool

	// All open connections, including unauthenticated ones, so shutdown
	// can close them without waiting for reads to fail.
	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// New creates a server instance: data directory, loggers, credential
// store (loaded), history log, registry, router and metrics.
func New(config Config) (*Server, error) {
	dataDir, err := config.ResolveDataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := initLoggers(dataDir); err != nil {
		return nil, fmt.Errorf("failed to initialize loggers: %w", err)
	}

	creds := store.NewCredentialStore(filepath.Join(dataDir, "users.db"))
	if err := creds.Load(); err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	log.Printf("Loaded users: %d", creds.Count())

	history := store.NewHistoryLog(
		filepath.Join(dataDir, "chat_general.log"),
		filepath.Join(dataDir, "chat_dm.log"),
	)

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	sessions := NewSessionManager()
	sessions.SetMetrics(metrics)

	// The password policy is decided once, at startup: explicitly via
	// configuration, or implicitly because credentials already exist.
	requirePassword := config.Auth.RequirePassword || !creds.Empty()
	if requirePassword {
		log.Printf("Auth policy: password required")
	} else {
		log.Printf("Auth policy: open (no credentials at startup)")
	}

	s := &Server{
		config:          config,
		dataDir:         dataDir,
		creds:           creds,
		history:         history,
		sessions:        sessions,
		metrics:         metrics,
		registry:        registry,
		shutdown:        make(chan struct{}),
		startTime:       time.Now(),
		requirePassword: requirePassword,
		historyEnabled:  config.History.Enabled,
		conns:           make(map[net.Conn]struct{}),
	}
	s.router = NewRouter(sessions, metrics)
	return s, nil
}

// initLoggers sets up the error and debug loggers. It is idempotent:
// tests preset the loggers in TestMain and servers created afterwards
// leave them alone.
func initLoggers(dataDir string) error {
	if errorLog != nil && debugLog != nil {
		return nil
	}

	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker, for distinguishing between runs
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug log goes to /dev/null by default (see EnableDebugLogging)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	return nil
}

// EnableDebugLogging enables debug logging to debug.log in the data dir.
func (s *Server) EnableDebugLogging() {
	debugLogPath := filepath.Join(s.dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}
	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start begins listening for connections. It returns once the listener
// is bound; connections are accepted on a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = ln
	log.Printf("Server listening on %s", ln.Addr())

	if s.config.Server.MetricsPort > 0 {
		s.startMetricsServer()
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the listener address. Useful when the configured port is
// 0 and the kernel picked one.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.metricsSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Server.MetricsPort),
		Handler: mux,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("Metrics listening on %s", s.metricsSrv.Addr)
		if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("Metrics server failed: %v", err)
		}
	}()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("Accept error: %v", err)
			continue
		}
		s.trackConn(conn)
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) trackConn(conn net.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

// handleConnection runs one connection from greeting to disconnect.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrackConn(conn)
	defer conn.Close()

	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	c := &clientConn{
		server: s,
		conn:   NewSafeConn(conn),
		remote: conn.RemoteAddr().String(),
	}
	debugLog.Printf("New connection from %s", c.remote)

	if err := c.send(protocol.OK("Welcome. Use: REGISTER <user> <pass>  or  LOGIN <user> <pass>")); err != nil {
		return
	}

	s.readLoop(c, conn)
	s.disconnect(c)
}

// readLoop reads lines until the connection closes. Empty lines are
// skipped silently; overlong lines are rejected without dropping the
// connection.
func (s *Server) readLoop(c *clientConn, conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		raw, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				debugLog.Printf("Client %s disconnected", c.remote)
			} else {
				debugLog.Printf("Read error from %s: %v", c.remote, err)
			}
			return
		}

		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if len(line) > s.config.Limits.MaxLineLength {
			if err := c.sendErr("line too long"); err != nil {
				return
			}
			continue
		}

		if err := c.handleLine(line); err != nil {
			if !errors.Is(err, ErrClientQuit) {
				debugLog.Printf("Write error to %s: %v", c.remote, err)
			}
			return
		}
	}
}

// disconnect tears down whatever session state the connection built up.
// Any in-flight upload is discarded; an authenticated session is
// unregistered and its departure announced.
func (s *Server) disconnect(c *clientConn) {
	c.upload = nil
	if c.sess == nil {
		return
	}
	if s.sessions.Unregister(c.sess) {
		log.Printf("Disconnected: %s", c.sess.Username)
		s.router.Notice(c.sess.Username + " left the chat")
	}
}

// Shutdown closes the listeners and every open connection. No draining:
// a connection's lifetime is bound to its socket's lifetime.
func (s *Server) Shutdown() {
	close(s.shutdown)
	if s.listener != nil {
		s.listener.Close()
	}
	if s.metricsSrv != nil {
		s.metricsSrv.Close()
	}

	s.connMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	log.Printf("Server stopped after %v", time.Since(s.startTime).Round(time.Second))
}
