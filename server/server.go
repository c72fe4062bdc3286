// Package server implements the editor-embedded coordination layer: a
// loopback HTTP listener serving trigger/status endpoints, an action queue
// drained once per host tick, and the compile, test and refresh state
// machines. The compiler, test runner and asset indexer themselves live
// behind the Host interface.
//
// Exactly two execution contexts touch a Server: the background accept-loop
// goroutine started by Start, and the cooperative host tick that calls Tick
// and delivers the host callbacks. All shared state is guarded by one narrow
// mutex held only around read/copy/modify, never across a wait.
package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Server owns all cross-thread state. Encapsulating it in one value rather
// than package globals lets tests run isolated instances side by side.
type Server struct {
	host Host
	log  *zap.Logger
	addr string

	queue actionQueue

	mu       sync.Mutex
	compile  compileState
	tests    testState
	refresh  refreshState
	settings settingsState
	monitors []func() bool

	// Wait tuning. Tests shrink these to keep polling loops fast.
	compilePollInterval time.Duration
	compileWaitTimeout  time.Duration
	refreshWaitTimeout  time.Duration
	settingsWaitTimeout time.Duration
	settingsReloadEvery time.Duration

	runMu sync.Mutex
	run   *listenerRun
}

// listenerRun holds the lifecycle of one Start/Stop cycle. A fresh value per
// cycle keeps the stop flag from leaking into a restarted listener.
type listenerRun struct {
	ln       net.Listener
	stopping atomic.Bool
	done     chan struct{}
}

// New creates a Server bound to the given loopback port. Port 0 picks an
// ephemeral port; Addr reports the bound address after Start. A nil logger
// disables logging.
func New(host Host, port int, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		host: host,
		log:  log,
		addr: fmt.Sprintf("127.0.0.1:%d", port),

		compilePollInterval: 50 * time.Millisecond,
		compileWaitTimeout:  5 * time.Second,
		refreshWaitTimeout:  30 * time.Second,
		settingsWaitTimeout: 2 * time.Second,
		settingsReloadEvery: 30 * time.Second,
	}
}

// Start binds the listener and spawns the accept loop. It is idempotent: any
// previous listener and goroutine are fully stopped first, so the hosting
// process can reconstruct the server at arbitrary times without leaking a
// socket or double-binding the port.
func (s *Server) Start() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.stopLocked()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.addr, err)
	}
	run := &listenerRun{ln: ln, done: make(chan struct{})}
	s.run = run
	s.log.Info("listener started", zap.String("addr", ln.Addr().String()))
	go s.acceptLoop(run)
	return nil
}

// Stop signals the accept loop, closes the listener and joins the goroutine
// with a bounded timeout. An unresponsive loop is abandoned rather than
// waited on forever.
func (s *Server) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.stopLocked()
}

func (s *Server) stopLocked() {
	run := s.run
	if run == nil {
		return
	}
	s.run = nil
	run.stopping.Store(true)
	_ = run.ln.Close()
	select {
	case <-run.done:
	case <-time.After(2 * time.Second):
		s.log.Warn("accept loop did not stop in time, abandoning")
	}
}

// Addr returns the bound listener address, or "" when stopped.
func (s *Server) Addr() string {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.run == nil {
		return ""
	}
	return s.run.ln.Addr().String()
}

// acceptLoop accepts and fully processes one request before accepting the
// next. A slow handler therefore delays all subsequent requests; that is the
// intended scope of a single-client loopback control channel, not a bug.
//
// The loop ends only on deliberate shutdown or a closed listener. Any other
// accept error (EMFILE, ECONNABORTED) is transient as far as the control
// channel is concerned and must not take the server down.
func (s *Server) acceptLoop(run *listenerRun) {
	defer close(run.done)
	for {
		conn, err := run.ln.Accept()
		if err != nil {
			if run.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("accept failed", zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}
		s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(90 * time.Second))

	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		// Half-open or garbage connection; nothing sensible to answer.
		return
	}
	code, body := s.route(req)
	s.writeResponse(conn, req, code, body)
}

func (s *Server) writeResponse(conn net.Conn, req *http.Request, code int, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		s.log.Error("response marshal failed", zap.Error(err))
		code = http.StatusInternalServerError
		payload = []byte(`{"status":"error","message":"Internal Server Error"}`)
	}
	resp := &http.Response{
		StatusCode:    code,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Request:       req,
		Header:        make(http.Header),
		Body:          io.NopCloser(bytes.NewReader(payload)),
		ContentLength: int64(len(payload)),
		Close:         true,
	}
	resp.Header.Set("Content-Type", "application/json")
	// Permissive CORS on every response: the server is loopback-only and the
	// bridge may be driven from browser-hosted tooling.
	resp.Header.Set("Access-Control-Allow-Origin", "*")
	resp.Header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	resp.Header.Set("Access-Control-Allow-Headers", "Content-Type")
	if err := resp.Write(conn); err != nil {
		s.log.Debug("response write failed", zap.Error(err))
	}
}

// Tick drains the action queue, runs per-tick monitors and performs the
// periodic settings reload. The host environment must call it once per tick
// from its single-threaded update context; it is the only path through which
// queued host-only operations execute.
func (s *Server) Tick() {
	for _, a := range s.queue.drain() {
		s.execute(a)
	}
	s.runMonitors()
	s.maybeReloadSettings()
}

func (s *Server) execute(a Action) {
	switch a.Kind {
	case ActionCompile:
		s.execCompile()
	case ActionTestStart:
		s.execTestStart(a.Mode, a.Filter)
	case ActionRefresh:
		s.execRefresh(a.Force)
	case ActionSettingsLoad:
		s.execSettingsLoad()
	default:
		s.log.Error("unknown queued action", zap.Int("kind", int(a.Kind)))
	}
}

// addMonitor registers a function sampled once per tick after the queue has
// drained. The monitor returns true to deregister itself.
func (s *Server) addMonitor(f func() bool) {
	s.mu.Lock()
	s.monitors = append(s.monitors, f)
	s.mu.Unlock()
}

func (s *Server) runMonitors() {
	s.mu.Lock()
	pending := s.monitors
	s.monitors = nil
	s.mu.Unlock()

	var alive []func() bool
	for _, f := range pending {
		if !f() {
			alive = append(alive, f)
		}
	}
	if len(alive) > 0 {
		s.mu.Lock()
		s.monitors = append(alive, s.monitors...)
		s.mu.Unlock()
	}
}
