// yamu-sim runs the Yamu server against a simulated host: a fake compiler,
// test runner and asset indexer driven by a tick loop. It exists for bridge
// development and integration testing without an editor install.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/polyblank66/Yamu/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	portFlag := flag.Int("port", 17932, "Loopback port to serve on")
	tickFlag := flag.Duration("tick", 50*time.Millisecond, "Simulated host tick interval")
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := zap.NewProductionConfig()
	if *debugFlag {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %+v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	host := &simHost{port: *portFlag}
	srv := server.New(host, *portFlag, logger)
	host.server = srv

	if err := srv.Start(); err != nil {
		logger.Fatal("start failed", zap.Error(err))
	}
	logger.Info("simulated host running", zap.String("addr", srv.Addr()))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(*tickFlag)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			host.step()
			srv.Tick()
		case <-stop:
			srv.Stop()
			return
		}
	}
}

// simHost fakes the editor: compiles take a few ticks, test runs produce a
// small randomized suite, refreshes settle after a short delay. All state is
// mutated from the tick loop, matching the threading contract of a real host.
type simHost struct {
	server *server.Server
	port   int

	mu           sync.Mutex
	compileLeft  int
	refreshLeft  int
	testLeft     int
	testRunID    string
	testFilter   server.TestFilter
	reloadOption bool
	playing      bool
}

func (h *simHost) StartCompile() error {
	h.mu.Lock()
	h.compileLeft = 5
	h.mu.Unlock()
	return nil
}

func (h *simHost) RequestRefresh(force bool) error {
	h.mu.Lock()
	h.refreshLeft = 10
	if force {
		h.refreshLeft = 20
	}
	h.mu.Unlock()
	return nil
}

func (h *simHost) IsRefreshing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refreshLeft > 0
}

func (h *simHost) ExecuteTests(mode server.TestMode, filter server.TestFilter) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.testRunID = uuid.NewString()
	h.testFilter = filter
	h.testLeft = 8
	return h.testRunID, nil
}

func (h *simHost) CancelTests(runID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if runID != h.testRunID || h.testLeft == 0 {
		return false
	}
	h.testLeft = 1
	return true
}

func (h *simHost) IsPlaying() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.playing
}

func (h *simHost) ReloadSuppressed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reloadOption
}

func (h *simHost) SetReloadSuppressed(on bool) {
	h.mu.Lock()
	h.reloadOption = on
	h.mu.Unlock()
}

func (h *simHost) LoadSettings() (server.Settings, error) {
	s := server.DefaultSettings()
	s.Port = h.port
	return s, nil
}

// step advances the simulated compile/test/refresh jobs by one tick and
// fires the server callbacks at the transitions a real host would.
func (h *simHost) step() {
	h.mu.Lock()

	var (
		compileStarted  bool
		compileFinished bool
		testsFinished   bool
	)
	if h.compileLeft > 0 {
		if h.compileLeft == 5 {
			compileStarted = true
		}
		h.compileLeft--
		if h.compileLeft == 0 {
			compileFinished = true
		}
	}
	if h.refreshLeft > 0 {
		h.refreshLeft--
	}
	if h.testLeft > 0 {
		h.testLeft--
		if h.testLeft == 0 {
			testsFinished = true
		}
	}
	h.mu.Unlock()

	if compileStarted {
		h.server.OnCompileStarted()
	}
	if compileFinished {
		h.server.OnCompileFinished(nil)
	}
	if testsFinished {
		h.server.OnTestRunFinished(h.fakeResults())
	}
}

func (h *simHost) fakeResults() *server.ResultNode {
	suite := &server.ResultNode{Name: "SimSuite"}
	n := 3 + rand.Intn(5)
	for i := 0; i < n; i++ {
		outcome := server.OutcomePassed
		if rand.Intn(10) == 0 {
			outcome = server.OutcomeFailed
		}
		suite.Children = append(suite.Children, &server.ResultNode{
			Name:     fmt.Sprintf("SimSuite.Test%02d", i),
			Outcome:  outcome,
			Message:  "",
			Duration: time.Duration(rand.Intn(50)) * time.Millisecond,
		})
	}
	return &server.ResultNode{Name: "SimAssembly", Children: []*server.ResultNode{suite}}
}
