package server

import (
	"net/http"

	"go.uber.org/zap"
)

type refreshState struct {
	inProgress bool
}

// handleRefreshAssets marks the refresh in progress under a single
// check-and-set and enqueues the host request. A second call while one is
// active gets a warning and enqueues nothing.
func (s *Server) handleRefreshAssets(r *http.Request) (int, any) {
	force := r.URL.Query().Get("force") == "true"

	s.mu.Lock()
	if s.refresh.inProgress {
		s.mu.Unlock()
		return http.StatusOK, statusBody("warning",
			"Asset refresh already in progress. Please wait for current refresh to complete")
	}
	s.refresh.inProgress = true
	s.mu.Unlock()

	s.queue.enqueue(Action{Kind: ActionRefresh, Force: force})
	return http.StatusOK, statusBody("ok", "Asset refresh started")
}

// execRefresh runs on the host tick: it kicks off the refresh and installs a
// per-tick monitor that clears the flag once the host stops indexing. A
// failed kick-off resets state immediately; the monitor is never installed
// for a refresh that did not start.
func (s *Server) execRefresh(force bool) {
	if err := s.host.RequestRefresh(force); err != nil {
		s.mu.Lock()
		s.refresh.inProgress = false
		s.mu.Unlock()
		s.log.Error("asset refresh failed", zap.Error(err))
		return
	}

	s.addMonitor(func() bool {
		if s.host.IsRefreshing() {
			return false
		}
		s.mu.Lock()
		s.refresh.inProgress = false
		s.mu.Unlock()
		s.log.Debug("asset refresh finished")
		return true
	})
}

func (s *Server) handleEditorStatus(_ *http.Request) (int, any) {
	s.mu.Lock()
	compiling := s.compile.compiling
	runningTests := s.tests.running
	s.mu.Unlock()

	return http.StatusOK, map[string]any{
		"isCompiling":    compiling,
		"isRunningTests": runningTests,
		"isPlaying":      s.host.IsPlaying(),
	}
}
