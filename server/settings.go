package server

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// settingsState caches the host-owned settings on the network side so every
// /mcp-settings request does not become a cross-thread storage call. The
// cache is populated by a SettingsLoad action on first access and refreshed
// periodically from the tick.
type settingsState struct {
	loaded   bool
	snapshot Settings
	loadedAt time.Time
}

func (s *Server) execSettingsLoad() {
	st, err := s.host.LoadSettings()
	if err != nil {
		s.log.Error("settings load failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.settings.loaded = true
	s.settings.snapshot = st
	s.settings.loadedAt = time.Now()
	s.mu.Unlock()
}

// maybeReloadSettings runs on the tick and refreshes a stale cache directly;
// no queue round-trip is needed since we are already in the privileged
// context.
func (s *Server) maybeReloadSettings() {
	s.mu.Lock()
	stale := s.settings.loaded && time.Since(s.settings.loadedAt) > s.settingsReloadEvery
	s.mu.Unlock()
	if stale {
		s.execSettingsLoad()
	}
}

// currentSettings returns the cached snapshot, triggering a one-shot bounded
// load on first access.
func (s *Server) currentSettings() Settings {
	s.mu.Lock()
	if s.settings.loaded {
		snap := s.settings.snapshot
		s.mu.Unlock()
		return snap
	}
	s.mu.Unlock()

	s.queue.enqueue(Action{Kind: ActionSettingsLoad})
	deadline := time.Now().Add(s.settingsWaitTimeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if s.settings.loaded {
			snap := s.settings.snapshot
			s.mu.Unlock()
			return snap
		}
		s.mu.Unlock()
		time.Sleep(s.compilePollInterval)
	}
	// Host never answered in time; serve defaults rather than blocking the
	// single-request loop any longer.
	return DefaultSettings()
}

func (s *Server) handleMCPSettings(_ *http.Request) (int, any) {
	snap := s.currentSettings()
	return http.StatusOK, map[string]any{
		"responseCharacterLimit": snap.ResponseCharacterLimit,
		"enableTruncation":       snap.EnableTruncation,
		"truncationMessage":      snap.TruncationMessage,
	}
}
