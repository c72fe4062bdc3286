package server

import "net/http"

// route maps path to handler. Unmatched paths get a structured 404 so the
// bridge can distinguish "wrong endpoint" from transport failures.
func (s *Server) route(r *http.Request) (int, any) {
	switch r.URL.Path {
	case "/compile-and-wait":
		return s.handleCompileAndWait(r)
	case "/compile-status":
		return s.handleCompileStatus(r)
	case "/run-tests":
		return s.handleRunTests(r)
	case "/test-status":
		return s.handleTestStatus(r)
	case "/refresh-assets":
		return s.handleRefreshAssets(r)
	case "/editor-status":
		return s.handleEditorStatus(r)
	case "/mcp-settings":
		return s.handleMCPSettings(r)
	case "/cancel-tests":
		return s.handleCancelTests(r)
	}
	return http.StatusNotFound, statusBody("error", "Not Found")
}
