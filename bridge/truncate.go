package bridge

import (
	"time"
	"unicode/utf8"
)

// mcpSettings mirrors the /mcp-settings response.
type mcpSettings struct {
	ResponseCharacterLimit int    `json:"responseCharacterLimit"`
	EnableTruncation       bool   `json:"enableTruncation"`
	TruncationMessage      string `json:"truncationMessage"`
}

func defaultMCPSettings() *mcpSettings {
	return &mcpSettings{
		ResponseCharacterLimit: 25000,
		EnableTruncation:       true,
		TruncationMessage:      "\n\n[Response truncated due to size limit]",
	}
}

const settingsCacheTTL = 30 * time.Second

// truncate trims a tool result to the host-configured character limit and
// appends the configured truncation message. Settings are fetched lazily and
// cached; when the host cannot be reached the defaults apply so oversized
// responses never pass through unbounded.
func (b *Bridge) truncate(text string) string {
	s := b.fetchSettings()
	if !s.EnableTruncation || s.ResponseCharacterLimit <= 0 {
		return text
	}
	if len(text) <= s.ResponseCharacterLimit {
		return text
	}
	// Never cut through a multi-byte rune; back up to its first byte.
	cut := s.ResponseCharacterLimit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + s.TruncationMessage
}

func (b *Bridge) fetchSettings() *mcpSettings {
	b.settingsMu.Lock()
	defer b.settingsMu.Unlock()
	if b.cachedSettings != nil && time.Since(b.settingsFetchedAt) < settingsCacheTTL {
		return b.cachedSettings
	}

	var s mcpSettings
	if err := b.client.getJSON("/mcp-settings", &s); err != nil {
		if b.cachedSettings != nil {
			return b.cachedSettings
		}
		return defaultMCPSettings()
	}
	b.cachedSettings = &s
	b.settingsFetchedAt = time.Now()
	return &s
}
