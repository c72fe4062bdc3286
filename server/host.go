package server

import "time"

// TestMode selects which test environment the host runs.
type TestMode string

const (
	TestModeEdit TestMode = "EditMode"
	TestModePlay TestMode = "PlayMode"
)

// TestOutcome is the terminal state of a single test.
type TestOutcome string

const (
	OutcomePassed       TestOutcome = "Passed"
	OutcomeFailed       TestOutcome = "Failed"
	OutcomeSkipped      TestOutcome = "Skipped"
	OutcomeInconclusive TestOutcome = "Inconclusive"
)

// TestFilter narrows a test run to a literal pipe-delimited name list, a
// regex group pattern, or both. An empty filter runs everything.
type TestFilter struct {
	Names []string
	Regex string
}

// IsEmpty reports whether the filter matches all tests.
func (f TestFilter) IsEmpty() bool {
	return len(f.Names) == 0 && f.Regex == ""
}

// ResultNode is a node in the result tree handed back by the host test
// runner. Non-leaf nodes group suites and assemblies; only leaves carry
// individual test outcomes.
type ResultNode struct {
	Name     string
	Outcome  TestOutcome
	Message  string
	Duration time.Duration
	Children []*ResultNode
}

// Settings is the host-owned configuration snapshot cached on the network
// side. Truncation fields drive the bridge's response trimming.
type Settings struct {
	ResponseCharacterLimit int    `json:"responseCharacterLimit"`
	EnableTruncation       bool   `json:"enableTruncation"`
	TruncationMessage      string `json:"truncationMessage"`
	DebugLogs              bool   `json:"debugLogs"`
	Port                   int    `json:"port"`
}

// DefaultSettings mirrors what a freshly installed host reports before any
// user configuration exists.
func DefaultSettings() Settings {
	return Settings{
		ResponseCharacterLimit: 25000,
		EnableTruncation:       true,
		TruncationMessage:      "\n\n[Response truncated due to size limit]",
		Port:                   17932,
	}
}

// Host is the external adapter that performs compilation, test execution and
// asset refresh. Mutating operations (StartCompile, RequestRefresh,
// ExecuteTests, SetReloadSuppressed, LoadSettings) are invoked only from the
// host tick. The read-only probes IsRefreshing, IsPlaying and ReloadSuppressed,
// and the advisory CancelTests, may additionally be called from the network
// goroutine and must tolerate that.
//
// The host signals progress back through the server's OnCompileStarted,
// OnCompileFinished, OnTestRunFinished and OnTestRunError callbacks, strictly
// from the host tick.
type Host interface {
	// StartCompile asks the host to schedule a script compilation.
	StartCompile() error

	// RequestRefresh kicks off an asset database refresh. With force set the
	// host reimports assets even when their timestamps look current.
	RequestRefresh(force bool) error

	// IsRefreshing reports whether the asset database is still indexing.
	IsRefreshing() bool

	// ExecuteTests launches a test run and returns the opaque run id assigned
	// by the host test runner. The id is never reused across runs.
	ExecuteTests(mode TestMode, filter TestFilter) (string, error)

	// CancelTests requests cancellation of the run with the given id. The
	// request is advisory; the return value reports whether the host accepted
	// it, not whether the run stopped.
	CancelTests(runID string) bool

	// IsPlaying reports whether the host is in play mode.
	IsPlaying() bool

	// ReloadSuppressed and SetReloadSuppressed expose the host option that
	// keeps in-memory state alive across script reloads. Play-mode test runs
	// force it on for the duration of the run.
	ReloadSuppressed() bool
	SetReloadSuppressed(on bool)

	// LoadSettings reads the host-owned settings store.
	LoadSettings() (Settings, error)
}
