package config

// DefaultDir is the per-user directory holding config, history and logs.
const DefaultDir = ".grlctl"

// Common defaults, matching the values the vendor tooling ships with.
const (
	DefaultInitialWait           = 10 // seconds
	DefaultLogMode               = "a"
	DefaultMaxConnectionAttempts = 3
	DefaultConnectionTimeout     = 30 // seconds
	DefaultAPITimeout            = 15 // seconds
	DefaultLogFilename           = "grl_api_debug.log"
	DefaultLogLevel              = "info"
)

// Application defaults.
const (
	DefaultAppKey  = "grl"
	DefaultAppPort = 5001
)

// Run loop defaults.
const (
	DefaultStatusPollMs         = 1000
	DefaultPopupPollMs          = 500
	DefaultTestStartTimeout     = 30 // seconds
	DefaultMaxPollFailures      = 3
	DefaultConnectBackoff       = BackoffFixed
	DefaultConnectIntervalMs    = 2000
	DefaultMaxRequestsPerSecond = 20
)

// Backoff strategies accepted by run.connect_backoff.
const (
	BackoffFixed  = "fixed"
	BackoffLinear = "linear"
)

// Output defaults.
const (
	DefaultChronologicalFile = "popup_messages.json"
	DefaultByTestCaseFile    = "test_case_popup_messages.json"
	DefaultModelsDir         = "JSON_User_input"
	DefaultTestListDir       = "Test_Case_List_From_System"
	DefaultS3Prefix          = "grlctl/"
	DefaultS3Region          = "us-east-1"
)

// DefaultDismissKinds lists the dialog kinds answered automatically.
// Input dialogs are left for the operator.
var DefaultDismissKinds = []string{"info", "warning", "error", "question"}
