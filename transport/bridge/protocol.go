package bridge

// Methods the gateway invokes on a bridge process.
const (
	MethodInitialize  = "initialize"
	MethodSendMessage = "sendMessage"
	MethodLogout      = "logout"
	MethodDestroy     = "destroy"
)

// Notifications a bridge process emits.
const (
	NotifyPaired       = "paired"
	NotifyReady        = "ready"
	NotifyDisconnected = "disconnected"
	NotifyAuthFailed   = "auth_failed"
)

// Environment variables passed to every bridge process.
const (
	EnvSessionID      = "PAIRGATE_SESSION_ID"
	EnvDataDir        = "PAIRGATE_DATA_DIR"
	EnvExecutablePath = "PUPPETEER_EXECUTABLE_PATH"
)

// DefaultBrowserArgs are the headless browser flags used inside containers.
var DefaultBrowserArgs = []string{
	"--no-sandbox",
	"--disable-setuid-sandbox",
	"--disable-dev-shm-usage",
	"--disable-gpu",
	"--no-zygote",
	"--single-process",
}

// DefaultProtocolTimeoutMillis bounds a single browser protocol call.
const DefaultProtocolTimeoutMillis = 120000

// InitializeParams are the params of the initialize request.
type InitializeParams struct {
	// ClientID scopes the bridge's persisted credentials.
	ClientID  string           `json:"clientId"`
	DataPath  string           `json:"dataPath,omitempty"`
	Puppeteer PuppeteerOptions `json:"puppeteer"`
}

// PuppeteerOptions configures the browser the bridge drives.
type PuppeteerOptions struct {
	Headless        bool     `json:"headless"`
	ExecutablePath  string   `json:"executablePath,omitempty"`
	Args            []string `json:"args"`
	ProtocolTimeout int64    `json:"protocolTimeout"`
}

// SendMessageParams are the params of the sendMessage request.
type SendMessageParams struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// SendMessageResult is the result of the sendMessage request.
type SendMessageResult struct {
	ID string `json:"id,omitempty"`
}

// notificationParams covers the params of every bridge notification.
type notificationParams struct {
	QR     string `json:"qr,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type cancelledParams struct {
	RequestID string `json:"requestId"`
}
