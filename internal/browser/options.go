// File: internal/browser/options.go
package browser

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sparkle/internal/browser/driver"
	"github.com/xkilldash9x/sparkle/internal/browser/loadstate"
	"github.com/xkilldash9x/sparkle/internal/browser/locator"
	"github.com/xkilldash9x/sparkle/internal/browser/retry"
	"github.com/xkilldash9x/sparkle/internal/config"
	"github.com/xkilldash9x/sparkle/internal/network"
)

// defaultConnectInterval spaces session creation attempts while the driver boots.
const defaultConnectInterval = 100 * time.Millisecond

// Timeouts bounds the waits a Browser and its Page perform.
type Timeouts struct {
	Default       time.Duration
	Navigation    time.Duration
	RetryInterval time.Duration
	NetworkIdle   time.Duration
	PollInterval  time.Duration
	Connect       time.Duration
}

// DefaultTimeouts matches the defaults of the timeouts configuration section.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Default:       locator.DefaultTimeout,
		Navigation:    loadstate.DefaultTimeout,
		RetryInterval: retry.DefaultInterval,
		NetworkIdle:   loadstate.DefaultIdleAfter,
		PollInterval:  loadstate.DefaultPollInterval,
		Connect:       30 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	for _, f := range []struct{ v, def *time.Duration }{
		{&t.Default, &d.Default},
		{&t.Navigation, &d.Navigation},
		{&t.RetryInterval, &d.RetryInterval},
		{&t.NetworkIdle, &d.NetworkIdle},
		{&t.PollInterval, &d.PollInterval},
		{&t.Connect, &d.Connect},
	} {
		if *f.v <= 0 {
			*f.v = *f.def
		}
	}
	return t
}

// TrackerOptions controls the DevTools event channel of each page.
type TrackerOptions struct {
	// Enabled attaches the event channel; when false load state waits always poll.
	Enabled           bool
	DiscoveryAttempts int
	DiscoveryBackoff  time.Duration
}

// Options configures Connect.
type Options struct {
	WebDriverURL string
	Capabilities *driver.Capabilities
	HTTPClient   *http.Client
	Logger       *zap.Logger
	SlowMo       time.Duration
	Timeouts     Timeouts
	Tracker      TrackerOptions
	// ConnectInterval spaces session creation attempts while the endpoint refuses connections.
	ConnectInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = network.NewClient(nil)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Capabilities == nil {
		o.Capabilities = driver.NewCapabilities("")
	}
	if o.ConnectInterval <= 0 {
		o.ConnectInterval = defaultConnectInterval
	}
	o.Timeouts = o.Timeouts.withDefaults()
	return o
}

// OptionsFromConfig maps the browser, timeouts, tracker and network sections.
func OptionsFromConfig(cfg *config.Config, logger *zap.Logger) Options {
	b := cfg.Browser
	caps := driver.NewCapabilities(b.BrowserName).
		WithHeadless(b.Headless).
		WithArgs(b.Args...).
		WithBinary(b.Binary).
		WithPrefs(b.Prefs).
		WithUserDataDir(b.UserDataDir).
		WithDownloadsPath(b.DownloadsPath).
		WithDebuggerAddress(b.DebuggerAddress)
	if b.Proxy.Server != "" {
		caps.WithProxy(b.Proxy.Server, b.Proxy.Bypass)
	}

	clientCfg := network.ClientConfigFromSettings(cfg.Network)
	if logger != nil {
		clientCfg.Logger = logger.Named("httpclient")
	}

	t := cfg.Timeouts
	return Options{
		WebDriverURL: b.WebDriverURL,
		Capabilities: caps,
		HTTPClient:   network.NewClient(clientCfg),
		Logger:       logger,
		SlowMo:       b.SlowMo,
		Timeouts: Timeouts{
			Default:       t.Default,
			Navigation:    t.Navigation,
			RetryInterval: t.RetryInterval,
			NetworkIdle:   t.NetworkIdle,
			PollInterval:  t.PollInterval,
			Connect:       t.Connect,
		},
		Tracker: TrackerOptions{
			Enabled:           cfg.Tracker.Enabled,
			DiscoveryAttempts: cfg.Tracker.DiscoveryAttempts,
			DiscoveryBackoff:  cfg.Tracker.DiscoveryBackoff,
		},
	}
}
