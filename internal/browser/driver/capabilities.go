// File: internal/browser/driver/capabilities.go
package driver

import (
	"strings"

	json "github.com/json-iterator/go"
)

// Capabilities describes the browser a new WebDriver session should start or attach to.
// Only Chromium based browsers are supported: the debug channel and the load state
// tracker both depend on the DevTools protocol.
type Capabilities struct {
	// BrowserName is the W3C browserName, "chrome" or "MicrosoftEdge".
	BrowserName string
	Headless    bool
	Args        []string
	Binary      string
	UserDataDir string
	Prefs       map[string]interface{}
	Env         map[string]string
	// DownloadsPath sets download.default_directory and disables the download prompt.
	DownloadsPath string
	ProxyServer   string
	ProxyBypass   string
	// DebuggerAddress attaches to an already running browser (host:port of its DevTools endpoint).
	// Launch options are ignored by the driver when it is set.
	DebuggerAddress string
}

// NewCapabilities returns headless capabilities for browserName ("chrome" when empty).
func NewCapabilities(browserName string) *Capabilities {
	if browserName == "" {
		browserName = "chrome"
	}
	return &Capabilities{
		BrowserName: browserName,
		Headless:    true,
		Prefs:       map[string]interface{}{},
		Env:         map[string]string{},
	}
}

// -- Builder --

func (c *Capabilities) WithArgs(args ...string) *Capabilities {
	c.Args = append(c.Args, args...)
	return c
}

func (c *Capabilities) WithBinary(path string) *Capabilities {
	c.Binary = path
	return c
}

// WithHeadless toggles "--headless=new --disable-gpu".
func (c *Capabilities) WithHeadless(headless bool) *Capabilities {
	c.Headless = headless
	return c
}

// WithPrefs merges browser preferences (e.g. "intl.accept_languages").
func (c *Capabilities) WithPrefs(prefs map[string]interface{}) *Capabilities {
	if c.Prefs == nil {
		c.Prefs = make(map[string]interface{}, len(prefs))
	}
	for k, v := range prefs {
		c.Prefs[k] = v
	}
	return c
}

func (c *Capabilities) WithProxy(server, bypass string) *Capabilities {
	c.ProxyServer = server
	c.ProxyBypass = bypass
	return c
}

func (c *Capabilities) WithUserDataDir(dir string) *Capabilities {
	c.UserDataDir = dir
	return c
}

func (c *Capabilities) WithDownloadsPath(dir string) *Capabilities {
	c.DownloadsPath = dir
	return c
}

// WithDebuggerAddress attaches to a running browser instead of launching one.
func (c *Capabilities) WithDebuggerAddress(addr string) *Capabilities {
	c.DebuggerAddress = addr
	return c
}

// isEdge reports whether the vendor options live under the "ms:" prefix.
func (c *Capabilities) isEdge() bool {
	name := strings.ToLower(c.BrowserName)
	return name == "microsoftedge" || name == "msedge" || name == "edge"
}

// vendorPrefix is the extension command prefix of the driver, used for the debug channel.
func (c *Capabilities) vendorPrefix() string {
	if c.isEdge() {
		return "ms"
	}
	return "goog"
}

func (c *Capabilities) optionsKey() string {
	if c.isEdge() {
		return "ms:edgeOptions"
	}
	return "goog:chromeOptions"
}

// launchArgs assembles the command line, de-duplicated and in a stable order.
func (c *Capabilities) launchArgs() []string {
	args := append([]string(nil), c.Args...)
	if c.Headless {
		args = append(args, "--headless=new", "--disable-gpu")
	}
	if c.UserDataDir != "" {
		args = append(args, "--user-data-dir="+c.UserDataDir)
	}
	if c.ProxyServer != "" {
		args = append(args, "--proxy-server="+c.ProxyServer)
		if c.ProxyBypass != "" {
			args = append(args, "--proxy-bypass-list="+c.ProxyBypass)
		}
	}

	seen := make(map[string]struct{}, len(args))
	out := args[:0]
	for _, a := range args {
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// Payload renders the body of POST /session.
func (c *Capabilities) Payload() map[string]interface{} {
	vendor := map[string]interface{}{}
	if c.DebuggerAddress != "" {
		vendor["debuggerAddress"] = c.DebuggerAddress
	} else {
		vendor["args"] = c.launchArgs()
		if c.Binary != "" {
			vendor["binary"] = c.Binary
		}

		prefs := make(map[string]interface{}, len(c.Prefs)+2)
		for k, v := range c.Prefs {
			prefs[k] = v
		}
		if c.DownloadsPath != "" {
			prefs["download.default_directory"] = c.DownloadsPath
			prefs["download.prompt_for_download"] = false
		}
		if len(prefs) > 0 {
			vendor["prefs"] = prefs
		}
		if len(c.Env) > 0 {
			vendor["env"] = c.Env
		}
	}

	return map[string]interface{}{
		"capabilities": map[string]interface{}{
			"alwaysMatch": map[string]interface{}{
				"browserName":  c.BrowserName,
				c.optionsKey(): vendor,
			},
		},
	}
}

// ToJSON encodes Payload.
func (c *Capabilities) ToJSON() ([]byte, error) {
	return json.Marshal(c.Payload())
}
