package tunnel

import (
	"regexp"
	"time"

	"github.com/loykin/localmind/internal/logger"
)

// Defaults for the cloudflared client.
const (
	DefaultRetryDelay       = 5 * time.Second
	DefaultDrainTimeout     = 3 * time.Second
	DefaultLocalURL         = "http://localhost:5678"
	DefaultConnectedMarker  = "Registered tunnel connection"
	DefaultTokenPlaceholder = "Configured in Cloudflare Dashboard"
)

// DefaultURLPattern matches quick-tunnel addresses assigned by trycloudflare.com.
var DefaultURLPattern = regexp.MustCompile(`https://[a-zA-Z0-9-]+\.trycloudflare\.com`)

// Config drives the supervisor. Zero fields take the defaults above.
type Config struct {
	Executable string
	Env        []string
	WorkDir    string
	LocalURL   string // target for quick tunnels
	Log        logger.FileConfig

	// Argument templates. "{url}" and "{token}" are substituted.
	QuickArgs []string
	TokenArgs []string

	RetryDelay       time.Duration
	DrainTimeout     time.Duration // wait for a stopped run to exit before respawning
	URLPattern       *regexp.Regexp
	ConnectedMarker  string
	TokenPlaceholder string
}

func (c Config) withDefaults() Config {
	if c.LocalURL == "" {
		c.LocalURL = DefaultLocalURL
	}
	if len(c.QuickArgs) == 0 {
		c.QuickArgs = []string{"tunnel", "--url", "{url}"}
	}
	if len(c.TokenArgs) == 0 {
		c.TokenArgs = []string{"tunnel", "run", "--token", "{token}"}
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.URLPattern == nil {
		c.URLPattern = DefaultURLPattern
	}
	if c.ConnectedMarker == "" {
		c.ConnectedMarker = DefaultConnectedMarker
	}
	if c.TokenPlaceholder == "" {
		c.TokenPlaceholder = DefaultTokenPlaceholder
	}
	return c
}

func (c Config) args(token string) []string {
	tmpl := c.QuickArgs
	if token != "" {
		tmpl = c.TokenArgs
	}
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		switch a {
		case "{url}":
			out[i] = c.LocalURL
		case "{token}":
			out[i] = token
		default:
			out[i] = a
		}
	}
	return out
}
