package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"gogoc-tsp/internal/status"
)

// Config is loaded once at startup. Only the reconnect loop writes to it,
// and only Server, between connection attempts.
type Config struct {
	UserID   string
	Password string
	Server   string

	AuthMethod string
	HostType   string
	PrefixLen  int
	DNSServer  string

	RoutingProtocol string
	RoutingInfo     string

	IfTunnelV6V4    string
	IfTunnelV6UDPV4 string
	IfTunnelV4V6    string
	IfPrefix        string

	HomeDir     string
	TemplateDir string
	Template    string

	TunnelMode string
	ClientV4   string
	ClientV6   string

	Keepalive         bool
	KeepaliveInterval int
	Proxy             bool

	RetryDelay       int
	RetryDelayMax    int
	AutoRetryConnect bool
	BootMode         bool

	LastServerFile      string
	AlwaysUseSameServer bool
	BrokerListFile      string

	StateStore string
	RedisAddr  string

	KeyFile     string
	NoQuestions bool

	LogLevel int
	LogFile  string
}

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		AuthMethod:        "any",
		HostType:          "host",
		RoutingProtocol:   "default_route",
		IfTunnelV6V4:      TunNameV6V4,
		IfTunnelV6UDPV4:   TunNameV6UDPV4,
		IfTunnelV4V6:      TunNameV4V6,
		HomeDir:           ".",
		TemplateDir:       "template",
		Template:          DefaultTemplate,
		TunnelMode:        "v6anyv4",
		ClientV4:          "auto",
		ClientV6:          "auto",
		Keepalive:         true,
		KeepaliveInterval: KeepaliveDefaultInterval,
		RetryDelay:        DefaultRetryDelay,
		RetryDelayMax:     DefaultRetryDelayMax,
		AutoRetryConnect:  true,
		LastServerFile:    DefaultLastServerFile,
		BrokerListFile:    DefaultBrokerListFile,
		StateStore:        "file",
		KeyFile:           DefaultKeyFile,
		LogLevel:          1,
	}
}

// Load reads a gogoc.conf style key=value file on top of Default.
func Load(path string) (*Config, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := cfg.Apply(values); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Apply overrides fields from a key/value map. Unknown keys are ignored.
func (c *Config) Apply(values map[string]string) error {
	strs := map[string]*string{
		"userid":            &c.UserID,
		"passwd":            &c.Password,
		"server":            &c.Server,
		"auth_method":       &c.AuthMethod,
		"host_type":         &c.HostType,
		"dns_server":        &c.DNSServer,
		"routing_protocol":  &c.RoutingProtocol,
		"routing_info":      &c.RoutingInfo,
		"if_tunnel_v6v4":    &c.IfTunnelV6V4,
		"if_tunnel_v6udpv4": &c.IfTunnelV6UDPV4,
		"if_tunnel_v4v6":    &c.IfTunnelV4V6,
		"if_prefix":         &c.IfPrefix,
		"gogoc_dir":         &c.HomeDir,
		"template_dir":      &c.TemplateDir,
		"template":          &c.Template,
		"tunnel_mode":       &c.TunnelMode,
		"client_v4":         &c.ClientV4,
		"client_v6":         &c.ClientV6,
		"last_server":       &c.LastServerFile,
		"broker_list":       &c.BrokerListFile,
		"state_store":       &c.StateStore,
		"redis_addr":        &c.RedisAddr,
		"keyfile":           &c.KeyFile,
		"log_file":          &c.LogFile,
	}
	ints := map[string]*int{
		"prefixlen":          &c.PrefixLen,
		"keepalive_interval": &c.KeepaliveInterval,
		"retry_delay":        &c.RetryDelay,
		"retry_delay_max":    &c.RetryDelayMax,
		"log_level":          &c.LogLevel,
	}
	bools := map[string]*bool{
		"keepalive":              &c.Keepalive,
		"proxy_client":           &c.Proxy,
		"auto_retry_connect":     &c.AutoRetryConnect,
		"always_use_same_server": &c.AlwaysUseSameServer,
		"no_questions":           &c.NoQuestions,
		"boot_mode":              &c.BootMode,
	}

	for key, raw := range values {
		key = strings.ToLower(strings.TrimSpace(key))
		raw = strings.TrimSpace(raw)
		if p, ok := strs[key]; ok {
			*p = raw
			continue
		}
		if p, ok := ints[key]; ok {
			if raw == "" {
				continue
			}
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*p = n
			continue
		}
		if p, ok := bools[key]; ok {
			b, err := parseBool(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*p = b
		}
	}
	return nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes", "true", "1", "on":
		return true, nil
	case "no", "false", "0", "off", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

var (
	authMethods = map[string]bool{"any": true, "anonymous": true, "plain": true, "digest-md5": true, "passdss-3des-1": true}
	tunnelModes = map[string]bool{"v6anyv4": true, "v6v4": true, "v6udpv4": true, "v4v6": true}
)

// Validate checks the values the session cannot recover from at runtime.
func (c *Config) Validate() status.Status {
	bad := status.Make(status.CtxCfgValidation, status.InvalidCfgFile)

	c.AuthMethod = strings.ToLower(c.AuthMethod)
	c.TunnelMode = strings.ToLower(c.TunnelMode)
	c.HostType = strings.ToLower(c.HostType)

	switch {
	case c.Server == "":
		return status.Make(status.CtxCfgValidation, status.InvalidServerAddress)
	case !authMethods[c.AuthMethod]:
		return bad
	case !tunnelModes[c.TunnelMode]:
		return bad
	case c.HostType != "host" && c.HostType != "router":
		return bad
	case c.AuthMethod != "anonymous" && c.UserID == "":
		return bad
	case c.RetryDelay < 0 || c.RetryDelayMax < c.RetryDelay:
		return bad
	case c.Keepalive && c.KeepaliveInterval <= 0:
		return bad
	case c.PrefixLen < 0 || c.PrefixLen > 128:
		return bad
	case c.StateStore != "file" && c.StateStore != "redis":
		return bad
	case c.StateStore == "redis" && c.RedisAddr == "":
		return bad
	}
	return status.Make(status.CtxCfgValidation, status.Success)
}

// Path resolves a configured file name against the gogoc directory.
func (c *Config) Path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.HomeDir, name)
}
