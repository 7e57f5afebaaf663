package tun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"gogoc-tsp/internal/config"
	"gogoc-tsp/internal/tsp"
)

var (
	ErrTemplateNotFound = errors.New("tun: template script not found")
	ErrScriptFailed     = errors.New("tun: template script failed")
)

// Operation is exported to the script as TSP_OPERATION.
type Operation string

const (
	OpCreate   Operation = "TSP_TUNNEL_CREATION"
	OpTeardown Operation = "TSP_TUNNEL_TEARDOWN"
)

// Interfaces names the tunnel interface used for each tunnel type.
type Interfaces struct {
	V6V4    string
	V6UDPV4 string
	V4V6    string
}

func (i Interfaces) For(tunnelType string) string {
	switch tunnelType {
	case tsp.ModeV6V4.String():
		return i.V6V4
	case tsp.ModeV6UDPV4.String():
		return i.V6UDPV4
	case tsp.ModeV4V6.String():
		return i.V4V6
	}
	return ""
}

// ScriptConfigurator configures the tunnel by running
// <Dir>/<Template>.<ext> with the tunnel parameters in TSP_* variables.
type ScriptConfigurator struct {
	Dir           string
	Template      string
	HomeDir       string
	HostType      string
	Interfaces    Interfaces
	HomeInterface string
	Verbose       int
	Timeout       time.Duration
}

func NewScriptConfigurator(cfg *config.Config) *ScriptConfigurator {
	return &ScriptConfigurator{
		Dir:      cfg.Path(cfg.TemplateDir),
		Template: cfg.Template,
		HomeDir:  cfg.HomeDir,
		HostType: cfg.HostType,
		Interfaces: Interfaces{
			V6V4:    cfg.IfTunnelV6V4,
			V6UDPV4: cfg.IfTunnelV6UDPV4,
			V4V6:    cfg.IfTunnelV4V6,
		},
		HomeInterface: cfg.IfPrefix,
		Verbose:       cfg.LogLevel,
		Timeout:       config.ScriptTimeout,
	}
}

// Setup brings the tunnel up. device overrides the configured interface
// name when the device was created by this process.
func (s *ScriptConfigurator) Setup(ctx context.Context, t *tsp.Tunnel, device string) error {
	return s.run(ctx, OpCreate, t, device)
}

// Teardown runs the same script with TSP_OPERATION set to teardown.
func (s *ScriptConfigurator) Teardown(ctx context.Context, t *tsp.Tunnel, device string) error {
	return s.run(ctx, OpTeardown, t, device)
}

// Script returns the template path after checking that it exists.
func (s *ScriptConfigurator) Script() (string, error) {
	path := filepath.Join(s.Dir, s.Template+"."+scriptExtension())
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, path)
	}
	return path, nil
}

func (s *ScriptConfigurator) run(ctx context.Context, op Operation, t *tsp.Tunnel, device string) error {
	script, err := s.Script()
	if err != nil {
		return err
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = config.ScriptTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name, args := interpreter(script)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), s.Environment(op, t, device)...)

	out := log.WithField("script", script).WriterLevel(log.DebugLevel)
	defer out.Close()
	cmd.Stdout = out
	cmd.Stderr = out

	logger := log.WithFields(log.Fields{"script": script, "operation": op})
	logger.Info("running template script")
	if err := cmd.Run(); err != nil {
		logger.WithError(err).Error("template script failed")
		return fmt.Errorf("%w: %v", ErrScriptFailed, err)
	}
	logger.Debug("template script done")
	return nil
}

// Environment returns the TSP_* variables for one script run.
func (s *ScriptConfigurator) Environment(op Operation, t *tsp.Tunnel, device string) []string {
	if device == "" {
		device = s.Interfaces.For(t.Type)
	}
	v6 := t.Type == tsp.ModeV6V4.String() || t.Type == tsp.ModeV6UDPV4.String()
	tunnelPrefixLen := "32"
	if v6 {
		tunnelPrefixLen = "128"
	}

	env := []string{
		"TSP_OPERATION=" + string(op),
		"TSP_VERBOSE=" + strconv.Itoa(s.Verbose),
		"TSP_HOME_DIR=" + s.HomeDir,
		"TSP_TUNNEL_MODE=" + t.Type,
		"TSP_HOST_TYPE=" + s.HostType,
		"TSP_TUNNEL_INTERFACE=" + device,
		"TSP_HOME_INTERFACE=" + s.HomeInterface,
		"TSP_CLIENT_ADDRESS_IPV4=" + t.ClientAddressIPv4,
		"TSP_CLIENT_ADDRESS_IPV6=" + t.ClientAddressIPv6,
		"TSP_CLIENT_DNS_ADDRESS_IPV6=" + t.ClientDNSServerIPv6,
		"TSP_SERVER_ADDRESS_IPV4=" + t.ServerAddressIPv4,
		"TSP_SERVER_ADDRESS_IPV6=" + t.ServerAddressIPv6,
		"TSP_TUNNEL_PREFIXLEN=" + tunnelPrefixLen,
	}
	if t.ClientDNSName != "" {
		env = append(env, "TSP_CLIENT_DNS_NAME="+t.ClientDNSName)
	}
	if t.Prefix != "" {
		env = append(env,
			"TSP_PREFIX="+SignificantPrefix(t.Prefix, t.PrefixLength, v6),
			"TSP_PREFIXLEN="+t.PrefixLength)
	}
	return env
}

// SignificantPrefix trims a fully written IPv6 prefix to the hex groups
// covered by its length, so "2001:0db8:0000:0000:..." with length 48
// becomes "2001:0db8:0000". IPv4 prefixes are returned unchanged.
func SignificantPrefix(prefix, length string, v6 bool) string {
	if !v6 {
		return prefix
	}
	n, _ := strconv.Atoi(length)
	if n <= 0 {
		return ""
	}
	chars := n / 16 * 4
	seps := n/16 - 1
	if n%16 != 0 {
		chars = (n/16 + 1) * 4
		seps = n / 16
	}
	size := chars + seps
	if size > len(prefix) {
		size = len(prefix)
	}
	return prefix[:size]
}

func scriptExtension() string {
	if runtime.GOOS == "windows" {
		return "bat"
	}
	return "sh"
}

func interpreter(script string) (string, []string) {
	if runtime.GOOS == "windows" {
		return "cmd", []string{"/C", script}
	}
	return "/bin/sh", []string{script}
}
