package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"openclawchat/internal/domain"
	"openclawchat/internal/infra/config"
	"openclawchat/internal/security"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

const doctorTimeout = 5 * time.Second

// runDoctor executes all health checks and reports results.
func runDoctor(args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	cfgPath := configPath(flags)

	// Try to load config; some checks work without it.
	cfg, cfgErr := config.Load(cfgPath)
	if cfg != nil {
		applyFlags(cfg, flags)
	}

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Credentials", Fn: checkCredentials},
		{Name: "Device identity", Fn: checkIdentity},
		{Name: "Gateway reachable", Fn: checkGatewayReachable},
		{Name: "Gateway handshake", Fn: checkGatewayHandshake},
	}

	fmt.Println("openclaw-chat doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	pass, warn, fail := runChecks(os.Stdout, cfg, checks)

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above before chatting.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\nopenclaw-chat should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! The gateway is ready to chat.")
	}
	return nil
}

func runChecks(w io.Writer, cfg *config.Config, checks []Check) (pass, warn, fail int) {
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}
	return pass, warn, fail
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

func notLoaded() CheckResult {
	return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
}

// checkConfigFile returns a check that verifies the config file parses and
// validates. A missing file only warns since defaults and env vars suffice.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     fmt.Sprintf("Check %s syntax and file permissions (0600 or 0644)", cfgPath),
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults and OPENCLAW_* variables", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkCredentials verifies some way of authenticating is configured.
func checkCredentials(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	var methods []string
	if cfg.Gateway.Token != "" {
		methods = append(methods, "token")
	}
	if cfg.Gateway.Password != "" {
		methods = append(methods, "password")
	}
	if !cfg.Identity.Disabled {
		methods = append(methods, "device identity")
	}
	if len(methods) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no token, password or device identity configured",
			Fix:     "Set OPENCLAW_GATEWAY_TOKEN or enable identity in config",
		}
	}
	if cfg.Gateway.Token == "" && cfg.Gateway.Password == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "device identity only; the gateway must already trust this device",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: "authenticating with " + strings.Join(methods, " + "),
	}
}

// checkIdentity loads the identity record without creating one.
func checkIdentity(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	if cfg.Identity.Disabled {
		return CheckResult{Status: StatusPass, Message: "disabled"}
	}
	if _, err := os.Stat(cfg.Identity.Path); errors.Is(err, os.ErrNotExist) {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("no identity at %s yet", cfg.Identity.Path),
			Fix:     "Run 'openclaw-chat identity' to create one",
		}
	}
	var opts []security.IdentityOption
	if cfg.Identity.Sealed {
		opts = append(opts, security.WithPassphrase(os.Getenv(config.PassphraseEnv)))
	}
	id, err := security.LoadOrCreateIdentity(cfg.Identity.Path, opts...)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     "Check " + config.PassphraseEnv + " or move the broken record aside",
		}
	}
	return CheckResult{Status: StatusPass, Message: "device " + id.DeviceID}
}

// checkGatewayReachable opens a plain TCP connection to the gateway.
func checkGatewayReachable(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	u, err := url.Parse(cfg.Gateway.URL)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	addr := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "wss" {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}

	ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", addr, err),
			Fix:     "Start the gateway or set --url / OPENCLAW_GATEWAY_URL",
		}
	}
	conn.Close()
	return CheckResult{Status: StatusPass, Message: addr + " is accepting connections"}
}

// checkGatewayHandshake performs a full connect and inspects the hello.
func checkGatewayHandshake(cfg *config.Config) CheckResult {
	if cfg == nil {
		return notLoaded()
	}
	a := &app{cfg: cfg, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
	defer cancel()

	c, err := a.dial(ctx)
	if err != nil {
		var se *domain.ServerError
		if errors.As(err, &se) {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("gateway rejected the client: %s", se.Message),
				Fix:     "Check the token or password, or approve this device on the gateway",
			}
		}
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	defer c.Close()

	hello := c.Hello()
	var missing []string
	for _, m := range []string{domain.MethodChatHistory, domain.MethodChatSend, domain.MethodChatAbort} {
		if !hello.Features.HasMethod(m) {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("connected, but the gateway does not offer %s", strings.Join(missing, ", ")),
			Fix:     "Request the operator.read and operator.write scopes",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("connected to %s (protocol %d)", hello.Server.Version, hello.Protocol),
	}
}
