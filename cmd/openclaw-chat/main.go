package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"openclawchat/internal/domain"
	"openclawchat/internal/infra/config"
	"openclawchat/internal/infra/logger"
	"openclawchat/internal/infra/tracer"
	"openclawchat/pkg/clawsdk"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "--help", "-h", "help":
		showUsage()
		return
	case "--version", "version":
		fmt.Println("openclaw-chat", version)
		return
	case "identity":
		err = runIdentity(os.Args[2:])
	case "connect":
		err = runConnect(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	case "send":
		err = runSend(os.Args[2:])
	case "abort":
		err = runAbort(os.Args[2:])
	case "watch":
		err = runWatch(os.Args[2:])
	case "discover":
		err = runDiscover(os.Args[2:])
	case "encrypt":
		err = runEncrypt(os.Args[2:])
	case "doctor":
		err = runDoctor(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'openclaw-chat --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(exitCode(err))
	}
}

func showUsage() {
	fmt.Println(`openclaw-chat - chat client for an OpenClaw gateway

USAGE:
    openclaw-chat COMMAND [FLAGS] [ARGS]

COMMANDS:
    identity    Show the device identity, creating it on first use
    connect     Perform the handshake and print the gateway hello
    history     Print a session transcript
    send        Send a message and stream the reply
                Use "-" as the message to read it from stdin
    abort       Abort a running reply (--run ID, or every run)
    watch       Print chat events until interrupted, reconnecting as needed
    discover    List gateways on the local network
    encrypt     Encrypt a secret for use as an "enc:" config value
    doctor      Run health checks on your setup

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./openclaw.yaml)
    --url URL          Gateway URL (default: ws://127.0.0.1:18789)
    --token TOKEN      Gateway token
    --password PASS    Gateway password
    --session KEY      Session key (default: main)
    --limit N          History message limit
    --run ID           Run id for abort
    --timeout DUR      Connect timeout, e.g. 5s
    --attach PATH      Attach a file to send (repeatable)
    --thinking LEVEL   Thinking level for send
    --no-wait          Return after the gateway accepts the send
    --markdown         Render history messages as markdown
    --json             Print machine-readable JSON

CONFIGURATION:
    Config file: ./openclaw.yaml
    Environment: OPENCLAW_* variables override config
    Secrets:     OPENCLAW_CONFIG_KEY decrypts "enc:" values

EXAMPLES:
    openclaw-chat connect --url ws://gateway.local:18789 --token $TOKEN
    openclaw-chat send "summarize today's notes"
    echo "hello" | openclaw-chat send -
    openclaw-chat history --session main --limit 20
    openclaw-chat watch --json`)
}

// cliFlags holds the flags shared by every command.
type cliFlags struct {
	Config   string
	URL      string
	Token    string
	Password string
	Session  string
	Limit    int
	RunID    string
	Timeout  time.Duration
	Attach   []string
	Thinking string
	NoWait   bool
	JSON     bool
	Markdown bool
	Help     bool
	Args     []string
}

// parseFlags accepts both "--flag value" and "--flag=value" forms.
// Anything that is not a flag is collected in Args.
func parseFlags(args []string) (cliFlags, error) {
	var flags cliFlags
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "-" || !strings.HasPrefix(arg, "-") {
			flags.Args = append(flags.Args, arg)
			continue
		}
		if arg == "--" {
			flags.Args = append(flags.Args, args[i+1:]...)
			break
		}

		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		switch name {
		case "json":
			flags.JSON = true
			continue
		case "no-wait":
			flags.NoWait = true
			continue
		case "markdown":
			flags.Markdown = true
			continue
		case "h", "help":
			flags.Help = true
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return flags, fmt.Errorf("flag --%s needs a value", name)
			}
			i++
			value = args[i]
		}

		switch name {
		case "config":
			flags.Config = value
		case "url":
			flags.URL = value
		case "token":
			flags.Token = value
		case "password":
			flags.Password = value
		case "session":
			flags.Session = value
		case "run":
			flags.RunID = value
		case "thinking":
			flags.Thinking = value
		case "attach":
			flags.Attach = append(flags.Attach, value)
		case "limit":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return flags, fmt.Errorf("--limit must be a positive integer")
			}
			flags.Limit = n
		case "timeout":
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return flags, fmt.Errorf("--timeout must be a positive duration")
			}
			flags.Timeout = d
		default:
			return flags, fmt.Errorf("unknown flag: --%s", name)
		}
	}
	return flags, nil
}

func configPath(flags cliFlags) string {
	if flags.Config != "" {
		return flags.Config
	}
	if p := os.Getenv("OPENCLAW_CONFIG"); p != "" {
		return p
	}
	return "openclaw.yaml"
}

// app is the runtime shared by the commands: config, logger and tracing.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
	shutdown func(context.Context) error
}

func newApp(flags cliFlags) (*app, error) {
	cfg, err := config.Load(configPath(flags))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}
	applyFlags(cfg, flags)

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	shutdown, err := tracer.Setup(context.Background(), cfg.Tracer)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	return &app{cfg: cfg, logger: log, closeLog: closeLog, shutdown: shutdown}, nil
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warn("tracer shutdown failed", "error", err)
	}
	a.closeLog()
}

// applyFlags lets command-line flags override the loaded config.
func applyFlags(cfg *config.Config, flags cliFlags) {
	if flags.URL != "" {
		cfg.Gateway.URL = flags.URL
	}
	if flags.Token != "" {
		cfg.Gateway.Token = flags.Token
	}
	if flags.Password != "" {
		cfg.Gateway.Password = flags.Password
	}
	if flags.Session != "" {
		cfg.Chat.SessionKey = flags.Session
	}
	if flags.Limit > 0 {
		cfg.Chat.HistoryLimit = flags.Limit
	}
	if flags.Timeout > 0 {
		cfg.Gateway.ConnectTimeout = flags.Timeout
	}
	if flags.Thinking != "" {
		cfg.Chat.Thinking = flags.Thinking
	}
}

// sdkOptions maps config onto client options.
func (a *app) sdkOptions() ([]clawsdk.Option, error) {
	g := a.cfg.Gateway
	opts := []clawsdk.Option{
		clawsdk.WithURL(g.URL),
		clawsdk.WithToken(g.Token),
		clawsdk.WithPassword(g.Password),
		clawsdk.WithClientInfo(domain.ClientInfo{
			ID:          g.Client.ID,
			DisplayName: g.Client.DisplayName,
			Version:     firstNonEmpty(g.Client.Version, version),
			Platform:    g.Client.Platform,
			Mode:        g.Client.Mode,
			InstanceID:  g.Client.InstanceID,
		}),
		clawsdk.WithRole(g.Role),
		clawsdk.WithScopes(g.Scopes...),
		clawsdk.WithCaps(g.Caps...),
		clawsdk.WithLocale(g.Locale),
		clawsdk.WithUserAgent(firstNonEmpty(g.UserAgent, "openclaw-chat/"+version)),
		clawsdk.WithReadLimit(g.ReadLimit),
		clawsdk.WithLogger(a.logger),
		clawsdk.WithTimeout(g.ConnectTimeout),
		clawsdk.WithRequestTimeout(g.RequestTimeout),
		clawsdk.WithReconnect(clawsdk.ReconnectPolicy{
			MinInterval: a.cfg.Reconnect.MinInterval,
			MaxFailures: a.cfg.Reconnect.MaxFailures,
			OpenTimeout: a.cfg.Reconnect.OpenTimeout,
		}),
	}
	if !a.cfg.Identity.Disabled {
		opts = append(opts, clawsdk.WithIdentityPath(a.cfg.Identity.Path))
		if a.cfg.Identity.Sealed {
			pass := os.Getenv(config.PassphraseEnv)
			if pass == "" {
				return nil, fmt.Errorf("identity.sealed is set but %s is empty", config.PassphraseEnv)
			}
			opts = append(opts, clawsdk.WithPassphrase(pass))
		}
	}
	return opts, nil
}

func (a *app) dial(ctx context.Context) (*clawsdk.Client, error) {
	opts, err := a.sdkOptions()
	if err != nil {
		return nil, err
	}
	return clawsdk.Dial(ctx, opts...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// exitCode maps error categories to distinct process exit codes.
func exitCode(err error) int {
	if errors.Is(err, context.Canceled) {
		return 130
	}
	switch domain.ErrorCodeOf(err) {
	case domain.CodeConfigLoad, domain.CodeInvalidInput:
		return 2
	case domain.CodeTimeout:
		return 3
	case domain.CodeServer:
		return 4
	case domain.CodeDisconnected:
		return 5
	default:
		return 1
	}
}
