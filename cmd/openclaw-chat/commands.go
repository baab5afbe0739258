package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/glamour"

	"openclawchat/internal/adapter/discovery"
	"openclawchat/internal/domain"
	"openclawchat/internal/infra/config"
	"openclawchat/internal/security"
	"openclawchat/pkg/clawsdk"
)

// command wires flag parsing, app setup and signal handling around fn.
func command(args []string, fn func(ctx context.Context, a *app, flags cliFlags) error) error {
	flags, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if flags.Help {
		showUsage()
		return nil
	}
	a, err := newApp(flags)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return fn(ctx, a, flags)
}

func runIdentity(args []string) error {
	return command(args, func(_ context.Context, a *app, flags cliFlags) error {
		if a.cfg.Identity.Disabled {
			return fmt.Errorf("%w: identity is disabled in config", domain.ErrInvalidInput)
		}
		var opts []security.IdentityOption
		if a.cfg.Identity.Sealed {
			opts = append(opts, security.WithPassphrase(os.Getenv(config.PassphraseEnv)))
		}
		id, err := security.LoadOrCreateIdentity(a.cfg.Identity.Path, opts...)
		if err != nil {
			return err
		}
		info := map[string]string{
			"deviceId":  id.DeviceID,
			"publicKey": id.PublicKeyBase64URL(),
			"path":      a.cfg.Identity.Path,
		}
		if flags.JSON {
			return printJSON(os.Stdout, info)
		}
		fmt.Printf("Device ID:  %s\nPublic key: %s\nStored at:  %s\n", info["deviceId"], info["publicKey"], info["path"])
		return nil
	})
}

func runConnect(args []string) error {
	return command(args, func(ctx context.Context, a *app, flags cliFlags) error {
		c, err := a.dial(ctx)
		if err != nil {
			return err
		}
		defer c.Close()
		if flags.JSON {
			return printJSON(os.Stdout, c.Hello())
		}
		printHello(os.Stdout, c.Hello(), c.DeviceID())
		return nil
	})
}

func runHistory(args []string) error {
	return command(args, func(ctx context.Context, a *app, flags cliFlags) error {
		c, err := a.dial(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		h, err := c.History(ctx, a.cfg.Chat.SessionKey, a.cfg.Chat.HistoryLimit)
		if err != nil {
			return err
		}
		if flags.JSON {
			return printJSON(os.Stdout, h)
		}
		var render func(string) string
		if flags.Markdown {
			if render, err = markdownRenderer(""); err != nil {
				return err
			}
		}
		printHistory(os.Stdout, h, render)
		return nil
	})
}

func runSend(args []string) error {
	return command(args, func(ctx context.Context, a *app, flags cliFlags) error {
		message, err := readMessage(flags.Args, os.Stdin)
		if err != nil {
			return err
		}
		attachments, err := loadAttachments(flags.Attach)
		if err != nil {
			return err
		}

		c, err := a.dial(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		req := clawsdk.SendRequest{
			SessionKey:  a.cfg.Chat.SessionKey,
			Message:     message,
			Thinking:    a.cfg.Chat.Thinking,
			Attachments: attachments,
			RunTimeout:  a.cfg.Chat.RunTimeout,
		}
		if flags.NoWait {
			res, err := c.Send(ctx, req)
			if err != nil {
				return err
			}
			if flags.JSON {
				return printJSON(os.Stdout, res)
			}
			fmt.Println(res.RunID)
			return nil
		}

		res, events, err := c.SendStream(ctx, req)
		if err != nil {
			return err
		}
		var last clawsdk.ChatEvent
		p := newStreamPrinter(os.Stdout, flags.JSON)
		for ev := range events {
			if err := p.print(ev); err != nil {
				return err
			}
			last = ev
		}
		if ctx.Err() != nil {
			// Interrupted: stop the run on the gateway before exiting.
			abortCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := c.Abort(abortCtx, req.SessionKey, res.RunID); err != nil {
				a.logger.Warn("abort after interrupt failed", "run_id", res.RunID, "error", err)
			}
			return ctx.Err()
		}
		return runOutcome(res.RunID, last, c.Err())
	})
}

// runOutcome turns the last event of a finished stream into the command's
// result. A stream that stopped before a terminal event lost its connection.
func runOutcome(runID string, last clawsdk.ChatEvent, connErr error) error {
	switch {
	case last.State == domain.ChatStateError:
		return fmt.Errorf("run %s failed: %s", runID, last.ErrorMessage)
	case last.State.Terminal():
		return nil
	case connErr != nil:
		return fmt.Errorf("run %s interrupted: %w", runID, connErr)
	default:
		return domain.NewDomainError("send", domain.ErrDisconnected, "run "+runID+" ended without a final event")
	}
}

func runAbort(args []string) error {
	return command(args, func(ctx context.Context, a *app, flags cliFlags) error {
		c, err := a.dial(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		res, err := c.Abort(ctx, a.cfg.Chat.SessionKey, flags.RunID)
		if err != nil {
			return err
		}
		if flags.JSON {
			return printJSON(os.Stdout, res)
		}
		if !res.Aborted {
			fmt.Println("nothing to abort")
			return nil
		}
		fmt.Printf("aborted %s\n", strings.Join(res.RunIDs, ", "))
		return nil
	})
}

func runWatch(args []string) error {
	return command(args, func(ctx context.Context, a *app, flags cliFlags) error {
		opts, err := a.sdkOptions()
		if err != nil {
			return err
		}
		session := a.cfg.Chat.SessionKey
		if flags.Session == "" {
			// Without an explicit --session every session is shown.
			session = ""
		}
		p := newStreamPrinter(os.Stdout, flags.JSON)
		return clawsdk.Watch(ctx, func(ev clawsdk.ChatEvent) {
			if session != "" && ev.SessionKey != session {
				return
			}
			if err := p.print(ev); err != nil {
				a.logger.Warn("print event failed", "error", err)
			}
		}, opts...)
	})
}

func runDiscover(args []string) error {
	return command(args, func(ctx context.Context, a *app, flags cliFlags) error {
		d := newDiscoverer(a)
		eps, err := d.Scan(ctx)
		if err != nil {
			return err
		}
		if flags.JSON {
			return printJSON(os.Stdout, eps)
		}
		if len(eps) == 0 {
			fmt.Println("no gateways found")
			return nil
		}
		printEndpoints(os.Stdout, eps)
		return nil
	})
}

func newDiscoverer(a *app) discovery.Discoverer {
	static := make([]domain.GatewayEndpoint, 0, len(a.cfg.Discovery.Static))
	for _, s := range a.cfg.Discovery.Static {
		static = append(static, domain.GatewayEndpoint{
			Name:        s.Name,
			DisplayName: s.Name,
			Host:        s.Host,
			Port:        s.Port,
			TLS:         s.TLS,
		})
	}
	multi := discovery.Multi{discovery.NewStaticDiscoverer(static...)}
	if a.cfg.Discovery.Enabled {
		multi = append(multi, discovery.Default(a.logger, a.cfg.Discovery.Timeout))
	}
	return multi
}

func runEncrypt(args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	pass := os.Getenv(config.PassphraseEnv)
	if pass == "" {
		return fmt.Errorf("%w: set %s to the passphrase", domain.ErrInvalidInput, config.PassphraseEnv)
	}
	secret, err := readMessage(flags.Args, os.Stdin)
	if err != nil {
		return err
	}
	sealed, err := security.SealString(secret, pass)
	if err != nil {
		return err
	}
	fmt.Println(sealed)
	return nil
}

// readMessage joins args, or reads stdin when the only arg is "-".
func readMessage(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	msg := strings.Join(args, " ")
	if strings.TrimSpace(msg) == "" {
		return "", fmt.Errorf("%w: no message given", domain.ErrInvalidInput)
	}
	return msg, nil
}

// loadAttachments reads each file and guesses its mime type from the
// extension, falling back to content sniffing.
func loadAttachments(paths []string) ([]clawsdk.Attachment, error) {
	out := make([]clawsdk.Attachment, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("attachment: %w", err)
		}
		mt := mime.TypeByExtension(filepath.Ext(p))
		if mt == "" {
			mt = http.DetectContentType(data)
		}
		if i := strings.IndexByte(mt, ';'); i >= 0 {
			mt = strings.TrimSpace(mt[:i])
		}
		out = append(out, clawsdk.NewAttachment(mt, filepath.Base(p), data))
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printHello(w io.Writer, h *clawsdk.Hello, deviceID string) {
	fmt.Fprintf(w, "Connected to gateway %s (protocol %d)\n", h.Server.Version, h.Protocol)
	fmt.Fprintf(w, "  connection: %s\n", h.Server.ConnID)
	if h.Server.Host != "" {
		fmt.Fprintf(w, "  host:       %s\n", h.Server.Host)
	}
	if deviceID != "" {
		fmt.Fprintf(w, "  device:     %s\n", deviceID)
	}
	fmt.Fprintf(w, "  methods:    %d\n", len(h.Features.Methods))
	fmt.Fprintf(w, "  events:     %s\n", strings.Join(h.Features.Events, ", "))
	if h.Policy.MaxPayload > 0 {
		fmt.Fprintf(w, "  max frame:  %d bytes\n", h.Policy.MaxPayload)
	}
}

// printHistory writes one line per message. With render set, each message
// body is rendered on the lines below its role instead.
func printHistory(w io.Writer, h *clawsdk.ChatHistory, render func(string) string) {
	if len(h.Messages) == 0 {
		fmt.Fprintf(w, "session %s has no messages\n", h.SessionKey)
		return
	}
	for _, m := range h.Messages {
		prefix := m.Role
		if m.Timestamp > 0 {
			prefix = time.UnixMilli(m.Timestamp).Format("2006-01-02 15:04") + " " + prefix
		}
		if render == nil {
			fmt.Fprintf(w, "%s: %s\n", prefix, m.Text())
			continue
		}
		fmt.Fprintf(w, "%s:\n%s\n", prefix, strings.TrimRight(render(m.Text()), "\n"))
	}
}

const markdownWidth = 100

// markdownRenderer returns a terminal markdown renderer. An empty style picks
// one from the terminal background. Text that fails to render is returned as is.
func markdownRenderer(style string) (func(string) string, error) {
	styleOpt := glamour.WithAutoStyle()
	if style != "" {
		styleOpt = glamour.WithStandardStyle(style)
	}
	r, err := glamour.NewTermRenderer(styleOpt, glamour.WithWordWrap(markdownWidth))
	if err != nil {
		return nil, fmt.Errorf("markdown renderer: %w", err)
	}
	return func(text string) string {
		out, err := r.Render(text)
		if err != nil {
			return text
		}
		return out
	}, nil
}

func printEndpoints(w io.Writer, eps []domain.GatewayEndpoint) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tURL\tDISPLAY NAME")
	for _, ep := range eps {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", ep.Name, ep.URL(), ep.DisplayName)
	}
	tw.Flush()
}

// streamPrinter renders chat events. Delta events carry the text produced
// so far, so only the new suffix is written.
type streamPrinter struct {
	w       io.Writer
	json    bool
	printed map[string]string
}

func newStreamPrinter(w io.Writer, asJSON bool) *streamPrinter {
	return &streamPrinter{w: w, json: asJSON, printed: make(map[string]string)}
}

func (p *streamPrinter) print(ev clawsdk.ChatEvent) error {
	if p.json {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(p.w, "%s\n", b)
		return err
	}

	prev := p.printed[ev.RunID]
	text := ev.Text()
	var err error
	switch {
	case text == "" || text == prev:
	case strings.HasPrefix(text, prev):
		_, err = io.WriteString(p.w, text[len(prev):])
	default:
		// The text was rewritten; start a fresh line.
		if prev != "" {
			_, err = io.WriteString(p.w, "\n")
		}
		if err == nil {
			_, err = io.WriteString(p.w, text)
		}
	}
	if err != nil {
		return err
	}
	if text != "" {
		p.printed[ev.RunID] = text
	}

	if !ev.State.Terminal() {
		return nil
	}
	delete(p.printed, ev.RunID)
	switch ev.State {
	case domain.ChatStateAborted:
		_, err = io.WriteString(p.w, "\n[aborted]\n")
	case domain.ChatStateError:
		_, err = fmt.Fprintf(p.w, "\n[error] %s\n", ev.ErrorMessage)
	default:
		_, err = io.WriteString(p.w, "\n")
	}
	return err
}
