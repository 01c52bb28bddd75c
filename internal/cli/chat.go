package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/harun/parley/pkg/backend"
	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/session"
	"github.com/harun/parley/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	chatStream  bool
	chatPersona string
	chatSession string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with an assistant in the terminal",
	Long: `Open an interactive chat against the gateway. Lines starting with @ run
macros locally; lines starting with / are client commands (type /help).
Tool calls that need approval are confirmed on the terminal.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().BoolVar(&chatStream, "stream", false, "stream replies token by token (overrides client.streaming)")
	chatCmd.Flags().StringVar(&chatPersona, "persona", "", "persona id (overrides client.persona)")
	chatCmd.Flags().StringVar(&chatSession, "session", "", "resume an existing session id")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	prefer := cfg.Client.Streaming
	if cmd.Flags().Changed("stream") {
		prefer = chatStream
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()
	zl := log.GetZerolog()

	client, err := newClient(cfg, zl)
	if err != nil {
		return err
	}
	registry, err := newRegistry()
	if err != nil {
		return err
	}

	in := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	pipeline, err := toolexecutor.NewPipeline(registry,
		toolexecutor.WithMaxDepth(cfg.Pipeline.MaxDepth),
		toolexecutor.WithToolTimeout(cfg.Pipeline.ToolTimeout),
		toolexecutor.WithApprovalHandler(toolexecutor.NewCLIApprovalHandler(in, out)),
		toolexecutor.WithApprovalTimeout(cfg.Client.ApprovalTimeout),
		toolexecutor.WithLogger(zl),
	)
	if err != nil {
		return err
	}

	view := newTranscript(out)
	engineCfg := session.Config{
		Backend:  client,
		Streamer: client,
		Registry: registry,
		Persona:  resolvePersona(cfg, chatPersona),
		UserRole: cfg.Client.UserRole,
		Pipeline: pipeline,
		OnChange: view.update,
		Logger:   &zl,
	}
	buffered, err := session.NewBuffered(engineCfg)
	if err != nil {
		return err
	}
	streaming, err := session.NewStreaming(engineCfg)
	if err != nil {
		return err
	}
	sw := session.NewSwitcher(buffered, streaming, prefer)
	defer sw.Close()
	view.typing = func() *chat.Message { return sw.Active().Typing() }

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	r := &repl{in: in, out: out, sw: sw, view: view, logger: zl}
	if chatSession != "" {
		if err := r.load(ctx, chatSession); err != nil {
			return err
		}
	} else {
		view.update(sw.Active().State())
	}
	return r.run(ctx)
}

// repl reads lines and routes them to the active engine
type repl struct {
	in     *bufio.Reader
	out    io.Writer
	sw     *session.Switcher
	view   *transcript
	logger zerolog.Logger
}

func (r *repl) run(ctx context.Context) error {
	fmt.Fprintln(r.out, "Type /help for commands, /quit to leave.")
	for {
		fmt.Fprint(r.out, "> ")
		line, err := r.in.ReadString('\n')
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			return err
		}

		if line = strings.TrimSpace(line); line != "" {
			quit, cmdErr := r.handle(ctx, line)
			if cmdErr != nil {
				fmt.Fprintf(r.out, "error: %v\n", cmdErr)
			}
			if quit {
				return nil
			}
		}
		if eof {
			fmt.Fprintln(r.out)
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// handle executes one input line; quit is true when the user leaves
func (r *repl) handle(ctx context.Context, line string) (quit bool, err error) {
	if !strings.HasPrefix(line, "/") {
		return false, r.send(ctx, line)
	}

	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)
	engine := r.sw.Active()

	switch name {
	case "quit", "exit":
		return true, nil
	case "help":
		r.help()
	case "new":
		r.sw.NewChat()
	case "load":
		if arg == "" {
			return false, fmt.Errorf("usage: /load <session-id>")
		}
		return false, r.load(ctx, arg)
	case "mode":
		if arg == "" {
			fmt.Fprintf(r.out, "Tool approval mode: %s\n", engine.State().ToolApprovalMode)
			return false, nil
		}
		mode, err := chat.ParseApprovalMode(strings.ToUpper(arg))
		if err != nil {
			return false, err
		}
		if err := engine.SetToolApprovalMode(ctx, mode); err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "Tool approval mode: %s\n", engine.State().ToolApprovalMode)
	case "stream":
		switch arg {
		case "on":
			r.sw.SetPreferStreaming(true)
		case "off":
			r.sw.SetPreferStreaming(false)
		case "":
		default:
			return false, fmt.Errorf("usage: /stream [on|off]")
		}
		fmt.Fprintf(r.out, "Streaming preferred: %t (active: %t)\n", r.sw.PreferStreaming(), r.sw.Active().Streaming())
	case "sessions":
		list, err := engine.ListChats(ctx, backend.Filter{Query: arg})
		if err != nil {
			return false, err
		}
		printSessions(r.out, list)
	case "delete":
		if arg == "" {
			return false, fmt.Errorf("usage: /delete <session-id>...")
		}
		if _, err := engine.DeleteChat(ctx, backend.DeleteMany(strings.Fields(arg)...)); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, "Deleted.")
	case "attach":
		if arg == "" {
			return false, fmt.Errorf("usage: /attach <path>")
		}
		return false, r.attach(ctx, arg)
	case "status":
		st := engine.State()
		fmt.Fprintf(r.out, "Session: %s (%s)\n", orNone(st.ID), engine.Status())
		fmt.Fprintf(r.out, "Approval: %s  Streaming: %t\n", st.ToolApprovalMode, engine.Streaming())
		if st.MaxTokens > 0 {
			fmt.Fprintf(r.out, "Tokens: %d/%d (%.0f%%)\n", st.TokenCount, st.MaxTokens, st.TokenPressure*100)
		}
	default:
		return false, fmt.Errorf("unknown command /%s (try /help)", name)
	}
	return false, nil
}

// send hands text to the engine. Failures the engine records in the
// transcript are already on screen, so only the rest are returned.
func (r *repl) send(ctx context.Context, text string) error {
	err := r.sw.Active().SendMessage(ctx, text)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrTerminated), errors.Is(err, session.ErrUnknownMacro):
		return err
	default:
		r.logger.Debug().Err(err).Msg("Send failed")
		return nil
	}
}

func (r *repl) load(ctx context.Context, id string) error {
	r.view.reset()
	return r.sw.LoadChat(ctx, id)
}

func (r *repl) attach(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	name := filepath.Base(path)
	mime := http.DetectContentType(data)

	engine := r.sw.Active()
	if strings.HasPrefix(mime, "audio/") {
		return engine.SendAudio(ctx, backend.Audio{Name: name, MimeType: mime, Data: data})
	}
	return engine.UploadFile(ctx, backend.File{Name: name, MimeType: mime, Data: data})
}

func (r *repl) help() {
	fmt.Fprint(r.out, `Commands:
  /new                 start a new session
  /load <id>           resume a session
  /sessions [query]    list sessions
  /delete <id>...      delete sessions
  /mode [MODE]         show or set tool approval (AUTO, PROMPT, SAFE_AUTO)
  /stream [on|off]     show or set the streaming preference
  /attach <path>       attach a file or voice recording
  /status              show session status
  /quit                leave
Macros: @help lists the macros you can run.
`)
}

func orNone(s string) string {
	if s == "" {
		return "(none yet)"
	}
	return s
}
