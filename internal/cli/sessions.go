package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/pkg/backend"
	"github.com/harun/parley/pkg/chat"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	idStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	countStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

var (
	listQuery    string
	listLimit    int
	listPersona  string
	deleteAll    bool
	exportFormat string
	exportOutput string
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "List, show, delete and export sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := sessionBackend()
		if err != nil {
			return err
		}
		list, err := b.ListSessions(cmd.Context(), backend.Filter{
			PersonaID: listPersona,
			Query:     listQuery,
			Limit:     listLimit,
		})
		if err != nil {
			return err
		}
		printSessions(cmd.OutOrStdout(), list)
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the transcript of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := sessionBackend()
		if err != nil {
			return err
		}
		snap, err := b.LoadSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		st := snap.State(chat.Persona{ID: snap.PersonaID})
		fmt.Fprintf(out, "%s  persona=%s  approval=%s  tokens=%d/%d\n\n",
			headerStyle.Render(st.ID), st.Persona.ID, st.ToolApprovalMode, st.TokenCount, st.MaxTokens)
		newTranscript(out).update(st)
		for _, f := range st.Files {
			fmt.Fprintf(out, "  file %s (%s, %d bytes)\n", f.Name, f.MimeType, f.Size)
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete [id...]",
	Short: "Delete sessions by id, or every session with --all",
	RunE: func(cmd *cobra.Command, args []string) error {
		var target backend.DeleteTarget
		switch {
		case deleteAll && len(args) > 0:
			return fmt.Errorf("pass ids or --all, not both")
		case deleteAll:
			target = backend.DeleteAll()
		case len(args) == 1:
			target = backend.DeleteOne(args[0])
		case len(args) > 1:
			target = backend.DeleteMany(args...)
		default:
			return fmt.Errorf("no sessions selected")
		}

		b, err := sessionBackend()
		if err != nil {
			return err
		}
		ok, err := b.DeleteSession(cmd.Context(), target)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing deleted")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Deleted")
		return nil
	},
}

var sessionsExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export a session as JSON or YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := sessionBackend()
		if err != nil {
			return err
		}
		snap, err := b.LoadSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		data, err := encodeTranscript(snap.State(chat.Persona{ID: snap.PersonaID}), exportFormat)
		if err != nil {
			return err
		}
		if exportOutput == "" {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		if err := os.WriteFile(exportOutput, data, 0600); err != nil {
			return fmt.Errorf("failed to write %s: %w", exportOutput, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %s to %s\n", snap.ID, exportOutput)
		return nil
	},
}

func init() {
	sessionsListCmd.Flags().StringVarP(&listQuery, "query", "q", "", "only sessions whose title or messages contain this text")
	sessionsListCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum number of sessions")
	sessionsListCmd.Flags().StringVar(&listPersona, "persona", "", "only sessions of this persona")
	sessionsDeleteCmd.Flags().BoolVar(&deleteAll, "all", false, "delete every session")
	sessionsExportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "output format (json, yaml)")
	sessionsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "write to a file instead of stdout")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd, sessionsExportCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// newSessionBackend is replaced in tests
var newSessionBackend = func(cfg *config.Config) (backend.Backend, error) {
	client, err := newClient(cfg, log.Logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func sessionBackend() (backend.Backend, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newSessionBackend(cfg)
}

// encodeTranscript renders st in format
func encodeTranscript(st chat.State, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "json":
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case "yaml", "yml":
		return yaml.Marshal(st)
	default:
		return nil, fmt.Errorf("unsupported format %q (use json or yaml)", format)
	}
}

func printSessions(out io.Writer, list []chat.SessionSummary) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No sessions found")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, headerStyle.Render("ID")+"\t"+headerStyle.Render("Persona")+"\t"+headerStyle.Render("Messages")+"\t"+headerStyle.Render("Updated")+"\t"+headerStyle.Render("Title"))
	for _, s := range list {
		title := s.Title
		if title == "" {
			title = "Untitled"
		}
		if len(title) > 50 {
			title = title[:47] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			idStyle.Render(s.ID), s.PersonaID, countStyle.Render(fmt.Sprint(s.MessageCount)), relativeTime(s.Updated), title)
	}
	w.Flush()
}

func relativeTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	diff := time.Since(t)
	switch {
	case diff < 24*time.Hour:
		return t.Format("Today 15:04")
	case diff < 7*24*time.Hour:
		return t.Format("Mon 15:04")
	case diff < 365*24*time.Hour:
		return t.Format("Jan 02 15:04")
	default:
		return t.Format("2006-01-02")
	}
}
