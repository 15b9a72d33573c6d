package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/grovetools/collab/cli"
	"github.com/grovetools/collab/config"
	"github.com/grovetools/collab/errors"
	"github.com/grovetools/collab/pkg/awareness"
	"github.com/grovetools/collab/pkg/channel"
	"github.com/grovetools/collab/pkg/editor"
	"github.com/grovetools/collab/pkg/session"
	"github.com/grovetools/collab/pkg/sessioncontext"
	"github.com/grovetools/collab/pkg/workflow"
	"github.com/grovetools/collab/tui/roomview"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// NewJoinCmd returns the join command.
func NewJoinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join <workflow-id>",
		Short: "Join a workflow room and follow its session",
		Long: `Join the collaboration room of a workflow and print connection, sync and
presence changes as they happen.

Examples:
  collab join 9f2c --name "Ada Lovelace"
  collab join 9f2c --version 3 --once --json
  collab join 9f2c --rename "Nightly sync" --save --once`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			opts, err := joinOptionsFromFlags(cmd, cfg, args[0])
			if err != nil {
				return err
			}
			logger := cli.GetLogger(cmd, "join", cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sock := channel.NewSocket(channel.Options{
				URL:     opts.url,
				Params:  opts.socketParams(),
				Backoff: channel.BackoffFromConfig(cfg.Reconnect),
				Logger:  logger,
			})
			if err := sock.Connect(ctx); err != nil {
				return err
			}
			defer func() {
				sock.Disconnect()
				<-sock.Done()
			}()

			ed := editor.New(editor.Options{
				Presence: awareness.SettingsFromConfig(cfg.Presence),
				Outdated: cfg.Presence.Outdated(),
			})
			defer ed.Close()

			if err := ed.Start(sock, opts.target()); err != nil {
				return err
			}
			if opts.interactive(cmd.OutOrStdout()) {
				return runInteractive(ctx, ed, opts)
			}
			return runJoin(ctx, cmd.OutOrStdout(), ed, opts)
		},
	}

	cmd.Flags().String("url", "", "Websocket endpoint (default from server.url)")
	cmd.Flags().String("token", "", "Join token (default from server.token)")
	cmd.Flags().String("version", "latest", "Lock version to open, or latest")
	cmd.Flags().String("user-id", "", "User id announced without a token (default $USER)")
	cmd.Flags().String("name", "", "Display name shown to collaborators (default $USER)")
	cmd.Flags().String("rename", "", "Set the workflow name once synced")
	cmd.Flags().Bool("save", false, "Save the workflow once synced")
	cmd.Flags().Bool("once", false, "Print the synced state and exit")
	cmd.Flags().Duration("timeout", 15*time.Second, "How long --once waits for the first sync")
	return cmd
}

type joinOptions struct {
	url        string
	token      string
	workflowID string
	version    sessioncontext.VersionRef
	user       awareness.User
	rename     string
	save       bool
	once       bool
	timeout    time.Duration
	json       bool
	refresh    time.Duration
}

func joinOptionsFromFlags(cmd *cobra.Command, cfg *config.Config, workflowID string) (joinOptions, error) {
	flags := cmd.Flags()
	versionFlag, _ := flags.GetString("version")
	ref, err := sessioncontext.ParseVersionRef(versionFlag)
	if err != nil {
		return joinOptions{}, err
	}

	o := joinOptions{
		url:        cfg.Server.URL,
		token:      cfg.Server.Token,
		workflowID: workflowID,
		version:    ref,
		json:       cli.GetOptions(cmd).JSONOutput,
		refresh:    cfg.Presence.Refresh(),
	}
	if v, _ := flags.GetString("url"); v != "" {
		o.url = v
	}
	if v, _ := flags.GetString("token"); v != "" {
		o.token = v
	}
	o.rename, _ = flags.GetString("rename")
	o.save, _ = flags.GetBool("save")
	o.once, _ = flags.GetBool("once")
	o.timeout, _ = flags.GetDuration("timeout")

	fallback := os.Getenv("USER")
	if fallback == "" {
		fallback = "anonymous"
	}
	o.user.ID, _ = flags.GetString("user-id")
	if o.user.ID == "" {
		o.user.ID = fallback
	}
	o.user.Name, _ = flags.GetString("name")
	if o.user.Name == "" {
		o.user.Name = fallback
	}

	if o.rename != "" && !ref.IsLatest() {
		return joinOptions{}, errors.New(errors.ErrCodeInvalidInput, "--rename needs the latest version")
	}
	return o, nil
}

// interactive reports whether join should run the full-screen room view.
// --once, --json and non-terminal output keep the line-oriented output.
func (o joinOptions) interactive(out io.Writer) bool {
	if o.once || o.json {
		return false
	}
	f, ok := out.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func (o joinOptions) socketParams() map[string]string {
	if o.token == "" {
		return nil
	}
	return map[string]string{"token": o.token}
}

func (o joinOptions) target() editor.Target {
	auth := map[string]any{}
	if o.token != "" {
		auth["token"] = o.token
	} else {
		first, last, _ := strings.Cut(o.user.Name, " ")
		auth["user_id"] = o.user.ID
		auth["first_name"] = first
		auth["last_name"] = last
	}
	return editor.Target{
		WorkflowID: o.workflowID,
		Version:    o.version,
		Auth:       auth,
		User:       o.user,
	}
}

// runJoin follows the session until ctx ends, or prints one synced view
// with --once.
func runJoin(ctx context.Context, out io.Writer, ed *editor.Editor, o joinOptions) error {
	refresh := o.refresh
	if refresh <= 0 {
		refresh = time.Second
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if o.once {
		timer := time.NewTimer(o.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	// Session changes wake the loop between ticks.
	wake := make(chan struct{}, 1)
	unsub := ed.Session.Subscribe(func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsub()

	var last string
	acted := false
	for {
		if ed.Ready() && !acted {
			acted = true
			if err := applyActions(ed, o); err != nil {
				return err
			}
			if o.once {
				return printView(out, roomview.Summarize(ed), o.json)
			}
		}
		if !o.once {
			if line := renderView(roomview.Summarize(ed)); line != last {
				last = line
				if o.json {
					if err := printView(out, roomview.Summarize(ed), true); err != nil {
						return err
					}
				} else {
					fmt.Fprintln(out, line)
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			if st := ed.SessionSnapshot().LastStatus; st != nil && st.Err != nil {
				return st.Err
			}
			return fmt.Errorf("timed out after %s waiting for %s to sync", o.timeout, o.workflowID)
		case <-ticker.C:
		case <-wake:
		}
	}
}

// runInteractive shows the room in a bubbletea program until the user leaves
// or ctx ends. Room changes are pushed to the program as they happen.
func runInteractive(ctx context.Context, ed *editor.Editor, o joinOptions) error {
	save := func() error { return saveWorkflow(ed, o.timeout) }
	if !o.version.IsLatest() {
		save = nil
	}
	p := tea.NewProgram(roomview.New(roomview.Summarize(ed), save), tea.WithAltScreen())

	done := make(chan struct{})
	defer close(done)
	go followRoom(ctx, done, p, ed, o)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("failed to run room view: %w", err)
	}
	return nil
}

func followRoom(ctx context.Context, done <-chan struct{}, p *tea.Program, ed *editor.Editor, o joinOptions) {
	refresh := o.refresh
	if refresh <= 0 {
		refresh = time.Second
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	wake := make(chan struct{}, 1)
	unsub := ed.Session.Subscribe(func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsub()

	acted := false
	for {
		if ed.Ready() && !acted {
			acted = true
			if o.rename != "" || o.save {
				if err := applyActions(ed, o); err != nil {
					p.Send(roomview.StatusMsg{Err: err})
				} else {
					p.Send(roomview.StatusMsg{Text: "Applied --rename/--save"})
				}
			}
		}
		p.Send(roomview.SummaryMsg(roomview.Summarize(ed)))

		select {
		case <-done:
			return
		case <-ctx.Done():
			p.Quit()
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// applyActions runs --rename and --save against a synced session.
func applyActions(ed *editor.Editor, o joinOptions) error {
	if o.rename != "" {
		if err := ed.Workflow.UpdateWorkflow(map[string]any{"name": o.rename}); err != nil {
			return err
		}
	}
	if !o.save {
		return nil
	}
	return saveWorkflow(ed, o.timeout)
}

// saveWorkflow saves and waits up to timeout for the server's reply.
func saveWorkflow(ed *editor.Editor, timeout time.Duration) error {
	done := make(chan error, 1)
	ed.SaveWorkflow(func(r workflow.SaveResult) { done <- r.Err })
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %s waiting for the save reply", timeout)
	}
}

func printView(out io.Writer, v roomview.Summary, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(out).Encode(v)
	}
	fmt.Fprintln(out, renderView(v))
	return nil
}

func renderView(v roomview.Summary) string {
	t := cli.DefaultTheme
	var b strings.Builder

	phase := string(v.Phase)
	switch {
	case v.Synced:
		phase = t.Success.Render(phase)
	case v.Phase == session.PhaseDisconnected || v.Phase == session.PhaseReconnecting:
		phase = t.Warning.Render(phase)
	default:
		phase = t.Muted.Render(phase)
	}
	fmt.Fprintf(&b, "%s %s", t.Command.Render(v.Topic), phase)

	if v.Workflow != "" {
		fmt.Fprintf(&b, "  %q", v.Workflow)
	}
	if v.LockVersion != nil {
		fmt.Fprintf(&b, " v%d", *v.LockVersion)
	}
	fmt.Fprintf(&b, "  %d job(s)", v.Jobs)
	if v.ReadOnly {
		b.WriteString("  " + t.Warning.Render("read-only"))
	}
	if len(v.Errors) > 0 {
		b.WriteString("  " + t.Error.Render("errors: "+strings.Join(v.Errors, ", ")))
	}

	if len(v.Present) > 0 {
		names := make([]string, 0, len(v.Present))
		for _, p := range v.Present {
			if p.Active {
				names = append(names, t.Success.Render(p.Initials)+" "+p.Name)
			} else {
				names = append(names, t.Muted.Render(p.Initials+" "+p.Name))
			}
		}
		b.WriteString("  | " + strings.Join(names, ", "))
	}
	return b.String()
}
