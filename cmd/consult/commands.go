package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/mistakr/consulting-client/internal/api"
	"github.com/mistakr/consulting-client/internal/consulting"
	"github.com/mistakr/consulting-client/internal/lockfile"
	"github.com/mistakr/consulting-client/internal/models"
	"github.com/mistakr/consulting-client/internal/sse"
	"github.com/mistakr/consulting-client/internal/store"
)

// app bundles what every command needs.
type app struct {
	sessions *consulting.SessionStore
	out      io.Writer
}

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"analyze": runAnalyze,
	"list":    runList,
	"show":    runShow,
	"toggle":  runToggle,
}

// run wires the clients and the session store, then dispatches args[0].
func run(ctx context.Context, flags Flags, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command: analyze, list, show, or toggle")
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", args[0])
	}
	if flags.apiURL == "" {
		return fmt.Errorf("backend URL not set: use -api-url or $CONSULT_API_URL")
	}

	lock, err := lockfile.AcquireLock(flags.stateDir, args[0])
	if err != nil {
		return err
	}
	defer lock.Release()

	kv, err := store.New(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("open session cache: %w", err)
	}
	defer kv.Close()

	tokens := buildTokenProvider(flags)
	streamClient, err := sse.NewClient(
		sse.WithBaseURL(flags.apiURL),
		sse.WithPrefix(flags.apiPrefix),
		sse.WithTimeout(flags.streamTimeout),
		sse.WithTokenProvider(tokens),
	)
	if err != nil {
		return err
	}
	restClient, err := api.NewClient(
		api.WithBaseURL(flags.apiURL),
		api.WithPrefix(flags.apiPrefix),
		api.WithTokenProvider(tokens),
	)
	if err != nil {
		return err
	}

	a := &app{
		sessions: consulting.NewSessionStore(
			consulting.SSEStreamer{Client: streamClient},
			restClient,
			consulting.WithStore(kv),
			consulting.WithSessionCache(store.NewSessionCache(store.DefaultSessionTTL, store.DefaultCleanupInterval)),
		),
		out: out,
	}
	slog.Debug("consult: dispatching command", "command", args[0])
	return cmd(ctx, a, args[1:])
}

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

func runAnalyze(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("analyze", a.out)
	ideaID := fs.Int64("idea-id", 0, "id of the startup idea to analyze")
	ideaName := fs.String("idea-name", "", "display name of the idea")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ideaID <= 0 {
		return fmt.Errorf("analyze: -idea-id is required")
	}

	states, unsubscribe := a.sessions.Subscribe(16)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		renderProgress(a.out, states)
	}()

	id, err := a.sessions.StartSession(ctx, *ideaID, *ideaName)
	unsubscribe()
	wg.Wait()
	if err != nil {
		return fmt.Errorf("analysis of idea %d failed: %w", *ideaID, err)
	}

	fmt.Fprintln(a.out)
	printSession(a.out, a.sessions.CurrentSession())
	slog.Info("analysis stored", "session_id", id)
	return nil
}

// renderProgress prints phase changes and the streamed text as it grows.
func renderProgress(w io.Writer, states <-chan models.StreamingState) {
	var phase models.StreamingPhase
	progress := -1
	printed := 0
	for st := range states {
		if st.Phase == models.PhaseIdle {
			continue
		}
		if st.Phase != phase || st.Progress != progress {
			if printed > 0 {
				fmt.Fprintln(w)
				printed = 0
			}
			fmt.Fprintf(w, "[%s] %d%%\n", st.Phase, st.Progress)
			phase, progress = st.Phase, st.Progress
		}
		if len(st.CurrentText) < printed {
			printed = 0
		}
		if len(st.CurrentText) > printed {
			fmt.Fprint(w, st.CurrentText[printed:])
			printed = len(st.CurrentText)
		}
		if st.Phase == models.PhaseFailed {
			fmt.Fprintf(w, "error: %s\n", st.Error)
		}
	}
}

func runList(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("list", a.out)
	cached := fs.Bool("cached", false, "print the locally cached list without contacting the backend")
	if err := fs.Parse(args); err != nil {
		return err
	}

	items := a.sessions.Sessions()
	if !*cached {
		fresh, err := a.sessions.FetchSessions(ctx)
		switch {
		case err == nil:
			items = fresh
		case len(items) > 0:
			slog.Warn("could not refresh sessions, showing cached list", "error", err)
		default:
			return err
		}
	}

	if len(items) == 0 {
		fmt.Fprintln(a.out, "no sessions")
		return nil
	}
	for _, it := range items {
		risk := "-"
		if it.RiskOverall != nil {
			risk = fmt.Sprintf("%d", *it.RiskOverall)
		}
		fmt.Fprintf(a.out, "%-12s %-24s %-10s risk %-3s checklist %d/%d %s\n",
			it.ID, it.IdeaName, it.Status, risk, it.ChecklistCompleted, it.ChecklistTotal, it.CreatedAt)
	}
	return nil
}

func runShow(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("show", a.out)
	sessionID := fs.String("session", "", "session id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" {
		return fmt.Errorf("show: -session is required")
	}
	session, err := a.sessions.FetchSession(ctx, *sessionID)
	if err != nil {
		return err
	}
	printSession(a.out, session)
	return nil
}

func runToggle(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("toggle", a.out)
	sessionID := fs.String("session", "", "session id")
	itemID := fs.String("item", "", "checklist item id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" || *itemID == "" {
		return fmt.Errorf("toggle: -session and -item are required")
	}
	if _, err := a.sessions.FetchSession(ctx, *sessionID); err != nil {
		return err
	}

	if err := <-a.sessions.ToggleChecklistItem(ctx, *sessionID, *itemID); err != nil {
		if errors.Is(err, models.ErrChecklistItemNotFound) {
			return err
		}
		return fmt.Errorf("checklist change was not saved: %w", err)
	}

	session := a.sessions.CurrentSession()
	item := session.Checklist[session.FindChecklistItem(*itemID)]
	fmt.Fprintf(a.out, "%s %s\n", checkbox(item.IsCompleted), item.Action)
	return nil
}

func checkbox(done bool) string {
	if done {
		return "[x]"
	}
	return "[ ]"
}

// printSession renders a session report.
func printSession(w io.Writer, s *models.ConsultingSession) {
	if s == nil {
		return
	}
	title := s.StartupIdeaName
	if title == "" {
		title = "idea " + s.StartupIdeaID
	}
	fmt.Fprintf(w, "Session %s: %s (%s)\n", s.ID, title, s.Status)

	r := s.RiskScore
	fmt.Fprintf(w, "Risk %d/100  pmf %d  financial %d  team %d  market %d  timing %d  competition %d  execution %d\n",
		r.Overall, r.PMFRisk, r.FinancialRisk, r.TeamRisk, r.MarketRisk, r.TimingRisk, r.CompetitionRisk, r.ExecutionRisk)

	if s.ExecutiveSummary != "" {
		fmt.Fprintf(w, "\n%s\n", s.ExecutiveSummary)
	}
	printList(w, "Threats", s.TopThreats)
	printList(w, "Opportunities", s.TopOpportunities)

	if len(s.MatchedCases) > 0 {
		fmt.Fprintln(w, "\nSimilar cases:")
		for _, c := range s.MatchedCases {
			fmt.Fprintf(w, "  %s (%s, %.0f%% similar)\n", c.CompanyName, c.Industry, c.SimilarityScore*100)
			for _, l := range c.KeyLessons {
				fmt.Fprintf(w, "    - %s\n", l)
			}
		}
	}

	if len(s.TimelinePredictions) > 0 {
		fmt.Fprintln(w, "\nTimeline:")
		for _, t := range s.TimelinePredictions {
			fmt.Fprintf(w, "  month %-3d %-8s %s\n", t.PredictedMonth, t.RiskLevel, t.Milestone)
		}
	}

	if len(s.Checklist) > 0 {
		done, total := s.ChecklistProgress()
		fmt.Fprintf(w, "\nChecklist (%d/%d):\n", done, total)
		for _, item := range s.Checklist {
			fmt.Fprintf(w, "  %s %-6s %-8s %s\n", checkbox(item.IsCompleted), item.ID, item.Priority, item.Action)
		}
	}
}

func printList(w io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(w, "  - %s\n", strings.TrimSpace(it))
	}
}
