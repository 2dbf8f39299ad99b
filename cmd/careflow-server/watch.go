package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/ehr/careflow/internal/config"
	"github.com/ehr/careflow/internal/domain/careflow"
	"github.com/ehr/careflow/internal/platform/eventbus"
	"github.com/ehr/careflow/internal/platform/websocket"
	"github.com/ehr/careflow/internal/viewer"
)

type watchOptions struct {
	server  string
	role    string
	token   string
	mode    string
	pending bool
	dev     bool
	refresh time.Duration
}

func watchCmd() *cobra.Command {
	opts := watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a role's workflow queue from a terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return runWatch(ctx, cfg, opts, cmd.OutOrStdout(), newLogger(cfg))
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8000", "Workflow server base URL")
	cmd.Flags().StringVar(&opts.role, "role", "", "Role to act as (receptionist, doctor, nurse, pharmacist, admin)")
	cmd.Flags().StringVar(&opts.token, "token", "", "Bearer token")
	cmd.Flags().StringVar(&opts.mode, "mode", string(viewer.ModeQueue), "Polling mode (dashboard or queue)")
	cmd.Flags().BoolVar(&opts.pending, "pending", true, "Only show patients awaiting this role")
	cmd.Flags().BoolVar(&opts.dev, "dev", false, "Identify with the development role header instead of a token")
	cmd.Flags().DurationVar(&opts.refresh, "refresh", time.Second, "How often the screen is redrawn")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

// newViewingContext wires a viewer to the server's REST API and hint stream.
func newViewingContext(cfg *config.Config, opts watchOptions, clk clock.WithTicker, logger zerolog.Logger) (*viewer.ViewingContext, error) {
	role, err := careflow.ParseRole(opts.role)
	if err != nil {
		return nil, err
	}
	mode := viewer.Mode(opts.mode)
	if mode != viewer.ModeDashboard && mode != viewer.ModeQueue {
		return nil, fmt.Errorf("unknown mode %q", opts.mode)
	}

	client := viewer.NewClient(viewer.ClientConfig{
		BaseURL: opts.server,
		Role:    role,
		Token:   opts.token,
		DevAuth: opts.dev,
	})
	wsURL, err := client.WebSocketURL(websocket.TopicWorkflow)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if opts.token != "" {
		header.Set("Authorization", "Bearer "+opts.token)
	}
	bus := eventbus.NewBus(viewer.NewStream(wsURL, header, logger), logger, eventbus.WithClock(clk))

	return viewer.New(viewer.Config{
		Role:                 role,
		Mode:                 mode,
		PendingOnly:          opts.pending,
		DashboardInterval:    cfg.DashboardPollInterval,
		QueueInterval:        cfg.QueuePollInterval,
		NotificationInterval: cfg.NotificationPollInterval,
	}, client, bus, clk, logger), nil
}

func runWatch(ctx context.Context, cfg *config.Config, opts watchOptions, out io.Writer, logger zerolog.Logger) error {
	v, err := newViewingContext(cfg, opts, clock.RealClock{}, logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return v.Run(ctx) })
	g.Go(func() error {
		t := time.NewTicker(opts.refresh)
		defer t.Stop()
		last := ""
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
			}
			recs := v.Projections()
			unread := v.Unread()
			if key := screenKey(recs, unread); key != last {
				last = key
				render(out, v.Role(), recs, unread, v.Cache().Stale())
				for _, n := range unread {
					v.MarkRead(n.ID)
				}
			}
		}
	})
	return g.Wait()
}

// screenKey changes whenever anything render would draw changes.
func screenKey(recs []careflow.PatientWorkflowRecord, unread []*careflow.NotificationRecord) string {
	var b strings.Builder
	for _, r := range recs {
		b.WriteString(r.ID)
		b.WriteByte('@')
		b.WriteString(strconv.FormatInt(r.Version, 10))
		b.WriteByte(';')
	}
	for _, n := range unread {
		b.WriteString(n.ID)
		b.WriteByte(';')
	}
	return b.String()
}

func render(w io.Writer, role careflow.Role, recs []careflow.PatientWorkflowRecord, unread []*careflow.NotificationRecord, stale []string) {
	isStale := make(map[string]bool, len(stale))
	for _, id := range stale {
		isStale[id] = true
	}

	fmt.Fprintf(w, "== %s queue (%d) ==\n", role, len(recs))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprint(tw, "PATIENT")
	for _, f := range careflow.AllFlags() {
		fmt.Fprintf(tw, "\t%s", strings.ToUpper(f.String()))
	}
	fmt.Fprintln(tw, "\tVERSION\t")
	for _, r := range recs {
		fmt.Fprint(tw, r.ID)
		for _, f := range careflow.AllFlags() {
			mark := "-"
			if r.Flags.Has(f) {
				mark = "x"
			}
			fmt.Fprintf(tw, "\t%s", mark)
		}
		suffix := ""
		if isStale[r.ID] {
			suffix = "stale"
		}
		fmt.Fprintf(tw, "\t%d\t%s\n", r.Version, suffix)
	}
	tw.Flush()

	for _, n := range unread {
		fmt.Fprintf(w, "* %s %s: %s\n", n.CreatedAt.Format("15:04:05"), n.PatientID, n.Message)
	}
}
