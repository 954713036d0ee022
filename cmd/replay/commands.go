package main

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/lukasbauer/proxyvoice/internal/app"
	"github.com/lukasbauer/proxyvoice/internal/logging"
	"github.com/lukasbauer/proxyvoice/internal/render"
	"github.com/lukasbauer/proxyvoice/internal/segment"
	"github.com/lukasbauer/proxyvoice/internal/segmenter"
)

type flags struct {
	frame    time.Duration
	drain    time.Duration
	adaptive bool
	plain    bool
	stop     bool
	profile  string
	logLevel string
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:   "replay",
		Short: "Replay recorded session traces",
		Long: `Replay recorded session traces.

Each trace entry is fed to a session at its offset on a simulated clock.
After the last entry the clock runs on for --drain so dwell timeouts fire,
then the session is stopped and the final transcript is printed.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.DurationVar(&f.frame, "frame", render.DefaultFrame, "render coalescing window")
	pf.DurationVar(&f.drain, "drain", 60*time.Second, "simulated time to run after the last entry")
	pf.BoolVar(&f.adaptive, "adaptive", false, "adapt segmenter thresholds to speaking rate")
	pf.BoolVar(&f.plain, "plain", false, "disable colors")
	pf.BoolVar(&f.stop, "stop", false, "stop right after the last entry")
	pf.StringVar(&f.profile, "profile", "", "conversation profile with segmenter overrides")
	pf.StringVar(&f.logLevel, "log-level", "warn", "debug, info, warn or error")

	root.AddCommand(newRunCmd(f), newCheckCmd(f))
	return root
}

func newRunCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "run <trace.yaml>...",
		Short: "Replay traces and print the transcript",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options(cmd)
			if err != nil {
				return err
			}
			p := printer{w: cmd.OutOrStdout(), plain: f.plain}
			for i, path := range args {
				tr, err := LoadTrace(path)
				if err != nil {
					return err
				}
				res, err := Replay(tr, opts)
				if err != nil {
					return fmt.Errorf("replay %s: %w", tr.Name, err)
				}
				if i > 0 {
					fmt.Fprintln(cmd.OutOrStdout())
				}
				p.title(tr.Name)
				p.transcript(res.Views)
				p.stats(res)
				p.anomalies(res)
			}
			return nil
		},
	}
}

func newCheckCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "check <trace.yaml>...",
		Short: "Replay traces and fail on correlation anomalies",
		Long: `Replay traces and fail on correlation anomalies.

Exits non-zero when any trace produces an anomaly or a malformed event.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options(cmd)
			if err != nil {
				return err
			}
			p := printer{w: cmd.OutOrStdout(), plain: f.plain}
			failed := 0
			for _, path := range args {
				tr, err := LoadTrace(path)
				if err != nil {
					return err
				}
				res, err := Replay(tr, opts)
				if err != nil {
					return fmt.Errorf("replay %s: %w", tr.Name, err)
				}
				p.title(tr.Name)
				p.stats(res)
				p.anomalies(res)
				if res.Anomalies() > 0 || res.Malformed > 0 {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d traces failed", failed, len(args))
			}
			return nil
		},
	}
}

func (f *flags) options(cmd *cobra.Command) (Options, error) {
	seg := segmenter.DefaultConfig()
	if f.profile != "" {
		p, err := app.LoadProfile(f.profile)
		if err != nil {
			return Options{}, err
		}
		seg = p.ApplySegmenter(seg)
	}
	if cmd.Flags().Changed("adaptive") {
		seg.Adaptive = f.adaptive
	}
	return Options{
		Frame:     f.frame,
		Segmenter: seg,
		Timeouts:  segment.DefaultTimeouts(),
		Drain:     f.drain,
		StopAtEnd: f.stop,
		Logger:    logging.New(log.New(cmd.ErrOrStderr(), "", 0), f.logLevel),
	}, nil
}
