package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/arseneyr/speakerbox/pkg/config"
	"github.com/arseneyr/speakerbox/pkg/model"
	"github.com/arseneyr/speakerbox/pkg/sampledata"
	"github.com/arseneyr/speakerbox/pkg/syncmanager"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return newRootCmd().ExecuteContext(ctx)
}

type globals struct {
	configPath string
	user       string
	timeout    time.Duration

	cfg    config.Config
	logger *slog.Logger
}

// withSession opens the board, runs fn and flushes before returning.
func (g *globals) withSession(cmd *cobra.Command, fn func(ctx context.Context, m *syncmanager.Manager) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
	defer cancel()
	s, err := openSession(ctx, g.cfg, g.logger)
	if err != nil {
		return err
	}
	runErr := fn(ctx, s.manager)
	if err := s.close(ctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "speakerbox",
		Short:         "Manage a soundboard that syncs between devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			if g.user != "" {
				cfg.User = g.user
			}
			g.cfg = cfg
			g.logger = cfg.NewLogger()
			slog.SetDefault(g.logger)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "path to the config file (default "+config.DefaultPath()+")")
	root.PersistentFlags().StringVar(&g.user, "user", "", "sign in as this user, overrides the config")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", time.Minute, "give up syncing after this long")

	root.AddCommand(
		newListCmd(g),
		newAddCmd(g),
		newUpdateCmd(g),
		newMoveCmd(g),
		newDeleteCmd(g),
		newExportCmd(g),
		newPollCmd(g),
	)
	return root
}

func printSamples(w io.Writer, samples []syncmanager.Sample) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tID\tTITLE\tREVISION\tDATA\tCONFLICTS")
	for i, s := range samples {
		data := s.Status.String()
		if s.Status == sampledata.StatusReady {
			data = fmt.Sprintf("%d bytes", len(s.Data))
		}
		conflicts := ""
		for field, c := range s.Conflicts {
			conflicts += fmt.Sprintf("%s: %q vs %q ", field, c.LocalValue, c.RemoteValues)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", i, s.ID, s.Title, s.RevisionID, data, conflicts)
	}
	return tw.Flush()
}

func newListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the samples in board order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withSession(cmd, func(ctx context.Context, m *syncmanager.Manager) error {
				if err := m.WaitIdle(ctx); err != nil {
					return err
				}
				return printSamples(cmd.OutOrStdout(), m.Samples())
			})
		},
	}
}

func newAddCmd(g *globals) *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "add <id> <file>",
		Short: "Add a sample from an audio file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read sample: %w", err)
			}
			if title == "" {
				title = args[0]
			}
			return g.withSession(cmd, func(ctx context.Context, m *syncmanager.Manager) error {
				rev, err := m.AddSample(ctx, syncmanager.NewSample{ID: model.SampleID(args[0]), Title: title, Data: data})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), rev)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "sample title (default the id)")
	return cmd
}

func newUpdateCmd(g *globals) *cobra.Command {
	var title, file string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change the title or the audio of a sample",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := syncmanager.SampleUpdate{ID: model.SampleID(args[0])}
			if cmd.Flags().Changed("title") {
				u.Title = &title
			}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read sample: %w", err)
				}
				u.Data = data
			}
			if u.Title == nil && u.Data == nil {
				return fmt.Errorf("nothing to update: pass --title or --file")
			}
			return g.withSession(cmd, func(ctx context.Context, m *syncmanager.Manager) error {
				return m.UpdateSample(ctx, u)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&file, "file", "", "new audio file")
	return cmd
}

func newMoveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "move <from> <to>",
		Short: "Move the sample at one position to another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid position %q: %w", args[0], err)
			}
			to, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid position %q: %w", args[1], err)
			}
			return g.withSession(cmd, func(ctx context.Context, m *syncmanager.Manager) error {
				return m.MoveSample(from, to)
			})
		},
	}
}

func newDeleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a sample and its audio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withSession(cmd, func(ctx context.Context, m *syncmanager.Manager) error {
				return m.DeleteSample(ctx, model.SampleID(args[0]))
			})
		},
	}
}

func newExportCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "export <id> <file>",
		Short: "Write the audio of a sample to a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withSession(cmd, func(ctx context.Context, m *syncmanager.Manager) error {
				if err := m.WaitIdle(ctx); err != nil {
					return err
				}
				for _, s := range m.Samples() {
					if s.ID != model.SampleID(args[0]) {
						continue
					}
					if s.Err != nil {
						return fmt.Errorf("sample data unavailable: %w", s.Err)
					}
					if s.Data == nil {
						return fmt.Errorf("sample data %s", s.Status)
					}
					return os.WriteFile(args[1], s.Data, 0o644)
				}
				return fmt.Errorf("%w: %s", model.ErrNoSample, args[0])
			})
		},
	}
}

func newPollCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Pull remote changes and push local ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withSession(cmd, func(ctx context.Context, m *syncmanager.Manager) error {
				if err := m.Poll(ctx); err != nil {
					return err
				}
				return printSamples(cmd.OutOrStdout(), m.Samples())
			})
		},
	}
}
