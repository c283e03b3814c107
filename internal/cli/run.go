package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/buildbot/internal/builder"
	"github.com/lucasnoah/buildbot/internal/buildstore"
	"github.com/lucasnoah/buildbot/internal/config"
	"github.com/lucasnoah/buildbot/internal/ctxlog"
	"github.com/lucasnoah/buildbot/internal/db"
	"github.com/lucasnoah/buildbot/internal/stage"
)

var runFlags struct {
	config       string
	buildroot    string
	resume       bool
	timeout      time.Duration
	metadataDump string
	noReExec     bool
	reportPath   string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a full build",
	Long: `Run executes the configured stage sequence against the buildroot and
writes the final metadata.json report. With --resume, previously passed
stages (from the checkpoint at the buildroot) are skipped.

Exit code 0 means the build passed; 1 means it failed or aborted.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(runFlags.config)
		if err != nil {
			return err
		}

		buildroot := runFlags.buildroot
		if buildroot == "" {
			buildroot = cfg.Bot.Buildroot
		}
		if buildroot == "" {
			return fmt.Errorf("no buildroot: set --buildroot or bot.buildroot")
		}

		store, err := buildstore.DefaultStore()
		if err != nil {
			return err
		}
		bs, err := store.Create(cfg.Bot.Name, cfg.Bot.Boards, buildroot)
		if err != nil {
			return fmt.Errorf("create build record: %w", err)
		}

		events := openEventDB()
		if events != nil {
			defer events.Close()
		}

		reportPath := runFlags.reportPath
		if reportPath == "" {
			reportPath = store.MetadataPath(bs.ID)
		}

		build := stage.NewContext(buildroot, cfg.Bot.Name, bs.ID)
		b := builder.New(cfg, builder.Options{
			Buildroot:    buildroot,
			Resume:       runFlags.resume,
			Timeout:      runFlags.timeout,
			MetadataDump: runFlags.metadataDump,
			NoReExec:     runFlags.noReExec,
			ConfigPath:   runFlags.config,
			ReportPath:   reportPath,
		}, build, events)

		ctx := ctxlog.WithLogger(cmd.Context(), slog.Default())
		success, err := b.Run(ctx)

		status := "passed"
		if !success {
			status = "failed"
		}
		_ = store.Update(bs.ID, func(bs *buildstore.BuildState) {
			bs.Status = status
		})
		if success {
			_ = store.WriteLatest(cfg.Bot.Name, bs.ID)
		}

		if err != nil {
			return err
		}
		if !success {
			// The report carries the detail; the exit code carries the verdict.
			fmt.Fprintf(os.Stderr, "build %s failed (report: %s)\n", bs.ID, reportPath)
			os.Exit(1)
		}
		fmt.Printf("build %s passed (report: %s)\n", bs.ID, reportPath)
		return nil
	},
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadDefault()
}

// openEventDB opens and migrates the event database. Event mirroring is
// best-effort: on any error the build runs without it.
func openEventDB() *db.DB {
	path, err := db.DefaultDBPath()
	if err != nil {
		slog.Warn("event db unavailable", "error", err)
		return nil
	}
	d, err := db.Open(path)
	if err != nil {
		slog.Warn("event db unavailable", "error", err)
		return nil
	}
	if err := d.Migrate(); err != nil {
		slog.Warn("event db migration failed", "error", err)
		d.Close()
		return nil
	}
	return d
}

func init() {
	runCmd.Flags().StringVar(&runFlags.config, "config", "", "path to bot config YAML")
	runCmd.Flags().StringVar(&runFlags.buildroot, "buildroot", "", "checkout root to build in")
	runCmd.Flags().BoolVar(&runFlags.resume, "resume", false, "resume from the checkpoint at the buildroot")
	runCmd.Flags().DurationVar(&runFlags.timeout, "timeout", 0, "overall build timeout (0 = none)")
	runCmd.Flags().StringVar(&runFlags.metadataDump, "metadata-dump", "", "metadata snapshot to merge at startup")
	runCmd.Flags().BoolVar(&runFlags.noReExec, "noreexec", false, "disable re-execution after sync")
	runCmd.Flags().StringVar(&runFlags.reportPath, "report-path", "", "where to write metadata.json")
}
