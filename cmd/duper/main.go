package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"duper/internal/app"
	"duper/internal/config"
	"duper/internal/duper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file named by the defaults.
func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates a DuperApp. The caller must defer app.Close().
// command identifies the CLI command being run (e.g. "Scan", "Quarantine").
func newApp(ctx context.Context, command string) (*app.DuperApp, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewDuperApp(ctx, cfg, command)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "duper",
	Short:        "Find, quarantine and restore duplicate files",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["working_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID:     %s\n", hostID)
		fmt.Printf("Working Dir: %s\n", cfg.WorkingDir)
		fmt.Printf("Quarantine:  %s\n", cfg.QuarantineRoot())
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		ignored := []string{}
		for _, class := range duper.IgnoreClasses() {
			if cfg.IgnoreConfig().Ignores(class) {
				ignored = append(ignored, string(class))
			}
		}
		snapshots := cfg.Snapshots.Type
		if snapshots == "" {
			snapshots = "disabled"
		}
		encryption := cfg.Encryption.Type
		if encryption == "" {
			encryption = "none"
		}

		rows := [][]string{
			{"host_id", cfg.HostID},
			{"working_dir", cfg.WorkingDir},
			{"log_dir", cfg.LogDir},
			{"log_level", cfg.LogLevel},
			{"catalog", cfg.Catalog.Type + " " + cfg.Catalog.Path},
			{"quarantine.root", cfg.QuarantineRoot()},
			{"scan.sparse_mode", strconv.FormatBool(cfg.Scan.SparseMode)},
			{"scan.strict_names", strconv.FormatBool(cfg.Scan.StrictNames)},
			{"scan.prune", strconv.FormatBool(cfg.Scan.Prune)},
			{"scan.ignore", strings.Join(ignored, ", ")},
			{"filesystem.ignore", strings.Join(cfg.Filesystem.Ignore, ", ")},
			{"snapshots", snapshots},
			{"encryption", encryption},
		}
		fmt.Printf("Configuration from %s:\n", defaults["config_path"])
		fmt.Println(renderTable([]string{"Key", "Value"}, rows, nil))
		return nil
	},
}

// scan command
var scanCmd = &cobra.Command{
	Use:   "scan [DIR]",
	Short: "Scan a directory into the catalog",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Scan")
		if err != nil {
			return err
		}
		defer a.Close()

		opts, err := scanOptions(cmd, a.Config())
		if err != nil {
			return err
		}

		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}

		start := time.Now()
		report, reconciled, err := a.Scan(cmd.Context(), dir, opts)
		if reconciled != nil && reconciled.Changed() {
			fmt.Printf("Reconciled %d interrupted restore(s) and %d interrupted quarantine(s)\n",
				len(reconciled.RestoresCompleted), len(reconciled.QuarantinesRecorded))
		}
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}

		for _, fe := range report.FileErrors {
			fmt.Fprintf(os.Stderr, "skipped: %v\n", fe)
		}
		status := "complete"
		if report.Cancelled {
			status = "cancelled"
		}
		fmt.Printf("Scan %s: %s files, %s errors, %d duplicate groups, %s pruned (%s)\n",
			status,
			formatCount(report.FilesScanned),
			formatCount(report.Errors),
			report.DuplicateGroupsFound,
			formatCount(report.Pruned),
			time.Since(start).Truncate(time.Millisecond),
		)
		return nil
	},
}

// scanOptions applies the scan flags on top of the config.
func scanOptions(cmd *cobra.Command, cfg *config.Config) (duper.ScanOptions, error) {
	opts := cfg.ScanOptions()

	if cmd.Flags().Changed("sparse") {
		opts.Ignore.SparseMode, _ = cmd.Flags().GetBool("sparse")
	}
	if cmd.Flags().Changed("strict") {
		opts.StrictNames, _ = cmd.Flags().GetBool("strict")
	}
	if cmd.Flags().Changed("workers") {
		opts.Workers, _ = cmd.Flags().GetInt("workers")
	}
	if noPrune, _ := cmd.Flags().GetBool("no-prune"); noPrune {
		opts.Prune = false
	}

	classes, _ := cmd.Flags().GetStringSlice("ignore")
	for _, name := range classes {
		class, err := parseIgnoreClass(name)
		if err != nil {
			return opts, err
		}
		opts.Ignore = opts.Ignore.WithClass(class)
	}
	return opts, nil
}

func parseIgnoreClass(name string) (duper.IgnoreClass, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	var known []string
	for _, class := range duper.IgnoreClasses() {
		if string(class) == name {
			return class, nil
		}
		known = append(known, string(class))
	}
	return "", fmt.Errorf("unknown ignore class %q (want one of %s)", name, strings.Join(known, ", "))
}

// dupes command
var dupesCmd = &cobra.Command{
	Use:   "dupes",
	Short: "List duplicate groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Dupes")
		if err != nil {
			return err
		}
		defer a.Close()

		groups, err := a.Dupes()
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			fmt.Println("No duplicates found.")
			return nil
		}

		var rows [][]string
		for _, g := range groups {
			rows = append(rows, []string{shortHash(g.ContentHash), "keep", g.Keeper.Path, formatBytes(g.Keeper.Size)})
			for _, l := range g.Losers {
				rows = append(rows, []string{"", "dupe", l.Path, formatBytes(l.Size)})
			}
		}
		fmt.Println(renderTable([]string{"Hash", "Role", "Path", "Size"}, rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight}))
		fmt.Printf("%d group(s), %d redundant file(s), %s reclaimable\n",
			len(groups), groups.LoserCount(), formatBytes(groups.RedundantBytes()))
		return nil
	},
}

// quarantine command
var quarantineCmd = &cobra.Command{
	Use:   "quarantine [DIR]",
	Short: "Move duplicates into the quarantine area",
	Long: "Move every duplicate below DIR (default: the most recently scanned directory) " +
		"into the quarantine area, keeping one file per group.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		command := "Quarantine"
		if dryRun {
			command = "PlanQuarantine"
		}
		a, err := newApp(cmd.Context(), command)
		if err != nil {
			return err
		}
		defer a.Close()

		sparse := a.Config().Scan.SparseMode
		if cmd.Flags().Changed("sparse") {
			sparse, _ = cmd.Flags().GetBool("sparse")
		}
		dir := ""
		if len(args) > 0 {
			dir = args[0]
		}

		if dryRun {
			plan, err := a.PlanQuarantine(dir, sparse)
			if err != nil {
				return err
			}
			if len(plan) == 0 {
				fmt.Println("Nothing to quarantine.")
				return nil
			}
			var rows [][]string
			var total int64
			for _, m := range plan {
				rows = append(rows, []string{m.Path, m.Destination, formatBytes(m.Size)})
				total += m.Size
			}
			fmt.Println(renderTable([]string{"File", "Destination", "Size"}, rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight}))
			fmt.Printf("Would move %d file(s), %s\n", len(plan), formatBytes(total))
			return nil
		}

		results, err := a.Quarantine(cmd.Context(), dir, sparse)
		moved, failed := 0, 0
		var reclaimed int64
		for _, r := range results {
			if r.Err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "not moved: %v\n", r.Err)
				continue
			}
			moved++
			reclaimed += r.Record.Size
			fmt.Printf("#%d  %s -> %s\n", r.Record.ID, r.Path, r.Record.QuarantinePath)
		}
		if err != nil {
			return fmt.Errorf("quarantine failed: %w", err)
		}
		fmt.Printf("Quarantined %d file(s) (%s), %d failed\n", moved, formatBytes(reclaimed), failed)
		return nil
	},
}

// moved command
var movedCmd = &cobra.Command{
	Use:   "moved",
	Short: "List quarantined files",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")

		a, err := newApp(cmd.Context(), "Moved")
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.Moved(state)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No moved files.")
			return nil
		}

		var rows [][]string
		for _, m := range records {
			restored := "-"
			if m.RestoredAt != nil {
				restored = formatTime(*m.RestoredAt)
			}
			rows = append(rows, []string{
				strconv.FormatInt(m.ID, 10),
				string(m.State),
				m.OriginalPath,
				m.QuarantinePath,
				formatBytes(m.Size),
				formatTime(m.MovedAt),
				restored,
			})
		}
		fmt.Println(renderTable(
			[]string{"ID", "State", "Original", "Quarantined", "Size", "Moved", "Restored"}, rows,
			[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft}))
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore [ID]",
	Short: "Move quarantined files back to their original location",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) == 1) {
			return errors.New("give either a moved-file ID or --all")
		}

		a, err := newApp(cmd.Context(), "Restore")
		if err != nil {
			return err
		}
		defer a.Close()

		if !all {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid ID %q: %w", args[0], err)
			}
			if err := a.Restore(cmd.Context(), id); err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Printf("Restored #%d\n", id)
			return nil
		}

		results, err := a.RestoreAll(cmd.Context())
		restored, failed := 0, 0
		for _, r := range results {
			if r.Err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "#%d not restored: %v\n", r.ID, r.Err)
				continue
			}
			restored++
		}
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Printf("Restored %d file(s), %d failed\n", restored, failed)
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the latest scan of every directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "History")
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.History()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No scans recorded.")
			return nil
		}

		var rows [][]string
		for _, e := range entries {
			rows = append(rows, []string{
				e.Directory,
				formatAgo(e.LastScanFinishedAt),
				e.LastScanFinishedAt.Sub(e.LastScanStartedAt).Truncate(time.Millisecond).String(),
				formatCount(e.FilesScanned),
				formatCount(e.ErrorsEncountered),
			})
		}
		fmt.Println(renderTable([]string{"Directory", "Last Scan", "Duration", "Files", "Errors"}, rows,
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight}))
		return nil
	},
}

// runs command
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent scan runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		verbose, _ := cmd.Flags().GetBool("errors")

		a, err := newApp(cmd.Context(), "Runs")
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.Runs(limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No scan runs recorded.")
			return nil
		}

		var rows [][]string
		for _, r := range runs {
			status := "complete"
			if r.Cancelled {
				status = "cancelled"
			}
			rows = append(rows, []string{
				r.ID[:min(8, len(r.ID))],
				r.Directory,
				formatTime(r.StartedAt),
				r.FinishedAt.Sub(r.StartedAt).Truncate(time.Millisecond).String(),
				formatCount(r.FilesScanned),
				formatCount(r.ErrorsEncountered),
				strconv.FormatInt(r.DuplicateGroups, 10),
				formatCount(r.Pruned),
				status,
			})
		}
		fmt.Println(renderTable(
			[]string{"Run", "Directory", "Started", "Duration", "Files", "Errors", "Groups", "Pruned", "Status"}, rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft}))

		if verbose {
			for _, r := range runs {
				for _, e := range r.ErrorLog {
					fmt.Printf("%s  %s: %s: %s\n", r.ID[:min(8, len(r.ID))], e.Path, e.Kind, e.Error)
				}
			}
		}
		return nil
	},
}

// log command
var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show catalog-changing operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "Log")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.Log(limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt != nil {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-15s  %s  %-10s  %-10s  %s\n",
				op.ID,
				op.Operation,
				formatTime(op.StartedAt),
				op.Status,
				duration,
				op.Parameters,
			)
		}
		return nil
	},
}

// stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show catalog statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Stats")
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.Stats()
		if err != nil {
			return err
		}

		lastScan := "never"
		if s.LastScan != nil {
			lastScan = formatAgo(*s.LastScan)
		}
		rows := [][]string{
			{"Active files", formatCount(s.ActiveFiles), formatBytes(s.ActiveBytes)},
			{"Duplicate groups", strconv.Itoa(s.DuplicateGroups), ""},
			{"Redundant files", strconv.Itoa(s.RedundantFiles), formatBytes(s.RedundantBytes)},
			{"In quarantine", formatCount(s.MovedRecords), formatBytes(s.ReclaimedBytes)},
			{"Restored", formatCount(s.RestoredRecords), ""},
			{"Directories scanned", strconv.Itoa(s.Scans), ""},
			{"Files scanned", formatCount(s.FilesScanned), ""},
			{"Scan errors", formatCount(s.ScanErrors), ""},
			{"Last scan", lastScan, ""},
		}
		fmt.Println(renderTable([]string{"", "Count", "Size"}, rows,
			[]columnAlignment{alignLeft, alignRight, alignRight}))

		if len(s.TopExtensions) > 0 {
			var extRows [][]string
			for _, e := range s.TopExtensions {
				ext := e.Extension
				if ext == "" {
					ext = "(none)"
				}
				extRows = append(extRows, []string{ext, formatCount(e.Files), formatBytes(e.Bytes)})
			}
			fmt.Println(renderTable([]string{"Extension", "Files", "Size"}, extRows,
				[]columnAlignment{alignLeft, alignRight, alignRight}))
		}
		return nil
	},
}

// reset command
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard every catalog record",
	Long:  "Discard every file record, moved-file record and scan history row. Files in quarantine stay on disk.",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes && !confirm("Discard the whole catalog?") {
			fmt.Println("Aborted.")
			return nil
		}

		a, err := newApp(cmd.Context(), "Reset")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Reset(); err != nil {
			return err
		}
		fmt.Println("Catalog reset.")
		return nil
	},
}

// encryption command
var encryptionCmd = &cobra.Command{
	Use:   "encryption",
	Short: "Manage snapshot encryption",
}

var encryptionInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the snapshot key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		passphrase, err := readNewPassphrase()
		if err != nil {
			return err
		}
		if err := app.InitEncryption(cfg, passphrase); err != nil {
			return err
		}
		fmt.Printf("Public key:  %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Printf("Private key: %s (passphrase protected)\n", cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

// catalog command
var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Push or pull catalog snapshots",
}

var catalogPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload a snapshot of the catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "CatalogPush")
		if err != nil {
			return err
		}
		defer a.Close()

		version, size, err := a.PushCatalog(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Pushed catalog version %d (%s)\n", version, formatBytes(size))
		return nil
	},
}

var catalogPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Replace the local catalog with the latest snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var passphrase string
		if app.NeedsPassphrase(cfg) {
			if passphrase, err = readPassphrase("Passphrase: "); err != nil {
				return err
			}
		}
		if err := app.PullCatalog(cmd.Context(), cfg, passphrase); err != nil {
			return err
		}
		fmt.Printf("Catalog restored to %s\n", cfg.Catalog.Path)
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// scan flags
	scanCmd.Flags().Bool("sparse", false, "Only descend into subdirectories holding more than 3 files")
	scanCmd.Flags().Bool("strict", false, "Require equal names as well as equal content")
	scanCmd.Flags().IntP("workers", "w", 0, "Fingerprint workers (0 = one per CPU)")
	scanCmd.Flags().StringSlice("ignore", nil, "Extension classes to skip: fodder, video, music, picture")
	scanCmd.Flags().Bool("no-prune", false, "Keep records of files that disappeared")

	quarantineCmd.Flags().Bool("dry-run", false, "Show what would be moved without moving anything")
	quarantineCmd.Flags().Bool("sparse", false, "Preserve paths relative to the scanned directory")

	movedCmd.Flags().String("state", "moved", "Records to show: moved, restored or all")
	restoreCmd.Flags().Bool("all", false, "Restore every quarantined file")
	runsCmd.Flags().IntP("limit", "n", 10, "Maximum number of runs to show")
	runsCmd.Flags().Bool("errors", false, "Print the error log of each run")
	logCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
	resetCmd.Flags().Bool("yes", false, "Do not ask for confirmation")

	encryptionCmd.AddCommand(encryptionInitCmd)
	catalogCmd.AddCommand(catalogPushCmd)
	catalogCmd.AddCommand(catalogPullCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(dupesCmd)
	rootCmd.AddCommand(quarantineCmd)
	rootCmd.AddCommand(movedCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(encryptionCmd)
	rootCmd.AddCommand(catalogCmd)
}
