package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ctslicesto3d/pkg/config"
	"ctslicesto3d/pkg/dicomio"
	"ctslicesto3d/pkg/logging"
	"ctslicesto3d/pkg/pipeline"
	"ctslicesto3d/pkg/whitelist"
)

var (
	configPath string
	envFile    string

	inputRoot    string
	outputRoot   string
	tabularFile  string
	numCores     int
	compression  string
	orientation  string
	previews     bool
	logLevel     string
	logFormat    string
	metricsFile  string
	showRejected bool

	rootCmd = &cobra.Command{
		Use:   "ctslicesto3d",
		Short: "Assemble annotated CT series into volumes",
		Long: `ctslicesto3d reads LIDC-IDRI style CT series, keeps the series listed in a
curated nodule list, matches every listed nodule against the series'
reader annotations and writes the assembled scan volume next to them.`,
		SilenceUsage: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Process every whitelisted series under the input root",
		RunE:  runPipeline,
	}

	whitelistCmd = &cobra.Command{
		Use:   "whitelist",
		Short: "Load the nodule list and print the whitelisted series keys",
		RunE:  printWhitelist,
	}

	initConfigCmd = &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write a configuration file with default values",
		Args:  cobra.MaximumNArgs(1),
		RunE:  initConfig,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Optional .env file with "+config.EnvPrefix+"* overrides")
	rootCmd.PersistentFlags().StringVar(&tabularFile, "tabular", "", "Curated nodule list (CSV)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: json or console")

	runCmd.Flags().StringVarP(&inputRoot, "input", "i", "", "Directory holding one directory per case")
	runCmd.Flags().StringVarP(&outputRoot, "output", "o", "", "Directory receiving one <patient>/<series> location per series")
	runCmd.Flags().IntVar(&numCores, "cores", 0, "Number of series processed concurrently")
	runCmd.Flags().StringVar(&compression, "compression", "", "Compression of scan.dat: none, zlib or zstd")
	runCmd.Flags().StringVar(&orientation, "orientation", "", "Slice location direction: foot-to-head or head-to-foot")
	runCmd.Flags().BoolVar(&previews, "previews", false, "Write PNG previews of the centre slices")
	runCmd.Flags().StringVar(&metricsFile, "metrics-textfile", "", "Write batch metrics to this Prometheus textfile")

	whitelistCmd.Flags().BoolVar(&showRejected, "rejected", false, "Also print rejected rows")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(whitelistCmd)
	rootCmd.AddCommand(initConfigCmd)
}

// loadConfig resolves the configuration: defaults, then the YAML file, then
// the environment, then flags that were set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(envFile); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("input") {
		cfg.Input.Root = inputRoot
	}
	if flags.Changed("output") {
		cfg.Output.Root = outputRoot
	}
	if flags.Changed("tabular") {
		cfg.Input.TabularFile = tabularFile
	}
	if flags.Changed("cores") {
		cfg.Processing.NumCores = numCores
	}
	if flags.Changed("compression") {
		cfg.Output.Compression = compression
	}
	if flags.Changed("orientation") {
		cfg.Processing.Orientation = orientation
	}
	if flags.Changed("previews") {
		cfg.Output.Previews = previews
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = logFormat
	}
	if flags.Changed("metrics-textfile") {
		cfg.Metrics.Textfile = metricsFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadIndex reads the nodule list and logs every rejected row.
func loadIndex(cfg *config.Config, logger *zap.Logger) (*whitelist.Index, []*whitelist.RowError, error) {
	file, err := os.Open(cfg.Input.TabularFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open nodule list: %w", err)
	}
	defer file.Close()

	rows, rejected, err := whitelist.ReadCSV(file)
	if err != nil {
		return nil, nil, err
	}
	index, invalid := whitelist.Load(rows, whitelist.Options{
		PatientPrefix: cfg.Input.PatientPrefix,
		Excluded:      cfg.Exclusions.Patients,
	})
	rejected = append(rejected, invalid...)
	for _, r := range rejected {
		logger.Warn("Rejected nodule list row", zap.Int("line", r.Line), zap.Error(r))
	}
	logger.Info("Loaded nodule list",
		zap.String("path", cfg.Input.TabularFile),
		zap.Int("rows", len(rows)),
		zap.Int("rejected", len(rejected)),
		zap.Int("seriesGrouped", len(index.GroupedKeys())),
		zap.Int("seriesWhitelisted", index.Len()))

	return index, rejected, nil
}

func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	index, _, err := loadIndex(cfg, logger)
	if err != nil {
		return err
	}

	p, err := pipeline.New(cfg, index, dicomio.NewReader(cfg.Processing.Modality), logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := p.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Run %s finished in %s\n", summary.RunID, summary.Duration.Round(time.Millisecond))
	for _, o := range []pipeline.Outcome{
		pipeline.Processed, pipeline.AlreadyProcessed, pipeline.NotWhitelisted,
		pipeline.NoAnnotation, pipeline.Failed,
	} {
		fmt.Printf("  %-18s %d\n", o, summary.Outcomes[o])
	}
	for _, f := range summary.Failures {
		fmt.Printf("  failed: %s: %v\n", f.Dir, f.Err)
	}
	return nil
}

func printWhitelist(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	index, rejected, err := loadIndex(cfg, logger)
	if err != nil {
		return err
	}

	for _, key := range index.Keys() {
		fmt.Println(key)
	}
	if showRejected {
		for _, r := range rejected {
			fmt.Fprintf(os.Stderr, "rejected: %v\n", r)
		}
	}
	return nil
}

func initConfig(cmd *cobra.Command, args []string) error {
	path := "ctslicesto3d.yaml"
	if len(args) == 1 {
		path = args[0]
	}
	if err := config.CreateDefaultConfigFile(path); err != nil {
		return err
	}
	fmt.Printf("Wrote default configuration to %s\n", path)
	return nil
}
