package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/cboxdk/dpdk-telemetry-exporter/internal/app"
	"github.com/cboxdk/dpdk-telemetry-exporter/internal/config"
	"github.com/cboxdk/dpdk-telemetry-exporter/internal/storage"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	Version = "1.0.0-dev"

	defaultEnvFile = ".env"
)

// CLI represents the command line interface
type CLI struct {
	args []string
	out  io.Writer
}

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Usage       string
	Run         func(args []string) error
}

func main() {
	cli := &CLI{args: os.Args[1:], out: os.Stdout}
	os.Exit(cli.Execute())
}

func (cli *CLI) commands() map[string]*Command {
	return map[string]*Command{
		"run":            {Name: "run", Description: "Start the DPDK telemetry exporter", Usage: "run [--config path] [--log-level level]", Run: cli.runCommand},
		"validate":       {Name: "validate", Description: "Validate configuration file", Usage: "validate [--config path] [--verbose]", Run: cli.validateCommand},
		"example-config": {Name: "example-config", Description: "Write an example configuration file", Usage: "example-config [--output path]", Run: cli.exampleConfigCommand},
		"samples":        {Name: "samples", Description: "Print the persisted last-sample snapshot", Usage: "samples [--config path] [--format table|json]", Run: cli.samplesCommand},
		"version":        {Name: "version", Description: "Show version information", Usage: "version", Run: cli.versionCommand},
		"help":           {Name: "help", Description: "Show help information", Usage: "help [command]", Run: cli.helpCommand},
	}
}

// Execute runs the command named by the first argument and returns the
// process exit code
func (cli *CLI) Execute() int {
	commands := cli.commands()

	args, err := cli.loadEnvFile(cli.args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if len(args) == 0 {
		cli.printUsage(commands)
		return 1
	}

	commandName := args[0]

	if commandName == "--help" || commandName == "-h" {
		cli.printUsage(commands)
		return 0
	}

	if _, exists := commands[commandName]; !exists {
		// Flags alone mean run
		if strings.HasPrefix(commandName, "--") {
			commandName = "run"
		} else {
			fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", commandName)
			cli.printUsage(commands)
			return 1
		}
	} else {
		args = args[1:]
	}

	if err := commands[commandName].Run(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// loadEnvFile loads --env-file, or .env when present, into the process
// environment and strips the flag from args. Variables already set win.
func (cli *CLI) loadEnvFile(args []string) ([]string, error) {
	var envFile string
	remaining := cli.parseFlags(args, map[string]*string{"env-file": &envFile})

	if envFile == "" {
		if _, err := os.Stat(defaultEnvFile); err != nil {
			return remaining, nil
		}
		envFile = defaultEnvFile
	}

	if err := godotenv.Load(envFile); err != nil {
		return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}
	return remaining, nil
}

func (cli *CLI) printUsage(commands map[string]*Command) {
	fmt.Fprintf(cli.out, "DPDK Telemetry Exporter v%s\n", Version)
	fmt.Fprintln(cli.out, "Scrapes DPDK engine telemetry sockets and serves the port statistics as Prometheus metrics.")
	fmt.Fprintln(cli.out)
	fmt.Fprintln(cli.out, "USAGE:")
	fmt.Fprintln(cli.out, "  dpdk-exporter <command> [options]")
	fmt.Fprintln(cli.out)
	fmt.Fprintln(cli.out, "COMMANDS:")

	for _, name := range []string{"run", "validate", "example-config", "samples", "version", "help"} {
		if cmd, exists := commands[name]; exists {
			fmt.Fprintf(cli.out, "  %-15s %s\n", cmd.Name, cmd.Description)
		}
	}

	fmt.Fprintln(cli.out)
	fmt.Fprintln(cli.out, "GLOBAL OPTIONS:")
	fmt.Fprintln(cli.out, "  --env-file path  Load environment variables from file (default: .env when present)")
	fmt.Fprintln(cli.out, "  --help, -h       Show help information")
	fmt.Fprintln(cli.out)
	fmt.Fprintln(cli.out, "Use \"dpdk-exporter help <command>\" for more information about a command.")
	fmt.Fprintln(cli.out)
	fmt.Fprintln(cli.out, "EXAMPLES:")
	fmt.Fprintln(cli.out, "  dpdk-exporter run")
	fmt.Fprintln(cli.out, "  dpdk-exporter run --config /etc/dpdk-exporter/config.yaml")
	fmt.Fprintln(cli.out, "  NODE_NAME=worker-1 DPDK_TELEMETRY_PROTOCOL=legacy dpdk-exporter run")
}

func (cli *CLI) parseFlags(args []string, flags map[string]*string) []string {
	var remaining []string

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if strings.HasPrefix(arg, "--") {
			flagName := strings.TrimPrefix(arg, "--")

			// --flag=value
			if name, value, found := strings.Cut(flagName, "="); found {
				if flagVar, exists := flags[name]; exists {
					*flagVar = value
					continue
				}
			}

			// --flag value
			if flagVar, exists := flags[flagName]; exists {
				if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
					*flagVar = args[i+1]
					i++
				} else {
					*flagVar = "true"
				}
				continue
			}
		}

		remaining = append(remaining, arg)
	}

	return remaining
}

func wantsHelp(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// loadConfig reads path, or builds the zero-config defaults when path is empty
func (cli *CLI) loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg, err := config.LoadDefault()
		if err != nil {
			return nil, fmt.Errorf("failed to load default configuration: %w", err)
		}
		return cfg, nil
	}

	if err := cli.validateConfigPath(path); err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func (cli *CLI) runCommand(args []string) error {
	var configPath string
	var logLevel string

	flags := map[string]*string{
		"config":    &configPath,
		"log-level": &logLevel,
	}

	remaining := cli.parseFlags(args, flags)
	if wantsHelp(remaining) {
		cli.printRunHelp()
		return nil
	}

	cfg, err := cli.loadConfig(configPath)
	if err != nil {
		return err
	}

	if logLevel == "" {
		logLevel = cfg.Logging.Level
	}
	logger, level, err := cli.createLogger(logLevel, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	if configPath == "" {
		logger.Info("Running in zero-config mode with defaults and environment overrides")
	}

	opts := []app.Option{app.WithLogLevel(level)}
	if configPath != "" {
		opts = append(opts, app.WithConfigPath(configPath))
	}

	manager, err := app.NewManager(cfg, logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting DPDK telemetry exporter",
		zap.String("version", Version),
		zap.String("protocol", cfg.Scrape.Protocol),
		zap.String("root_dir", cfg.Scrape.RootDir),
		zap.Duration("interval", cfg.Scrape.Interval),
		zap.String("server_address", cfg.Server.BindAddress))

	if err := manager.Run(ctx); err != nil {
		return fmt.Errorf("exporter stopped with error: %w", err)
	}

	logger.Info("DPDK telemetry exporter stopped")
	return nil
}

func (cli *CLI) validateCommand(args []string) error {
	var configPath string
	var verboseFlag string

	flags := map[string]*string{
		"config":  &configPath,
		"verbose": &verboseFlag,
	}

	remaining := cli.parseFlags(args, flags)
	if wantsHelp(remaining) {
		cli.printValidateHelp()
		return nil
	}
	verbose := verboseFlag == "true"

	var cfg *config.Config
	var err error
	if configPath == "" {
		fmt.Fprintln(cli.out, "Validating zero-config mode with defaults and environment overrides")
		cfg, err = config.Parse(nil)
	} else {
		if err := cli.validateConfigPath(configPath); err != nil {
			return err
		}
		fmt.Fprintf(cli.out, "Validating configuration file: %s\n", configPath)
		var data []byte
		data, err = os.ReadFile(configPath)
		if err == nil {
			cfg, err = config.Parse(data)
		}
	}
	if err != nil {
		return fmt.Errorf("configuration could not be parsed: %w", err)
	}

	result := config.GetValidationResult(cfg)
	cli.printValidationResults(result, verbose)

	if !result.Valid {
		fmt.Fprintf(cli.out, "\nConfiguration validation failed with %d error(s)\n", len(result.Errors))
		return fmt.Errorf("configuration validation failed")
	}

	if len(result.Warnings) > 0 {
		fmt.Fprintf(cli.out, "\nFound %d warning(s) - configuration is valid but could be improved\n", len(result.Warnings))
	}

	cli.printConfigurationSummary(cfg)

	fmt.Fprintln(cli.out, "\nConfiguration validation completed successfully")
	return nil
}

// printValidationResults prints detailed validation results
func (cli *CLI) printValidationResults(result *config.ValidationResult, verbose bool) {
	if len(result.Errors) == 0 && len(result.Warnings) == 0 {
		fmt.Fprintln(cli.out, "Configuration passes all validation checks")
		return
	}

	printItems := func(title, label string, items []config.ValidationError) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(cli.out, "\n%s (%d):\n", title, len(items))
		for i, item := range items {
			fmt.Fprintf(cli.out, "  %d. Field: %s\n", i+1, item.Field)
			fmt.Fprintf(cli.out, "     %s: %s\n", label, item.Message)
			if item.Suggestion != "" {
				fmt.Fprintf(cli.out, "     Fix: %s\n", item.Suggestion)
			}
			if verbose && item.Value != nil {
				fmt.Fprintf(cli.out, "     Current value: %v\n", item.Value)
			}
			fmt.Fprintln(cli.out)
		}
	}

	printItems("VALIDATION ERRORS", "Error", result.Errors)
	printItems("VALIDATION WARNINGS", "Warning", result.Warnings)
}

// printConfigurationSummary prints a summary of a valid configuration
func (cli *CLI) printConfigurationSummary(cfg *config.Config) {
	fmt.Fprintln(cli.out, "\nCONFIGURATION SUMMARY:")

	fmt.Fprintln(cli.out, "Server:")
	fmt.Fprintf(cli.out, "   Bind Address: %s\n", cfg.Server.BindAddress)
	fmt.Fprintf(cli.out, "   Metrics Path: %s\n", cfg.Server.MetricsPath)
	fmt.Fprintf(cli.out, "   Rate Limit: %.0f req/s (burst %d)\n", cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst)

	fmt.Fprintln(cli.out, "\nScrape:")
	fmt.Fprintf(cli.out, "   Protocol: %s\n", cfg.Scrape.Protocol)
	fmt.Fprintf(cli.out, "   Root Directory: %s\n", cfg.Scrape.RootDir)
	if cfg.Scrape.SocketName != "" {
		fmt.Fprintf(cli.out, "   Socket Name: %s\n", cfg.Scrape.SocketName)
	}
	fmt.Fprintf(cli.out, "   Interval: %s\n", cfg.Scrape.Interval)
	fmt.Fprintf(cli.out, "   Receive Timeout: %s\n", cfg.Scrape.ReceiveTimeout)
	fmt.Fprintf(cli.out, "   Bind Retry Delay: %s\n", cfg.Scrape.BindRetryDelay)
	fmt.Fprintf(cli.out, "   Path Segments: namespace=%d workload=%d\n", cfg.Scrape.NamespaceSegment, cfg.Scrape.WorkloadSegment)
	fmt.Fprintf(cli.out, "   Node Name: %s\n", cfg.Scrape.NodeName)

	fmt.Fprintln(cli.out, "\nStorage:")
	if cfg.Storage.Enabled {
		fmt.Fprintf(cli.out, "   Snapshot: enabled (%s)\n", cfg.Storage.DatabasePath)
	} else {
		fmt.Fprintln(cli.out, "   Snapshot: disabled")
	}

	fmt.Fprintf(cli.out, "\nLogging: %s (%s)\n", cfg.Logging.Level, cfg.Logging.Format)

	if cfg.Tracing.Enabled {
		fmt.Fprintf(cli.out, "\nTracing: enabled (%s exporter)\n", cfg.Tracing.Exporter.Type)
		fmt.Fprintf(cli.out, "   Service: %s v%s (%s)\n", cfg.Tracing.ServiceName, cfg.Tracing.ServiceVersion, cfg.Tracing.Environment)
		fmt.Fprintf(cli.out, "   Sampling Rate: %.1f%%\n", cfg.Tracing.Sampling.Rate*100)
	} else {
		fmt.Fprintln(cli.out, "\nTracing: disabled")
	}
}

func (cli *CLI) samplesCommand(args []string) error {
	var configPath string
	var format = "table"

	flags := map[string]*string{
		"config": &configPath,
		"format": &format,
	}

	remaining := cli.parseFlags(args, flags)
	if wantsHelp(remaining) {
		cli.printSamplesHelp()
		return nil
	}
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format: %s (valid: table, json)", format)
	}

	cfg, err := cli.loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Storage.DatabasePath == "" || cfg.Storage.DatabasePath == storage.MemoryPath {
		return errors.New("storage.database_path is in-memory; no snapshot is persisted")
	}
	if _, err := os.Stat(cfg.Storage.DatabasePath); err != nil {
		return fmt.Errorf("snapshot database not found: %w", err)
	}

	store, err := storage.NewSQLiteStorage(cfg.Storage, zap.NewNop())
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := store.Start(ctx); err != nil {
		return err
	}
	defer store.Stop(ctx)

	samples, err := store.List(ctx)
	if err != nil {
		return err
	}

	if format == "json" {
		encoder := json.NewEncoder(cli.out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(samples)
	}

	w := tabwriter.NewWriter(cli.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAMESPACE\tWORKLOAD\tHARDWARE ADDRESS\tMETRIC\tVALUE\tUPDATED")
	for _, s := range samples {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%g\t%s\n",
			s.Namespace, s.WorkloadName, s.HardwareAddress, s.MetricName, s.Value, s.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	}
	return w.Flush()
}

func (cli *CLI) versionCommand(args []string) error {
	fmt.Fprintf(cli.out, "DPDK Telemetry Exporter version %s\n", Version)
	fmt.Fprintln(cli.out, "Built with Go")
	return nil
}

func (cli *CLI) helpCommand(args []string) error {
	if len(args) == 0 {
		cli.printUsage(cli.commands())
		return nil
	}

	switch args[0] {
	case "run":
		cli.printRunHelp()
	case "validate":
		cli.printValidateHelp()
	case "example-config":
		cli.printExampleConfigHelp()
	case "samples":
		cli.printSamplesHelp()
	case "version":
		fmt.Fprintln(cli.out, "USAGE: dpdk-exporter version")
		fmt.Fprintln(cli.out, "Show version information.")
	default:
		fmt.Fprintf(cli.out, "Unknown command: %s\n\n", args[0])
		cli.printUsage(cli.commands())
	}

	return nil
}

func (cli *CLI) exampleConfigCommand(args []string) error {
	var outputPath = "dpdk-exporter.yaml"

	flags := map[string]*string{
		"output": &outputPath,
	}

	remaining := cli.parseFlags(args, flags)
	if wantsHelp(remaining) {
		cli.printExampleConfigHelp()
		return nil
	}

	if outputPath == "-" {
		_, err := cli.out.Write(config.Example())
		return err
	}

	if _, err := os.Stat(outputPath); err == nil {
		return fmt.Errorf("file already exists: %s (use a different path or remove the existing file)", outputPath)
	}

	if err := os.WriteFile(outputPath, config.Example(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cli.out, "Example configuration written to: %s\n", outputPath)
	fmt.Fprintln(cli.out, "Edit the file to match your environment and use:")
	fmt.Fprintf(cli.out, "  dpdk-exporter validate --config %s\n", outputPath)
	return nil
}

func (cli *CLI) validateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path cannot be empty")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("config file does not exist: %s", path)
	}

	return nil
}

// createLogger builds a production logger whose level can change at runtime
func (cli *CLI) createLogger(level, format string) (*zap.Logger, zap.AtomicLevel, error) {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info", "":
		zapLevel = zapcore.InfoLevel
	case "warn", "warning":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", level)
	}

	atomicLevel := zap.NewAtomicLevelAt(zapLevel)

	cfg := zap.NewProductionConfig()
	cfg.Level = atomicLevel
	switch format {
	case "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "json", "":
		cfg.Encoding = "json"
	default:
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log format: %s (valid: json, console)", format)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	return logger, atomicLevel, nil
}

func (cli *CLI) printRunHelp() {
	fmt.Fprintln(cli.out, "USAGE: dpdk-exporter run [options]")
	fmt.Fprintln(cli.out, "Discover DPDK telemetry sockets, scrape them on an interval and serve Prometheus metrics.")
	fmt.Fprintln(cli.out)
	fmt.Fprintln(cli.out, "OPTIONS:")
	fmt.Fprintln(cli.out, "  --config path      Configuration file path (default: zero-config mode)")
	fmt.Fprintln(cli.out, "  --log-level level  Log level: debug, info, warn, error (default: from config)")
	fmt.Fprintln(cli.out, "  --help, -h         Show this help message")
	fmt.Fprintln(cli.out)
	fmt.Fprintln(cli.out, "ENVIRONMENT:")
	fmt.Fprintln(cli.out, "  METRICS_API_PORT         Port of the metrics server (default: 9138)")
	fmt.Fprintln(cli.out, "  NODE_NAME                Value of the node_name label")
	fmt.Fprintln(cli.out, "  DPDK_TELEMETRY_PROTOCOL  legacy or v2 (default: v2)")
	fmt.Fprintln(cli.out, "  LOG_LEVEL                Log level")
	fmt.Fprintln(cli.out)
	fmt.Fprintln(cli.out, "SIGNALS:")
	fmt.Fprintln(cli.out, "  SIGINT/SIGTERM    Graceful shutdown (legacy sessions are unregistered)")
	fmt.Fprintln(cli.out)
	fmt.Fprintln(cli.out, "With --config the file is watched and a changed log level applies immediately.")
}

func (cli *CLI) printValidateHelp() {
	fmt.Fprintln(cli.out, "USAGE: dpdk-exporter validate [options]")
	fmt.Fprintln(cli.out, "Validate configuration without starting the exporter.")
	fmt.Fprintln(cli.out)
	fmt.Fprintln(cli.out, "OPTIONS:")
	fmt.Fprintln(cli.out, "  --config path  Configuration file path (default: zero-config mode)")
	fmt.Fprintln(cli.out, "  --verbose      Show current values of failing fields")
	fmt.Fprintln(cli.out, "  --help, -h     Show this help message")
}

func (cli *CLI) printExampleConfigHelp() {
	fmt.Fprintln(cli.out, "USAGE: dpdk-exporter example-config [options]")
	fmt.Fprintln(cli.out, "Write an annotated example configuration file.")
	fmt.Fprintln(cli.out)
	fmt.Fprintln(cli.out, "OPTIONS:")
	fmt.Fprintln(cli.out, "  --output path  Output file path, - for stdout (default: dpdk-exporter.yaml)")
	fmt.Fprintln(cli.out, "  --help, -h     Show this help message")
}

func (cli *CLI) printSamplesHelp() {
	fmt.Fprintln(cli.out, "USAGE: dpdk-exporter samples [options]")
	fmt.Fprintln(cli.out, "Print the last sample of every series from the snapshot database.")
	fmt.Fprintln(cli.out)
	fmt.Fprintln(cli.out, "OPTIONS:")
	fmt.Fprintln(cli.out, "  --config path    Configuration file naming storage.database_path")
	fmt.Fprintln(cli.out, "  --format format  table or json (default: table)")
	fmt.Fprintln(cli.out, "  --help, -h       Show this help message")
}
