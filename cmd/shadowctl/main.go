// shadowctl inspects and edits a device shadow from the command line.
//
// It reads broker and device settings from the same configuration file as
// shadowd and connects with its own client ID, so it can run next to the
// daemon without taking over its connection.
//
// Usage:
//
//	shadowctl [flags] get
//	shadowctl [flags] update -desired '{"power":"on"}' [-reported '{...}'] [-version N]
//	shadowctl [flags] delete
//	shadowctl [flags] watch
//	shadowctl [flags] migrate status|up|down
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-shadow/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-shadow/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-shadow/internal/shadow"
)

const (
	defaultConfigPath = "configs/shadowd.yaml"

	// clientIDSuffix keeps the tool's session apart from the daemon's.
	// The broker disconnects the older of two clients sharing an ID.
	clientIDSuffix = "-ctl"
)

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// errUsage marks errors caused by bad arguments.
var errUsage = errors.New("usage")

// options holds the global flags.
type options struct {
	configPath string
	thing      string
	name       string
	clientID   string
	timeout    time.Duration
	args       []string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	if opts.args[0] == migrateCommand {
		return exitCode(migrate(ctx, cfg.Database, opts.args[1:], newPrinter(stdout)), stderr)
	}

	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		fmt.Fprintf(stderr, "Error: connecting to MQTT: %v\n", err)
		return exitError
	}
	defer client.Close() //nolint:errcheck // Process is exiting

	sess, err := shadow.Open(ctx, shadow.Options{
		Transport:      client,
		QoS:            byte(cfg.MQTT.QoS),
		RequestTimeout: opts.timeout,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: opening shadow session: %v\n", err)
		return exitError
	}
	defer sess.Close() //nolint:errcheck // Process is exiting

	cmd := &command{
		client:  sess,
		id:      shadow.Named(cfg.Device.ThingName, cfg.Device.ShadowName),
		timeout: opts.timeout,
		out:     newPrinter(stdout),
		errOut:  stderr,
	}
	return exitCode(cmd.execute(ctx, opts.args), stderr)
}

// exitCode reports a command error and maps it to an exit code.
func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	if errors.Is(err, errUsage) {
		return exitUsage
	}
	return exitError
}

// parseFlags reads the global flags. The remaining arguments name the
// command and its own flags.
func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("shadowctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := &options{}
	fs.StringVar(&opts.configPath, "config", configPathFromEnv(), "configuration file")
	fs.StringVar(&opts.thing, "thing", "", "thing name (default from config)")
	fs.StringVar(&opts.name, "name", "", "named shadow (default from config)")
	fs.StringVar(&opts.clientID, "client-id", "", "MQTT client ID (default <config client_id>"+clientIDSuffix+")")
	fs.DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: shadowctl [flags] get|update|delete|watch|migrate")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.timeout <= 0 {
		return nil, fmt.Errorf("-timeout must be positive")
	}
	opts.args = fs.Args()
	if len(opts.args) == 0 {
		fs.Usage()
		return nil, fmt.Errorf("%w: missing command", errUsage)
	}
	return opts, nil
}

func configPathFromEnv() string {
	if path := os.Getenv("SHADOWD_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadConfig loads the daemon configuration and applies the flag overrides.
func loadConfig(opts *options) (*config.Config, error) {
	if opts.thing != "" {
		// Configs may leave the thing name to the environment.
		os.Setenv("SHADOWD_DEVICE_THING_NAME", opts.thing) //nolint:errcheck // Setenv only fails on invalid keys
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyOverrides(cfg, opts)
	return cfg, nil
}

func applyOverrides(cfg *config.Config, opts *options) {
	if opts.thing != "" {
		cfg.Device.ThingName = opts.thing
	}
	if opts.name != "" {
		cfg.Device.ShadowName = opts.name
	}
	if opts.clientID != "" {
		cfg.MQTT.Broker.ClientID = opts.clientID
	} else {
		cfg.MQTT.Broker.ClientID += clientIDSuffix
	}
	// No LWT or online status for the tool.
	cfg.MQTT.StatusTopic = ""
}
