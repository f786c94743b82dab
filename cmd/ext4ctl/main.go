package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/marmos91/ext4bridge/internal/logger"
	"github.com/marmos91/ext4bridge/pkg/blockdev"
	"github.com/marmos91/ext4bridge/pkg/config"
	"github.com/marmos91/ext4bridge/pkg/engine/simfs"
	"github.com/marmos91/ext4bridge/pkg/ext4"
)

// command is one ext4ctl subcommand.
type command struct {
	usage   string
	summary string
	run     func(s *session, args []string) error
}

// commands is filled in init because the handlers refer back to it for
// their usage lines.
var commands map[string]command

func init() {
	commands = map[string]command{
		"init":     {"init [-force]", "Write a default configuration file", nil},
		"mkfs":     {"mkfs [-size SIZE] [-label NAME]", "Format the configured device", cmdMkfs},
		"stat":     {"stat", "Show filesystem usage", cmdStat},
		"ls":       {"ls [PATH]", "List a directory", cmdLs},
		"cat":      {"cat PATH", "Write a file to stdout", cmdCat},
		"put":      {"put LOCAL PATH", "Copy a local file into the image", cmdPut},
		"mkdir":    {"mkdir [-p] PATH", "Create a directory", cmdMkdir},
		"touch":    {"touch PATH", "Create a file or update its times", cmdTouch},
		"rm":       {"rm PATH", "Remove a file or an empty directory", cmdRm},
		"mv":       {"mv SRC DST", "Rename an entry", cmdMv},
		"ln":       {"ln TARGET PATH", "Create a hard link", cmdLn},
		"symlink":  {"symlink TARGET PATH", "Create a symbolic link", cmdSymlink},
		"readlink": {"readlink PATH", "Print a symbolic link target", cmdReadlink},
		"truncate": {"truncate -size SIZE PATH", "Shrink or extend a file", cmdTruncate},
		"attr":     {"attr [-mode MODE] [-uid UID] [-gid GID] PATH", "Show or change inode attributes", cmdAttr},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "ext4ctl: %v\n", err)
		os.Exit(1)
	}
}

// run parses the global flags, loads the configuration and dispatches to
// the subcommand.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("ext4ctl", flag.ContinueOnError)
	configPath := flags.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/ext4bridge/config.yaml)")
	logLevel := flags.String("log-level", "", "Log level override (DEBUG, INFO, WARN, ERROR)")
	flags.Usage = func() { printUsage(flags) }

	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return errors.New("missing command")
	}

	name, rest := flags.Arg(0), flags.Args()[1:]
	cmd, ok := commands[name]
	if !ok {
		flags.Usage()
		return fmt.Errorf("unknown command %q", name)
	}

	if name == "init" {
		return cmdInit(*configPath, rest, stdout)
	}

	// ========================================================================
	// Step 1: Configuration and logging
	// ========================================================================

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger.SetLevel(cfg.Logging.Level)
	if *logLevel != "" {
		logger.SetLevel(*logLevel)
	}
	logger.SetFormat(cfg.Logging.Format)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		return err
	}

	// ========================================================================
	// Step 2: Metrics
	// ========================================================================

	metricsResult := config.InitializeMetrics(cfg)

	// ========================================================================
	// Step 3: Run the command
	// ========================================================================

	s := &session{ctx: ctx, cfg: cfg, out: stdout}
	err = cmd.run(s, rest)

	if flushErr := metricsResult.Flush(); flushErr != nil {
		logger.Error("Failed to write metrics: %v", flushErr)
		err = errors.Join(err, flushErr)
	}
	return err
}

func printUsage(flags *flag.FlagSet) {
	out := flags.Output()
	fmt.Fprintf(out, "Usage: ext4ctl [flags] COMMAND [args]\n\nCommands:\n")

	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-45s %s\n", commands[name].usage, commands[name].summary)
	}

	fmt.Fprintf(out, "\nFlags:\n")
	flags.PrintDefaults()
}

// session carries what every command needs.
type session struct {
	ctx context.Context
	cfg *config.Config
	out io.Writer
}

// withDevice opens the configured block device for the duration of fn.
func (s *session) withDevice(fn func(blockdev.Device) error) (err error) {
	dev, err := config.CreateDevice(s.ctx, &s.cfg.Device)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := dev.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close device: %w", closeErr))
		}
	}()
	return fn(dev)
}

// withFS mounts the filesystem on the configured device for the duration of
// fn. readOnly mounts read-only regardless of configuration.
func (s *session) withFS(readOnly bool, fn func(*ext4.Filesystem) error) error {
	return s.withDevice(func(dev blockdev.Device) (err error) {
		opts := config.MountOptions(&s.cfg.Filesystem)
		if readOnly {
			opts = append(opts, ext4.WithReadOnly())
		}

		fs, err := ext4.New(simfs.New(), dev, opts...)
		if err != nil {
			return fmt.Errorf("failed to mount: %w", err)
		}
		defer func() {
			if closeErr := fs.Close(); closeErr != nil {
				err = errors.Join(err, fmt.Errorf("failed to unmount: %w", closeErr))
			}
		}()
		return fn(fs)
	})
}

// parseFlags parses subcommand flags and checks the positional count.
func parseFlags(flags *flag.FlagSet, args []string, minArgs, maxArgs int) ([]string, error) {
	flags.SetOutput(io.Discard)
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("%s: %w", flags.Name(), err)
	}
	rest := flags.Args()
	if len(rest) < minArgs || len(rest) > maxArgs {
		return nil, fmt.Errorf("usage: ext4ctl %s", commands[flags.Name()].usage)
	}
	return rest, nil
}
