package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/roach88/tillsync/internal/config"
	"github.com/roach88/tillsync/internal/ir"
)

// RootOptions holds global flags and the state every command shares once
// PersistentPreRunE has loaded the configuration.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string

	viper  *viper.Viper
	Config *config.Config
	Logger *slog.Logger

	logFile io.Closer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// Execute runs the tillsync CLI with the process arguments. The log file
// opened for the command is closed whether or not the command succeeds.
func Execute() error {
	cmd, opts := newRootCommand()
	return run(cmd, opts)
}

func run(cmd *cobra.Command, opts *RootOptions) (err error) {
	defer func() {
		if cerr := opts.close(); err == nil {
			err = cerr
		}
	}()
	return cmd.Execute()
}

// NewRootCommand creates the root command for the tillsync CLI.
func NewRootCommand() *cobra.Command {
	cmd, _ := newRootCommand()
	return cmd
}

func newRootCommand() (*cobra.Command, *RootOptions) {
	opts := &RootOptions{viper: config.NewViper()}

	cmd := &cobra.Command{
		Use:     "tillsync",
		Short:   "tillsync - offline sync for the till",
		Long:    "Keeps a retail client's local store and its server in step across connectivity loss.",
		Version: ir.EngineVersion,
		// main prints the error once; usage is for --help.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			cfg, err := config.Load(opts.viper, opts.ConfigFile)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load configuration", err)
			}
			opts.Config = cfg
			opts.Logger, opts.logFile = newLogger(cfg.Log, opts.Verbose, cmd.ErrOrStderr())
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return opts.close()
		},
	}

	// Global flags
	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVar(&opts.ConfigFile, "config", "", "config file (default ./tillsync.yaml if present)")
	flags.String("db", "", "path to the local SQLite database")
	flags.String("log-file", "", "write logs to this file, rotated by size")

	_ = opts.viper.BindPFlag("db_path", flags.Lookup("db"))
	_ = opts.viper.BindPFlag("log.file", flags.Lookup("log-file"))

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd, opts
}

// newLogger logs to stderr, or to a lumberjack-rotated file when one is
// configured. --verbose lowers the level to debug.
func newLogger(cfg config.Log, verbose bool, stderr io.Writer) (*slog.Logger, io.Closer) {
	level := cfg.Level
	if verbose {
		level = slog.LevelDebug
	}

	var w io.Writer = stderr
	var closer io.Closer
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		w, closer = lj, lj
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closer
}

func (o *RootOptions) close() error {
	if o.logFile == nil {
		return nil
	}
	err := o.logFile.Close()
	o.logFile = nil
	return err
}

// formatter returns an OutputFormatter writing to the command's streams.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
