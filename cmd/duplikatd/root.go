package main

import (
	"io"
	"os"
	"strings"

	"github.com/fgeck/duplikatd/internal/config"
	"github.com/fgeck/duplikatd/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile string
	verbose    bool
	quiet      bool
	jsonOutput bool

	// Log file flags.
	logFile       string
	logMaxSize    int
	logMaxBackups int
)

var rootCmd = &cobra.Command{
	Use:   "duplikatd",
	Short: "A restic backup daemon",
	Long: `duplikatd keeps named restic backup definitions on disk and serves
clients over a line-delimited JSON protocol:
  - create a backup and initialize its repository
  - list backups together with repository stats
  - run a backup and stream restic's progress

Telegram notifications are sent after every run if configured.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (optional)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write JSON logs to this file")
	rootCmd.PersistentFlags().IntVar(&logMaxSize, "log-max-size", 50, "rotate the log file after this many megabytes")
	rootCmd.PersistentFlags().IntVar(&logMaxBackups, "log-max-backups", 5, "number of rotated log files to keep")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
}

func setupLogging() {
	// Set output format
	var out io.Writer
	if jsonOutput {
		out = os.Stdout
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		out = output
	}

	if logFile != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    logMaxSize,
			MaxBackups: logMaxBackups,
			Compress:   true,
		})
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()

	// Set log level
	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// loadConfig reads the config file if one was given and falls back to
// defaults and environment overrides otherwise.
func loadConfig() (*models.DaemonConfig, error) {
	parser := config.NewParser()
	if configFile == "" {
		return parser.LoadDefaults()
	}
	return parser.LoadFile(configFile)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
