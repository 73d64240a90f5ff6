package main

import (
	"fmt"

	"github.com/fgeck/duplikatd/internal/daemon"
	"github.com/fgeck/duplikatd/internal/services/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and stored backups",
	Long: `Validate the daemon configuration and read back every stored backup
definition without starting the daemon or running restic.`,
	RunE: validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to parse config")
		return err
	}

	basePath := cfg.Store.BasePath
	if basePath == "" {
		basePath, err = store.DefaultBasePath()
		if err != nil {
			log.Error().Err(err).Msg("failed to determine store location")
			return err
		}
	}

	// Print configuration summary
	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Listen: %s\n", cfg.Listen)
	fmt.Printf("  Restic binary: %s\n", cfg.Restic.Binary)
	fmt.Printf("  Store: %s\n", basePath)
	fmt.Printf("  Strict protocol: %v\n", cfg.Protocol.Strict)
	if cfg.Protocol.MaxLineSize > 0 {
		fmt.Printf("  Max request line: %d bytes\n", cfg.Protocol.MaxLineSize)
	} else {
		fmt.Printf("  Max request line: %d bytes (default)\n", daemon.DefaultMaxLineSize)
	}
	if cfg.Stats.Concurrency > 0 {
		fmt.Printf("  Stats concurrency: %d\n", cfg.Stats.Concurrency)
	} else {
		fmt.Println("  Stats concurrency: unbounded")
	}
	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)

	if cfg.Telegram != nil {
		fmt.Println()
		fmt.Println("Telegram Configuration:")
		fmt.Printf("  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Printf("  Bot Token: (configured)\n")
	}

	// Check stored backups
	storeSvc := store.New(log.Logger, basePath)
	names, err := storeSvc.ListNames()
	if err != nil {
		log.Error().Err(err).Str("store", basePath).Msg("failed to list backups")
		return err
	}

	fmt.Println()
	fmt.Printf("Backups (%d):\n", len(names))

	invalid := 0
	for _, name := range names {
		backup, err := storeSvc.Read(name)
		if err != nil {
			invalid++
			fmt.Printf("  %s: INVALID (%v)\n", name, err)
			continue
		}
		if _, err := storeSvc.EnvironmentFor(name); err != nil {
			invalid++
			fmt.Printf("  %s: INVALID environment (%v)\n", name, err)
			continue
		}
		fmt.Printf("  %s: %s repository %s, %d include, %d exclude\n",
			name,
			backup.Repository.Kind.HumanReadable(),
			backup.Repository.String(),
			len(backup.Include),
			len(backup.Exclude),
		)
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d backup definitions are invalid", invalid, len(names))
	}
	return nil
}
