// Package cli implements the update-client command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"cellgain.ddns.net/cellgain-public/update-client/config"
)

type client struct {
	configPath string
	logLevel   string
	logFile    string

	config config.Config
	logger *log.Logger
	output io.Closer
}

// NewRootCmd returns the update-client command tree.
func NewRootCmd() *cobra.Command {
	c := &client{logger: log.StandardLogger()}
	cmd := &cobra.Command{
		Use:   "update-client",
		Short: "Firmware update client for NOR flash candidate slots",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			c.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.DisableAutoGenTag = true
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "configuration file (defaults apply when empty)")
	cmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level, overrides log.level")
	cmd.PersistentFlags().StringVar(&c.logFile, "log-file", "", "rotated log file, overrides log.file")

	cmd.AddCommand(
		newReceiveCmd(c),
		newScanCmd(c),
		newInstallCmd(c),
		newInspectCmd(c),
		newMkimageCmd(c),
	)

	return cmd
}

// Execute runs the root command until it completes or the process is
// interrupted.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		log.WithError(err).Error("update-client failed")
		cancel()
		os.Exit(1)
	}
}

func (c *client) init() error {
	c.config = config.Default()
	if c.configPath != "" {
		cfg, err := config.Load(c.configPath)
		if err != nil {
			return err
		}
		c.config = cfg
	}

	if c.logLevel != "" {
		c.config.Log.Level = c.logLevel
	}
	if c.logFile != "" {
		c.config.Log.File = c.logFile
	}
	return c.setupLogger()
}

func (c *client) setupLogger() error {
	level, err := log.ParseLevel(c.config.Log.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	c.logger.SetLevel(level)

	if lc := c.config.Log; lc.File != "" {
		rw := &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSize, // megabytes
			MaxAge:     lc.MaxAge,  // days
			MaxBackups: lc.MaxBackups,
			Compress:   lc.Compress,
		}
		c.logger.SetOutput(rw)
		c.logger.SetFormatter(&log.JSONFormatter{})
		c.output = rw
	}
	return nil
}

func (c *client) close() {
	if c.output != nil {
		c.output.Close()
		c.output = nil
	}
}
