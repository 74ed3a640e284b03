// cmd/aiden/main.go
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/aidenlabs/aiden/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "aiden",
	Short: "eNSP console capture, error detection and AI analysis",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the capture/detection/analysis pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		setupLogging(cfg)
		return runPipeline(cfg)
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean <logfile> [output]",
	Short: "Re-clean an existing console log file (doubling repair, dedup)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		out := ""
		if len(args) > 1 {
			out = args[1]
		}
		return cleanLogFile(cfg, args[0], out)
	},
}

// setupLogging sends the process log to stderr, and also to a rotated file
// when one is configured.
func setupLogging(cfg *config.Config) {
	if cfg.AppLogFile == "" {
		return
	}
	log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   cfg.AppLogFile,
		MaxSize:    50, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}))
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cleanCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
