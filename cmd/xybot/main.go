package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yydsdd211/xybot/internal/bot"
	"github.com/yydsdd211/xybot/internal/config"
	"github.com/yydsdd211/xybot/internal/gateway"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "xybot",
	Short: "xybot - chat automation bot core",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bot (gateway, login, plugins, feed)",
	RunE:  runBot,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway and session status",
	RunE:  runStatus,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE:  runInit,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("xybot", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "main_config.toml", "Path to the config file")
	rootCmd.AddCommand(runCmd, statusCmd, initCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBot(cmd *cobra.Command, args []string) error {
	for {
		cfg, err := config.Load(configFlag)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		b, err := bot.NewWithOptions(cfg, bot.Options{ConfigPath: configFlag, LogDir: "logs"})
		if err != nil {
			return err
		}
		err = b.Run(context.Background())
		if errors.Is(err, bot.ErrRestart) {
			continue
		}
		return err
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", configFlag)
	fmt.Printf("Gateway: http://%s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Printf("Data dir: %s\n", cfg.Gateway.DataDir)

	ctx := cmd.Context()
	client := gateway.NewClient(cfg.Gateway.Host, cfg.Gateway.Port)
	if !client.IsRunning(ctx) {
		fmt.Println("Gateway: not running")
		return nil
	}
	fmt.Println("Gateway: running")

	ok, err := client.CheckDatabaseOK(ctx)
	switch {
	case err != nil:
		fmt.Printf("Session store: error (%v)\n", err)
	case ok:
		fmt.Println("Session store: ok")
	default:
		fmt.Println("Session store: not ready")
	}

	device, err := gateway.LoadDevice(cfg.Gateway.DataDir)
	if err == nil && device.Wxid != "" {
		fmt.Printf("Account: %s (%s)\n", device.Wxid, device.DeviceName)
		client.SetWxid(device.Wxid)
		if running, err := client.AutoHeartbeatStatus(ctx); err == nil {
			fmt.Printf("Auto heartbeat: %v\n", running)
		}
	} else {
		fmt.Println("Account: not logged in")
	}
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configFlag); err == nil {
		fmt.Printf("Config already exists: %s\n", configFlag)
		return nil
	}
	if err := config.Save(configFlag, config.Default()); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("Created config: %s\n", configFlag)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to point at your gateway\n", configFlag)
	fmt.Println("  2. Run 'xybot run' and scan the QR code")
	return nil
}
