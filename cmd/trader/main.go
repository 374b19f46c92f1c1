package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"paneltrader/internal/bootstrap"
	"paneltrader/pkg/cli"
)

var (
	configPath string
	controlURL string
)

func main() {
	root := &cobra.Command{
		Use:   "trader",
		Short: "Autonomous panel-driven derivatives trader",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	root.PersistentFlags().StringVar(&controlURL, "control-url", "http://localhost:8690", "control server base URL")

	root.AddCommand(runCmd(), statusCmd(), triggerCmd(), closeCmd(), pauseCmd(), resumeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the trading loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap.NewApp(context.Background(), configPath)
			if err != nil {
				return err
			}
			return app.Run()
		},
	}
}

func controlClient() *resty.Client {
	return resty.New().SetBaseURL(controlURL).SetTimeout(10 * time.Second)
}

func printResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	fmt.Println(resp.String())
	if resp.IsError() {
		return fmt.Errorf("control server returned status %d", resp.StatusCode())
	}
	return nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scheduler, account and position status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResponse(controlClient().R().Get("/status"))
		},
	}
}

func triggerCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Request an immediate analysis cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.ValidateReason(reason); err != nil {
				return err
			}
			return printResponse(controlClient().R().
				SetQueryParam("reason", reason).
				Post("/control/trigger"))
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual_trigger", "reason recorded with the cycle")
	return cmd
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close",
		Short: "Close the open position immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResponse(controlClient().R().Post("/control/close"))
		},
	}
}

func pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause scheduled cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResponse(controlClient().R().Post("/control/pause"))
		},
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume scheduled cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResponse(controlClient().R().Post("/control/resume"))
		},
	}
}
