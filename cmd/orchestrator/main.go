package main

import (
	"os"

	"github.com/ronappleton/mitigation-orchestrator/internal/cli"
	"github.com/ronappleton/mitigation-orchestrator/internal/config"
	grpcserver "github.com/ronappleton/mitigation-orchestrator/internal/grpc"
	"github.com/ronappleton/mitigation-orchestrator/internal/httpserver"
	"github.com/ronappleton/mitigation-orchestrator/internal/integrations"
	"github.com/ronappleton/mitigation-orchestrator/internal/logging"
	"github.com/ronappleton/mitigation-orchestrator/internal/metrics"
	"github.com/ronappleton/mitigation-orchestrator/internal/otel"
	"github.com/ronappleton/mitigation-orchestrator/internal/scheduler"
	"github.com/ronappleton/mitigation-orchestrator/internal/signalworker"
	"github.com/ronappleton/mitigation-orchestrator/internal/workflow"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func main() {
	rootCmd := cli.NewRootCommand()

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		startServer(configPath)
		return nil
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func startServer(configPath string) {
	app := fx.New(
		config.Module(configPath),
		logging.Module(),
		otel.Module(),
		integrations.Module(),
		workflow.Module(),
		metrics.Module(),
		signalworker.Module(),
		scheduler.Module(),
		grpcserver.Module,
		httpserver.Module(),
	)

	app.Run()
}
