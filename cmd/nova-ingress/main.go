package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zhcnova/nova/pkg/artifact"
	"github.com/zhcnova/nova/pkg/config"
	"github.com/zhcnova/nova/pkg/log"
	"github.com/zhcnova/nova/pkg/metrics"
	"github.com/zhcnova/nova/pkg/policy"
	"github.com/zhcnova/nova/pkg/registry"
	"github.com/zhcnova/nova/pkg/router"
	"github.com/zhcnova/nova/pkg/telegram"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	log.Init(log.Config{
		Level:      log.Level(os.Getenv("ZHC_LOG_LEVEL")),
		JSONOutput: true,
	})
	metrics.Register()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "nova-ingress",
	Short:         "Nova Telegram long-poll ingress",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("nova-ingress version %s (%s)\n", Version, Commit))
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("show-offset", false, "print the persisted update offset and exit")
	runCmd.Flags().Bool("reset-offset", false, "reset the persisted update offset to 0 and exit")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the long-poll loop until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ingressCfg, err := config.LoadIngress()
		if err != nil {
			return err
		}

		if show, _ := cmd.Flags().GetBool("show-offset"); show {
			fmt.Println(telegram.ReadOffset(ingressCfg.OffsetPath))
			return nil
		}
		if reset, _ := cmd.Flags().GetBool("reset-offset"); reset {
			if err := telegram.WriteOffset(ingressCfg.OffsetPath, 0); err != nil {
				return err
			}
			fmt.Println("offset reset to 0")
			return nil
		}

		planeCfg, err := config.LoadPlane()
		if err != nil {
			return err
		}
		reg, err := registry.Open(planeCfg.DBPath)
		if err != nil {
			return err
		}
		defer reg.Close()

		policies, err := policy.Load(
			planeCfg.RoutingPolicyPath, planeCfg.ApprovalPolicyPath,
			planeCfg.ExecutionPolicyPath, planeCfg.PolicyEnforcement)
		if err != nil {
			return err
		}
		rtr := router.New(planeCfg, reg, policies, artifact.NewStore(planeCfg.StorageRoot))

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ing := telegram.New(ingressCfg, reg, rtr, telegram.NewAPITransport(ingressCfg))
		return ing.Run(ctx)
	},
}
