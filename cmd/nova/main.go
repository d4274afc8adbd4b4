package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zhcnova/nova/pkg/artifact"
	"github.com/zhcnova/nova/pkg/config"
	"github.com/zhcnova/nova/pkg/log"
	"github.com/zhcnova/nova/pkg/metrics"
	"github.com/zhcnova/nova/pkg/policy"
	"github.com/zhcnova/nova/pkg/registry"
	"github.com/zhcnova/nova/pkg/router"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var jsonOutput bool

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
	Use:   "nova",
	Short: "Nova - supervised task control plane",
	Long: `Nova routes tasks through classification, policy, approval, and
review gates, then dispatches them to worker tiers with lease and
idempotency protection. State lives in a single bbolt registry.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Nova version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit structured JSON output")

	rootCmd.AddCommand(registryCmd)
	rootCmd.AddCommand(routerCmd)
	rootCmd.AddCommand(opsCmd)
}

// emit prints the structured value under --json, otherwise the human
// summary line.
func emit(v any, human string) error {
	if jsonOutput {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(human)
	return nil
}

func openRegistry() (*config.Plane, *registry.Registry, error) {
	cfg, err := config.LoadPlane()
	if err != nil {
		return nil, nil, err
	}
	reg, err := registry.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, reg, nil
}

func openRouter() (*config.Plane, *registry.Registry, *router.Router, error) {
	cfg, reg, err := openRegistry()
	if err != nil {
		return nil, nil, nil, err
	}
	policies, err := policy.Load(
		cfg.RoutingPolicyPath, cfg.ApprovalPolicyPath, cfg.ExecutionPolicyPath,
		cfg.PolicyEnforcement)
	if err != nil {
		reg.Close()
		return nil, nil, nil, err
	}
	rtr := router.New(cfg, reg, policies, artifact.NewStore(cfg.StorageRoot))
	return cfg, reg, rtr, nil
}
