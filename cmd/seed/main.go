package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"migration-flows/backend/internal/config"
	"migration-flows/backend/internal/logging"
	"migration-flows/backend/internal/repository"
	"migration-flows/backend/internal/services"
	"migration-flows/backend/internal/telemetry"
	"migration-flows/backend/internal/tenant"
	"migration-flows/backend/pkg/models"

	"github.com/spf13/cobra"
)

var (
	configPath      string
	clientAccountID string
	engagementID    string
)

var rootCmd = &cobra.Command{
	Use:   "flows-seed",
	Short: "Seed demo flows for one tenant",
	Long: "Creates one demo master flow per flow type for the given tenant. " +
		"Flows that already exist by name are left untouched.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.Flags().StringVar(&clientAccountID, "client-account-id", "", "Client account UUID (required)")
	rootCmd.Flags().StringVar(&engagementID, "engagement-id", "", "Engagement UUID (required)")
	_ = rootCmd.MarkFlagRequired("client-account-id")
	_ = rootCmd.MarkFlagRequired("engagement-id")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type seedFlow struct {
	flowType models.FlowType
	name     string
	// phases to advance through after creation
	advance int
}

var seedFlows = []seedFlow{
	{models.FlowTypeDiscovery, "Demo discovery", 3},
	{models.FlowTypeAssessment, "Demo assessment", 1},
	{models.FlowTypePlanning, "Demo planning", 0},
	{models.FlowTypeDecommission, "Demo decommission", 0},
	{models.FlowTypeCollection, "Demo collection", 2},
}

func run(ctx context.Context) error {
	t, err := tenant.Resolve(clientAccountID, engagementID)
	if err != nil {
		return err
	}

	cfg, _, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}).With("tenant", t.String())

	pool, err := repository.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns, func(err error, next time.Duration) {
		logger.Warn("Database not ready, retrying", "error", err, "retry_in", next)
	})
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := repository.Migrate(ctx, pool); err != nil {
		return err
	}

	coordinator := services.NewFlowCoordinator(repository.NewPostgresFlowStore(pool), config.NewStaticFlags(true), logger, telemetry.NewNopMetrics(), services.Options{})

	for _, sf := range seedFlows {
		existing, err := coordinator.ListByType(ctx, t, sf.flowType, models.MaxPageSize, 0)
		if err != nil {
			return err
		}
		if hasName(existing, sf.name) {
			logger.Info("Skipping existing flow", "name", sf.name)
			continue
		}

		flow, err := coordinator.CreateFlow(ctx, t, services.CreateFlowRequest{
			FlowType: sf.flowType,
			FlowName: sf.name,
			Metadata: map[string]interface{}{"created_by": "seed"},
		})
		if err != nil {
			return fmt.Errorf("create %s: %w", sf.name, err)
		}

		phase := flow.CurrentPhase
		for i := 0; i < sf.advance; i++ {
			phase = models.NextPhase(sf.flowType, phase)
			if _, err := coordinator.TransitionPhase(ctx, flow.FlowID, t, services.PhaseTransitionRequest{Phase: phase}); err != nil {
				return fmt.Errorf("advance %s to %s: %w", sf.name, phase, err)
			}
		}

		child, err := coordinator.CreateChildFlow(ctx, flow.FlowID, t, services.CreateChildRequest{
			FlowType: sf.flowType,
			Payload:  map[string]interface{}{"source": "seed"},
		})
		if err != nil {
			return fmt.Errorf("create child of %s: %w", sf.name, err)
		}
		logger.Info("Seeded flow", "name", sf.name, "flow_id", flow.FlowID, "phase", phase, "child_flow_id", child.FlowID)
	}

	logger.Info("Seeding complete")
	return nil
}

func hasName(flows []*models.MasterFlowRecord, name string) bool {
	for _, f := range flows {
		if f.FlowName == name {
			return true
		}
	}
	return false
}
