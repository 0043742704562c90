package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var (
	healthGRPC    bool
	healthService string
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the scrapehook API",
	Long: `Check service health through GET /healthz, or through the standard
gRPC health service with --grpc.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if healthGRPC {
			return grpcHealth(cmd)
		}
		return httpHealth(cmd)
	},
}

func httpHealth(cmd *cobra.Command) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	var st struct {
		OK      bool              `json:"ok"`
		Message string            `json:"message"`
		Checks  map[string]string `json:"checks,omitempty"`
	}
	err := doRequest(ctx, http.MethodGet, "/healthz", nil, &st)

	// 503 still carries the check breakdown
	var apiErr *apiError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable) {
		return fmt.Errorf("HTTP health check failed: %w", err)
	}
	if err != nil {
		if jerr := json.Unmarshal(apiErr.Body, &st); jerr != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	if outputJSON {
		return printJSON(out, st)
	}
	if st.OK {
		fmt.Fprintln(out, "✓ Service is healthy (HTTP)")
	} else {
		fmt.Fprintln(out, "✗ Service is unhealthy (HTTP)")
	}
	for name, res := range st.Checks {
		fmt.Fprintf(out, "  %s: %s\n", name, res)
	}
	return nil
}

func grpcHealth(cmd *cobra.Command) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: healthService})
	if err != nil {
		return fmt.Errorf("gRPC health check failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if outputJSON {
		return printJSON(out, resp)
	}
	if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
		fmt.Fprintln(out, "✓ Service is healthy (gRPC)")
	} else {
		fmt.Fprintf(out, "✗ Service is %s (gRPC)\n", resp.GetStatus())
	}
	return nil
}

func init() {
	healthCmd.Flags().BoolVar(&healthGRPC, "grpc", false, "use the gRPC health service instead of HTTP")
	healthCmd.Flags().StringVar(&healthService, "service", "scrapehook.api", "gRPC health service name")
	rootCmd.AddCommand(healthCmd)
}
