package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/recordarr/internal/config"
	"github.com/jmylchreest/recordarr/internal/hls"
	"github.com/jmylchreest/recordarr/pkg/httpclient"
)

var probeCmd = &cobra.Command{
	Use:   "probe <url>",
	Short: "Check a stream URL once",
	Long: `Probe a live HLS URL the way the scheduler does: check it responds,
then resolve the variant that would be recorded for the given quality.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().String("quality", config.QualityHighest, "variant preference (lowest, highest, or bandwidth in bits/s)")
}

// ProbeReport is the output of the probe command.
type ProbeReport struct {
	URL       string `json:"url"`
	Available bool   `json:"available"`
	Quality   string `json:"quality"`
	Variant   string `json:"variant,omitempty"`
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	quality, _ := cmd.Flags().GetString("quality")
	if _, _, err := config.ParseQuality(quality); err != nil {
		return err
	}

	ctx := cmd.Context()
	logger := componentLogger("probe")

	prober := hls.NewProber(cfg.Probe.UserAgent, cfg.Probe.Timeout).WithLogger(logger)
	report := ProbeReport{URL: args[0], Quality: quality}
	report.Available = prober.IsAvailable(ctx, args[0])

	if report.Available {
		selector := hls.NewSelector(manifestClient(cfg.Probe, logger)).WithLogger(logger)
		report.Variant = selector.SelectVariant(ctx, "probe", args[0], quality)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// manifestClient builds the HTTP client used for playlist fetches.
func manifestClient(cfg config.ProbeConfig, logger *slog.Logger) *httpclient.Client {
	hc := httpclient.DefaultConfig()
	hc.Timeout = cfg.Timeout
	hc.UserAgent = cfg.UserAgent
	hc.Logger = logger
	return httpclient.New(hc)
}
