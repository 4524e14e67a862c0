package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/KyungWonPark/Connectome/internal/group"
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Average BIDS connectomes across subjects",
	Long: `Averages every per-session connectome of each configured measure found
under <out> and writes <out>/group/dwi/group_meas-<label>_relmat.dense.tsv
with a sidecar describing the average. Run "connectome bids" first.`,
	RunE: runGroup,
}

func init() {
	groupCmd.Flags().String("out", "", "BIDS directory holding the per-session connectomes")
	groupCmd.Flags().String("metadata", "", "Sidecar template")
	groupCmd.Flags().Int("expected", 0, "Required number of connectomes per measure, 0 to accept any")
	groupCmd.Flags().Int("workers", 0, "Row workers of the averaging pipeline")
	groupCmd.Flags().Int("regions", 0, "Required matrix size, 0 to accept any")
	groupCmd.Flags().StringSlice("measures", nil, "Measures to average")
	groupCmd.Flags().Bool("npy", false, "Also write the mean as .npy")
	rootCmd.AddCommand(groupCmd)
}

func runGroup(cmd *cobra.Command, args []string) error {
	a := &group.Averager{
		Fs:               outputFs(),
		OutDir:           cfg.OutDir,
		MetadataFile:     cfg.MetadataFile,
		Measures:         cfg.Measures,
		ExpectedMatrices: cfg.ExpectedMatrices,
		Regions:          cfg.Regions,
		Workers:          cfg.Workers,
		WriteNpy:         cfg.WriteNpy,
		Dry:              cfg.Dry,
		Log:              log,
	}

	results, err := a.Run()
	for _, res := range results {
		log.WithFields(logrus.Fields{
			"measure": res.Measure,
			"count":   len(res.Inputs),
			"dst":     res.Path,
		}).Info("Group connectome ready")
	}
	return err
}
