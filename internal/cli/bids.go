package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/KyungWonPark/Connectome/internal/bids"
)

var bidsCmd = &cobra.Command{
	Use:   "bids",
	Short: "Copy per-subject connectomes into a BIDS tree",
	Long: `Scans <root>/sub-*/*/dwi for connectomes of the configured parcellation,
keeps those in the configured space and writes them as
<out>/<subject>/<session>/dwi/<subject>_<session>_meas-<label>_relmat.dense.tsv
with a JSON sidecar copied from the metadata template.`,
	RunE: runBids,
}

func init() {
	bidsCmd.Flags().String("root", "", "Directory holding the sub-* folders")
	bidsCmd.Flags().String("out", "", "BIDS output directory")
	bidsCmd.Flags().String("metadata", "", "Sidecar template")
	bidsCmd.Flags().Int("workers", 0, "Subjects converted in parallel")
	bidsCmd.Flags().Int("regions", 0, "Required matrix size, 0 to accept any")
	rootCmd.AddCommand(bidsCmd)
}

func runBids(cmd *cobra.Command, args []string) error {
	c := &bids.Converter{
		Fs:             outputFs(),
		OutDir:         cfg.OutDir,
		MetadataFile:   cfg.MetadataFile,
		Parcellation:   cfg.Parcellation,
		Space:          cfg.Space,
		ConnectomeType: cfg.ConnectomeType,
		Regions:        cfg.Regions,
		Workers:        cfg.Workers,
		Dry:            cfg.Dry,
		Log:            log,
	}

	outputs, err := c.ConvertAll(cfg.RootDir)
	log.WithFields(logrus.Fields{"count": len(outputs), "dry": cfg.Dry}).Info("Finished BIDS conversion")
	return err
}
