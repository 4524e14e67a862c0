package cli

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/KyungWonPark/Connectome/internal/config"
)

var (
	cfgFile string
	v       = config.New()
	cfg     *config.Config
	log     = logrus.New()
)

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"log-level":    "log_level",
	"dry":          "dry",
	"root":         "root_dir",
	"out":          "out_dir",
	"metadata":     "metadata_file",
	"workers":      "workers",
	"regions":      "regions",
	"expected":     "expected_matrices",
	"measures":     "measures",
	"npy":          "write_npy",
	"atlas-dir":    "atlas_dir",
	"atlas-source": "atlas_source",
}

// bindFlags binds the flags of the command being run. Subcommands share
// keys, so binding happens once the command is known.
func bindFlags(cmd *cobra.Command) error {
	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok && err == nil {
			err = v.BindPFlag(key, f)
		}
	})
	return err
}

var rootCmd = &cobra.Command{
	Use:   "connectome",
	Short: "BIDS tooling for diffusion connectomes",
	Long: `connectome converts per-subject diffusion connectomes into a BIDS tree,
averages them across subjects and exports the labelled atlas they were built on.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := bindFlags(cmd); err != nil {
			return err
		}
		c, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = c

		level, _ := logrus.ParseLevel(cfg.LogLevel)
		log.SetLevel(level)
		return nil
	},
}

func init() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("dry", false, "Log every action without touching the filesystem")
}

// outputFs is the filesystem pipelines write to. Dry runs get a read-only view.
func outputFs() afero.Fs {
	if cfg.Dry {
		return afero.NewReadOnlyFs(afero.NewOsFs())
	}
	return afero.NewOsFs()
}

// Execute runs the root command and logs any failure.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		log.WithError(err).Error("connectome failed")
	}
	return err
}
