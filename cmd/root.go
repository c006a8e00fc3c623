package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tinoosan/folio/internal/config"
)

var (
	cfgFile string
	v       *viper.Viper
)

var rootCmd = &cobra.Command{
	Use:   "folio",
	Short: "Book download acquisition service",
	Long: `folio finds downloadable releases for books known to a metadata provider,
hands the chosen release to a download engine (qBittorrent or aria2) and keeps
each download job in sync with the engine until it completes.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		v, err = config.New(cfgFile)
		if err != nil {
			return err
		}
		return v.BindPFlags(cmd.Flags())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./folio.yaml or ~/.folio/folio.yaml)")
	rootCmd.AddCommand(serveCmd)
}
