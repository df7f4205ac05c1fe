package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babelcloud/livedetect/internal/util"
	"github.com/babelcloud/livedetect/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "livedetect",
	Short: "Live object detection over MJPEG",
	Long: `LiveDetect reads frames from a camera, runs an object detection model on each
frame and serves the annotated video as an MJPEG stream at /video_feed.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		util.InitLogger(verbose)
		util.SetupGlobalLogger()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flag("version").Changed {
			info := version.ClientInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "LiveDetect version %s, build %s\n", info["Version"], info["GitCommit"])
			return nil
		}
		return cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	rootCmd.AddCommand(NewServerCmd())
	rootCmd.AddCommand(NewProbeCmd())
	rootCmd.AddCommand(NewVersionCommand())

	// Enable custom help output ordering
	setupHelpCommand(rootCmd)
}
