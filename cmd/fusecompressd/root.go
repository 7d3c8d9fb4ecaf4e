package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Flags mirrors the tunables of core.Config plus the mount-level
// options fusecompressd itself owns (backing root, mountpoint, dedup
// index path, log file).
type Flags struct {
	Backing           string
	Mountpoint        string
	DedupIndex        string
	LogFile           string
	FallbackSkipRatio int64
	FallbackMinSize   int64
	CompressLevel     int
	DedupEnabled      bool
	AllowOther        bool
	MetricsAddr       string
}

var (
	cfgFile string
	flags   Flags

	bindErr       error
	configFileErr error
)

var rootCmd = &cobra.Command{
	Use:   "fusecompressd [flags] <backing-dir> <mountpoint>",
	Short: "Mount a compressing, deduplicating FUSE overlay",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		flags.Backing = args[0]
		flags.Mountpoint = args[1]
		return run(cmd.Context(), flags)
	},
}

func bindFlags(fs *pflag.FlagSet) error {
	fs.StringVar(&flags.DedupIndex, "dedup-index", "", "path to the dedup persistence file (empty disables persistence across mounts)")
	fs.StringVar(&flags.LogFile, "log-file", "", "write logs here via lumberjack instead of stderr")
	fs.Int64Var(&flags.FallbackSkipRatio, "fallback-skip-ratio", 3, "decompress-and-rewrite fallback triggers once skipped bytes exceed size times this ratio")
	fs.Int64Var(&flags.FallbackMinSize, "fallback-min-size", 128*1024, "fallback heuristic only applies to files at least this large")
	fs.IntVar(&flags.CompressLevel, "compress-level", 9, "codec compression level used by the background worker")
	fs.BoolVar(&flags.DedupEnabled, "dedup", true, "deduplicate files after background compression")
	fs.BoolVar(&flags.AllowOther, "allow-other", false, "accepted but has no effect: the FUSE mount is always made without allow_other")
	fs.StringVar(&flags.MetricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9122)")
	return viper.BindPFlags(fs)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	bindErr = bindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("reading config file: %w", err)
		return
	}
	if err := viper.Unmarshal(&flags); err != nil {
		configFileErr = fmt.Errorf("unmarshalling config file: %w", err)
	}
}
