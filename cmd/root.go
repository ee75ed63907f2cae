package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "accretion",
	Short: "Derive a living specification from git history",
	Long: "Accretion replays a repository's commit history one commit at a time,\n" +
		"growing a specification document on a synthetic shadow branch whose\n" +
		"topology mirrors the original branches and merges.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default .accretion.yaml)")
	rootCmd.PersistentFlags().StringP("repo", "C", "", "repository directory (default current directory)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
}

func initConfig() {
	if cfgFile, _ := rootCmd.Flags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".accretion")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
	}

	viper.SetEnvPrefix("ACCRETION")
	viper.AutomaticEnv()

	if repo, _ := rootCmd.PersistentFlags().GetString("repo"); repo != "" {
		viper.Set("repo_dir", repo)
	}
	if v, _ := rootCmd.PersistentFlags().GetBool("verbose"); v {
		viper.Set("verbose", true)
	}

	// It's fine if no config file is found; we use defaults.
	_ = viper.ReadInConfig()
}
