package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "emtree",
	Short: "emtree - Streaming EM-tree clustering for very large vector collections",
	Long: `emtree clusters very large collections of document vectors into a
hierarchical tree of cluster representatives. Data vectors are never held in
memory: each pass re-reads the stream, routes every vector to its nearest
leaf centroid, and re-means the tree from per-leaf accumulators.

Workflow:
  emtree embed    - turn a paragraphs file into a doc-vector file
  emtree analyze  - probe k-means quality on a sample to pick m and depth
  emtree cluster  - run the full streaming EM-tree over the corpus

Environment Variables:
  OPENAI_API_KEY      For paragraph -> vector embedding
  PINECONE_API_KEY    For Pinecone centroid export`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Disable the default cobra completion command; a custom one is registered.
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: emtree.yaml in $HOME or the current directory)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")

	// Bind to viper
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig reads in config file and ENV variables if set.
// Config loading priority: CLI flags > environment variables > config file > defaults.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("emtree")
	}

	// Read environment variables with EMTREE_ prefix
	viper.SetEnvPrefix("EMTREE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Common provider keys without the prefix
	_ = viper.BindEnv("pinecone_api_key", "PINECONE_API_KEY")
	_ = viper.BindEnv("openai_api_key", "OPENAI_API_KEY")

	// Read config file if it exists
	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
