package cmd

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/upstack-tools/upstack/config"
)

var (
	cfgFile     string
	stackName   string
	region      string
	profile     string
	accountID   string
	backendName string
	stateFile   string
	exportsFile string
	localStore  string
	schemaFile  string
	varFiles    []string
	varValues   []string
	verbose     bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:          "upstack",
	Short:        "upstack reconciles declarative stack templates against live infrastructure",
	Long:         longAppDescription,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logrus.SetOutput(os.Stderr)
		if viper.GetBool("verbose") {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Template problems keep their own exit code so scripts can tell
		// them apart from runtime failures.
		var schemaErr *config.SchemaError
		if errors.As(err, &schemaErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.upstack.yaml)")
	rootCmd.PersistentFlags().StringVarP(&stackName, "stack", "s", "default", "name of the stack to operate on")
	rootCmd.PersistentFlags().StringVarP(&region, "region", "r", "", "region exposed as Stack.Region and used for provider calls")
	rootCmd.PersistentFlags().StringVarP(&profile, "profile", "p", "", "AWS shared config profile")
	rootCmd.PersistentFlags().StringVar(&accountID, "account-id", "", "account identifier exposed as Stack.AccountID")
	rootCmd.PersistentFlags().StringVar(&backendName, "backend", "local", "where resources live: local or aws")
	rootCmd.PersistentFlags().StringVar(&stateFile, "state-file", "", "path of the stack's state file (default .upstack/<stack>.state.yaml)")
	rootCmd.PersistentFlags().StringVar(&exportsFile, "exports-file", "", "path of the shared exports file for the local backend (default .upstack/exports.yaml)")
	rootCmd.PersistentFlags().StringVar(&localStore, "local-store", "", "path of the local backend's resource store (default .upstack/resources.yaml)")
	rootCmd.PersistentFlags().StringVar(&schemaFile, "schema-file", "", "load the resource type catalog from a JSON file instead of the builtin one")
	rootCmd.PersistentFlags().StringArrayVar(&varValues, "var", nil, "set a parameter value, as NAME=VALUE; may be repeated")
	rootCmd.PersistentFlags().StringSliceVar(&varFiles, "var-file", nil, "read parameter values from an HCL values file; may be repeated")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	viper.BindPFlag("stack", rootCmd.PersistentFlags().Lookup("stack"))
	viper.BindPFlag("region", rootCmd.PersistentFlags().Lookup("region"))
	viper.BindPFlag("profile", rootCmd.PersistentFlags().Lookup("profile"))
	viper.BindPFlag("account-id", rootCmd.PersistentFlags().Lookup("account-id"))
	viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	viper.SetEnvPrefix("UPSTACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".upstack")
	}

	if err := viper.ReadInConfig(); err == nil {
		logrus.WithField("file", viper.ConfigFileUsed()).Debug("using config file")
	}
}

var longAppDescription = strings.TrimSpace(`
upstack reads a declarative stack template, compares it against the observed
state of the resources the stack manages, and computes and applies the minimal
set of operations that converges the two.
`)
