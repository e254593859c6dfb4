package command

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// Root returns connguardd's root cobra command with run, version and
// inspect wired in as subcommands.
func Root() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "connguardd",
		Short: "Connection tracking core for the SPA gateway daemon",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v)
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a connguardd config file (default /etc/connguard/connguard.yaml)")

	root.AddCommand(newRunCommand(v))
	root.AddCommand(newVersionCommand())
	root.AddCommand(newInspectCommand(v))

	return root
}

func initConfig(v *viper.Viper) error {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("connguard")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("connguard")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/connguard")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}
	return nil
}
