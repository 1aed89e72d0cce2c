package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/autopeer-io/otaupdater/pkg/log"
)

const configFlagName = "config"

var cfgFile string

// addConfigFlag registers --config and arranges for the file and the
// environment to be read once flags are parsed.
func addConfigFlag(fs *pflag.FlagSet, name, envPrefix string) {
	fs.StringVarP(&cfgFile, configFlagName, "c", cfgFile, "Read configuration from specified `FILE`, support JSON, TOML, YAML, HCL, or Java properties formats.")

	cobra.OnInitialize(func() {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.AddConfigPath(".")
			viper.AddConfigPath(filepath.Join("/etc", strings.TrimPrefix(name, "cpeer-")))
			viper.SetConfigName(name)
		}

		viper.AutomaticEnv()
		viper.SetEnvPrefix(envPrefix)
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if cfgFile != "" || !errors.As(err, &notFound) {
				fmt.Fprintf(os.Stderr, "Error: failed to read configuration file(%s): %v\n", cfgFile, err)
				os.Exit(1)
			}
		}
	})
}

// watchConfig applies log level changes made to the config file while the
// process runs. Other settings take effect on the next start.
func watchConfig() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info("Config file changed", "name", e.Name, "op", e.Op.String())
		if level := viper.GetString("log.level"); level != "" {
			log.SetLevel(level)
		}
	})
	viper.WatchConfig()
}
