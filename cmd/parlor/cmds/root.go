// Package cmds holds the parlor subcommands.
package cmds

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/parlor/pkg/config"
)

// loadSettings binds cmd's flags into viper and resolves the settings from
// the config file viper found, PARLOR_* variables and changed flags. The
// result is not validated; commands validate what they use.
func loadSettings(cmd *cobra.Command) (config.Settings, error) {
	v := viper.GetViper()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return config.Settings{}, errors.Wrap(err, "bind flags")
	}
	return config.FromViper(v)
}
