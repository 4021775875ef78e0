package cmds

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/parlor/pkg/persistence/chatstore"
)

// NewMigrateCommand opens the configured store once, which creates the
// schema, and exits.
func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the chat database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			db := settings.Database
			store, err := chatstore.Open(cmd.Context(), db.Driver, db.DSN, db.Path)
			if err != nil {
				return err
			}
			log.Info().Str("driver", db.Driver).Msg("schema is up to date")
			return store.Close()
		},
	}
}
