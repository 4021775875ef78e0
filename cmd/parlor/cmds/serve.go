package cmds

import (
	"github.com/spf13/cobra"

	"github.com/go-go-golems/parlor/pkg/config"
	"github.com/go-go-golems/parlor/pkg/gateway"
)

func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket gateway and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			srv, err := gateway.NewServer(cmd.Context(), settings)
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}
	fl := cmd.Flags()
	fl.String(config.KeyAddr, "", "Listen address (overrides config)")
	fl.String(config.KeyDBDriver, "", "Database driver: sqlite or postgres")
	fl.String(config.KeyDBPath, "", "SQLite database file")
	fl.String(config.KeyDBDSN, "", "Database DSN, used verbatim")
	fl.Bool(config.KeyRedisEnabled, false, "Publish domain events to Redis Streams")
	fl.String(config.KeyRedisAddr, "", "Redis address host:port")
	return cmd
}
