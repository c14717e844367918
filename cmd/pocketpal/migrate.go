package main

import (
	"errors"
	"fmt"

	"github.com/nathanyu/pocket-pal/internal/config"
	"github.com/nathanyu/pocket-pal/internal/store/pgstore"
	"github.com/nathanyu/pocket-pal/internal/store/sqlstore"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := config.Load(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			switch c.Store.Driver {
			case "postgres":
				s, err := pgstore.Open(ctx, c.Store.DSN, pgstore.WithMaxConns(2))
				if err != nil {
					return err
				}
				defer s.Close()
				if err := pgstore.Migrate(ctx, s.Pool()); err != nil {
					return err
				}
			case "sqlite":
				// Open applies the schema.
				s, err := sqlstore.Open(ctx, c.Store.DSN)
				if err != nil {
					return err
				}
				defer s.Close()
			default:
				return errors.New("migrate needs the postgres or sqlite driver")
			}

			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", c.Store.Driver)
			return nil
		},
	}
}
