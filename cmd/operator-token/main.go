// Command operator-token mints the bearer token the portal's status
// override routes expect. It signs with OPERATOR_JWT_SECRET.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/lalithlochan/sfaxportal/internal/auth"
	"github.com/lalithlochan/sfaxportal/internal/config"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "operator-token",
		Usage: "issue an operator token for the archive and expire routes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "subject",
				Aliases:  []string{"s"},
				Usage:    "who the token is for, logged with every override",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Value: 12 * time.Hour,
				Usage: "how long the token stays valid",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.OperatorJWTSecret == "" {
				return fmt.Errorf("OPERATOR_JWT_SECRET is required")
			}

			token, err := auth.NewTokenService(cfg.OperatorJWTSecret).
				Issue(c.String("subject"), auth.RoleOperator, c.Duration("ttl"))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.App.Writer, token)
			return err
		},
	}
}
