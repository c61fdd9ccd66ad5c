package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration utilities",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config file against the schema and print warnings",
	RunE: func(_ *cobra.Command, _ []string) error {
		path := resolvedConfigPath()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		roles := make([]string, 0, len(cfg.Security.Roles))
		for name := range cfg.Security.Roles {
			roles = append(roles, name)
		}
		slices.Sort(roles)
		fmt.Printf("%s: ok (environment=%s, storage=%s, %d roles, %d assignments)\n",
			path, cfg.Environment, cfg.StorageDriverName(), len(roles), len(cfg.Security.Assignments))
		for _, w := range cfg.Lint() {
			fmt.Printf("warning: %s\n", w)
		}
		if len(roles) > 0 {
			fmt.Printf("roles: %s\n", strings.Join(roles, ", "))
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}
