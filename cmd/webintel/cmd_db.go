package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"webintel/internal/registry"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage named knowledge databases",
}

var dbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered databases",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := registry.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		dbs, active := reg.List()
		if len(dbs) == 0 {
			fmt.Println("no databases; create one with: webintel db create <name>")
			return nil
		}
		for _, db := range dbs {
			marker := " "
			if db.Name == active {
				marker = "*"
			}
			fmt.Printf("%s %-20s %s\n", marker, db.Name, db.SQLitePath)
		}
		return nil
	},
}

var dbCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Register a new database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := registry.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		db, err := reg.Create(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("created %q (%s)\n", db.Name, db.SQLitePath)
		return nil
	},
}

var dbUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Switch the active database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := registry.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		if err := reg.Use(args[0]); err != nil {
			return err
		}
		fmt.Printf("active database: %s\n", args[0])
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbListCmd)
	dbCmd.AddCommand(dbCreateCmd)
	dbCmd.AddCommand(dbUseCmd)
}
