package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var executeCmd = &cobra.Command{
	Use:   "execute <workflow-id> <ticket-id>",
	Short: "Run one workflow against one ticket and print the execution record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		workflowID, err := parseID(args[0])
		if err != nil {
			return err
		}
		ticketID, err := parseID(args[1])
		if err != nil {
			return err
		}
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		engine, rdb := newEngine(cfg, db, log)
		if rdb != nil {
			defer rdb.Close()
		}

		exec, err := engine.Workflows.Execute(cmd.Context(), workflowID, ticketID)
		if err != nil {
			return err
		}
		return printJSON(exec)
	},
}

var fireCmd = &cobra.Command{
	Use:   "fire <ticket-id> <trigger-type>",
	Short: "Fire a trigger for a ticket and run every matching active workflow",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ticketID, err := parseID(args[0])
		if err != nil {
			return err
		}
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		engine, rdb := newEngine(cfg, db, log)
		if rdb != nil {
			defer rdb.Close()
		}

		execs, err := engine.Dispatcher.Fire(cmd.Context(), ticketID, args[1])
		if err != nil {
			return err
		}
		return printJSON(execs)
	},
}

func init() {
	rootCmd.AddCommand(executeCmd, fireCmd)
}

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint(id), nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
