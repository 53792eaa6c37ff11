package cli

import (
	"servify/automation/internal/models"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the automation tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}

		log.Info("Starting database migration...")
		if err := db.AutoMigrate(models.AllModels()...); err != nil {
			return err
		}

		// 常用查询的复合索引
		stmts := []string{
			"CREATE INDEX IF NOT EXISTS idx_workflow_executions_wf_started ON workflow_executions(workflow_id, started_at DESC)",
			"CREATE INDEX IF NOT EXISTS idx_workflow_execution_steps_exec_seq ON workflow_execution_steps(execution_id, seq)",
			"CREATE INDEX IF NOT EXISTS idx_tickets_org_status ON tickets(organization_id, status)",
		}
		for _, stmt := range stmts {
			if err := db.Exec(stmt).Error; err != nil {
				log.Warnf("create index: %v", err)
			}
		}
		log.Info("Database migration completed successfully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
