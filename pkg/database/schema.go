package database

import (
	"fmt"
)

// InitSchema creates the keyspace and tables used by the coordinator.
// Every statement is idempotent, so the call is safe on every startup.
func (c *Connection) InitSchema() error {
	ks := c.config.Keyspace

	if err := c.session.Query(fmt.Sprintf(`
			CREATE KEYSPACE IF NOT EXISTS %s
			WITH replication = {
				'class': 'SimpleStrategy',
				'replication_factor': 1
			}`, ks)).Exec(); err != nil {
		return err
	}

	// Task_data table
	if err := c.session.Query(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.task_data (
			task_id text PRIMARY KEY,
			network_id bigint,
			status text,
			manifest_id text,
			depositor text,
			deposit_amount text,
			input text,
			consensus_reached boolean,
			winning_output_id text,
			final_score double,
			result_mode text,
			payment_released boolean,
			shortlist text,
			human_selection text,
			lineage_root text,
			redo_count int,
			collusion_pattern text,
			archive_cid text,
			created_at timestamp,
			updated_at timestamp
		)`, ks)).Exec(); err != nil {
		return err
	}

	// Output_data table
	if err := c.session.Query(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.output_data (
			task_id text,
			output_id text,
			miner_address text,
			payload text,
			created_at timestamp,
			PRIMARY KEY (task_id, output_id)
		)`, ks)).Exec(); err != nil {
		return err
	}

	// Evaluation_data table
	if err := c.session.Query(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.evaluation_data (
			task_id text,
			validator_address text,
			output_id text,
			score double,
			confidence double,
			signature text,
			submitted_at bigint,
			PRIMARY KEY (task_id, validator_address, output_id)
		)`, ks)).Exec(); err != nil {
		return err
	}

	// Validator_data table
	if err := c.session.Query(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.validator_data (
			address text PRIMARY KEY,
			stake_usd double,
			reputation double,
			active boolean,
			banned boolean,
			endpoint text,
			updated_at timestamp
		)`, ks)).Exec(); err != nil {
		return err
	}

	c.logger.Info("Database schema initialized successfully")
	return nil
}
