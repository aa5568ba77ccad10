package queries

// Create Queries
const (
	// Task ids are caller-visible, so creation is a lightweight transaction:
	// a second insert with the same id is reported, never overwritten.
	CreateTaskQuery = `
        INSERT INTO taskmesh.task_data (
            task_id, network_id, status, manifest_id, depositor, deposit_amount,
            input, consensus_reached, winning_output_id, final_score, result_mode,
            payment_released, shortlist, human_selection, lineage_root, redo_count,
            collusion_pattern, archive_cid, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        IF NOT EXISTS`

	AddOutputQuery = `
        INSERT INTO taskmesh.output_data (
            task_id, output_id, miner_address, payload, created_at
        ) VALUES (?, ?, ?, ?, ?)
        IF NOT EXISTS`

	AddEvaluationQuery = `
        INSERT INTO taskmesh.evaluation_data (
            task_id, validator_address, output_id, score, confidence, signature, submitted_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)
        IF NOT EXISTS`
)

// Update Queries
const (
	UpdateTaskStatusQuery = `
		UPDATE taskmesh.task_data
		SET status = ?, updated_at = ?
		WHERE task_id = ?
		IF status = ?`

	SetConsensusResultQuery = `
		UPDATE taskmesh.task_data
		SET consensus_reached = true, winning_output_id = ?, final_score = ?, result_mode = ?, updated_at = ?
		WHERE task_id = ?`

	SetShortlistQuery = `
		UPDATE taskmesh.task_data
		SET shortlist = ?, result_mode = ?, updated_at = ?
		WHERE task_id = ?`

	SetHumanSelectionQuery = `
		UPDATE taskmesh.task_data
		SET human_selection = ?, updated_at = ?
		WHERE task_id = ?`

	MarkPaidQuery = `
		UPDATE taskmesh.task_data
		SET status = ?, payment_released = true, updated_at = ?
		WHERE task_id = ?
		IF status = ?`

	SetCollusionPatternQuery = `
		UPDATE taskmesh.task_data
		SET collusion_pattern = ?, updated_at = ?
		WHERE task_id = ?`

	SetArchiveCIDQuery = `
		UPDATE taskmesh.task_data
		SET archive_cid = ?, updated_at = ?
		WHERE task_id = ?`
)

// Read Queries
const (
	GetTaskQuery = `
        SELECT task_id, network_id, status, manifest_id, depositor, deposit_amount,
               input, consensus_reached, winning_output_id, final_score, result_mode,
               payment_released, shortlist, human_selection, lineage_root, redo_count,
               collusion_pattern, archive_cid, created_at, updated_at
        FROM taskmesh.task_data
        WHERE task_id = ?`

	GetOutputsQuery = `
		SELECT output_id, miner_address, payload, created_at
		FROM taskmesh.output_data
		WHERE task_id = ?`

	GetEvaluationsQuery = `
		SELECT validator_address, output_id, score, confidence, signature, submitted_at
		FROM taskmesh.evaluation_data
		WHERE task_id = ?`

	GetTaskIDsByStatusQuery = `
		SELECT task_id
		FROM taskmesh.task_data
		WHERE status = ? ALLOW FILTERING`
)
