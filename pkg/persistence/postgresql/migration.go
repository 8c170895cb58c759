package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflows (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL CHECK (status IN ('draft', 'active', 'paused')),
				nodes JSONB NOT NULL DEFAULT '[]',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflows_status ON workflows(status);
			CREATE INDEX idx_workflows_created_at ON workflows(created_at);
		`,
		2: `
			-- Runs outlive their workflow definition, so there is no foreign key to workflows.
			CREATE TABLE runs (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				trigger_node_id VARCHAR(255) NOT NULL,
				event_id VARCHAR(255),
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'running', 'waiting', 'succeeded', 'failed')),
				trigger_data JSONB NOT NULL DEFAULT '{}',
				current_node_id VARCHAR(255) NOT NULL DEFAULT '',
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				ended_at TIMESTAMP WITH TIME ZONE,
				resume_at TIMESTAMP WITH TIME ZONE,
				suspended_at TIMESTAMP WITH TIME ZONE,
				error_message TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX idx_runs_workflow_started ON runs(workflow_id, started_at DESC);
			CREATE INDEX idx_runs_due ON runs(resume_at) WHERE status = 'waiting';

			CREATE TABLE steps (
				run_id VARCHAR(255) NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
				sequence INT NOT NULL,
				node_id VARCHAR(255) NOT NULL,
				node_type VARCHAR(50) NOT NULL,
				attempt INT NOT NULL,
				outcome VARCHAR(50) NOT NULL CHECK (outcome IN ('passed', 'skipped', 'succeeded', 'failed')),
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				ended_at TIMESTAMP WITH TIME ZONE,
				error_message TEXT NOT NULL DEFAULT '',
				output JSONB,
				PRIMARY KEY (run_id, node_id, attempt)
			);

			CREATE INDEX idx_steps_run_sequence ON steps(run_id, sequence);
		`,
	}
}
