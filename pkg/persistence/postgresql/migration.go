package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Create checkpoints table
			CREATE TABLE checkpoints (
				id UUID PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL,
				graph_name VARCHAR(255) NOT NULL DEFAULT '',
				sequence_number BIGINT NOT NULL,
				node_id VARCHAR(255) NOT NULL DEFAULT '',
				name VARCHAR(255) NOT NULL DEFAULT '',
				reason VARCHAR(50) NOT NULL,
				steps INT NOT NULL DEFAULT 0,
				data BYTEA NOT NULL,
				size_bytes BIGINT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (execution_id, sequence_number)
			);

			CREATE INDEX idx_checkpoints_execution_id ON checkpoints(execution_id);
			CREATE INDEX idx_checkpoints_created_at ON checkpoints(created_at);
		`,
		2: `
			-- Migration 2: store the work queue so runs resume from the pending nodes
			ALTER TABLE checkpoints ADD COLUMN pending_nodes JSONB NOT NULL DEFAULT '[]';
		`,
	}
}
