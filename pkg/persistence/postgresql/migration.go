package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE users (
				id UUID PRIMARY KEY,
				decision_endpoint TEXT NOT NULL,
				activity_endpoint TEXT NOT NULL,
				notification_endpoint TEXT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE workflows (
				id UUID PRIMARY KEY,
				user_id UUID NOT NULL REFERENCES users(id),
				name VARCHAR(255) NOT NULL,
				decider VARCHAR(255) NOT NULL,
				subject JSONB NOT NULL,
				complete BOOLEAN NOT NULL DEFAULT FALSE,
				paused BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			-- One workflow per (user, name, decider, subject) quadruple.
			CREATE UNIQUE INDEX idx_workflows_uniqueness
				ON workflows(user_id, name, decider, subject);
			CREATE INDEX idx_workflows_user_id ON workflows(user_id);

			-- Global creation order across every node in the store.
			CREATE SEQUENCE nodes_seq;

			CREATE TABLE nodes (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				user_id UUID NOT NULL REFERENCES users(id),
				parent_id UUID REFERENCES nodes(id) ON DELETE CASCADE,
				name VARCHAR(255) NOT NULL,
				kind VARCHAR(50) NOT NULL,
				mode VARCHAR(50) NOT NULL,
				current_server_status VARCHAR(50) NOT NULL,
				current_client_status VARCHAR(50) NOT NULL,
				fires_at TIMESTAMP WITH TIME ZONE NOT NULL,
				seq BIGINT NOT NULL DEFAULT nextval('nodes_seq'),
				retries_remaining INT NOT NULL,
				retry_interval_ms BIGINT NOT NULL,
				complete_by TIMESTAMP WITH TIME ZONE,
				data JSONB,
				metadata JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_nodes_workflow_id ON nodes(workflow_id);
			CREATE INDEX idx_nodes_parent_id ON nodes(parent_id);
			CREATE INDEX idx_nodes_seq ON nodes(seq);
			CREATE INDEX idx_nodes_expiry ON nodes(complete_by)
				WHERE complete_by IS NOT NULL
				AND current_server_status NOT IN ('complete', 'deactivated');

			CREATE TABLE status_changes (
				id UUID PRIMARY KEY,
				node_id UUID NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
				status_type VARCHAR(20) NOT NULL,
				from_status VARCHAR(50) NOT NULL,
				to_status VARCHAR(50) NOT NULL,
				response JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_status_changes_node_id ON status_changes(node_id, created_at);
		`,
	}
}
