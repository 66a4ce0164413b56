package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflows (
				id UUID PRIMARY KEY,
				organization_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status VARCHAR(20) NOT NULL CHECK (status IN ('DRAFT', 'INACTIVE', 'ACTIVE', 'PAUSED', 'ARCHIVED', 'ERROR')),
				version INTEGER NOT NULL DEFAULT 0,
				total_executions BIGINT NOT NULL DEFAULT 0,
				successful_executions BIGINT NOT NULL DEFAULT 0,
				failed_executions BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				published_at TIMESTAMP WITH TIME ZONE,
				archived_at TIMESTAMP WITH TIME ZONE
			);

			CREATE UNIQUE INDEX idx_workflows_organization_name ON workflows(organization_id, name);
			CREATE INDEX idx_workflows_organization_status ON workflows(organization_id, status);
			CREATE INDEX idx_workflows_created_at ON workflows(created_at);

			CREATE TABLE workflow_nodes (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				node_id VARCHAR(255) NOT NULL,
				type VARCHAR(50) NOT NULL,
				name VARCHAR(255) NOT NULL DEFAULT '',
				position_x DOUBLE PRECISION NOT NULL DEFAULT 0,
				position_y DOUBLE PRECISION NOT NULL DEFAULT 0,
				config JSONB,
				execution_order INTEGER,
				timeout_ms BIGINT,
				retry_limit INTEGER NOT NULL DEFAULT 3,
				optional BOOLEAN NOT NULL DEFAULT false,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (workflow_id, node_id)
			);

			CREATE TABLE workflow_connections (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				source_id UUID NOT NULL REFERENCES workflow_nodes(id) ON DELETE CASCADE,
				target_id UUID NOT NULL REFERENCES workflow_nodes(id) ON DELETE CASCADE,
				source_handle VARCHAR(255) NOT NULL DEFAULT '',
				target_handle VARCHAR(255) NOT NULL DEFAULT '',
				execution_order INTEGER NOT NULL DEFAULT 0,
				label VARCHAR(255) NOT NULL DEFAULT '',
				condition JSONB,
				style JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_connections_workflow ON workflow_connections(workflow_id, execution_order, created_at);
			CREATE INDEX idx_workflow_connections_source ON workflow_connections(source_id);
			CREATE INDEX idx_workflow_connections_target ON workflow_connections(target_id);
		`,
		2: `
			CREATE TABLE executions (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				organization_id VARCHAR(255) NOT NULL,
				status VARCHAR(20) NOT NULL CHECK (status IN ('PENDING', 'RUNNING', 'PAUSED', 'SUCCEEDED', 'FAILED', 'CANCELLED')),
				trigger JSONB NOT NULL,
				context JSONB,
				error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_executions_workflow_status ON executions(workflow_id, status);
			CREATE INDEX idx_executions_created_at ON executions(created_at);

			CREATE TABLE node_attempts (
				id UUID PRIMARY KEY,
				execution_id UUID NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
				node_id VARCHAR(255) NOT NULL,
				node_type VARCHAR(50) NOT NULL,
				attempt INTEGER NOT NULL,
				status VARCHAR(20) NOT NULL,
				error TEXT NOT NULL DEFAULT '',
				output JSONB,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_node_attempts_execution ON node_attempts(execution_id, started_at);
		`,
	}
}
