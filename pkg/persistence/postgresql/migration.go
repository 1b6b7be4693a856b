package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE triggers (
				id VARCHAR(255) PRIMARY KEY,
				trigger_type VARCHAR(50) NOT NULL,
				name VARCHAR(255) NOT NULL,
				event_type VARCHAR(255),
				conditions JSONB NOT NULL DEFAULT '[]',
				active BOOLEAN NOT NULL DEFAULT false,
				cooldown_minutes INT NOT NULL DEFAULT 0,
				behavior JSONB,
				schedule JSONB,
				last_fired_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_triggers_active ON triggers(active);
			CREATE INDEX idx_triggers_event_type ON triggers(event_type);

			CREATE TABLE automations (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				trigger_id VARCHAR(255) NOT NULL,
				steps JSONB NOT NULL DEFAULT '[]',
				active BOOLEAN NOT NULL DEFAULT false,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_automations_trigger_id ON automations(trigger_id);

			CREATE TABLE automation_metrics (
				automation_id VARCHAR(255) PRIMARY KEY REFERENCES automations(id) ON DELETE CASCADE,
				started BIGINT NOT NULL DEFAULT 0,
				completed BIGINT NOT NULL DEFAULT 0,
				failed BIGINT NOT NULL DEFAULT 0,
				messages_sent BIGINT NOT NULL DEFAULT 0,
				messages_failed BIGINT NOT NULL DEFAULT 0
			);

			CREATE TABLE execution_outcomes (
				id BIGSERIAL PRIMARY KEY,
				automation_id VARCHAR(255) NOT NULL,
				execution_id VARCHAR(255) NOT NULL,
				subject_id VARCHAR(255),
				step_id VARCHAR(255),
				kind VARCHAR(50) NOT NULL,
				error_message TEXT,
				message_id VARCHAR(255),
				snapshot JSONB,
				occurred_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_execution_outcomes_automation ON execution_outcomes(automation_id, id);

			CREATE TABLE executions (
				id VARCHAR(255) PRIMARY KEY,
				automation_id VARCHAR(255) NOT NULL,
				trigger_id VARCHAR(255),
				subject_id VARCHAR(255) NOT NULL,
				current_step_id VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL CHECK (status IN ('active', 'paused', 'completed', 'failed')),
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE,
				scheduled_resume_at TIMESTAMP WITH TIME ZONE,
				context JSONB NOT NULL DEFAULT '{}',
				error_message TEXT,
				history JSONB NOT NULL DEFAULT '[]'
			);

			CREATE INDEX idx_executions_status ON executions(status);
			CREATE INDEX idx_executions_automation_id ON executions(automation_id);
		`,
		2: `
			CREATE TABLE contacts (
				id VARCHAR(255) PRIMARY KEY,
				email VARCHAR(255),
				phone VARCHAR(100),
				first_name VARCHAR(255),
				last_name VARCHAR(255),
				tags TEXT[] NOT NULL DEFAULT '{}',
				properties JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_contacts_tags ON contacts USING GIN(tags);

			CREATE TABLE contact_tasks (
				id VARCHAR(255) PRIMARY KEY,
				contact_id VARCHAR(255) NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
				title VARCHAR(255) NOT NULL,
				description TEXT,
				assignee VARCHAR(255),
				due_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_contact_tasks_contact_id ON contact_tasks(contact_id);
		`,
	}
}
