package store

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	id TEXT PRIMARY KEY,
	default_llm_provider TEXT NOT NULL,
	default_llm_model TEXT NOT NULL,
	default_max_steps INTEGER NOT NULL,
	default_viewport_width INTEGER NOT NULL,
	default_viewport_height INTEGER NOT NULL,
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	workflow_id TEXT,
	task_description TEXT NOT NULL,
	custom_instructions TEXT,
	stop_when TEXT,
	max_steps INTEGER NOT NULL,
	llm_provider TEXT NOT NULL,
	llm_model TEXT NOT NULL,
	hints TEXT,
	status TEXT NOT NULL,
	error TEXT,
	result TEXT,
	started_at DATETIME NOT NULL,
	completed_at DATETIME,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_id);

CREATE TABLE IF NOT EXISTS run_steps (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id),
	step_number INTEGER NOT NULL,
	tool_name TEXT NOT NULL,
	tool_call_id TEXT,
	params TEXT,
	success INTEGER NOT NULL,
	result TEXT,
	error TEXT,
	screenshot TEXT,
	duration_ms INTEGER NOT NULL,
	timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_steps_run ON run_steps(run_id, step_number);

CREATE TABLE IF NOT EXISTS run_logs (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id),
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_run ON run_logs(run_id, timestamp);

CREATE TABLE IF NOT EXISTS notes (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id),
	text TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notes_run ON notes(run_id);

CREATE TABLE IF NOT EXISTS stored_files (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	workflow_id TEXT,
	file_name TEXT NOT NULL,
	file_path TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	file_size INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_run ON stored_files(run_id);
`
