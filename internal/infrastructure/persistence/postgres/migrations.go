// Package postgres implements the PostgreSQL persistence layer for the
// attendance engine.
package postgres

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: STUDENTS AND SCHEDULES
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- Migration: Create students and class schedules
-- Version: 001

CREATE TABLE IF NOT EXISTS students (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    student_number VARCHAR(20) NOT NULL UNIQUE,
    name VARCHAR(120) NOT NULL,
    email VARCHAR(255) NOT NULL,
    parent_email VARCHAR(255) NOT NULL DEFAULT '',
    card_id VARCHAR(32) NOT NULL UNIQUE,
    program VARCHAR(80) NOT NULL DEFAULT '',
    year_level INTEGER NOT NULL DEFAULT 1,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_year_level CHECK (year_level BETWEEN 1 AND 6)
);

CREATE INDEX IF NOT EXISTS idx_students_card_id ON students(card_id);
CREATE INDEX IF NOT EXISTS idx_students_student_number ON students(student_number);
CREATE INDEX IF NOT EXISTS idx_students_active ON students(active) WHERE active;

-- Weekly timetable rows sessions are materialized from
CREATE TABLE IF NOT EXISTS class_schedules (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    classroom_id VARCHAR(40) NOT NULL,
    subject_id VARCHAR(40) NOT NULL,
    day_of_week INTEGER NOT NULL,
    start_time TIME NOT NULL,
    end_time TIME NOT NULL,
    auto_start BOOLEAN NOT NULL DEFAULT TRUE,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_day_of_week CHECK (day_of_week BETWEEN 0 AND 6),
    CONSTRAINT valid_time_range CHECK (end_time > start_time)
);

CREATE INDEX IF NOT EXISTS idx_schedules_day ON class_schedules(day_of_week) WHERE active;
CREATE INDEX IF NOT EXISTS idx_schedules_classroom ON class_schedules(classroom_id);
`

const migration001Down = `
DROP TABLE IF EXISTS class_schedules;
DROP TABLE IF EXISTS students;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: SESSIONS AND ATTENDANCE RECORDS
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
-- Migration: Create sessions and attendance records
-- Version: 002

CREATE TABLE IF NOT EXISTS sessions (
    id UUID PRIMARY KEY,
    classroom_id VARCHAR(40) NOT NULL,
    subject_id VARCHAR(40) NOT NULL,
    state VARCHAR(16) NOT NULL,
    scheduled_start TIMESTAMP WITH TIME ZONE NOT NULL,
    scheduled_end TIMESTAMP WITH TIME ZONE NOT NULL,
    actual_start TIMESTAMP WITH TIME ZONE,
    actual_end TIMESTAMP WITH TIME ZONE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_state CHECK (state IN ('scheduled', 'active', 'ended'))
);

CREATE INDEX IF NOT EXISTS idx_sessions_classroom ON sessions(classroom_id);
CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state) WHERE state != 'ended';
CREATE INDEX IF NOT EXISTS idx_sessions_scheduled_start ON sessions(scheduled_start);

CREATE TABLE IF NOT EXISTS attendance_records (
    id UUID PRIMARY KEY,
    session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    student_id UUID NOT NULL,
    status VARCHAR(16) NOT NULL,
    source VARCHAR(20) NOT NULL DEFAULT '',
    check_in_at TIMESTAMP WITH TIME ZONE,
    check_out_at TIMESTAMP WITH TIME ZONE,
    minutes_late INTEGER NOT NULL DEFAULT 0,
    computer_id VARCHAR(40) NOT NULL DEFAULT '',
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_status CHECK (status IN ('absent', 'pending', 'present', 'late', 'checked_out')),
    CONSTRAINT uniq_session_student UNIQUE (session_id, student_id)
);

CREATE INDEX IF NOT EXISTS idx_attendance_student ON attendance_records(student_id);
CREATE INDEX IF NOT EXISTS idx_attendance_session ON attendance_records(session_id);
`

const migration002Down = `
DROP TABLE IF EXISTS attendance_records;
DROP TABLE IF EXISTS sessions;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: BEHAVIOR PROFILES AND ESCALATIONS
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
-- Migration: Create behavior profiles, outcome windows, escalation history
-- Version: 003

CREATE TABLE IF NOT EXISTS behavior_profiles (
    student_id UUID PRIMARY KEY,
    level VARCHAR(16) NOT NULL DEFAULT 'none',
    last_escalated_at TIMESTAMP WITH TIME ZONE,
    last_escalated_level VARCHAR(16) NOT NULL DEFAULT 'none',
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_level CHECK (level IN ('none', 'warning', 'concerning', 'critical'))
);

CREATE TABLE IF NOT EXISTS behavior_outcomes (
    student_id UUID NOT NULL,
    session_id UUID NOT NULL,
    attended BOOLEAN NOT NULL,
    late BOOLEAN NOT NULL,
    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,

    CONSTRAINT uniq_student_session UNIQUE (student_id, session_id)
);

CREATE INDEX IF NOT EXISTS idx_outcomes_student ON behavior_outcomes(student_id, occurred_at);

CREATE TABLE IF NOT EXISTS escalations (
    id UUID PRIMARY KEY,
    student_id UUID NOT NULL,
    level VARCHAR(16) NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    channel VARCHAR(32) NOT NULL,
    accepted BOOLEAN NOT NULL DEFAULT FALSE,
    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_escalations_student ON escalations(student_id, occurred_at);
`

const migration003Down = `
DROP TABLE IF EXISTS escalations;
DROP TABLE IF EXISTS behavior_outcomes;
DROP TABLE IF EXISTS behavior_profiles;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 004: AUDIT LOG
// ══════════════════════════════════════════════════════════════════════════════

const migration004Up = `
-- Migration: Create audit log for rejected and anomalous events
-- Version: 004

CREATE TABLE IF NOT EXISTS audit_events (
    id BIGSERIAL PRIMARY KEY,
    event_type VARCHAR(60) NOT NULL,
    aggregate_id VARCHAR(60) NOT NULL DEFAULT '',
    payload JSONB NOT NULL DEFAULT '{}'::jsonb,
    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_events(event_type, occurred_at);
CREATE INDEX IF NOT EXISTS idx_audit_aggregate ON audit_events(aggregate_id);
`

const migration004Down = `
DROP TABLE IF EXISTS audit_events;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 005: SESSION POLICY AND SCHEDULE LINK
// ══════════════════════════════════════════════════════════════════════════════

const migration005Up = `
-- Migration: Store the frozen timing policy and timetable link on sessions
-- Version: 005

ALTER TABLE sessions ADD COLUMN IF NOT EXISTS schedule_id VARCHAR(40) NOT NULL DEFAULT '';
ALTER TABLE sessions ADD COLUMN IF NOT EXISTS policy JSONB;

CREATE INDEX IF NOT EXISTS idx_sessions_schedule ON sessions(schedule_id) WHERE schedule_id != '';
`

const migration005Down = `
DROP INDEX IF EXISTS idx_sessions_schedule;
ALTER TABLE sessions DROP COLUMN IF EXISTS policy;
ALTER TABLE sessions DROP COLUMN IF EXISTS schedule_id;
`

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_students_and_schedules",
			UpSQL:   migration001Up,
			DownSQL: migration001Down,
		},
		{
			Version: 2,
			Name:    "create_sessions_and_attendance",
			UpSQL:   migration002Up,
			DownSQL: migration002Down,
		},
		{
			Version: 3,
			Name:    "create_behavior_and_escalations",
			UpSQL:   migration003Up,
			DownSQL: migration003Down,
		},
		{
			Version: 4,
			Name:    "create_audit_log",
			UpSQL:   migration004Up,
			DownSQL: migration004Down,
		},
		{
			Version: 5,
			Name:    "add_session_policy_and_schedule",
			UpSQL:   migration005Up,
			DownSQL: migration005Down,
		},
	}
}
