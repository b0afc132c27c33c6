package behavior

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	return Policy{
		WindowSessions:                20,
		WarningLateCount:              3,
		ConcerningConsecutiveAbsences: 3,
		CriticalAttendanceRate:        0.75,
		MinSessionsForRate:            8,
		Cooldown:                      24 * time.Hour,
	}
}

func absent(sessionID string) Outcome {
	return Outcome{SessionID: sessionID, Attended: false}
}

func attended(sessionID string) Outcome {
	return Outcome{SessionID: sessionID, Attended: true}
}

func late(sessionID string) Outcome {
	return Outcome{SessionID: sessionID, Attended: true, Late: true}
}

func TestProfile_WindowCapped(t *testing.T) {
	p := NewProfile("stu-1", 5)
	for i := 0; i < 8; i++ {
		p.RecordOutcome(attended(fmt.Sprintf("sess-%d", i)))
	}
	assert.Equal(t, 5, p.SessionCount())
	assert.Equal(t, "sess-3", p.Outcomes()[0].SessionID)
}

func TestProfile_UpsertKeepsLateSticky(t *testing.T) {
	p := NewProfile("stu-1", 10)
	p.RecordOutcome(late("sess-1"))
	// Check-out refinement arrives without the late flag.
	p.RecordOutcome(attended("sess-1"))

	assert.Equal(t, 1, p.SessionCount())
	assert.Equal(t, 1, p.LateCount())
}

func TestProfile_ConsecutiveAbsences(t *testing.T) {
	p := NewProfile("stu-1", 10)
	p.RecordOutcome(absent("s1"))
	p.RecordOutcome(attended("s2"))
	p.RecordOutcome(absent("s3"))
	p.RecordOutcome(absent("s4"))

	assert.Equal(t, 2, p.ConsecutiveAbsences())

	p.RecordOutcome(attended("s5"))
	assert.Equal(t, 0, p.ConsecutiveAbsences())
}

func TestProfile_AttendanceRate(t *testing.T) {
	p := NewProfile("stu-1", 10)
	assert.Equal(t, 1.0, p.AttendanceRate())

	p.RecordOutcome(attended("s1"))
	p.RecordOutcome(absent("s2"))
	p.RecordOutcome(attended("s3"))
	p.RecordOutcome(absent("s4"))
	assert.InDelta(t, 0.5, p.AttendanceRate(), 1e-9)
}

func TestPolicy_Evaluate(t *testing.T) {
	tests := []struct {
		name      string
		build     func(*Profile)
		wantLevel Level
	}{
		{
			name:      "clean record",
			build:     func(p *Profile) { p.RecordOutcome(attended("s1")) },
			wantLevel: LevelNone,
		},
		{
			name: "warning on accumulated lates",
			build: func(p *Profile) {
				p.RecordOutcome(late("s1"))
				p.RecordOutcome(late("s2"))
				p.RecordOutcome(late("s3"))
			},
			wantLevel: LevelWarning,
		},
		{
			name: "concerning on three consecutive absences",
			build: func(p *Profile) {
				p.RecordOutcome(attended("s1"))
				p.RecordOutcome(absent("s2"))
				p.RecordOutcome(absent("s3"))
				p.RecordOutcome(absent("s4"))
			},
			wantLevel: LevelConcerning,
		},
		{
			name: "critical on low rate once sample is big enough",
			build: func(p *Profile) {
				for i := 0; i < 5; i++ {
					p.RecordOutcome(attended(fmt.Sprintf("a%d", i)))
				}
				for i := 0; i < 4; i++ {
					p.RecordOutcome(absent(fmt.Sprintf("b%d", i)))
				}
				// 5/9 attended, below the 75% floor with a full sample.
				// The four trailing absences also match concerning, but
				// critical outranks it.
			},
			wantLevel: LevelCritical,
		},
		{
			name: "rate rule ignored on small sample",
			build: func(p *Profile) {
				p.RecordOutcome(absent("s1"))
				p.RecordOutcome(absent("s2"))
			},
			wantLevel: LevelNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProfile("stu-1", 20)
			tt.build(p)
			level, reason := testPolicy().Evaluate(p)
			assert.Equal(t, tt.wantLevel, level)
			if level != LevelNone {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestProfile_Cooldown(t *testing.T) {
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	p := NewProfile("stu-1", 10)

	assert.False(t, p.InCooldown(LevelConcerning, now, 24*time.Hour))

	p.NoteEscalated(LevelConcerning, now)
	assert.True(t, p.InCooldown(LevelConcerning, now.Add(time.Hour), 24*time.Hour))
	assert.False(t, p.InCooldown(LevelCritical, now.Add(time.Hour), 24*time.Hour), "a different level is never in cooldown")
	assert.False(t, p.InCooldown(LevelConcerning, now.Add(25*time.Hour), 24*time.Hour))
}

func TestProfile_MarkInterventionResetsCooldownNotHistory(t *testing.T) {
	now := time.Now().UTC()
	p := NewProfile("stu-1", 10)
	p.RecordOutcome(absent("s1"))
	p.RecordOutcome(absent("s2"))
	p.RecordOutcome(absent("s3"))
	p.Level = LevelConcerning
	p.NoteEscalated(LevelConcerning, now)

	p.MarkIntervention()

	assert.Equal(t, LevelNone, p.Level)
	assert.False(t, p.InCooldown(LevelConcerning, now.Add(time.Minute), 24*time.Hour))
	assert.Equal(t, 3, p.SessionCount(), "history must be untouched")
	assert.Equal(t, 3, p.ConsecutiveAbsences())
}

func TestPolicy_Validate(t *testing.T) {
	valid := testPolicy()
	require.NoError(t, valid.Validate())

	bad := valid
	bad.WindowSessions = 0
	assert.Error(t, bad.Validate())

	bad = valid
	bad.CriticalAttendanceRate = 1.5
	assert.Error(t, bad.Validate())
}

func TestChannelFor(t *testing.T) {
	assert.Equal(t, "student_email", ChannelFor(LevelWarning))
	assert.Equal(t, "student_email", ChannelFor(LevelConcerning))
	assert.Equal(t, "parent_email", ChannelFor(LevelCritical))
}
