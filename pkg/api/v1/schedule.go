package v1

import "time"

// Schedule is a time-based trigger owned by a single agent. Either
// CronExpression (standard 5-field, evaluated in Timezone) or OneShotAt is
// set, never both.
type Schedule struct {
	ID             string     `json:"id"`
	AgentName      string     `json:"agent_name"`
	CronExpression string     `json:"cron_expression,omitempty"`
	Timezone       string     `json:"timezone,omitempty"`
	OneShotAt      *time.Time `json:"one_shot_at,omitempty"`
	Message        string     `json:"message"`
	Enabled        bool       `json:"enabled"`
	Owner          string     `json:"owner"`
	LastFiredAt    *time.Time `json:"last_fired_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// OneShot reports whether the schedule fires once at a fixed instant.
func (s *Schedule) OneShot() bool {
	return s.OneShotAt != nil
}
