package v1

// Recognized settings keys. Unknown keys are stored but have no platform
// behavior attached.
const (
	SettingTrinityPrompt       = "trinity_prompt"
	SettingSchedulesPaused     = "fleet.schedules_paused"
	SettingContextWarnPct      = "ops.context_warn_pct"
	SettingContextCriticalPct  = "ops.context_critical_pct"
	SettingIdleTimeoutMin      = "ops.idle_timeout_min"
	SettingDailyCostLimitUSD   = "ops.daily_cost_limit_usd"
	SettingMaxExecutionMin     = "ops.max_execution_min"
	SettingMaxParallelGlobal   = "ops.max_parallel_tasks_global"
	SettingAlertSuppressMin    = "ops.alert_suppress_min"
	SettingSetupCompleted      = "setup_completed"
)

// Default ops thresholds, used when a key is unset.
const (
	DefaultContextWarnPct     = 75
	DefaultContextCriticalPct = 90
	DefaultIdleTimeoutMin     = 30
	DefaultDailyCostLimitUSD  = 50.0
	DefaultMaxExecutionMin    = 10
	DefaultMaxParallelGlobal  = 50
	DefaultAlertSuppressMin   = 15
	DefaultPerAgentTaskCap    = 5
)
