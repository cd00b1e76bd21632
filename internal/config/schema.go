package config

// schemaJSON is the JSON Schema every mission configuration document is
// validated against before the controller starts. It covers the dotted
// keys named in SPEC_FULL §6; anything it doesn't constrain falls back to
// the typed defaults in applyDefaults.
const schemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["target", "worker"],
	"properties": {
		"target": {
			"type": "object",
			"required": ["path"],
			"properties": {
				"path": {"type": "string", "minLength": 1},
				"branch": {"type": "string"},
				"objective": {"type": "string"},
				"verification": {
					"type": "object",
					"properties": {
						"command": {"type": "string"},
						"timeout": {"type": ["string", "number"]}
					}
				}
			}
		},
		"scheduler": {
			"type": "object",
			"properties": {
				"parallel": {
					"type": "object",
					"properties": {
						"num_workers": {"type": "integer", "minimum": 1},
						"pool_dir": {"type": "string"}
					}
				},
				"session_timeout": {"type": ["string", "number"]},
				"budget": {
					"type": "object",
					"properties": {
						"max_per_session_usd": {"type": "number", "minimum": 0},
						"max_per_run_usd": {"type": "number", "minimum": 0}
					}
				}
			}
		},
		"rounds": {
			"type": "object",
			"properties": {
				"max_rounds": {"type": "integer", "minimum": 1},
				"stall_threshold": {"type": "integer", "minimum": 1}
			}
		},
		"continuous": {
			"type": "object",
			"properties": {
				"max_wall_time_seconds": {"type": "integer", "minimum": 0},
				"min_ambition_score": {"type": "number", "minimum": 0, "maximum": 1},
				"max_replan_attempts": {"type": "integer", "minimum": 0},
				"verify_before_merge": {"type": "boolean"},
				"backlog_max_age_seconds": {"type": "integer", "minimum": 0},
				"max_consecutive_failures": {"type": "integer", "minimum": 1},
				"failure_backoff_seconds": {"type": "integer", "minimum": 0},
				"max_units_per_epoch": {"type": "integer", "minimum": 1},
				"stall_threshold": {"type": "integer", "minimum": 1},
				"signal_file": {"type": "string"},
				"signal_poll_interval": {"type": ["string", "number"]},
				"cooldown_seconds": {"type": "integer", "minimum": 0}
			}
		},
		"green_branch": {
			"type": "object",
			"properties": {
				"auto_push": {"type": "boolean"},
				"auto_push_policy": {"enum": ["abort", "merge", "force"]},
				"push_branch": {"type": "string"},
				"fixup_max_attempts": {"type": "integer", "minimum": 0},
				"fixup_candidates": {"type": "integer", "minimum": 1},
				"batch_merge": {"type": "boolean"},
				"deploy_command": {"type": "string"},
				"health_check_command": {"type": "string"},
				"health_check_timeout": {"type": ["string", "number"]}
			}
		},
		"review": {
			"type": "object",
			"properties": {
				"gate_completion": {"type": "boolean"},
				"min_review_score": {"type": "integer", "minimum": 1, "maximum": 10},
				"skip_when_criteria_passed": {"type": "boolean"}
			}
		},
		"degradation": {
			"type": "object",
			"properties": {
				"failure_threshold": {"type": "integer", "minimum": 1},
				"reset_timeout": {"type": ["string", "number"]}
			}
		},
		"worker": {
			"type": "object",
			"required": ["backend"],
			"properties": {
				"backend": {"enum": ["local", "nats", "redis"]},
				"command": {"type": "string"},
				"args": {"type": "array", "items": {"type": "string"}},
				"timeout": {"type": ["string", "number"]},
				"address": {"type": "string"}
			}
		}
	}
}`
