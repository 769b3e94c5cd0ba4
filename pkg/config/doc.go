// Package config loads the YAML configuration of the governance service.
//
// A configuration file has one section per concern:
//
//	database:
//	  path: /var/lib/changegov/changegov.db
//	governance:
//	  cab_quorum: 3
//	  approval_sla_hours: 24
//	  reminder_threshold_hours: 4
//	  escalation_interval_hours: 24
//	sweeps:
//	  reminder_spec: "0 */15 * * * *"
//	  escalation_spec: "0 0 * * * *"
//	  redis_addr: localhost:6379
//	notifications:
//	  log: true
//	  webhook:
//	    url: https://hooks.example.com/changegov
//	    timeout: 5s
//	    max_retries: 3
//	policy:
//	  default_gates_path: /etc/changegov/gates.rego
//	  watch: true
//	telemetry:
//	  log_level: info
//	  log_format: json
//	  metrics_enabled: true
//	  metrics_address: ":9464"
//
// Zero values are replaced by defaults, unknown keys are rejected and the
// result is validated with go-playground/validator. The CHANGEGOV_DB_PATH
// environment variable overrides database.path.
package config
