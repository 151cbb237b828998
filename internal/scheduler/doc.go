// Package scheduler runs named housekeeping jobs on cron schedules.
//
// Specs accept 5 fields, an optional leading seconds field, or a descriptor
// ("@hourly", "@every 30m"). Jobs are keyed by name: adding a job with an
// existing name replaces its schedule. A job never overlaps with itself.
package scheduler
