package types

import (
	"time"
)

type CronManager interface {
	LifecycleManager
	Add(jobName, spec string, job func()) error
	Remove(jobName string) error
	Jobs() []JobEntry
}

type JobEntry struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	NextRun  time.Time `json:"next_run"`
	LastRun  time.Time `json:"last_run"`
	RunCount uint64    `json:"run_count"`
}
