package common

import (
	"fmt"
	"regexp"

	"github.com/philippevezina/table-loader/internal/config"
)

// JobFilter decides which configured jobs run. Exclusions win over
// inclusions; an empty include set selects every job.
type JobFilter struct {
	includeRegex []*regexp.Regexp
	excludeRegex []*regexp.Regexp
	includeJobs  map[string]bool
	excludeJobs  map[string]bool
}

func NewJobFilter(cfg config.JobFilterConfig) (*JobFilter, error) {
	jf := &JobFilter{
		includeJobs: make(map[string]bool),
		excludeJobs: make(map[string]bool),
	}

	for _, pattern := range cfg.IncludePatterns {
		regex, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid include pattern '%s': %w", pattern, err)
		}
		jf.includeRegex = append(jf.includeRegex, regex)
	}
	for _, pattern := range cfg.ExcludePatterns {
		regex, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern '%s': %w", pattern, err)
		}
		jf.excludeRegex = append(jf.excludeRegex, regex)
	}
	for _, name := range cfg.IncludeJobs {
		jf.includeJobs[name] = true
	}
	for _, name := range cfg.ExcludeJobs {
		jf.excludeJobs[name] = true
	}

	return jf, nil
}

// Only narrows the filter to a single job name, as passed with -job.
func (jf *JobFilter) Only(name string) {
	if name == "" {
		return
	}
	jf.includeRegex = nil
	jf.includeJobs = map[string]bool{name: true}
}

// ShouldRun reports whether the job named name, loading into table, is selected.
// Both the job name and the table name are matched.
func (jf *JobFilter) ShouldRun(name, table string) bool {
	if jf.excludeJobs[name] || jf.excludeJobs[table] {
		return false
	}
	for _, regex := range jf.excludeRegex {
		if regex.MatchString(name) || regex.MatchString(table) {
			return false
		}
	}

	if len(jf.includeJobs) == 0 && len(jf.includeRegex) == 0 {
		return true
	}
	if jf.includeJobs[name] || jf.includeJobs[table] {
		return true
	}
	for _, regex := range jf.includeRegex {
		if regex.MatchString(name) || regex.MatchString(table) {
			return true
		}
	}
	return false
}

// Select returns the jobs that pass the filter, in configuration order.
func (jf *JobFilter) Select(jobs []config.JobConfig) []config.JobConfig {
	selected := make([]config.JobConfig, 0, len(jobs))
	for _, job := range jobs {
		if jf.ShouldRun(job.Name, job.Table.Name) {
			selected = append(selected, job)
		}
	}
	return selected
}
