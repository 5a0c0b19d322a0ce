// Package flowcfg defines the decoded shape of a flow file: the YAML/JSON
// structure parsed with gopkg.in/yaml.v3 and handed to internal/flow to
// build and run the live topology.
package flowcfg

import "github.com/rakunlabs/flowrunner/internal/kvstore"

// Kind is the flow's run mode.
type Kind string

const (
	KindAction Kind = "action"
	KindStream Kind = "stream"
	KindCron   Kind = "cron"
)

// Flow is the top-level decoded flow file.
type Flow struct {
	Name        string         `yaml:"name" json:"name"`
	Kind        Kind           `yaml:"kind" json:"kind"`
	Schedule    string         `yaml:"schedule" json:"schedule"`
	Variables   map[string]any `yaml:"variables" json:"variables"`
	Datastore   *kvstore.Config `yaml:"datastore" json:"datastore"`
	Sources     []Endpoint     `yaml:"sources" json:"sources"`
	Jobs        []Job          `yaml:"jobs" json:"jobs"`
	Sinks       []Endpoint     `yaml:"sinks" json:"sinks"`
	UserPayload map[string]any `yaml:"user_payload" json:"user_payload"`
}

// Endpoint is the shape shared by sources and sinks: a named plugin
// invocation with its own params.
type Endpoint struct {
	Name   string         `yaml:"name" json:"name"`
	Plugin string         `yaml:"plugin" json:"plugin"`
	Params map[string]any `yaml:"params" json:"params"`
}

// Job is one task-graph stage of the flow.
type Job struct {
	Name            string   `yaml:"name" json:"name"`
	If              string   `yaml:"if" json:"if"`
	Hosts           []string `yaml:"hosts" json:"hosts"`
	DependsOn       []string `yaml:"depends_on" json:"depends_on"`
	Start           string   `yaml:"start" json:"start"`
	TaskList        []string `yaml:"task_list" json:"task_list"`
	Tasks           []Task   `yaml:"tasks" json:"tasks"`
	WaitIntervalMs  int      `yaml:"wait_interval_ms" json:"wait_interval_ms"`
	WaitTimeoutMs   int      `yaml:"wait_timeout_ms" json:"wait_timeout_ms"`
	// Inbound/Outbound name the source/sink/job edges this job participates
	// in; the orchestrator resolves these into channel endpoints at build
	// time (see internal/flow).
	Inbound  string   `yaml:"inbound" json:"inbound"`
	Outbound []string `yaml:"outbound" json:"outbound"`
}

// Task is a single node in a job's task graph.
type Task struct {
	Name        string         `yaml:"name" json:"name"`
	If          string         `yaml:"if" json:"if"`
	Plugin      string         `yaml:"plugin" json:"plugin"`
	Params      map[string]any `yaml:"params" json:"params"`
	Loop        any            `yaml:"loop" json:"loop"`
	LoopTempoMs int            `yaml:"loop_tempo_ms" json:"loop_tempo_ms"`
	Register    map[string]any `yaml:"register" json:"register"`
	OnSuccess   string         `yaml:"on_success" json:"on_success"`
	OnFailure   string         `yaml:"on_failure" json:"on_failure"`
}
