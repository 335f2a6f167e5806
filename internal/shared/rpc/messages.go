// Package rpc defines the messages and gRPC services shared by the coordinator and
// the capability hosts.
package rpc

// Job operations sent to job producers.
const (
	OperationStart  = "START_OPERATION"
	OperationResume = "RESUME_OPERATION"
)

// Actions a host may ask for when it reports a finished job.
const (
	ActionContinue = "CONTINUE"
	ActionSkip     = "SKIP"
	ActionPause    = "PAUSE"
	ActionFail     = "FAIL"
)

// Job statuses a host may report.
const (
	StatusFinished = "FINISHED"
	StatusFailed   = "FAILED"
)

type Capability struct {
	Type        string `json:"type"`
	Path        string `json:"path"`
	JobProducer bool   `json:"jobProducer"`
}

type RegisterHostRequest struct {
	Host         string       `json:"host"`
	Address      string       `json:"address"`
	MaxJobs      int          `json:"maxJobs"`
	CPUCores     int          `json:"cpuCores,omitempty"`
	MemoryBytes  uint64       `json:"memoryBytes,omitempty"`
	Capabilities []Capability `json:"capabilities"`
}

type RegisterHostResponse struct {
	Accepted                 bool   `json:"accepted"`
	Message                  string `json:"message,omitempty"`
	HeartbeatIntervalSeconds int    `json:"heartbeatIntervalSeconds"`
}

type HeartbeatRequest struct {
	Host        string `json:"host"`
	RunningJobs int    `json:"runningJobs"`
}

type HeartbeatResponse struct {
	// Acknowledged is false when the coordinator no longer knows the host.
	Acknowledged bool `json:"acknowledged"`
}

type UnregisterHostRequest struct {
	Host string `json:"host"`
}

// JobReport carries the outcome of a job back to the coordinator.
type JobReport struct {
	JobID        string            `json:"jobId"`
	Status       string            `json:"status"`
	MediaPackage string            `json:"mediaPackage,omitempty"`
	Action       string            `json:"action,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type AcceptJobRequest struct {
	JobID     string   `json:"jobId"`
	Type      string   `json:"type"`
	Operation string   `json:"operation"`
	Arguments []string `json:"arguments,omitempty"`
	Payload   string   `json:"payload,omitempty"`
}

// WorkflowSnapshot is the first argument of every job dispatched by the workflow
// engine. Configuration is the effective configuration of the operation.
type WorkflowSnapshot struct {
	WorkflowID     string            `json:"workflowId"`
	DefinitionID   string            `json:"definitionId"`
	OperationIndex int               `json:"operationIndex"`
	OperationID    string            `json:"operationId"`
	Capability     string            `json:"capability"`
	Configuration  map[string]string `json:"configuration,omitempty"`
}
