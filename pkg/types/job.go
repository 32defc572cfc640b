package types

// Job status values emitted by the appliance.
const (
	JobRunning     = "running"
	JobCompleted   = "completed"
	JobInterrupted = "interrupted"
)

type StartResponse struct {
	JobID string `json:"job_id"`
}

// JobStatus is one progress snapshot returned by the status endpoint.
type JobStatus struct {
	JobID    string   `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	Progress int      `json:"progress" yaml:"progress"`
	Status   string   `json:"status,omitempty" yaml:"status,omitempty"`
	Done     bool     `json:"done" yaml:"done"`
	Results  *Results `json:"results,omitempty" yaml:"results,omitempty"`
}

// Terminal collapses the two completion signals the appliance may emit.
func (s JobStatus) Terminal() bool {
	return s.Status == JobCompleted || s.Done
}

type ExportResponse struct {
	Filename string `json:"filename,omitempty"`
	Error    string `json:"error,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// OKResponse is the body of mutating endpoints that succeed without payload.
type OKResponse struct {
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}
