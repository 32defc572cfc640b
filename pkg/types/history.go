package types

// DatetimeLayout formats history timestamps for display.
const DatetimeLayout = "2006-01-02 15:04:05"

type HistorySummary struct {
	TotalTests int `json:"total_tests" yaml:"total_tests"`
	Passed     int `json:"passed" yaml:"passed"`
	Warnings   int `json:"warnings" yaml:"warnings"`
	Failed     int `json:"failed" yaml:"failed"`
}

// HistoryEntry is one row of the history index.
type HistoryEntry struct {
	Timestamp  int64          `json:"timestamp" yaml:"timestamp"`
	Datetime   string         `json:"datetime" yaml:"datetime"`
	DeviceName string         `json:"device_name" yaml:"device_name"`
	PrivateIP  string         `json:"private_ip,omitempty" yaml:"private_ip,omitempty"`
	PublicIP   string         `json:"public_ip" yaml:"public_ip"`
	JobID      string         `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	Summary    HistorySummary `json:"summary" yaml:"summary"`
}

// HistoryDetail is a stored run including its full results.
type HistoryDetail struct {
	Timestamp  int64   `json:"timestamp" yaml:"timestamp"`
	Datetime   string  `json:"datetime" yaml:"datetime"`
	DeviceName string  `json:"device_name" yaml:"device_name"`
	PrivateIP  string  `json:"private_ip,omitempty" yaml:"private_ip,omitempty"`
	PublicIP   string  `json:"public_ip" yaml:"public_ip"`
	JobID      string  `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	Results    Results `json:"results" yaml:"results"`
}

// Entry projects the detail onto its index row.
func (d HistoryDetail) Entry() HistoryEntry {
	return HistoryEntry{
		Timestamp:  d.Timestamp,
		Datetime:   d.Datetime,
		DeviceName: d.DeviceName,
		PrivateIP:  d.PrivateIP,
		PublicIP:   d.PublicIP,
		JobID:      d.JobID,
		Summary:    d.Results.Summary(),
	}
}
