package models

// ResultFile is one downloadable artifact of a completed job.
type ResultFile struct {
	Filename    string `json:"filename"`
	SizeBytes   *int64 `json:"size,omitempty"`
	DownloadURL string `json:"download_url"`
}

// ResultsMetadata describes how a completed job was produced.
type ResultsMetadata struct {
	ProcessingTime *float64          `json:"processing_time,omitempty"`
	Configuration  *JobConfiguration `json:"configuration,omitempty"`
	CompletedAt    *Timestamp        `json:"completed_at,omitempty"`
}

// JobResults lists the artifacts of a completed job. Only valid once the job
// status is completed.
type JobResults struct {
	JobID    string          `json:"job_id"`
	Files    []ResultFile    `json:"files"`
	Metadata ResultsMetadata `json:"metadata"`
}
