package orchestrator

import "github.com/kiranshivaraju/hdriflow/pkg/models"

// View is the current screen. Each implementation carries exactly the data
// that screen needs, so a view without its required data cannot exist.
type View interface {
	Name() string
	isView()
}

type DashboardView struct{}

type UploadView struct{}

type ConfigureView struct {
	File   models.UploadedFile     `json:"file"`
	Config models.JobConfiguration `json:"config"`
}

type ProcessingView struct {
	File  models.UploadedFile `json:"file"`
	JobID string              `json:"job_id"`
}

// ResultsView holds a completed job. Results is nil until the listing has
// been fetched.
type ResultsView struct {
	JobID   string             `json:"job_id"`
	Job     models.Job         `json:"job"`
	Results *models.JobResults `json:"results,omitempty"`
}

func (DashboardView) Name() string  { return "dashboard" }
func (UploadView) Name() string     { return "upload" }
func (ConfigureView) Name() string  { return "configure" }
func (ProcessingView) Name() string { return "processing" }
func (ResultsView) Name() string    { return "results" }

func (DashboardView) isView()  {}
func (UploadView) isView()     {}
func (ConfigureView) isView()  {}
func (ProcessingView) isView() {}
func (ResultsView) isView()    {}
