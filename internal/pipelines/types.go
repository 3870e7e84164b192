// Package pipelines runs the Python vision pipelines (doctor, detect,
// overflow) as subprocesses and parses their JSON outputs.
package pipelines

import (
	"time"

	"github.com/heimdex/binwatch/internal/classify"
	"github.com/heimdex/binwatch/internal/detect"
)

// Capabilities represents what the installed Python pipelines can do,
// as reported by the `doctor --json` command.
type Capabilities struct {
	PackageVersion string             `json:"package_version"`
	Python         PythonInfo         `json:"python"`
	Dependencies   map[string]DepInfo `json:"dependencies"`
	Executables    map[string]DepInfo `json:"executables"`
	GPU            GPUInfo            `json:"gpu"`
	Summary        SummaryInfo        `json:"summary"`
	Pipelines      PipelinesInfo      `json:"pipelines"`

	HasDetector bool      `json:"has_detector"`
	HasOverflow bool      `json:"has_overflow"`
	ProbedAt    time.Time `json:"probed_at"`
}

// PipelinesInfo reports per-pipeline availability from doctor JSON.
type PipelinesInfo struct {
	Detect   bool `json:"detect"`
	Overflow bool `json:"overflow"`
}

// PythonInfo holds Python runtime information.
type PythonInfo struct {
	Version    string `json:"version"`
	Executable string `json:"executable"`
}

// DepInfo represents the availability status of a single dependency.
type DepInfo struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
}

type GPUInfo struct {
	CUDAAvailable bool   `json:"cuda_available"`
	DeviceCount   int    `json:"device_count,omitempty"`
	Error         string `json:"error,omitempty"`
}

type SummaryInfo struct {
	Available int  `json:"available"`
	Total     int  `json:"total"`
	AllOK     bool `json:"all_ok"`
}

// RunResult is the structured outcome of executing a pipeline subprocess.
type RunResult struct {
	ExitCode   int           `json:"exit_code"`
	OutputPath string        `json:"output_path,omitempty"`
	StderrTail string        `json:"stderr_tail,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// IsSuccess returns true when the subprocess exited cleanly.
func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 }

// PipelineOutput holds the metadata every pipeline output must carry.
type PipelineOutput struct {
	SchemaVersion   string `json:"schema_version"`
	PipelineVersion string `json:"pipeline_version"`
	ModelVersion    string `json:"model_version"`
}

// RequiredFieldsPresent checks the hard invariants enforced on outputs.
func (p PipelineOutput) RequiredFieldsPresent() bool {
	return p.SchemaVersion != "" && p.PipelineVersion != "" && p.ModelVersion != ""
}

// DetectOutput is the `detect` command's --out file.
type DetectOutput struct {
	PipelineOutput
	Frames []detect.FrameResult `json:"frames"`
}

// Results converts the output into the shared detections file format.
func (d DetectOutput) Results() *detect.ResultsFile {
	return &detect.ResultsFile{
		SchemaVersion: d.SchemaVersion,
		ModelVersion:  d.ModelVersion,
		Frames:        d.Frames,
	}
}

// OverflowOutput is the `overflow` command's --out file.
type OverflowOutput struct {
	PipelineOutput
	Frames []classify.OverflowFrame `json:"frames"`
}
