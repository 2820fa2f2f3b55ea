package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/EvolutionIT/wtw-transcoder/video"
)

// Stage is one step of the per-job progression. The integer values encode the
// strict ordering used by IsStageCompleted; Failed sits outside the order.
type Stage int

const (
	StageInitialized Stage = iota
	StageDownloaded
	StageAnalyzed
	StageThumbnailsGenerated
	StageTranscoded
	StageUploaded
	StageCompleted
	StageFailed Stage = -1
)

var stageNames = map[Stage]string{
	StageInitialized:         "initialized",
	StageDownloaded:          "downloaded",
	StageAnalyzed:            "analyzed",
	StageThumbnailsGenerated: "thumbnails_generated",
	StageTranscoded:          "transcoded",
	StageUploaded:            "uploaded",
	StageCompleted:           "completed",
	StageFailed:              "failed",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

func (s Stage) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Stage) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for stage, n := range stageNames {
		if n == name {
			*s = stage
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", name)
}

// UploadedFile records one durably-stored artifact, keyed by object key.
type UploadedFile struct {
	Name string `json:"name"`
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// Checkpoint is the on-disk resume point for one job. The owning worker is
// the only writer; the reaper reads it to decide directory lifetimes.
type Checkpoint struct {
	Stage                Stage             `json:"stage"`
	DownloadedFile       string            `json:"downloadedFile,omitempty"`
	VideoInfo            *video.SourceInfo `json:"videoInfo,omitempty"`
	ValidResolutions     []string          `json:"validResolutions,omitempty"`
	CompletedResolutions []string          `json:"completedResolutions,omitempty"`
	UploadedFiles        []UploadedFile    `json:"uploadedFiles,omitempty"`
	ThumbnailPaths       []string          `json:"thumbnailPaths,omitempty"`
	ErrorMessage         string            `json:"errorMessage,omitempty"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// IsStageCompleted reports whether the recorded stage is strictly past s, i.e.
// whether the work of stage s is already durable and can be skipped on resume.
func (c *Checkpoint) IsStageCompleted(s Stage) bool {
	if c.Stage == StageFailed {
		return false
	}
	return c.Stage > s
}

// HasUploadedFile reports whether key is already recorded as uploaded.
func (c *Checkpoint) HasUploadedFile(key string) bool {
	for _, f := range c.UploadedFiles {
		if f.Key == key {
			return true
		}
	}
	return false
}

// AddUploadedFile appends a file record; idempotent by key.
func (c *Checkpoint) AddUploadedFile(f UploadedFile) {
	if c.HasUploadedFile(f.Key) {
		return
	}
	c.UploadedFiles = append(c.UploadedFiles, f)
}

// HasCompletedResolution reports whether a rendition is fully encoded and
// uploaded already.
func (c *Checkpoint) HasCompletedResolution(name string) bool {
	for _, r := range c.CompletedResolutions {
		if r == name {
			return true
		}
	}
	return false
}

// AddCompletedResolution records a finished rendition; idempotent by value.
func (c *Checkpoint) AddCompletedResolution(name string) {
	if c.HasCompletedResolution(name) {
		return
	}
	c.CompletedResolutions = append(c.CompletedResolutions, name)
}

// TotalUploadedBytes sums the sizes of all recorded uploads.
func (c *Checkpoint) TotalUploadedBytes() int64 {
	var total int64
	for _, f := range c.UploadedFiles {
		total += f.Size
	}
	return total
}

const checkpointFilename = "job_state.json"

// Manager owns the scratch directory layout and checkpoint persistence for
// all jobs on this host.
type Manager struct {
	ScratchRoot string
}

func NewManager(scratchRoot string) Manager {
	return Manager{ScratchRoot: scratchRoot}
}

// JobDir is the per-job scratch directory.
func (m Manager) JobDir(jobID string) string {
	return filepath.Join(m.ScratchRoot, jobID)
}

func (m Manager) checkpointPath(jobID string) string {
	return filepath.Join(m.JobDir(jobID), checkpointFilename)
}

// Load reads a job's checkpoint, creating a fresh initialized one (and the
// scratch directory) when none exists yet.
func (m Manager) Load(jobID string) (*Checkpoint, error) {
	raw, err := os.ReadFile(m.checkpointPath(jobID))
	if errors.Is(err, os.ErrNotExist) {
		c := &Checkpoint{Stage: StageInitialized}
		if err := m.Save(jobID, c); err != nil {
			return nil, err
		}
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint for job %s: %w", jobID, err)
	}
	var c Checkpoint
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint for job %s: %w", jobID, err)
	}
	return &c, nil
}

// Save writes the whole checkpoint atomically with fsync, so a crash leaves
// either the previous or the new version, never a torn file.
func (m Manager) Save(jobID string, c *Checkpoint) error {
	if err := os.MkdirAll(m.JobDir(jobID), 0755); err != nil {
		return fmt.Errorf("failed to create scratch dir for job %s: %w", jobID, err)
	}
	c.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint for job %s: %w", jobID, err)
	}
	if err := renameio.WriteFile(m.checkpointPath(jobID), raw, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint for job %s: %w", jobID, err)
	}
	return nil
}

// Peek reads a checkpoint without creating one. Returns os.ErrNotExist when
// the directory has no checkpoint (reaper uses this to spot orphans).
func (m Manager) Peek(jobID string) (*Checkpoint, error) {
	raw, err := os.ReadFile(m.checkpointPath(jobID))
	if err != nil {
		return nil, err
	}
	var c Checkpoint
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint for job %s: %w", jobID, err)
	}
	return &c, nil
}

// Remove deletes a job's entire scratch directory.
func (m Manager) Remove(jobID string) error {
	return os.RemoveAll(m.JobDir(jobID))
}
