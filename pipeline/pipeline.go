package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/EvolutionIT/wtw-transcoder/clients"
	xerrors "github.com/EvolutionIT/wtw-transcoder/errors"
	"github.com/EvolutionIT/wtw-transcoder/log"
	"github.com/EvolutionIT/wtw-transcoder/metrics"
	"github.com/EvolutionIT/wtw-transcoder/state"
	"github.com/EvolutionIT/wtw-transcoder/video"
)

// ObjectStore is the subset of the object-store client the pipeline needs.
type ObjectStore interface {
	Download(ctx context.Context, key, localPath string, bucket clients.Bucket) error
	Upload(ctx context.Context, localPath, key, contentType string, bucket clients.Bucket) (clients.UploadResult, error)
	Delete(ctx context.Context, key string, bucket clients.Bucket) error
}

// Callbacks delivers terminal job notifications upstream.
type Callbacks interface {
	SendCompleted(callbackURL string, p clients.CompletionPayload) error
	SendFailed(callbackURL string, p clients.FailurePayload) error
}

// Result is what a finished run reports back.
type Result struct {
	OutputKey        string
	TotalSize        int64
	DurationSec      float64
	SourceResolution string
}

// Runner executes the per-job stage machine. It is stateless across jobs; all
// per-job state lives in the checkpoint.
type Runner struct {
	ObjectStore ObjectStore
	Encoder     video.Encoder
	Prober      video.Prober
	Checkpoints state.Manager
	Callbacks   Callbacks

	// DefaultCallbackURL is used when the payload carries none.
	DefaultCallbackURL string
}

// Progress milestones between stages. The encode/upload loop owns the span
// between progressThumbnails and progressRenditionsDone, split evenly across
// valid resolutions and 50/50 between encoding and uploading inside each.
const (
	progressInitialized    = 5
	progressDownloaded     = 10
	progressAnalyzed       = 12
	progressThumbnails     = 15
	progressRenditionsDone = 80
	progressMasterPlaylist = 85
	progressSourceCleaned  = 90
	progressCallbackSent   = 95
	progressCompleted      = 100
)

// Run drives one job attempt from its checkpoint to completion. It is safe to
// call repeatedly for the same job: completed work is skipped via the
// checkpoint and the uploaded-files ledger.
func (r *Runner) Run(ctx context.Context, jobID string, p Payload, reportProgress func(pct float64)) (Result, error) {
	cp, err := r.Checkpoints.Load(jobID)
	if err != nil {
		return Result{}, err
	}

	// Idempotent replay: the whole job already ran to completion.
	if cp.Stage == state.StageCompleted {
		log.Log(jobID, "job already completed, replaying recorded result")
		return r.resultFrom(cp, p), nil
	}

	result, err := r.run(ctx, jobID, p, cp, reportProgress)
	if err != nil {
		cp.Stage = state.StageFailed
		cp.ErrorMessage = err.Error()
		if saveErr := r.Checkpoints.Save(jobID, cp); saveErr != nil {
			log.LogError(jobID, "failed to write failure checkpoint", saveErr)
		}
		return Result{}, err
	}
	return result, nil
}

func (r *Runner) run(ctx context.Context, jobID string, p Payload, cp *state.Checkpoint, reportProgress func(pct float64)) (Result, error) {
	jobDir := r.Checkpoints.JobDir(jobID)
	progress := func(pct float64) {
		if reportProgress != nil {
			reportProgress(pct)
		}
	}

	// 1. initialization
	if !cp.IsStageCompleted(state.StageInitialized) {
		if err := os.MkdirAll(jobDir, 0755); err != nil {
			return Result{}, fmt.Errorf("failed to create scratch dir: %w", err)
		}
		if !isSupportedExtension(p.OriginalKey) {
			log.Log(jobID, "unrecognized source extension, attempting transcode anyway", "key", p.OriginalKey)
		}
		cp.Stage = state.StageInitialized
		if err := r.Checkpoints.Save(jobID, cp); err != nil {
			return Result{}, err
		}
		progress(progressInitialized)
	}

	// 2. download
	localSource := filepath.Join(jobDir, "source"+strings.ToLower(filepath.Ext(p.OriginalKey)))
	if !cp.IsStageCompleted(state.StageDownloaded) {
		if _, err := os.Stat(localSource); err != nil {
			start := time.Now()
			if err := r.ObjectStore.Download(ctx, p.OriginalKey, localSource, clients.SourceBucket); err != nil {
				return Result{}, err
			}
			log.Log(jobID, "downloaded source", "key", p.OriginalKey, "duration", time.Since(start))
		}
		cp.Stage = state.StageDownloaded
		cp.DownloadedFile = localSource
		if err := r.Checkpoints.Save(jobID, cp); err != nil {
			return Result{}, err
		}
		progress(progressDownloaded)
	}
	if cp.DownloadedFile != "" {
		localSource = cp.DownloadedFile
	}

	// 3. analysis
	if !cp.IsStageCompleted(state.StageAnalyzed) {
		info, err := r.Prober.ProbeFile(jobID, localSource)
		if err != nil {
			return Result{}, err
		}
		valid := video.FilterValidResolutions(p.Resolutions, info.Height)
		if len(valid) == 0 {
			return Result{}, xerrors.NewValidationError("no valid resolutions: source is %s, requested %s", info.Resolution(), strings.Join(p.Resolutions, ","))
		}
		cp.VideoInfo = &info
		cp.ValidResolutions = valid
		cp.Stage = state.StageAnalyzed
		if err := r.Checkpoints.Save(jobID, cp); err != nil {
			return Result{}, err
		}
		progress(progressAnalyzed)
	}

	// 4. thumbnails (non-fatal)
	if !cp.IsStageCompleted(state.StageThumbnailsGenerated) {
		cp.ThumbnailPaths = r.generateThumbnails(jobID, localSource, jobDir, p.VideoName)
		cp.Stage = state.StageThumbnailsGenerated
		if err := r.Checkpoints.Save(jobID, cp); err != nil {
			return Result{}, err
		}
		progress(progressThumbnails)
	}

	// 5. per-resolution encode + upload, tallest first
	if !cp.IsStageCompleted(state.StageTranscoded) {
		if err := r.processRenditions(ctx, jobID, p, cp, localSource, jobDir, progress); err != nil {
			return Result{}, err
		}
		cp.Stage = state.StageTranscoded
		if err := r.Checkpoints.Save(jobID, cp); err != nil {
			return Result{}, err
		}
		progress(progressRenditionsDone)
	}

	// 6.-7. master playlist, thumbnails, source cleanup
	if !cp.IsStageCompleted(state.StageUploaded) {
		if err := r.uploadMasterPlaylist(ctx, jobID, p, cp, jobDir); err != nil {
			return Result{}, err
		}
		progress(progressMasterPlaylist)

		if err := r.uploadThumbnails(ctx, jobID, p, cp); err != nil {
			return Result{}, err
		}
		if err := os.Remove(localSource); err != nil && !os.IsNotExist(err) {
			log.Log(jobID, "failed to remove downloaded source", "err", err)
		}
		cp.Stage = state.StageUploaded
		if err := r.Checkpoints.Save(jobID, cp); err != nil {
			return Result{}, err
		}
		progress(progressSourceCleaned)
	}

	// 8. completion callback. Failures fail the job; the bucket keeps the
	// bundle so a later attempt only needs to redeliver the callback.
	result := r.resultFrom(cp, p)
	if err := r.sendCompletionCallback(jobID, p, cp, result); err != nil {
		return Result{}, err
	}
	progress(progressCallbackSent)

	// 9. terminal checkpoint
	cp.Stage = state.StageCompleted
	if err := r.Checkpoints.Save(jobID, cp); err != nil {
		return Result{}, err
	}
	progress(progressCompleted)
	log.Log(jobID, "job completed", "output_key", result.OutputKey, "total_size", result.TotalSize)
	return result, nil
}

func (r *Runner) resultFrom(cp *state.Checkpoint, p Payload) Result {
	result := Result{
		OutputKey: p.VideoName + "/index.m3u8",
		TotalSize: cp.TotalUploadedBytes(),
	}
	if cp.VideoInfo != nil {
		result.DurationSec = cp.VideoInfo.DurationSec
		result.SourceResolution = cp.VideoInfo.Resolution()
	}
	return result
}

// generateThumbnails emits a JPG and a PNG frame grab. Any failure is logged
// and swallowed; a missing thumbnail never fails the job.
func (r *Runner) generateThumbnails(jobID, localSource, jobDir, videoName string) []string {
	var paths []string
	for _, ext := range []string{".jpg", ".png"} {
		out := filepath.Join(jobDir, fmt.Sprintf("%s-00001%s", videoName, ext))
		if err := r.Encoder.Thumbnail(localSource, out, 1, "320x240"); err != nil {
			log.Log(jobID, "thumbnail generation failed, continuing without", "output", out, "err", err)
			continue
		}
		paths = append(paths, out)
	}
	return paths
}

func (r *Runner) processRenditions(ctx context.Context, jobID string, p Payload, cp *state.Checkpoint, localSource, jobDir string, progress func(float64)) error {
	ordered := video.SortByHeightDesc(cp.ValidResolutions)
	span := float64(progressRenditionsDone-progressThumbnails) / float64(len(ordered))

	var duration float64
	if cp.VideoInfo != nil {
		duration = cp.VideoInfo.DurationSec
	}

	for i, name := range ordered {
		if cp.HasCompletedResolution(name) {
			log.Log(jobID, "rendition already completed, skipping", "resolution", name)
			continue
		}
		profile, ok := video.ProfileByName(name)
		if !ok {
			return xerrors.NewValidationError("unknown resolution %s", name)
		}

		base := progressThumbnails + span*float64(i)
		renditionDir := filepath.Join(jobDir, "hls_"+name)

		start := time.Now()
		err := r.Encoder.TranscodeHLS(localSource, renditionDir, profile, duration, func(frac float64) {
			progress(base + frac*span/2)
		})
		if err != nil {
			return err
		}
		metrics.Metrics.StageDurationSec.WithLabelValues("encode").Observe(time.Since(start).Seconds())
		log.Log(jobID, "encoded rendition", "resolution", name, "duration", time.Since(start))

		if _, err := video.ValidateRenditionPlaylist(filepath.Join(renditionDir, video.RenditionPlaylistName)); err != nil {
			return &xerrors.EncoderError{Resolution: name, Err: err}
		}

		if err := r.uploadRendition(ctx, jobID, p, cp, renditionDir, name, func(frac float64) {
			progress(base + span/2 + frac*span/2)
		}); err != nil {
			return err
		}

		// reclaim disk before the next rendition starts
		if err := os.RemoveAll(renditionDir); err != nil {
			log.Log(jobID, "failed to remove rendition dir", "dir", renditionDir, "err", err)
		}
		cp.AddCompletedResolution(name)
		if err := r.Checkpoints.Save(jobID, cp); err != nil {
			return err
		}
		progress(base + span)
	}
	return nil
}

// uploadRendition pushes the playlist first, then every segment, recording
// each key in the checkpoint so re-runs skip files already stored.
func (r *Runner) uploadRendition(ctx context.Context, jobID string, p Payload, cp *state.Checkpoint, renditionDir, resolution string, progress func(float64)) error {
	files, err := renditionFiles(renditionDir)
	if err != nil {
		return err
	}
	for i, name := range files {
		key := fmt.Sprintf("%s/hls_%s/%s", p.VideoName, resolution, name)
		if cp.HasUploadedFile(key) {
			continue
		}
		res, err := r.ObjectStore.Upload(ctx, filepath.Join(renditionDir, name), key, contentTypeFor(name), clients.OutputBucket)
		if err != nil {
			return err
		}
		metrics.Metrics.UploadedBytes.Add(float64(res.Size))
		cp.AddUploadedFile(state.UploadedFile{Name: name, Key: key, Size: res.Size})
		if err := r.Checkpoints.Save(jobID, cp); err != nil {
			return err
		}
		progress(float64(i+1) / float64(len(files)))
	}
	return nil
}

// renditionFiles lists a rendition directory with the playlist first and
// segments in name order after it.
func renditionFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list rendition dir %s: %w", dir, err)
	}
	var playlists, segments []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".m3u8":
			playlists = append(playlists, e.Name())
		case ".ts":
			segments = append(segments, e.Name())
		}
	}
	sort.Strings(segments)
	return append(playlists, segments...), nil
}

func (r *Runner) uploadMasterPlaylist(ctx context.Context, jobID string, p Payload, cp *state.Checkpoint, jobDir string) error {
	key := p.VideoName + "/index.m3u8"
	if cp.HasUploadedFile(key) {
		return nil
	}
	local := filepath.Join(jobDir, "index.m3u8")
	manifest := video.MasterPlaylist(cp.ValidResolutions)
	if err := os.WriteFile(local, []byte(manifest), 0644); err != nil {
		return fmt.Errorf("failed to write master playlist: %w", err)
	}
	res, err := r.ObjectStore.Upload(ctx, local, key, contentTypeFor(key), clients.OutputBucket)
	if err != nil {
		return err
	}
	os.Remove(local)
	cp.AddUploadedFile(state.UploadedFile{Name: "index.m3u8", Key: key, Size: res.Size})
	if err := r.Checkpoints.Save(jobID, cp); err != nil {
		return err
	}
	log.Log(jobID, "uploaded master playlist", "key", key)
	return nil
}

func (r *Runner) uploadThumbnails(ctx context.Context, jobID string, p Payload, cp *state.Checkpoint) error {
	for _, local := range cp.ThumbnailPaths {
		name := filepath.Base(local)
		key := p.VideoName + "/" + name
		if cp.HasUploadedFile(key) {
			continue
		}
		if _, err := os.Stat(local); err != nil {
			log.Log(jobID, "thumbnail missing at upload time, skipping", "path", local)
			continue
		}
		res, err := r.ObjectStore.Upload(ctx, local, key, contentTypeFor(name), clients.OutputBucket)
		if err != nil {
			return err
		}
		cp.AddUploadedFile(state.UploadedFile{Name: name, Key: key, Size: res.Size})
		if err := r.Checkpoints.Save(jobID, cp); err != nil {
			return err
		}
		os.Remove(local)
	}
	return nil
}

func (r *Runner) sendCompletionCallback(jobID string, p Payload, cp *state.Checkpoint, result Result) error {
	callbackURL := p.CallbackURL
	if callbackURL == "" {
		callbackURL = r.DefaultCallbackURL
	}
	if callbackURL == "" {
		log.Log(jobID, "no callback URL configured, skipping completion callback")
		return nil
	}
	payload := clients.CompletionPayload{
		JobID:       jobID,
		OriginalKey: p.OriginalKey,
		OutputKey:   result.OutputKey,
		VideoName:   p.VideoName,
		Environment: p.Environment,
		Metadata: clients.CompletionMetadata{
			Duration:           result.DurationSec,
			OriginalResolution: result.SourceResolution,
		},
	}
	if err := r.Callbacks.SendCompleted(callbackURL, payload); err != nil {
		return err
	}
	log.Log(jobID, "completion callback delivered", "url", callbackURL)
	return nil
}

// SendFailureCallback delivers the terminal-failure notification. Best
// effort: delivery problems are logged, never returned.
func (r *Runner) SendFailureCallback(jobID string, p Payload, jobErr string) {
	callbackURL := p.CallbackURL
	if callbackURL == "" {
		callbackURL = r.DefaultCallbackURL
	}
	if callbackURL == "" {
		return
	}
	payload := clients.FailurePayload{
		JobID:       jobID,
		OriginalKey: p.OriginalKey,
		Environment: p.Environment,
		Error:       jobErr,
	}
	if err := r.Callbacks.SendFailed(callbackURL, payload); err != nil {
		log.Log(jobID, "failed to deliver failure callback", "url", callbackURL, "err", err)
	}
}
