package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/EvolutionIT/wtw-transcoder/clients"
	xerrors "github.com/EvolutionIT/wtw-transcoder/errors"
	"github.com/EvolutionIT/wtw-transcoder/state"
	"github.com/EvolutionIT/wtw-transcoder/video"
)

// fakeObjectStore keeps "buckets" in memory and records every operation.
type fakeObjectStore struct {
	mu       sync.Mutex
	objects  map[string][]byte // key -> content, output bucket
	sources  map[string][]byte // key -> content, source bucket
	uploads  []string          // keys in upload order, including duplicates
	downErr  error
	upErrFor string // fail the upload of this key once
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		objects: map[string][]byte{},
		sources: map[string][]byte{"uploads/a.mp4": []byte("source-bytes")},
	}
}

func (f *fakeObjectStore) Download(_ context.Context, key, localPath string, bucket clients.Bucket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downErr != nil {
		return f.downErr
	}
	content, ok := f.sources[key]
	if !ok {
		return xerrors.NewObjectStoreError(xerrors.OpDownload, true, fmt.Errorf("Download failed for %q: no such key", key))
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(localPath, content, 0644)
}

func (f *fakeObjectStore) Upload(_ context.Context, localPath, key, _ string, _ clients.Bucket) (clients.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upErrFor != "" && key == f.upErrFor {
		f.upErrFor = ""
		return clients.UploadResult{}, xerrors.NewObjectStoreError(xerrors.OpUpload, true, fmt.Errorf("Upload failed for %q", key))
	}
	content, err := os.ReadFile(localPath)
	if err != nil {
		return clients.UploadResult{}, err
	}
	f.objects[key] = content
	f.uploads = append(f.uploads, key)
	return clients.UploadResult{Size: int64(len(content))}, nil
}

func (f *fakeObjectStore) Delete(_ context.Context, key string, _ clients.Bucket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeObjectStore) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		keys = append(keys, k)
	}
	return keys
}

// fakeEncoder writes a playlist and one segment per rendition.
type fakeEncoder struct {
	mu       sync.Mutex
	encoded  []string // resolutions in encode order
	failFor  string
	thumbErr error
}

func (f *fakeEncoder) TranscodeHLS(_, outputDir string, profile video.Profile, _ float64, progress func(float64)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor == profile.Name {
		return &xerrors.EncoderError{Resolution: profile.Name, Err: errors.New("exit status 1")}
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	playlist := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-PLAYLIST-TYPE:VOD\n#EXTINF:10.0,\nindex-00000.ts\n#EXT-X-ENDLIST\n"
	if err := os.WriteFile(filepath.Join(outputDir, video.RenditionPlaylistName), []byte(playlist), 0644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(outputDir, "index-00000.ts"), []byte("segment-"+profile.Name), 0644); err != nil {
		return err
	}
	if progress != nil {
		progress(1)
	}
	f.encoded = append(f.encoded, profile.Name)
	return nil
}

func (f *fakeEncoder) Thumbnail(_, outputPath string, _ float64, _ string) error {
	if f.thumbErr != nil {
		return f.thumbErr
	}
	return os.WriteFile(outputPath, []byte("thumb"), 0644)
}

type fakeProber struct {
	info video.SourceInfo
	err  error
}

func (f fakeProber) ProbeFile(string, string) (video.SourceInfo, error) {
	return f.info, f.err
}

type fakeCallbacks struct {
	mu        sync.Mutex
	completed []clients.CompletionPayload
	failed    []clients.FailurePayload
	err       error
}

func (f *fakeCallbacks) SendCompleted(_ string, p clients.CompletionPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.completed = append(f.completed, p)
	return nil
}

func (f *fakeCallbacks) SendFailed(_ string, p clients.FailurePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, p)
	return nil
}

func testRunner(t *testing.T) (*Runner, *fakeObjectStore, *fakeEncoder, *fakeCallbacks) {
	t.Helper()
	store := newFakeObjectStore()
	encoder := &fakeEncoder{}
	callbacks := &fakeCallbacks{}
	runner := &Runner{
		ObjectStore: store,
		Encoder:     encoder,
		Prober:      fakeProber{info: video.SourceInfo{DurationSec: 42.5, Width: 1280, Height: 720, Codec: "h264"}},
		Checkpoints: state.NewManager(t.TempDir()),
		Callbacks:   callbacks,
	}
	return runner, store, encoder, callbacks
}

func payload720() Payload {
	return Payload{
		OriginalKey: "uploads/a.mp4",
		Resolutions: []string{"720p", "480p", "360p"},
		VideoName:   "a",
		Environment: "staging",
		CallbackURL: "https://stage.x/cb",
	}
}

func TestRunHappyPath(t *testing.T) {
	runner, store, encoder, callbacks := testRunner(t)

	var lastProgress float64
	result, err := runner.Run(context.Background(), "job-1", payload720(), func(pct float64) {
		require.GreaterOrEqual(t, pct, lastProgress, "progress must not go backwards")
		lastProgress = pct
	})
	require.NoError(t, err)

	require.Equal(t, "a/index.m3u8", result.OutputKey)
	require.Equal(t, 42.5, result.DurationSec)
	require.Equal(t, "1280x720", result.SourceResolution)
	require.Equal(t, float64(100), lastProgress)

	// renditions are processed tallest first
	require.Equal(t, []string{"720p", "480p", "360p"}, encoder.encoded)

	// output bucket holds playlist + segment per rendition, master, thumbnails
	keys := store.keys()
	for _, expected := range []string{
		"a/index.m3u8",
		"a/hls_720p/index-.m3u8", "a/hls_720p/index-00000.ts",
		"a/hls_480p/index-.m3u8", "a/hls_480p/index-00000.ts",
		"a/hls_360p/index-.m3u8", "a/hls_360p/index-00000.ts",
		"a/a-00001.jpg", "a/a-00001.png",
	} {
		require.Contains(t, keys, expected)
	}

	// master playlist entries descend by height
	master := string(store.objects["a/index.m3u8"])
	require.True(t, strings.HasPrefix(master, "#EXTM3U\n"))
	i720 := strings.Index(master, "hls_720p/")
	i480 := strings.Index(master, "hls_480p/")
	i360 := strings.Index(master, "hls_360p/")
	require.True(t, i720 < i480 && i480 < i360)

	// completion callback carries the probe metadata
	require.Len(t, callbacks.completed, 1)
	cb := callbacks.completed[0]
	require.Equal(t, "job-1", cb.JobID)
	require.Equal(t, "a/index.m3u8", cb.OutputKey)
	require.Equal(t, "staging", cb.Environment)
	require.Equal(t, "1280x720", cb.Metadata.OriginalResolution)
	require.Equal(t, 42.5, cb.Metadata.Duration)

	// local rendition trees were deleted after upload
	jobDir := runner.Checkpoints.JobDir("job-1")
	for _, res := range []string{"720p", "480p", "360p"} {
		_, err := os.Stat(filepath.Join(jobDir, "hls_"+res))
		require.ErrorIs(t, err, os.ErrNotExist)
	}
	// the downloaded source is gone too
	_, err = os.Stat(filepath.Join(jobDir, "source.mp4"))
	require.ErrorIs(t, err, os.ErrNotExist)

	cp, err := runner.Checkpoints.Peek("job-1")
	require.NoError(t, err)
	require.Equal(t, state.StageCompleted, cp.Stage)
}

func TestRunDropsUpscaledRenditions(t *testing.T) {
	runner, store, encoder, _ := testRunner(t)
	runner.Prober = fakeProber{info: video.SourceInfo{DurationSec: 10, Width: 640, Height: 360, Codec: "h264"}}

	p := payload720()
	p.Resolutions = []string{"1080p", "240p"}

	_, err := runner.Run(context.Background(), "job-2", p, nil)
	require.NoError(t, err)

	require.Equal(t, []string{"240p"}, encoder.encoded)
	keys := store.keys()
	require.Contains(t, keys, "a/hls_240p/index-.m3u8")
	for _, k := range keys {
		require.NotContains(t, k, "1080p")
	}
}

func TestRunFailsWhenNothingFitsTheSource(t *testing.T) {
	runner, _, _, _ := testRunner(t)
	runner.Prober = fakeProber{info: video.SourceInfo{DurationSec: 10, Width: 160, Height: 120}}

	_, err := runner.Run(context.Background(), "job-3", payload720(), nil)
	require.Error(t, err)
	require.True(t, xerrors.IsValidationError(err))
	require.True(t, xerrors.IsUnretriable(err))

	cp, peekErr := runner.Checkpoints.Peek("job-3")
	require.NoError(t, peekErr)
	require.Equal(t, state.StageFailed, cp.Stage)
	require.Contains(t, cp.ErrorMessage, "no valid resolutions")
}

func TestRunResumesAfterPartialFailure(t *testing.T) {
	runner, store, encoder, _ := testRunner(t)

	// the 480p encode dies on the first attempt, after 720p fully uploaded
	encoder.failFor = "480p"
	_, err := runner.Run(context.Background(), "job-4", payload720(), nil)
	require.Error(t, err)
	var encErr *xerrors.EncoderError
	require.ErrorAs(t, err, &encErr)
	require.Equal(t, "480p", encErr.Resolution)

	cp, peekErr := runner.Checkpoints.Peek("job-4")
	require.NoError(t, peekErr)
	require.Equal(t, state.StageFailed, cp.Stage)
	require.Equal(t, []string{"720p"}, cp.CompletedResolutions)

	uploadsBefore := len(store.uploads)

	// second attempt: 720p must not be encoded or uploaded again
	encoder.failFor = ""
	_, err = runner.Run(context.Background(), "job-4", payload720(), nil)
	require.NoError(t, err)

	require.Equal(t, []string{"720p", "480p", "360p"}, encoder.encoded, "720p encoded exactly once across both attempts")
	for _, key := range store.uploads[uploadsBefore:] {
		require.NotContains(t, key, "hls_720p", "720p keys must not be re-uploaded")
	}
}

func TestRunIsIdempotentOnReplay(t *testing.T) {
	runner, store, encoder, callbacks := testRunner(t)

	first, err := runner.Run(context.Background(), "job-5", payload720(), nil)
	require.NoError(t, err)
	uploads := len(store.uploads)

	second, err := runner.Run(context.Background(), "job-5", payload720(), nil)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, uploads, len(store.uploads), "replay must not upload anything")
	require.Len(t, encoder.encoded, 3, "replay must not encode anything")
	require.Len(t, callbacks.completed, 1, "replay must not resend the callback")
}

func TestRunSurvivesThumbnailFailure(t *testing.T) {
	runner, store, _, _ := testRunner(t)
	runner.Encoder.(*fakeEncoder).thumbErr = errors.New("no frame at t=1")

	_, err := runner.Run(context.Background(), "job-6", payload720(), nil)
	require.NoError(t, err, "thumbnail failure must not fail the job")

	for _, k := range store.keys() {
		require.NotContains(t, k, ".jpg")
		require.NotContains(t, k, ".png")
	}
}

func TestRunCallbackFailureFailsTheJob(t *testing.T) {
	runner, store, _, callbacks := testRunner(t)
	callbacks.err = &xerrors.CallbackError{URL: "https://stage.x/cb", Err: errors.New("connection refused")}

	_, err := runner.Run(context.Background(), "job-7", payload720(), nil)
	require.Error(t, err)
	var cbErr *xerrors.CallbackError
	require.ErrorAs(t, err, &cbErr)

	// the bundle stays in the output bucket
	require.Contains(t, store.keys(), "a/index.m3u8")

	cp, peekErr := runner.Checkpoints.Peek("job-7")
	require.NoError(t, peekErr)
	require.Equal(t, state.StageFailed, cp.Stage)

	// a later attempt only needs to redeliver the callback
	uploadsBefore := len(store.uploads)
	callbacks.err = nil
	_, err = runner.Run(context.Background(), "job-7", payload720(), nil)
	require.NoError(t, err)
	require.Len(t, callbacks.completed, 1)
	for _, key := range store.uploads[uploadsBefore:] {
		require.NotContains(t, key, ".ts", "segments must not be re-uploaded for a callback retry")
	}
}

func TestRunDownloadFailure(t *testing.T) {
	runner, store, _, _ := testRunner(t)
	p := payload720()
	p.OriginalKey = "uploads/missing.mp4"

	_, err := runner.Run(context.Background(), "job-8", p, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Download failed")
	require.Empty(t, store.keys())
}

func TestFailureCallbackBestEffort(t *testing.T) {
	runner, _, _, callbacks := testRunner(t)

	runner.SendFailureCallback("job-9", payload720(), "encoder failed for 480p")
	require.Len(t, callbacks.failed, 1)
	require.Equal(t, "job-9", callbacks.failed[0].JobID)
	require.Equal(t, "uploads/a.mp4", callbacks.failed[0].OriginalKey)
	require.Equal(t, "staging", callbacks.failed[0].Environment)
	require.Equal(t, "encoder failed for 480p", callbacks.failed[0].Error)

	// no callback URL configured: silently skipped
	p := payload720()
	p.CallbackURL = ""
	runner.SendFailureCallback("job-10", p, "whatever")
	require.Len(t, callbacks.failed, 1)
}
