package video

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	xerrors "github.com/EvolutionIT/wtw-transcoder/errors"
	"github.com/EvolutionIT/wtw-transcoder/log"
)

const (
	// HLS parameters for every rendition
	SegmentDurationSec      = 10
	RenditionPlaylistName   = "index-.m3u8"
	SegmentFilenameTemplate = "index-%05d.ts"
	crf                     = 23
)

// Encoder drives the external media encoder. Implementations transform a
// local input file into an HLS rendition directory for a given profile.
type Encoder interface {
	TranscodeHLS(input, outputDir string, profile Profile, durationSec float64, progress func(float64)) error
	Thumbnail(input, outputPath string, timestampSec float64, size string) error
}

// FFmpeg shells out to ffmpeg. One OS thread per active encode subprocess is
// acceptable since the encoder dominates job cost.
type FFmpeg struct{}

// TranscodeHLS encodes input into outputDir as an HLS VOD rendition. The
// playlist and segment files use paths relative to outputDir so segment URLs
// in the playlist come out relative. progress receives estimates in [0,1].
func (e FFmpeg) TranscodeHLS(input, outputDir string, profile Profile, durationSec float64, progress func(float64)) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return &xerrors.EncoderError{Resolution: profile.Name, Err: err}
	}
	absInput, err := filepath.Abs(input)
	if err != nil {
		return &xerrors.EncoderError{Resolution: profile.Name, Err: err}
	}

	ffmpegErr := bytes.Buffer{}
	stream := ffmpeg.Input(absInput).
		Output(RenditionPlaylistName, ffmpeg.KwArgs{
			"c:v":                  "libx264",
			"profile:v":            profile.H264Profile,
			"level:v":              profile.H264Level,
			"vf":                   fmt.Sprintf("scale=%d:%d", profile.Width, profile.Height),
			"crf":                  strconv.Itoa(crf),
			"b:v":                  fmt.Sprintf("%dk", profile.VideoKbps),
			"maxrate":              fmt.Sprintf("%dk", profile.VideoKbps),
			"bufsize":              fmt.Sprintf("%dk", 2*profile.VideoKbps),
			"c:a":                  "aac",
			"b:a":                  fmt.Sprintf("%dk", profile.AudioKbps),
			"f":                    "hls",
			"hls_time":             strconv.Itoa(SegmentDurationSec),
			"hls_playlist_type":    "vod",
			"hls_segment_filename": SegmentFilenameTemplate,
			"start_number":         "0",
		})

	if progress != nil && durationSec > 0 {
		sock, cleanup, err := progressSocket(durationSec, progress)
		if err == nil {
			defer cleanup()
			stream = stream.GlobalArgs("-progress", "unix://"+sock)
		} else {
			log.LogNoJobID("progress socket unavailable, encoding without progress", "err", err)
		}
	}

	cmd := stream.OverWriteOutput().WithErrorOutput(&ffmpegErr).Compile()
	// Relative output paths keep the playlist's segment URLs relative.
	cmd.Dir = outputDir
	if err := cmd.Run(); err != nil {
		return &xerrors.EncoderError{
			Resolution: profile.Name,
			Err:        fmt.Errorf("%s [%s]", err, ffmpegErr.String()),
		}
	}
	return nil
}

// Thumbnail grabs a single frame at timestampSec, scaled to size ("WxH").
// Output format follows the extension of outputPath.
func (e FFmpeg) Thumbnail(input, outputPath string, timestampSec float64, size string) error {
	ffmpegErr := bytes.Buffer{}
	err := ffmpeg.Input(input, ffmpeg.KwArgs{"ss": fmt.Sprintf("%.2f", timestampSec)}).
		Output(outputPath, ffmpeg.KwArgs{
			"vframes": "1",
			"s":       size,
		}).
		OverWriteOutput().WithErrorOutput(&ffmpegErr).Run()
	if err != nil {
		return &xerrors.EncoderError{Err: fmt.Errorf("thumbnail: %s [%s]", err, ffmpegErr.String())}
	}
	return nil
}

var progressTimeRe = regexp.MustCompile(`out_time_ms=(\d+)`)

// progressSocket listens on a unix socket for ffmpeg's -progress output and
// converts out_time_ms lines into completion fractions.
func progressSocket(durationSec float64, progress func(float64)) (string, func(), error) {
	dir, err := os.MkdirTemp("", "ffprogress-*")
	if err != nil {
		return "", nil, err
	}
	sockPath := filepath.Join(dir, "progress.sock")
	l, err := net.Listen("unix", sockPath)
	if err != nil {
		os.RemoveAll(dir)
		return "", nil, err
	}

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 16)
		data := ""
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			data += string(buf[:n])
			matches := progressTimeRe.FindAllStringSubmatch(data, -1)
			if len(matches) == 0 {
				continue
			}
			last := matches[len(matches)-1]
			us, err := strconv.ParseFloat(last[1], 64)
			if err != nil {
				continue
			}
			frac := us / 1_000_000 / durationSec
			if frac > 1 {
				frac = 1
			}
			progress(frac)
			data = ""
		}
	}()

	cleanup := func() {
		l.Close()
		os.RemoveAll(dir)
	}
	return sockPath, cleanup, nil
}
