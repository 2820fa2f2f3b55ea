package video

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/vansante/go-ffprobe.v2"

	"github.com/EvolutionIT/wtw-transcoder/log"
)

// SourceInfo is the subset of probe data the pipeline cares about.
type SourceInfo struct {
	DurationSec float64 `json:"duration"`
	Width       int64   `json:"width"`
	Height      int64   `json:"height"`
	Bitrate     int64   `json:"bitrate"`
	Codec       string  `json:"codec"`
	SizeBytes   int64   `json:"size"`
}

// Resolution renders the probed dimensions as "WxH" for callbacks.
func (s SourceInfo) Resolution() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

type Prober interface {
	ProbeFile(jobID, path string) (SourceInfo, error)
}

type Probe struct{}

func (p Probe) ProbeFile(jobID, path string) (SourceInfo, error) {
	var data *ffprobe.ProbeData
	operation := func() error {
		probeCtx, probeCancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer probeCancel()
		var err error
		data, err = ffprobe.ProbeURL(probeCtx, path, "-loglevel", "error")
		return err
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0 // don't impose a timeout as part of the retries
	if err := backoff.Retry(operation, backoff.WithMaxRetries(backOff, 3)); err != nil {
		return SourceInfo{}, fmt.Errorf("error probing %s: %w", path, err)
	}

	info, err := parseProbeOutput(data)
	if err != nil {
		return SourceInfo{}, err
	}
	log.Log(jobID, "probed source", "width", info.Width, "height", info.Height, "duration", info.DurationSec, "codec", info.Codec)
	return info, nil
}

func parseProbeOutput(probeData *ffprobe.ProbeData) (SourceInfo, error) {
	videoStream := probeData.FirstVideoStream()
	if videoStream == nil {
		return SourceInfo{}, errors.New("error checking for video: no video stream found")
	}
	if probeData.Format == nil {
		return SourceInfo{}, errors.New("error parsing input video: format information missing")
	}

	// the stream-level bitrate is missing for some containers; fall back to
	// the container-level value
	bitRateValue := videoStream.BitRate
	if bitRateValue == "" {
		bitRateValue = probeData.Format.BitRate
	}
	var bitrate int64
	if bitRateValue != "" {
		var err error
		bitrate, err = strconv.ParseInt(bitRateValue, 10, 64)
		if err != nil {
			return SourceInfo{}, fmt.Errorf("error parsing bitrate from probed data: %w", err)
		}
	}

	size, err := strconv.ParseInt(probeData.Format.Size, 10, 64)
	if err != nil {
		size = 0
	}

	duration, err := strconv.ParseFloat(videoStream.Duration, 64)
	if err != nil {
		duration = probeData.Format.DurationSeconds
	}

	return SourceInfo{
		DurationSec: duration,
		Width:       int64(videoStream.Width),
		Height:      int64(videoStream.Height),
		Bitrate:     bitrate,
		Codec:       videoStream.CodecName,
		SizeBytes:   size,
	}, nil
}
