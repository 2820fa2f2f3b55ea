package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/xeipuuv/gojsonschema"

	"github.com/EvolutionIT/wtw-transcoder/clients"
	"github.com/EvolutionIT/wtw-transcoder/errors"
	"github.com/EvolutionIT/wtw-transcoder/log"
	"github.com/EvolutionIT/wtw-transcoder/metrics"
	"github.com/EvolutionIT/wtw-transcoder/pipeline"
	"github.com/EvolutionIT/wtw-transcoder/video"
)

var videoNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// TranscodeRequest is the POST /transcode body.
type TranscodeRequest struct {
	Key         string   `json:"key"`
	Resolutions []string `json:"resolutions,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	VideoName   string   `json:"videoName,omitempty"`
	CallbackURL string   `json:"callback_url,omitempty"`
}

// TranscodeResponse acknowledges a queued submission.
type TranscodeResponse struct {
	Success     bool     `json:"success"`
	JobID       string   `json:"jobId"`
	OriginalKey string   `json:"originalKey"`
	VideoName   string   `json:"videoName"`
	Environment string   `json:"environment"`
	CallbackURL string   `json:"callbackUrl,omitempty"`
	Resolutions []string `json:"resolutions"`
	Status      string   `json:"status"`
	Message     string   `json:"message"`
}

// Transcode validates a submission, creates the job record and enqueues it.
func (h *TranscodeHandlersCollection) Transcode() httprouter.Handle {
	schema := inputSchemasCompiled["Transcode"]
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		start := time.Now()
		metrics.Metrics.SubmitRequestCount.Inc()
		success, statusCode := false, http.StatusOK
		defer func() {
			metrics.Metrics.SubmitRequestDuration.WithLabelValues(strconv.FormatBool(success), strconv.Itoa(statusCode)).Observe(time.Since(start).Seconds())
		}()

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			statusCode = http.StatusInternalServerError
			errors.WriteHTTPInternalServerError(w, "Cannot read body", err)
			return
		}
		result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
		if err != nil {
			statusCode = http.StatusBadRequest
			errors.WriteHTTPBadRequest(w, "Body validation error", err)
			return
		}
		if !result.Valid() {
			statusCode = http.StatusBadRequest
			errors.WriteHTTPBadBodySchema("Transcode", w, result.Errors())
			return
		}
		var req TranscodeRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			statusCode = http.StatusBadRequest
			errors.WriteHTTPBadRequest(w, "Cannot unmarshal JSON to TranscodeRequest", err)
			return
		}

		p, msg := h.buildPayload(req)
		if msg != "" {
			statusCode = http.StatusBadRequest
			errors.WriteHTTPBadRequest(w, msg, nil)
			return
		}

		// Best-effort existence pre-check. The worker tolerates sources that
		// appear after submission, so a miss is only worth a warning here.
		jobID := uuid.New().String()
		if h.ObjectStore != nil {
			if info, headErr := h.ObjectStore.Head(r.Context(), p.OriginalKey, clients.SourceBucket); headErr != nil {
				log.Log(jobID, "source pre-check failed, continuing", "key", p.OriginalKey, "err", headErr)
			} else if info == nil {
				log.Log(jobID, "source object not found at submission time", "key", p.OriginalKey)
			}
		}

		if _, err := h.Coordinator.Submit(r.Context(), jobID, p, req.Priority); err != nil {
			statusCode = http.StatusInternalServerError
			errors.WriteHTTPInternalServerError(w, "Failed to enqueue job", err)
			return
		}

		success = true
		writeJSON(w, http.StatusOK, TranscodeResponse{
			Success:     true,
			JobID:       jobID,
			OriginalKey: p.OriginalKey,
			VideoName:   p.VideoName,
			Environment: p.Environment,
			CallbackURL: p.CallbackURL,
			Resolutions: p.Resolutions,
			Status:      "queued",
			Message:     "Transcoding job queued",
		})
	}
}

// buildPayload applies defaults and the submission validation rules. A
// non-empty message means the request is rejected with a 400.
func (h *TranscodeHandlersCollection) buildPayload(req TranscodeRequest) (pipeline.Payload, string) {
	if req.Key == "" {
		return pipeline.Payload{}, "key is required"
	}

	resolutions := req.Resolutions
	if len(resolutions) == 0 {
		resolutions = video.AllResolutions()
	}
	for _, r := range resolutions {
		if !video.IsValidResolution(r) {
			return pipeline.Payload{}, "invalid resolution: " + r
		}
	}

	videoName := req.VideoName
	if videoName == "" {
		base := filepath.Base(req.Key)
		videoName = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if !videoNameRe.MatchString(videoName) {
		return pipeline.Payload{}, "videoName must contain only alphanumeric characters, hyphens, and underscores"
	}

	callbackURL := req.CallbackURL
	if callbackURL != "" {
		u, err := url.Parse(callbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return pipeline.Payload{}, "callback_url must be an http or https URL"
		}
	} else {
		callbackURL = h.DefaultCallbackURL
	}

	environment := "production"
	if strings.Contains(callbackURL, "stage") {
		environment = "staging"
	}

	return pipeline.Payload{
		OriginalKey: req.Key,
		Resolutions: resolutions,
		VideoName:   videoName,
		Environment: environment,
		CallbackURL: callbackURL,
	}, ""
}
