package clients

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/EvolutionIT/wtw-transcoder/config"
	xerrors "github.com/EvolutionIT/wtw-transcoder/errors"
	"github.com/EvolutionIT/wtw-transcoder/log"
	"github.com/EvolutionIT/wtw-transcoder/metrics"
)

// CompletionPayload is POSTed to the callback URL when a job finishes
// successfully.
type CompletionPayload struct {
	JobID       string             `json:"jobId"`
	OriginalKey string             `json:"originalKey"`
	OutputKey   string             `json:"outputKey"`
	VideoName   string             `json:"videoName"`
	Environment string             `json:"environment"`
	Status      string             `json:"status"`
	Timestamp   string             `json:"timestamp"`
	Metadata    CompletionMetadata `json:"metadata"`
}

type CompletionMetadata struct {
	Duration           float64 `json:"duration"`
	OriginalResolution string  `json:"originalResolution"`
}

// FailurePayload is POSTed to the callback URL once per terminal failure.
type FailurePayload struct {
	JobID       string `json:"jobId"`
	OriginalKey string `json:"originalKey"`
	Environment string `json:"environment"`
	Status      string `json:"status"`
	Error       string `json:"error"`
	Timestamp   string `json:"timestamp"`
}

// CallbackClient notifies the upstream web application about job outcomes.
// Unlike fire-and-forget status pings, delivery failures are surfaced to the
// caller so the pipeline can mark the job failed.
type CallbackClient struct {
	httpClient *retryablehttp.Client
	token      string
}

func NewCallbackClient(token string) CallbackClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 2                          // Retry a maximum of this+1 times
	client.RetryWaitMin = 200 * time.Millisecond // Wait at least this long between retries
	client.RetryWaitMax = 1 * time.Second        // Wait at most this long between retries (exponential backoff)
	client.Logger = nil
	client.HTTPClient = &http.Client{
		Timeout: 10 * time.Second, // Give up on requests that take more than this long
	}

	return CallbackClient{
		httpClient: client,
		token:      token,
	}
}

func (c CallbackClient) SendCompleted(callbackURL string, p CompletionPayload) error {
	p.Status = "completed"
	p.Timestamp = config.TimestampRFC3339UTC()
	return c.post(callbackURL, p)
}

func (c CallbackClient) SendFailed(callbackURL string, p FailurePayload) error {
	p.Status = "failed"
	p.Timestamp = config.TimestampRFC3339UTC()
	return c.post(callbackURL, p)
}

func (c CallbackClient) post(callbackURL string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &xerrors.CallbackError{URL: callbackURL, Err: err}
	}

	r, err := retryablehttp.NewRequest(http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return &xerrors.CallbackError{URL: callbackURL, Err: err}
	}
	r.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(r)
	if err != nil {
		metrics.Metrics.CallbackFailureCount.Inc()
		log.LogNoJobID("failed to send callback", "url", callbackURL, "err", err)
		return &xerrors.CallbackError{URL: callbackURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		metrics.Metrics.CallbackFailureCount.Inc()
		log.LogNoJobID("failed to send callback", "url", callbackURL, "status_code", resp.StatusCode)
		return &xerrors.CallbackError{URL: callbackURL, Err: fmt.Errorf("HTTP code: %d", resp.StatusCode)}
	}

	return nil
}
