package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CredentialProvider supplies the API credential for remote attempts.
// It is consulted once per attempt; absence short-circuits to NoCredential.
type CredentialProvider interface {
	Credential() (string, bool)
}

// StaticCredential is a CredentialProvider backed by a fixed token.
type StaticCredential string

func (s StaticCredential) Credential() (string, bool) {
	return string(s), s != ""
}

// RemoteClient calls an OpenAI-compatible /v1/audio/transcriptions endpoint.
// It is a pure request/response mapper: one upload, one structured result or
// classified error. All retry logic lives in the Orchestrator.
type RemoteClient struct {
	url     string
	model   string
	creds   CredentialProvider
	timeout time.Duration
	client  *http.Client
}

// remoteSuccess is the JSON success body.
type remoteSuccess struct {
	Text string `json:"text"`
}

// remoteError is the JSON error envelope.
type remoteError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// NewRemoteClient creates a new remote transcription HTTP client.
func NewRemoteClient(url, model string, creds CredentialProvider, timeout time.Duration) *RemoteClient {
	return &RemoteClient{
		url:     url,
		model:   model,
		creds:   creds,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the provider name.
func (rc *RemoteClient) Name() string { return "remote" }

// Transcribe uploads one audio file and returns the transcript or a
// classified error. Uses multipart/form-data with fields file, model, and
// optional language (omitted for auto-detect).
func (rc *RemoteClient) Transcribe(ctx context.Context, audioPath string, opts Opts) (*Result, error) {
	token, ok := rc.creds.Credential()
	if !ok {
		return nil, newError(KindNoCredential, 0, "no API credential configured")
	}

	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}

	w.WriteField("model", rc.model)
	if opts.Language != "" {
		w.WriteField("language", opts.Language)
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rc.url, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := rc.client.Do(req)
	if err != nil {
		return nil, newError(KindNetwork, 0, "transcription request: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(KindNetwork, 0, "read response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, body)
	}

	var result remoteSuccess
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, newError(KindInvalidResponse, resp.StatusCode, "decode response: %v", err)
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		text = NoSpeechText
	}
	return &Result{Text: text}, nil
}

// classifyStatus maps a non-200 HTTP outcome to an error kind.
// 429 → RateLimited, 402/insufficient_quota → QuotaExceeded, everything else
// (other 4xx included) → APIError, retryable.
func classifyStatus(status int, body []byte) *Error {
	msg := errorMessage(body)

	switch {
	case status == http.StatusTooManyRequests:
		return newError(KindRateLimited, status, "%s", msg)
	case status == http.StatusPaymentRequired:
		return newError(KindQuotaExceeded, status, "%s", msg)
	}

	var env remoteError
	if json.Unmarshal(body, &env) == nil {
		if env.Error.Code == "insufficient_quota" || env.Error.Type == "insufficient_quota" {
			return newError(KindQuotaExceeded, status, "%s", msg)
		}
	}

	return newError(KindAPI, status, "%s", msg)
}

// errorMessage extracts the message from the error envelope, falling back to
// the raw body when the envelope doesn't parse.
func errorMessage(body []byte) string {
	var env remoteError
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "no error body"
	}
	return s
}
