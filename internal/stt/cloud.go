package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/voxnote/voxnote/internal/config"
)

const (
	responseFormatText    = "text"
	responseFormatVerbose = "verbose_json"
)

// cloudProvider sends whole recordings to a hosted transcription endpoint.
// Stateless apart from the credential and client configuration; one
// request per recording, no partial results, no retries. A failed call is
// a failed call; retry policy belongs to the caller.
type cloudProvider struct {
	cfg    config.CloudConfig
	log    *slog.Logger
	emit   func(Result)
	client *http.Client
}

func newCloudProvider(cfg config.CloudConfig, log *slog.Logger, emit func(Result)) *cloudProvider {
	dialer := &net.Dialer{Timeout: time.Duration(cfg.ConnectTimeout) * time.Millisecond}
	return &cloudProvider{
		cfg:  cfg,
		log:  log.With(slog.String("component", "stt-cloud")),
		emit: emit,
		client: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeout) * time.Millisecond,
			Transport: &http.Transport{
				DialContext: dialer.DialContext,
			},
		},
	}
}

func (p *cloudProvider) Initialize(_ context.Context) error {
	if p.cfg.APIKey == "" {
		return ErrNoCredential
	}
	return nil
}

// ProcessFile issues one transcription call and returns the transcript
// verbatim. The single final result is also published on the stream.
func (p *cloudProvider) ProcessFile(ctx context.Context, path string) (Result, error) {
	text, err := p.transcribe(ctx, path, p.cfg.Language, responseFormatText, nil)
	if err != nil {
		return Result{}, err
	}
	result := Result{Text: strings.TrimRight(text, "\n"), Final: true, Confidence: 1}
	if p.emit != nil {
		p.emit(result)
	}
	return result, nil
}

// Segment is one timed span of a detailed transcription.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// DetailedTranscript is the verbose_json response shape.
type DetailedTranscript struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments"`
}

// ProcessFileDetailed requests a structured transcript with segment
// timestamps. Same request and error contract as ProcessFile; additive.
func (p *cloudProvider) ProcessFileDetailed(ctx context.Context, path string) (DetailedTranscript, error) {
	var detailed DetailedTranscript
	if _, err := p.transcribe(ctx, path, p.cfg.Language, responseFormatVerbose, &detailed); err != nil {
		return DetailedTranscript{}, err
	}
	return detailed, nil
}

func (p *cloudProvider) transcribe(ctx context.Context, path, language, format string, verboseInto *DetailedTranscript) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		// File-level failure, logged distinctly from network failure.
		p.log.Warn("recording not readable", slog.String("path", path), slogError(err))
		return "", fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	if language == "" {
		language = "en"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("read recording: %w", err)
	}
	_ = mw.WriteField("model", p.cfg.Model)
	_ = mw.WriteField("language", language)
	_ = mw.WriteField("response_format", format)
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Warn("cloud transcription unreachable", slogError(err))
		return "", fmt.Errorf("cloud transcription request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		p.log.Warn("cloud transcription rejected",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(snippet)))
		return "", fmt.Errorf("cloud transcription status %d: %s", resp.StatusCode, string(snippet))
	}

	if verboseInto != nil {
		if err := json.NewDecoder(resp.Body).Decode(verboseInto); err != nil {
			return "", fmt.Errorf("decode detailed transcript: %w", err)
		}
		return verboseInto.Text, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read transcript body: %w", err)
	}
	return string(raw), nil
}

func (p *cloudProvider) Dispose() error {
	p.client.CloseIdleConnections()
	return nil
}
