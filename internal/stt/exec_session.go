package stt

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// execSession drives a recognizer child process over line-delimited JSON.
// One request line on stdin yields exactly one response line on stdout.
// The process holds the loaded model for its whole lifetime; per-utterance
// state is cleared with a reset request.
type execSession struct {
	proc  *exec.Cmd
	stdin io.WriteCloser
	out   *bufio.Scanner

	mu sync.Mutex
	// needsReset is set once an utterance completes; feeding again before
	// a reset would bleed the previous hypothesis into the next one.
	needsReset bool
}

type sessionRequest struct {
	Op        string `json:"op"`
	PCMBase64 string `json:"pcm_base64,omitempty"`
}

func newExecSession(command, modelPath string, sampleRate, channels int, language string) (*execSession, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognizer command is empty")
	}

	base := args[0]
	cmdArgs := append([]string{}, args[1:]...)
	cmdArgs = append(cmdArgs, "--model", modelPath,
		"--sample-rate", strconv.Itoa(sampleRate),
		"--channels", strconv.Itoa(channels))
	if language != "" {
		cmdArgs = append(cmdArgs, "--language", language)
	}

	proc := exec.Command(base, cmdArgs...)
	stdin, err := proc.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("recognizer stdin: %w", err)
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("recognizer stdout: %w", err)
	}
	if err := proc.Start(); err != nil {
		return nil, fmt.Errorf("start recognizer: %w", err)
	}

	return &execSession{
		proc:  proc,
		stdin: stdin,
		out:   bufio.NewScanner(stdout),
	}, nil
}

// newSessionIO wires a session over arbitrary pipes. Used by tests.
func newSessionIO(stdin io.WriteCloser, stdout io.Reader) *execSession {
	return &execSession{stdin: stdin, out: bufio.NewScanner(stdout)}
}

// Reset clears per-utterance recognizer state. A reset on an already
// clean session is a no-op.
func (s *execSession) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.needsReset {
		return nil
	}
	if _, err := s.roundTrip(sessionRequest{Op: "reset"}); err != nil {
		return err
	}
	s.needsReset = false
	return nil
}

// Feed submits one PCM chunk and reports any provisional hypothesis the
// recognizer produced for it.
func (s *execSession) Feed(chunk []byte) (Result, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.needsReset {
		return Result{}, false, ErrUtteranceNotStarted
	}
	line, err := s.roundTrip(sessionRequest{
		Op:        "feed",
		PCMBase64: base64.StdEncoding.EncodeToString(chunk),
	})
	if err != nil {
		return Result{}, false, err
	}
	result, ok := parseRecognizerLine(line)
	if !ok || result.Final {
		// Chunks only ever yield provisional hypotheses.
		return Result{}, false, nil
	}
	return result, true, nil
}

// FinalResult requests the terminal hypothesis and closes the utterance.
func (s *execSession) FinalResult() (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.needsReset {
		return Result{}, ErrUtteranceNotStarted
	}
	line, err := s.roundTrip(sessionRequest{Op: "final"})
	s.needsReset = true
	if err != nil {
		return Result{}, err
	}
	result, _ := parseRecognizerLine(line)
	result.Final = true
	return result, nil
}

// sessionCloseGrace is how long Close waits for the recognizer to exit
// after stdin EOF before killing it.
const sessionCloseGrace = 2 * time.Second

func (s *execSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stdin != nil {
		_ = s.stdin.Close()
		s.stdin = nil
	}
	proc := s.proc
	s.proc = nil
	if proc == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(sessionCloseGrace):
		// A recognizer that ignores stdin EOF must not hang shutdown.
		_ = proc.Process.Kill()
		return <-done
	}
}

func (s *execSession) roundTrip(req sessionRequest) ([]byte, error) {
	if s.stdin == nil {
		return nil, fmt.Errorf("recognizer session closed")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')
	if _, err := s.stdin.Write(data); err != nil {
		return nil, fmt.Errorf("write to recognizer: %w", err)
	}
	if !s.out.Scan() {
		if err := s.out.Err(); err != nil {
			return nil, fmt.Errorf("read from recognizer: %w", err)
		}
		return nil, fmt.Errorf("recognizer closed its output")
	}
	return s.out.Bytes(), nil
}

type recognizerPayload struct {
	Text       *string `json:"text"`
	Partial    *string `json:"partial"`
	Confidence float64 `json:"confidence"`
}

// parseRecognizerLine extracts a hypothesis from one recognizer response.
// Malformed or empty payloads yield no result rather than an error; the
// recognizer is allowed to answer a chunk with "{}".
func parseRecognizerLine(line []byte) (Result, bool) {
	var payload recognizerPayload
	if err := json.Unmarshal(line, &payload); err != nil {
		return Result{}, false
	}
	switch {
	case payload.Text != nil:
		return Result{Text: *payload.Text, Final: true, Confidence: payload.Confidence}, true
	case payload.Partial != nil:
		return Result{Text: *payload.Partial, Final: false, Confidence: payload.Confidence}, true
	default:
		return Result{}, false
	}
}
