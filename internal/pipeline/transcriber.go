package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vnmchuo/llm-quota/internal/provider"
	"github.com/vnmchuo/llm-quota/internal/queue"
)

// TranscriptionJob names one audio file waiting in the shared audio
// directory.
type TranscriptionJob struct {
	ID       string `json:"id"`
	Language string `json:"language,omitempty"`
	Filename string `json:"filename"`
}

type TranscriptionResult struct {
	ID            string `json:"id"`
	Filename      string `json:"filename"`
	Transcription string `json:"transcription"`
	Message       string `json:"message"`
}

// Transcriber turns queued audio references into transcripts.
type Transcriber struct {
	audio     provider.TranscriptionClient
	sink      Sink
	outStream string
	audioDir  string
}

func NewTranscriber(audio provider.TranscriptionClient, sink Sink, outStream, audioDir string) *Transcriber {
	return &Transcriber{
		audio:     audio,
		sink:      sink,
		outStream: outStream,
		audioDir:  audioDir,
	}
}

// Process transcribes one file. Any error, a missing or malformed job
// included, propagates without emitting output; the worker abandons the
// message and repeated failures route it to the dead-letter stream.
func (t *Transcriber) Process(ctx context.Context, msg queue.Message) error {
	var job TranscriptionJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return fmt.Errorf("malformed job %s: %w", msg.ID, err)
	}
	if job.Filename == "" {
		return fmt.Errorf("job %s names no audio file", msg.ID)
	}

	// Base strips any path the producer smuggled in; all audio lives
	// flat in audioDir.
	path := filepath.Join(t.audioDir, filepath.Base(job.Filename))
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("audio for %s not available: %w", job.ID, err)
	}
	defer f.Close()

	resp, err := t.audio.Transcribe(ctx, &provider.TranscriptionRequest{
		Audio:    f,
		Filename: filepath.Base(job.Filename),
	})
	if err != nil {
		return fmt.Errorf("transcription of %s failed: %w", job.ID, err)
	}

	return t.send(ctx, TranscriptionResult{
		ID:            job.ID,
		Filename:      job.Filename,
		Transcription: resp.Text,
		Message:       messageSuccess,
	})
}

func (t *Transcriber) send(ctx context.Context, result TranscriptionResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return t.sink.Send(ctx, t.outStream, body)
}
