package decoder

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// Transcoder converts a silk voice blob to WAV.
type Transcoder interface {
	Transcode(ctx context.Context, silk []byte) ([]byte, error)
}

// FFmpegTranscoder shells out to ffmpeg. When the binary is absent the
// raw blob passes through unchanged with a one-time warning; there is
// no pure-Go silk decoder to fall back on.
type FFmpegTranscoder struct {
	path string

	warnOnce sync.Once
}

func NewFFmpegTranscoder() *FFmpegTranscoder {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		path = ""
	}
	return &FFmpegTranscoder{path: path}
}

func (t *FFmpegTranscoder) Transcode(ctx context.Context, silk []byte) ([]byte, error) {
	if t.path == "" {
		t.warnOnce.Do(func() {
			log.Printf("[decoder] ffmpeg not found, voice events carry raw silk data")
		})
		return silk, nil
	}

	dir, err := os.MkdirTemp("", "voice-*")
	if err != nil {
		return nil, fmt.Errorf("transcode workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in.silk")
	out := filepath.Join(dir, "out.wav")
	if err := os.WriteFile(in, silk, 0o600); err != nil {
		return nil, fmt.Errorf("write silk blob: %w", err)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.path, "-y", "-i", in, out)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, stderr.String())
	}

	wav, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read wav output: %w", err)
	}
	return wav, nil
}
