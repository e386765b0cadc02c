// Package ffmpeg shells out to ffmpeg/ffprobe for ingestion probing and
// final assembly. All media work stays behind the Transcoder port.
package ffmpeg

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/recaplab/recap-engine/internal/config"
	"github.com/recaplab/recap-engine/internal/domain"
)

// Transcoder implements domain.Transcoder with ffmpeg subprocesses.
type Transcoder struct {
	ffmpegPath  string
	ffprobePath string
	workDir     string
	blobs       domain.BlobStore
}

// New constructs a Transcoder. workDir holds per-job scratch space and is
// cleaned up after each assembly.
func New(cfg config.Config, blobs domain.BlobStore) *Transcoder {
	return &Transcoder{
		ffmpegPath:  cfg.FFmpegPath,
		ffprobePath: cfg.FFprobePath,
		workDir:     cfg.WorkDir,
		blobs:       blobs,
	}
}

// Probe returns the container duration of the source in seconds.
func (t *Transcoder) Probe(ctx domain.Context, sourceHandle string) (float64, error) {
	url, err := t.blobs.PresignGet(ctx, sourceHandle, 10*time.Minute)
	if err != nil {
		return 0, fmt.Errorf("op=transcoder.probe: %w", err)
	}
	out, err := t.run(ctx, t.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		url)
	if err != nil {
		return 0, fmt.Errorf("op=transcoder.probe: %w", err)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil {
		return 0, fmt.Errorf("op=transcoder.probe: parse duration %q: %w", strings.TrimSpace(out), domain.ErrInvalidInput)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("op=transcoder.probe: non-positive duration: %w", domain.ErrInvalidInput)
	}
	return dur, nil
}

// Assemble cuts each planned interval from the source, re-times it to match
// its narration, muxes the narration audio over it and concatenates the
// clips into the final recap. The result is uploaded to the blob store.
func (t *Transcoder) Assemble(ctx domain.Context, jobID, sourceHandle string, plan []domain.AssemblyEntry) (string, float64, error) {
	if len(plan) == 0 {
		return "", 0, fmt.Errorf("op=transcoder.assemble: empty plan: %w", domain.ErrInvalidInput)
	}
	dir := filepath.Join(t.workDir, jobID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", 0, fmt.Errorf("op=transcoder.assemble: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("scratch cleanup failed", slog.String("dir", dir), slog.Any("error", err))
		}
	}()

	srcURL, err := t.blobs.PresignGet(ctx, sourceHandle, 30*time.Minute)
	if err != nil {
		return "", 0, fmt.Errorf("op=transcoder.assemble: %w", err)
	}

	clipPaths := make([]string, 0, len(plan))
	for i, entry := range plan {
		audioPath := filepath.Join(dir, fmt.Sprintf("audio_%04d.wav", i))
		if err := t.download(ctx, entry.AudioHandle, audioPath); err != nil {
			return "", 0, fmt.Errorf("op=transcoder.assemble: %w", err)
		}
		clipPath := filepath.Join(dir, fmt.Sprintf("clip_%04d.mp4", i))
		if err := t.renderClip(ctx, srcURL, audioPath, clipPath, entry); err != nil {
			return "", 0, err
		}
		clipPaths = append(clipPaths, clipPath)
	}

	listPath := filepath.Join(dir, "concat.txt")
	var list strings.Builder
	for _, p := range clipPaths {
		fmt.Fprintf(&list, "file '%s'\n", p)
	}
	if err := os.WriteFile(listPath, []byte(list.String()), 0o600); err != nil {
		return "", 0, fmt.Errorf("op=transcoder.assemble: %w", err)
	}

	outPath := filepath.Join(dir, "recap.mp4")
	if _, err := t.run(ctx, t.ffmpegPath,
		"-y", "-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outPath); err != nil {
		return "", 0, fmt.Errorf("op=transcoder.assemble: concat: %w: %w", err, domain.ErrStitcherFailed)
	}

	f, err := os.Open(outPath)
	if err != nil {
		return "", 0, fmt.Errorf("op=transcoder.assemble: %w", err)
	}
	defer func() { _ = f.Close() }()
	handle, err := t.blobs.Put(ctx, fmt.Sprintf("jobs/%s/recap.mp4", jobID), f, "video/mp4")
	if err != nil {
		return "", 0, fmt.Errorf("op=transcoder.assemble: %w", err)
	}

	out, err := t.run(ctx, t.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		outPath)
	if err != nil {
		return "", 0, fmt.Errorf("op=transcoder.assemble: %w", err)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil {
		return "", 0, fmt.Errorf("op=transcoder.assemble: parse duration: %w", err)
	}
	return handle, dur, nil
}

// renderClip extracts one interval, applies the speed factor to the video
// track and replaces the audio with the narration.
func (t *Transcoder) renderClip(ctx domain.Context, srcURL, audioPath, outPath string, e domain.AssemblyEntry) error {
	speed := e.SpeedFactor
	if speed <= 0 {
		speed = 1
	}
	// setpts slows or speeds the picture so it spans the narration.
	filter := fmt.Sprintf("[0:v]setpts=PTS/%g[v]", speed)
	if _, err := t.run(ctx, t.ffmpegPath,
		"-y",
		"-ss", fmt.Sprintf("%.3f", e.SourceStart),
		"-to", fmt.Sprintf("%.3f", e.SourceEnd),
		"-i", srcURL,
		"-i", audioPath,
		"-filter_complex", filter,
		"-map", "[v]", "-map", "1:a",
		"-c:v", "libx264", "-preset", "veryfast",
		"-c:a", "aac",
		"-shortest",
		outPath); err != nil {
		return fmt.Errorf("op=transcoder.clip start=%.3f: %w: %w", e.SourceStart, err, domain.ErrStitcherFailed)
	}
	return nil
}

func (t *Transcoder) download(ctx domain.Context, handle, dest string) error {
	rc, err := t.blobs.Get(ctx, handle)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(f, rc); err != nil {
		return err
	}
	return nil
}

// run executes the command and returns stdout, surfacing a stderr snippet
// on failure.
func (t *Transcoder) run(ctx domain.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return "", fmt.Errorf("%s: %w: %s", filepath.Base(name), err, strings.TrimSpace(msg))
	}
	return stdout.String(), nil
}
