// Package runner bridges the scheduler to the actual transcription
// backend. The inference itself lives outside this project; Exec hands a
// segment to whatever command the operator configured.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/voxlane/batchscribe/internal/perf"
	"github.com/voxlane/batchscribe/internal/sched"
)

// Exec runs one external command per segment. The segment and target
// device are passed through the environment:
//
//	SEGMENT_ID, AUDIO_REF, DURATION_SEC, DEVICE
//
// The command's stdout is the transcription; a non-zero exit is a job
// failure the scheduler will retry.
type Exec struct {
	Command string
}

func (e *Exec) Transcribe(ctx context.Context, seg sched.Segment, device perf.Device) (string, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", e.Command)
	cmd.Env = append(os.Environ(),
		"SEGMENT_ID="+seg.ID,
		"AUDIO_REF="+seg.AudioRef,
		"DURATION_SEC="+strconv.FormatFloat(seg.DurationSec, 'f', -1, 64),
		"DEVICE="+string(device),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("transcribe %s on %s: %w: %s", seg.ID, device, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.String(), nil
}
