// Package capture produces frames and feeds them to the publish queue on a
// schedule or on demand.
package capture

//go:generate mockgen -destination=mock_camera.go -package=capture snapstream/agent/internal/capture Camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var (
	// ErrNoNewFrame means the source had nothing since the last capture.
	ErrNoNewFrame = errors.New("no new frame available")
	ErrEmptyFrame = errors.New("camera produced an empty frame")
)

// Camera yields one encoded image per call.
type Camera interface {
	Capture(ctx context.Context) ([]byte, error)
}

// ExecCamera runs an external still-capture command that writes the image to stdout.
type ExecCamera struct {
	Command []string
}

func NewExecCamera(command []string) (*ExecCamera, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, errors.New("capture command is empty")
	}
	return &ExecCamera{Command: command}, nil
}

func (c *ExecCamera) Capture(ctx context.Context) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", c.Command[0], ctx.Err())
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", c.Command[0], err, msg)
		}
		return nil, fmt.Errorf("%s: %w", c.Command[0], err)
	}
	if stdout.Len() == 0 {
		return nil, ErrEmptyFrame
	}
	return stdout.Bytes(), nil
}
