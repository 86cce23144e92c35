package playback

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

type execPlayer struct {
	cmd []string
}

// NewExecPlayer runs command once per clip and writes the clip to its stdin,
// e.g. "ffplay -nodisp -autoexit -loglevel error -i pipe:0".
func NewExecPlayer(command string) (Player, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("player command empty")
	}
	return &execPlayer{cmd: args}, nil
}

func (p *execPlayer) Start(ctx context.Context, clip Clip) (Playback, error) {
	if len(clip.Data) == 0 {
		return nil, fmt.Errorf("empty clip")
	}
	cmd := exec.CommandContext(ctx, p.cmd[0], p.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(clip.Data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start player: %w", err)
	}
	res := newResult()
	go func() {
		err := cmd.Wait()
		switch {
		case ctx.Err() != nil:
			res.finish(context.Cause(ctx))
		case err != nil:
			res.finish(fmt.Errorf("player exited: %w: %s", err, bytes.TrimSpace(stderr.Bytes())))
		default:
			res.finish(nil)
		}
	}()
	return res, nil
}
