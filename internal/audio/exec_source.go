package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

// execSource captures from a live device through an external recorder that
// writes signed 16-bit little-endian mono PCM to stdout (arecord, sox, ffmpeg).
type execSource struct {
	cmd        []string
	sampleRate int
	blockSize  int
}

func NewExecSource(command string, sampleRate, blockSize int) (Source, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	return &execSource{cmd: args, sampleRate: sampleRate, blockSize: blockSize}, nil
}

func (e *execSource) Blocks(ctx context.Context) (<-chan Block, <-chan error) {
	blocks := make(chan Block, 4)
	errs := make(chan error, 1)
	go func() {
		defer close(blocks)
		defer close(errs)

		cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- fmt.Errorf("start capture command: %w", err)
			return
		}

		readErr := readPCM16Blocks(ctx, stdout, e.sampleRate, e.blockSize, blocks)
		waitErr := cmd.Wait()
		if ctx.Err() != nil {
			return
		}
		if readErr != nil {
			errs <- readErr
			return
		}
		if waitErr != nil {
			errs <- fmt.Errorf("capture command failed: %w: %s", waitErr, stderr.String())
		}
	}()
	return blocks, errs
}

// readPCM16Blocks frames a raw s16le stream into blocks. A trailing partial
// block at end of stream is discarded.
func readPCM16Blocks(ctx context.Context, r io.Reader, sampleRate, blockSize int, out chan<- Block) error {
	buf := make([]byte, blockSize*2)
	var index uint64
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("read capture stream: %w", err)
		}
		samples := make([]float32, blockSize)
		for i := range samples {
			samples[i] = float32(int16(binary.LittleEndian.Uint16(buf[i*2:]))) / 32768
		}
		select {
		case out <- Block{Index: index, SampleRate: sampleRate, Samples: samples}:
			index++
		case <-ctx.Done():
			return nil
		}
	}
}
