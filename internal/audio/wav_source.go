package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavFormatPCM = 1

// wavSource replays a WAV file as if it were an input device.
type wavSource struct {
	path       string
	sampleRate int
	blockSize  int
	paced      bool
}

// NewWAVSource replays path in blocks. When paced is true blocks are released
// at the rate a live device would produce them.
func NewWAVSource(path string, sampleRate, blockSize int, paced bool) (Source, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	return &wavSource{path: path, sampleRate: sampleRate, blockSize: blockSize, paced: paced}, nil
}

func (w *wavSource) Blocks(ctx context.Context) (<-chan Block, <-chan error) {
	blocks := make(chan Block, 4)
	errs := make(chan error, 1)
	go func() {
		defer close(blocks)
		defer close(errs)
		if err := w.replay(ctx, blocks); err != nil {
			errs <- err
		}
	}()
	return blocks, errs
}

func (w *wavSource) replay(ctx context.Context, out chan<- Block) error {
	file, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("open wav: %w", err)
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return fmt.Errorf("%s is not a valid wav file", w.path)
	}
	if int(dec.SampleRate) != w.sampleRate {
		return fmt.Errorf("wav sample rate %d does not match capture rate %d", dec.SampleRate, w.sampleRate)
	}
	if dec.NumChans != 1 {
		return fmt.Errorf("wav must be mono, got %d channels", dec.NumChans)
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return fmt.Errorf("wav must be integer PCM, got format %d", dec.WavAudioFormat)
	}
	switch dec.BitDepth {
	case 16, 24, 32:
	default:
		return fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}
	scale := float32(int(1) << (dec.BitDepth - 1))

	var ticker *time.Ticker
	if w.paced {
		ticker = time.NewTicker(time.Duration(w.blockSize) * time.Second / time.Duration(w.sampleRate))
		defer ticker.Stop()
	}

	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: 1, SampleRate: w.sampleRate},
		Data:   make([]int, w.blockSize),
	}
	var index uint64
	for {
		n, err := dec.PCMBuffer(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read wav: %w", err)
		}
		if n == 0 {
			return nil
		}
		// the final block is zero-padded so every block has the session length
		samples := make([]float32, w.blockSize)
		for i := 0; i < n; i++ {
			samples[i] = float32(buf.Data[i]) / scale
		}
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return nil
			}
		}
		select {
		case out <- Block{Index: index, SampleRate: w.sampleRate, Samples: samples}:
			index++
		case <-ctx.Done():
			return nil
		}
		if n < w.blockSize {
			return nil
		}
	}
}
