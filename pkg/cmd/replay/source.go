package replay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/mpapenbr/iracelog-session-sync/log"
	"github.com/mpapenbr/iracelog-session-sync/pkg/ingress"
	"github.com/mpapenbr/iracelog-session-sync/pkg/model"
)

const maxLineSize = 1 << 20

// source reads samples from a json lines recording
type source struct {
	scanner *bufio.Scanner
	line    int
	skipped int
}

func newSource(r io.Reader) *source {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &source{scanner: scanner}
}

// next returns io.EOF when the recording is exhausted. Lines that can't be
// decoded are skipped.
func (s *source) next() (*model.TelemetrySample, error) {
	for s.scanner.Scan() {
		s.line++
		data := bytes.TrimSpace(s.scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		sample, err := ingress.DecodeSample(data)
		if err != nil {
			s.skipped++
			log.Warn("skipping line", log.Int("line", s.line), log.ErrorField(err))
			continue
		}
		// the server assigns producer and generation
		sample.ProducerID = ""
		sample.Generation = 0
		return sample, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

type target interface {
	send(ctx context.Context, data []byte) error
	// close ends the session at the server
	close() error
	// abort drops the connection without telling the server
	abort()
}

type replayer struct {
	src     *source
	dst     target
	speed   int
	skipped int
	sleep   func(ctx context.Context, d time.Duration) error
}

func newReplayer(src *source, dst target, speed int) *replayer {
	return &replayer{src: src, dst: dst, speed: speed, sleep: sleepCtx}
}

func (r *replayer) run(ctx context.Context) (sent int, err error) {
	defer func() { r.skipped = r.src.skipped }()
	var prev *model.TelemetrySample
	for {
		sample, err := r.src.next()
		if errors.Is(err, io.EOF) {
			return sent, nil
		}
		if err != nil {
			return sent, err
		}
		if prev != nil {
			if err := r.sleep(ctx, delay(prev, sample, r.speed)); err != nil {
				return sent, err
			}
		}
		data, err := json.Marshal(sample)
		if err != nil {
			return sent, err
		}
		if err := r.dst.send(ctx, data); err != nil {
			return sent, err
		}
		sent++
		prev = sample
	}
}

// delay is the recorded gap between two samples divided by speed. A source
// time that goes backwards starts a new session and is sent immediately.
func delay(prev, cur *model.TelemetrySample, speed int) time.Duration {
	if speed <= 0 || cur.SourceTime <= prev.SourceTime {
		return 0
	}
	gap := time.Duration((cur.SourceTime - prev.SourceTime) * float64(time.Second))
	return gap / time.Duration(speed)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
