package realtime

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/cmlabs-hris/presence-sync/internal/domain/presence"
)

// Stream is one open push channel.
type Stream interface {
	// Next blocks until the next inbound message. It returns an error once
	// the channel has ended.
	Next() ([]byte, error)
	Close() error
}

// Dialer opens the push channel of one employee.
type Dialer interface {
	Dial(ctx context.Context, employeeID string) (Stream, error)
}

// StreamOpener opens the raw line-delimited response body.
type StreamOpener interface {
	OpenStream(ctx context.Context, employeeID string) (io.ReadCloser, error)
}

// HTTPDialer reads the backend stream endpoint as line-delimited JSON.
type HTTPDialer struct {
	opener StreamOpener
}

func NewHTTPDialer(opener StreamOpener) *HTTPDialer {
	return &HTTPDialer{opener: opener}
}

func (d *HTTPDialer) Dial(ctx context.Context, employeeID string) (Stream, error) {
	body, err := d.opener.OpenStream(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	return newLineStream(body), nil
}

const maxLineBytes = 1 << 20

type lineStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	once    sync.Once
}

func newLineStream(body io.ReadCloser) *lineStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &lineStream{body: body, scanner: sc}
}

func (s *lineStream) Next() ([]byte, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return append([]byte(nil), line...), nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, presence.ErrChannelClosed
}

func (s *lineStream) Close() error {
	var err error
	s.once.Do(func() { err = s.body.Close() })
	return err
}
