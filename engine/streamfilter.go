package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// StreamKind names the two in-band framing formats StreamFilter understands
// (spec.md §4.7).
type StreamKind int

const (
	StreamNDJSON StreamKind = iota
	StreamSSE
)

// DetectStreamKind maps a response Content-Type to a StreamKind, returning
// ok=false for anything else (the caller should not wrap the body).
func DetectStreamKind(contentType string) (kind StreamKind, ok bool) {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	switch ct {
	case "application/x-ndjson", "application/ndjson":
		return StreamNDJSON, true
	case "text/event-stream":
		return StreamSSE, true
	default:
		return 0, false
	}
}

// StreamFilter demultiplexes a streaming HTTP body (spec.md §4.7): business
// bytes are forwarded to the returned reader as they arrive, while in-band
// payment frames are intercepted and routed through a Classifier. It drains
// the upstream body on its own goroutine regardless of whether the consumer
// is reading, so a protocol frame is processed even when the consumer lags
// (bounded by a high-water mark on buffered business bytes).
type StreamFilter struct {
	classifier         *Classifier
	tracker            *PendingPaymentTracker
	requestClientTxRef string
	onActivity         func()
	logger             *zap.Logger

	highWaterMark int
}

// NewStreamFilter builds a StreamFilter for one request's response body.
// onActivity is invoked on every chunk received and every protocol frame
// processed, so callers typically pass PendingPaymentTracker.ExtendTimeout
// bound to requestClientTxRef.
func NewStreamFilter(classifier *Classifier, tracker *PendingPaymentTracker, requestClientTxRef string, onActivity func(), logger *zap.Logger) *StreamFilter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamFilter{
		classifier:         classifier,
		tracker:            tracker,
		requestClientTxRef: requestClientTxRef,
		onActivity:         onActivity,
		logger:             logger,
		highWaterMark:      1 << 20, // 1 MiB of buffered, unread business bytes before backpressuring the producer
	}
}

// Wrap returns a new ReadCloser exposing only business bytes from upstream,
// of kind (NDJSON or SSE). Closing the returned reader makes the pump's next
// write of business bytes fail, after which the pump closes upstream and
// exits; a pump blocked in an upstream Read is not interrupted.
func (f *StreamFilter) Wrap(ctx context.Context, upstream io.ReadCloser, kind StreamKind) io.ReadCloser {
	bp := newBoundedPipe(f.highWaterMark)

	go func() {
		var err error
		var sawFrame bool
		switch kind {
		case StreamNDJSON:
			sawFrame, err = f.pumpNDJSON(ctx, upstream, bp)
		case StreamSSE:
			sawFrame, err = f.pumpSSE(ctx, upstream, bp)
		default:
			err = fmt.Errorf("engine: unknown stream kind %v", kind)
		}
		upstream.Close()

		if err != nil {
			bp.finish(err)
			return
		}
		if !sawFrame {
			// spec.md §9 open question: the per-request free policy is used
			// for streams (as opposed to the resolve-all policy used for
			// non-streaming header-less responses).
			f.tracker.ResolveByRef(f.requestClientTxRef, nil)
		}
		bp.finish(nil)
	}()

	return bp
}

func (f *StreamFilter) pumpNDJSON(ctx context.Context, upstream io.Reader, out io.Writer) (sawFrame bool, err error) {
	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		f.activity()

		if ok, handled := f.tryHandleFrame(ctx, line); ok {
			sawFrame = sawFrame || handled
			continue
		}
		if _, werr := out.Write(append(append([]byte(nil), line...), '\n')); werr != nil {
			return sawFrame, werr
		}
	}
	return sawFrame, scanner.Err()
}

// tryHandleFrame parses line as a JSON object. ok reports that the line
// carries an in-band payment frame field and so must not be forwarded to the
// business stream; handled reports that the frame decoded and was classified
// (a malformed frame is dropped with ok=true, handled=false). ok is false if
// line is not valid JSON or has no protocol field, in which case it must be
// forwarded verbatim.
func (f *StreamFilter) tryHandleFrame(ctx context.Context, line []byte) (ok bool, handled bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return false, false
	}
	payload, present, err := decodeInBandFrame(obj)
	if err != nil {
		f.logger.Warn("malformed in-band payment frame", zap.Error(err))
		return true, false
	}
	if !present {
		return false, false
	}
	f.classifier.Classify(ctx, f.requestClientTxRef, 0, true, payload)
	f.activity()
	return true, true
}

func (f *StreamFilter) pumpSSE(ctx context.Context, upstream io.Reader, out io.Writer) (sawFrame bool, err error) {
	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var rawEvent bytes.Buffer
	var dataLines []string

	flush := func() error {
		if rawEvent.Len() == 0 {
			return nil
		}
		isFrame := false
		for _, d := range dataLines {
			trimmed := strings.TrimSpace(d)
			if trimmed == "" || trimmed[0] != '{' {
				continue
			}
			var obj map[string]json.RawMessage
			if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
				continue
			}
			payload, present, err := decodeInBandFrame(obj)
			if err != nil {
				f.logger.Warn("malformed in-band payment frame", zap.Error(err))
				continue
			}
			if present {
				f.classifier.Classify(ctx, f.requestClientTxRef, 0, true, payload)
				isFrame = true
				sawFrame = true
			}
		}
		if !isFrame {
			if _, werr := out.Write(rawEvent.Bytes()); werr != nil {
				return werr
			}
		}
		rawEvent.Reset()
		dataLines = dataLines[:0]
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		f.activity()

		if strings.TrimSpace(line) == "" {
			rawEvent.WriteString(line)
			rawEvent.WriteByte('\n')
			if err := flush(); err != nil {
				return sawFrame, err
			}
			continue
		}

		rawEvent.WriteString(line)
		rawEvent.WriteByte('\n')
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			dataLines = append(dataLines, strings.TrimPrefix(rest, " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return sawFrame, err
	}
	if err := flush(); err != nil {
		return sawFrame, err
	}
	return sawFrame, nil
}

func (f *StreamFilter) activity() {
	if f.onActivity != nil {
		f.onActivity()
	}
}

// boundedPipe is an io.Pipe replacement with an internal high-water-marked
// buffer: the pump goroutine's Write only blocks once limit bytes of
// business data are sitting unread, so the pump keeps draining upstream (and
// therefore keeps reaching in-band payment frames) even while the consumer
// lags behind on Read. A plain io.Pipe backpressures at zero buffered bytes,
// which would stall the pump on the very first unread byte.
type boundedPipe struct {
	mu    sync.Mutex
	cond  *sync.Cond
	buf   bytes.Buffer
	limit int

	producerDone bool
	producerErr  error
	readerClosed bool
}

func newBoundedPipe(limit int) *boundedPipe {
	p := &boundedPipe{limit: limit}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Write is called from the pump goroutine. It blocks while the buffer holds
// at least limit unread bytes.
func (p *boundedPipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.buf.Len() >= p.limit && !p.readerClosed {
		p.cond.Wait()
	}
	if p.readerClosed {
		return 0, io.ErrClosedPipe
	}
	n, err := p.buf.Write(b)
	p.cond.Broadcast()
	return n, err
}

// finish marks the producer side done; Read drains any buffered bytes first
// and then returns err (or io.EOF).
func (p *boundedPipe) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.producerDone {
		p.producerDone = true
		p.producerErr = err
	}
	p.cond.Broadcast()
}

// Read is called by the consumer of the wrapped business stream.
func (p *boundedPipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.buf.Len() == 0 && !p.producerDone {
		p.cond.Wait()
	}
	if p.buf.Len() > 0 {
		n, _ := p.buf.Read(b)
		p.cond.Broadcast()
		return n, nil
	}
	if p.producerErr != nil {
		return 0, p.producerErr
	}
	return 0, io.EOF
}

// Close ends the consumer side, unblocking a pump goroutine stuck in Write
// with io.ErrClosedPipe so it can close upstream and exit.
func (p *boundedPipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readerClosed = true
	p.cond.Broadcast()
	return nil
}
