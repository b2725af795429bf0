package provider

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/howard-nolan/llmgateway/internal/sse"
)

// ---------------------------------------------------------------------------
// Stream
// ---------------------------------------------------------------------------

// Stream is a live, canonical response stream backed by one upstream
// connection. A single pump goroutine owns the connection: it reads upstream
// frames, folds them into an accumulator and sends a snapshot per frame on
// Chunks(). The channel closes when upstream ends, fails, or the stream is
// closed.
type Stream struct {
	chunks <-chan StreamChunk
	cancel context.CancelFunc
	done   chan struct{}

	// Written by the pump before done is closed.
	final ChatResponse
	err   error
}

// Chunks returns the channel of normalized responses.
func (s *Stream) Chunks() <-chan StreamChunk { return s.chunks }

// Done is closed once the pump has exited and released the upstream body.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Close stops the pump, closes the upstream connection and waits for both.
// It is safe to call more than once and after the stream ended on its own.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

// Final blocks until the stream is finished and returns the last accumulated
// response together with the error that ended it, if any. A stream that was
// closed by the caller or hit its deadline reports a *TransportError wrapping
// the context error.
func (s *Stream) Final() (ChatResponse, error) {
	<-s.done
	return s.final, s.err
}

// ---------------------------------------------------------------------------
// Frames and accumulation
// ---------------------------------------------------------------------------

// Frame is one decoded upstream increment, already mapped out of the
// provider's wire shape. Usage is nil when the frame carried no counts.
type Frame struct {
	Content string
	Object  string
	Model   string
	Usage   *Usage
}

// FrameDecoder maps one SSE data payload to a Frame. It returns
// ErrMalformedFrame for payloads it cannot decode, errNoContent for frames
// with nothing to emit, or a *ProviderError when the frame reports an error.
type FrameDecoder func(data []byte) (Frame, error)

// Accumulation selects how frame content combines with what came before.
// Whether a provider sends cumulative snapshots or deltas is part of its
// wire contract, so every provider picks one explicitly.
type Accumulation int

const (
	// Overwrite treats each frame as a cumulative snapshot.
	Overwrite Accumulation = iota
	// Append treats each frame as a delta.
	Append
)

func (a Accumulation) apply(acc *ChatResponse, f Frame) {
	if a == Append {
		acc.Content += f.Content
	} else {
		acc.Content = f.Content
	}
	if f.Object != "" {
		acc.Object = f.Object
	}
	if f.Model != "" {
		acc.Model = f.Model
	}
	if f.Usage != nil {
		acc.PromptTokens = f.Usage.PromptTokens
		acc.CompletionTokens = f.Usage.CompletionTokens
		acc.TotalTokens = f.Usage.TotalTokens
	}
}

// frameSource yields decoded frames one at a time. next returns io.EOF when
// the upstream ends cleanly. close must be safe to call concurrently with a
// blocked next and more than once.
type frameSource interface {
	next() (Frame, error)
	close()
}

// RelayConfig describes one stream for the relay.
type RelayConfig struct {
	Provider     string
	Model        string
	Accumulation Accumulation
	Logger       *zap.Logger
}

// ---------------------------------------------------------------------------
// Relay
// ---------------------------------------------------------------------------

// RelaySSE starts relaying an SSE body. Each event is decoded with decode;
// malformed or empty frames are skipped without emitting anything. The body
// is closed on every exit path.
func RelaySSE(ctx context.Context, body io.ReadCloser, decode FrameDecoder, cfg RelayConfig) *Stream {
	return relay(ctx, newSSESource(body, decode, cfg.Provider), cfg)
}

// relay runs the pump. The outgoing channel has capacity one, so the pump is
// at most one frame ahead of the consumer and a stalled consumer stalls the
// upstream read.
func relay(ctx context.Context, src frameSource, cfg RelayConfig) *Stream {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan StreamChunk, 1)
	s := &Stream{
		chunks: ch,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	// A blocked upstream read only returns once the body is closed, so
	// cancellation has to close it from outside the pump.
	stop := context.AfterFunc(ctx, src.close)

	// The pump goroutine owns the upstream body and the channel. Deferred
	// calls run in reverse order, so on every exit path it:
	//   1. closes the source (releasing the upstream connection)
	//   2. stops the AfterFunc and cancels the derived context
	//   3. closes the channel, ending the consumer's range loop
	//   4. closes done, after which Final is safe to read
	go func() {
		defer close(s.done)
		defer close(ch)
		defer cancel()
		defer stop()
		defer src.close()

		// acc is the response as the client should see it after the
		// latest frame. It starts with the requested model so even a
		// stream that fails before its first frame reports one.
		acc := ChatResponse{Model: cfg.Model}
		frames := 0

		for {
			// next blocks on the upstream read. Each error class ends
			// differently:
			//   - io.EOF is a clean end: record the final value and stop.
			//   - errNoContent and ErrMalformedFrame are skipped; one bad
			//     frame should not cost the client the rest of the answer.
			//   - anything else is terminal and becomes the last chunk.
			//     If our context is already done, the real cause is the
			//     cancellation, not whatever the aborted read returned.
			f, err := src.next()
			switch {
			case err == nil:
			case errors.Is(err, io.EOF):
				s.final = acc
				logger.Debug("stream finished", zap.Int("frames", frames))
				return
			case errors.Is(err, errNoContent):
				continue
			case errors.Is(err, ErrMalformedFrame):
				logger.Debug("skipping malformed frame", zap.Error(err))
				continue
			default:
				s.final = acc
				s.err = err
				if ctx.Err() != nil {
					s.err = &TransportError{Provider: cfg.Provider, Err: ctx.Err()}
				}
				logger.Warn("stream terminated", zap.Int("frames", frames), zap.Error(s.err))
				s.deliver(ctx, ch, StreamChunk{Err: s.err})
				return
			}

			cfg.Accumulation.apply(&acc, f)
			frames++

			// Send a copy of the accumulator. With capacity one this
			// blocks until the consumer has taken the previous chunk,
			// unless the stream is cancelled first.
			select {
			case ch <- StreamChunk{Response: acc}:
			case <-ctx.Done():
				s.final = acc
				s.err = &TransportError{Provider: cfg.Provider, Err: ctx.Err()}
				s.deliver(ctx, ch, StreamChunk{Err: s.err})
				return
			}
		}
	}()

	return s
}

// deliver sends the terminal error chunk. Once the stream's context is done
// nobody may be reading, so the send only succeeds if the buffer has room.
func (s *Stream) deliver(ctx context.Context, ch chan<- StreamChunk, chunk StreamChunk) {
	if ctx.Err() != nil {
		select {
		case ch <- chunk:
		default:
		}
		return
	}
	select {
	case ch <- chunk:
	case <-ctx.Done():
	}
}

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

// sseSource reads raw bytes from an SSE body, feeds them to the event parser
// and decodes each dispatched event into a Frame.
type sseSource struct {
	provider string
	body     io.ReadCloser
	parser   *sse.Parser
	decode   FrameDecoder
	buf      []byte
	pending  []decoded
	once     sync.Once
}

type decoded struct {
	frame Frame
	err   error
}

func newSSESource(body io.ReadCloser, decode FrameDecoder, provider string) *sseSource {
	s := &sseSource{
		provider: provider,
		body:     body,
		decode:   decode,
		buf:      make([]byte, 4096),
	}
	s.parser = sse.NewParser(func(e sse.Event) {
		if e.Type != sse.TypeEvent {
			return
		}
		f, err := s.decode([]byte(e.Data))
		s.pending = append(s.pending, decoded{frame: f, err: err})
	})
	return s
}

func (s *sseSource) next() (Frame, error) {
	for len(s.pending) == 0 {
		n, err := s.body.Read(s.buf)
		if n > 0 {
			s.parser.Feed(s.buf[:n])
		}
		if err != nil {
			if len(s.pending) > 0 {
				break
			}
			s.parser.Reset()
			if errors.Is(err, io.EOF) {
				return Frame{}, io.EOF
			}
			return Frame{}, &TransportError{Provider: s.provider, Err: err}
		}
	}

	d := s.pending[0]
	s.pending = s.pending[1:]
	return d.frame, d.err
}

func (s *sseSource) close() {
	s.once.Do(func() { s.body.Close() })
}

// staticSource replays a fixed list of frames. Providers use it when the
// upstream answered a stream request with a buffered body.
type staticSource struct {
	frames []Frame
}

func (s *staticSource) next() (Frame, error) {
	if len(s.frames) == 0 {
		return Frame{}, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *staticSource) close() {}

// StaticStream returns a Stream that emits resp once and ends.
func StaticStream(ctx context.Context, resp ChatResponse) *Stream {
	f := Frame{
		Content: resp.Content,
		Object:  resp.Object,
		Model:   resp.Model,
		Usage: &Usage{
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
			TotalTokens:      resp.TotalTokens,
		},
	}
	return relay(ctx, &staticSource{frames: []Frame{f}}, RelayConfig{Model: resp.Model})
}
