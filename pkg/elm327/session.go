package elm327

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fako1024/btobd/pkg/logging"
	"go.uber.org/multierr"
)

const (

	// DefaultCommandTimeout denotes the timeout applied if none is provided
	DefaultCommandTimeout = 5 * time.Second

	// DefaultLateResponseGrace denotes how long a late response to a timed out command
	// is waited for before the next command is written
	DefaultLateResponseGrace = time.Second

	prompt        = '>'
	terminator    = "\r"
	frameBuffer   = 16
	requestBuffer = 64
)

var (

	// ErrNotConnected denotes a command issued on a closed / lost session
	ErrNotConnected = errors.New("not connected")

	// ErrTimeout denotes a command for which no response was received in time
	ErrTimeout = errors.New("command timeout")

	// ErrRejected denotes a command the adapter did not understand or failed to execute
	ErrRejected = errors.New("command rejected by adapter")
)

// InitSequence denotes the ordered adapter setup commands issued on every new connection:
// reset, echo off, linefeeds off, spaces off, headers off, automatic protocol selection
var InitSequence = []string{"ATZ", "ATE0", "ATL0", "ATS0", "ATH0", "ATSP0"}

// VersionCommand denotes the command used to query the adapter identification
const VersionCommand = "ATI"

// Exchange denotes a single command and the (cleaned) response received for it
type Exchange struct {
	Command  string `json:"command"`
	Response string `json:"response"`
	Err      error  `json:"-"`
}

// Session denotes a protocol session on top of an open byte channel to an ELM327
// adapter. All commands are serialized through a single FIFO queue
type Session struct {
	ch       io.ReadWriteCloser
	frames   chan string
	requests chan *request

	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	readErr   error

	version     string
	initTimeout time.Duration
	lateGrace   time.Duration

	// Responses still expected for timed out / abandoned commands, only accessed by
	// the write loop
	outstanding   int
	staleDeadline time.Time

	logger logging.Logger

	sync.Mutex
}

type request struct {
	ctx     context.Context
	command string
	timeout time.Duration
	result  chan result
}

type result struct {
	response string
	err      error
}

// NewSession instantiates a new session on the given channel, executing functional
// options, if any. Commands sent via SendCommand are only accepted after Initialize
func NewSession(ch io.ReadWriteCloser, options ...func(*Session)) *Session {
	s := &Session{
		ch:          ch,
		frames:      make(chan string, frameBuffer),
		requests:    make(chan *request, requestBuffer),
		ready:       make(chan struct{}),
		closed:      make(chan struct{}),
		done:        make(chan struct{}),
		initTimeout: DefaultCommandTimeout,
		lateGrace:   DefaultLateResponseGrace,
		logger:      &logging.NullLogger{},
	}

	// Execute functional options (if any)
	for _, option := range options {
		option(s)
	}

	go s.readLoop()
	go s.writeLoop()

	return s
}

// WithLogger sets a logger
func WithLogger(logger logging.Logger) func(*Session) {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithInitTimeout sets the timeout applied to each command of the initialization sequence
func WithInitTimeout(timeout time.Duration) func(*Session) {
	return func(s *Session) {
		if timeout > 0 {
			s.initTimeout = timeout
		}
	}
}

// WithLateResponseGrace sets how long a late response to a timed out command is waited
// for (and discarded) before the next command is written
func WithLateResponseGrace(grace time.Duration) func(*Session) {
	return func(s *Session) {
		if grace >= 0 {
			s.lateGrace = grace
		}
	}
}

// Initialize runs the initialization sequence followed by a version query. All commands
// are attempted, errors are aggregated. Subsequent commands are accepted regardless of
// the outcome
func (s *Session) Initialize(ctx context.Context) ([]Exchange, error) {
	defer s.readyOnce.Do(func() { close(s.ready) })

	var (
		exchanges []Exchange
		errs      error
	)
	for _, cmd := range append(append([]string{}, InitSequence...), VersionCommand) {
		resp, err := s.exec(ctx, cmd, s.initTimeout)
		if err == nil && isRejection(resp) {
			err = fmt.Errorf("%w: %s -> %s", ErrRejected, cmd, resp)
		}
		exchanges = append(exchanges, Exchange{
			Command:  cmd,
			Response: resp,
			Err:      err,
		})
		if err != nil {
			s.logger.Warnf("initialization command `%s` failed: %s", cmd, err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", cmd, err))

			// There is no point in continuing on a lost link
			if errors.Is(err, ErrNotConnected) || ctx.Err() != nil {
				break
			}
			continue
		}

		if cmd == VersionCommand {
			s.Lock()
			s.version = resp
			s.Unlock()
		}
	}

	return exchanges, errs
}

// SendCommand sends a command to the adapter and waits up to timeout (DefaultCommandTimeout
// if zero) for its response. Concurrent calls are served in call order
func (s *Session) SendCommand(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	select {
	case <-s.closed:
		return "", ErrNotConnected
	case <-s.done:
		return "", ErrNotConnected
	default:
	}

	select {
	case <-s.ready:
	case <-s.closed:
		return "", ErrNotConnected
	case <-s.done:
		return "", ErrNotConnected
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return s.exec(ctx, cmd, timeout)
}

// Version returns the adapter identification obtained during initialization
func (s *Session) Version() string {
	s.Lock()
	defer s.Unlock()

	return s.version
}

// Done returns a channel that is closed once the underlying channel can no longer be
// read (either due to Close() or due to a lost link)
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that terminated the session, if any
func (s *Session) Err() error {
	select {
	case <-s.done:
	default:
		return nil
	}

	select {
	case <-s.closed:
		return nil
	default:
	}

	s.Lock()
	defer s.Unlock()

	return s.readErr
}

// Close terminates the session and closes the underlying channel
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.ch.Close()
	})

	return err
}

////////////////////////////////////////////////////////////////////////////////

func (s *Session) exec(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return "", fmt.Errorf("empty command")
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	req := &request{
		ctx:     ctx,
		command: cmd,
		timeout: timeout,
		result:  make(chan result, 1),
	}

	select {
	case s.requests <- req:
	case <-s.closed:
		return "", ErrNotConnected
	case <-s.done:
		return "", ErrNotConnected
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case res := <-req.result:
		return res.response, res.err
	case <-s.closed:
		return "", ErrNotConnected
	case <-s.done:
		return "", ErrNotConnected
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case req := <-s.requests:
			req.result <- s.roundTrip(req)
		case <-s.closed:
			return
		case <-s.done:
			return
		}
	}
}

func (s *Session) roundTrip(req *request) result {

	// Skip requests whose caller has already given up
	if err := req.ctx.Err(); err != nil {
		return result{err: err}
	}

	// Discard late responses to timed out commands, the adapter answers every command
	// with exactly one prompt terminated frame
	if err := s.discardStale(req.ctx); err != nil {
		return result{err: err}
	}

	s.logger.Debugf("sending command `%s`", req.command)
	if _, err := s.ch.Write([]byte(req.command + terminator)); err != nil {
		return result{err: fmt.Errorf("%w: %s", ErrNotConnected, err)}
	}

	timer := time.NewTimer(req.timeout)
	defer timer.Stop()

	select {
	case frame := <-s.frames:
		resp := cleanResponse(req.command, frame)
		s.logger.Debugf("received response to `%s`: %q", req.command, resp)
		return result{response: resp}
	case <-timer.C:
		s.abandon()
		return result{err: fmt.Errorf("%w: no response to `%s` within %v", ErrTimeout, req.command, req.timeout)}
	case <-req.ctx.Done():
		s.abandon()
		return result{err: req.ctx.Err()}
	case <-s.closed:
		return result{err: ErrNotConnected}
	case <-s.done:
		return result{err: ErrNotConnected}
	}
}

// abandon records that the response to the command just written is still pending
func (s *Session) abandon() {
	s.outstanding++
	s.staleDeadline = time.Now().Add(s.lateGrace)
}

func (s *Session) discardStale(ctx context.Context) error {
	s.drainFrames()
	if s.outstanding == 0 {
		return nil
	}

	timer := time.NewTimer(time.Until(s.staleDeadline))
	defer timer.Stop()

	for s.outstanding > 0 {
		select {
		case frame := <-s.frames:
			s.logger.Debugf("discarding late response %q", frame)
			s.outstanding--
		case <-timer.C:
			s.logger.Debugf("giving up on %d late response(s)", s.outstanding)
			s.outstanding = 0
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return ErrNotConnected
		case <-s.done:
			return ErrNotConnected
		}
	}

	return nil
}

func (s *Session) drainFrames() {
	for {
		select {
		case frame := <-s.frames:
			if s.outstanding > 0 {
				s.outstanding--
				s.logger.Debugf("discarding late response %q", frame)
				continue
			}
			s.logger.Debugf("discarding stale frame %q", frame)
		default:
			return
		}
	}
}

func (s *Session) readLoop() {
	defer close(s.done)

	r := bufio.NewReader(s.ch)
	for {
		frame, err := r.ReadString(prompt)
		if err != nil {
			s.Lock()
			s.readErr = err
			s.Unlock()

			select {
			case <-s.closed:
			default:
				s.logger.Warnf("adapter channel terminated: %s", err)
			}
			return
		}

		select {
		case s.frames <- strings.TrimSuffix(frame, string(prompt)):
		default:
			s.logger.Warnf("dropping unsolicited frame %q", frame)
		}
	}
}

////////////////////////////////////////////////////////////////////////////////

func cleanResponse(cmd, frame string) string {
	frame = strings.ReplaceAll(frame, "\x00", "")
	lines := strings.FieldsFunc(frame, func(r rune) bool {
		return r == '\r' || r == '\n'
	})

	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		// Echoed command (if echo is still on, e.g. before / during reset)
		if len(out) == 0 && compact(line) == compact(cmd) {
			continue
		}
		if strings.EqualFold(line, "SEARCHING...") {
			continue
		}
		out = append(out, line)
	}

	return strings.Join(out, "\n")
}

func compact(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, " ", ""))
}

func isRejection(resp string) bool {
	switch strings.ToUpper(strings.TrimSpace(resp)) {
	case "?", "ERROR":
		return true
	}
	return false
}
