// Package scheduler runs the cooperative loop between code producers and
// the firmware. Every cycle it processes the packets of the last transfer,
// feeds at most one code per channel to the firmware, services lock
// requests and print notices, and performs the next transfer.
package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dcs-spi-go/pkg/errors"
	"dcs-spi-go/pkg/gcode"
	"dcs-spi-go/pkg/job"
	"dcs-spi-go/pkg/link"
	"dcs-spi-go/pkg/log"
	"dcs-spi-go/pkg/macro"
	"dcs-spi-go/pkg/metrics"
	"dcs-spi-go/pkg/model"
	"dcs-spi-go/pkg/protocol"
	"dcs-spi-go/pkg/reactor"
)

// Config holds scheduler settings
type Config struct {
	// PollDelay is the pause between two cycles (default: 25ms)
	PollDelay time.Duration

	// MaxCodeBuffer caps the codes waiting per channel; 0 means no cap
	MaxCodeBuffer int

	// Metrics receives scheduler counters; may be nil
	Metrics *metrics.ConnectorMetrics

	// Logger defaults to the "scheduler" logger. Unclaimed firmware
	// messages go to a "firmware" logger sharing its output.
	Logger *log.Logger
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		PollDelay:     25 * time.Millisecond,
		MaxCodeBuffer: 16,
	}
}

// cause tells InvalidateAll why pending work is dropped
type cause int

const (
	causeReset cause = iota
	causeEmergencyStop
	causeShutdown
)

func (c cause) message() string {
	switch c {
	case causeReset:
		return "Code has been cancelled due to a controller reset"
	case causeEmergencyStop:
		return "Code has been cancelled due to an emergency stop"
	default:
		return "Code has been cancelled due to shutdown"
	}
}

// noPrintStop marks the absence of a pending print-stopped notice
const noPrintStop = -1

// pendingFragment is an unclaimed message waiting for its continuation
type pendingFragment struct {
	text string
}

// Scheduler owns the link. Submit, the lock requests and the Notify
// methods may be called from any goroutine; everything else belongs to the
// loop.
type Scheduler struct {
	link     *link.Link
	model    *model.Model
	bridge   *model.Bridge
	resolver *macro.Resolver
	job      *job.Job
	loop     *reactor.Loop

	metrics   *metrics.ConnectorMetrics
	logger    *log.Logger
	fwLogger  *log.Logger
	pollDelay time.Duration
	maxCodes  int

	channels [gcode.NumChannels]*channelState

	estopRequested atomic.Bool
	resetRequested atomic.Bool
	printStarted   atomic.Pointer[protocol.PrintStarted]
	printStopped   atomic.Int32
	stopped        atomic.Bool
	connected      atomic.Bool

	hmMu       sync.Mutex
	heightMaps []*reactor.Completion[protocol.HeightMap]

	// Loop state
	heightMapSent bool
	halted        bool
	partial       *pendingFragment
	deferred      []func() bool
}

// New creates a scheduler driving l. Fragments from the firmware are
// merged into m and macro file names are resolved with r.
func New(l *link.Link, m *model.Model, r *macro.Resolver, cfg Config) *Scheduler {
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = DefaultConfig().PollDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = log.GetLogger("scheduler")
	}
	s := &Scheduler{
		link:      l,
		model:     m,
		bridge:    model.NewBridge(m),
		resolver:  r,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		fwLogger:  cfg.Logger.WithPrefix("firmware"),
		pollDelay: cfg.PollDelay,
		maxCodes:  cfg.MaxCodeBuffer,
	}
	for i := range s.channels {
		s.channels[i] = &channelState{id: gcode.Channel(i)}
	}
	s.printStopped.Store(noPrintStop)
	s.job = job.New(s, r, m)
	s.loop = reactor.NewLoop(cfg.PollDelay, s.Cycle)
	return s
}

// Job returns the print job fed to the File channel
func (s *Scheduler) Job() *job.Job {
	return s.job
}

// Model returns the object model the scheduler updates
func (s *Scheduler) Model() *model.Model {
	return s.model
}

// Submit queues a copy of cmd on channel; cmd itself is not modified. The
// returned handle resolves with the firmware's reply once the code has been
// executed.
func (s *Scheduler) Submit(channel gcode.Channel, cmd *gcode.Command) *reactor.Completion[Result] {
	if !channel.Valid() {
		q := newQueuedCode(cmd, false)
		q.fail(errors.New(errors.ErrCommand, fmt.Sprintf("invalid channel %d", channel)).SetOp("submit"))
		return q.done
	}
	routed := *cmd
	routed.Channel = channel
	q := newQueuedCode(&routed, false)
	ch := s.channels[channel]

	ch.mu.Lock()
	stopped := s.stopped.Load()
	full := !stopped && s.maxCodes > 0 && len(ch.codes) >= s.maxCodes
	if !stopped && !full {
		ch.codes = append(ch.codes, q)
	}
	ch.mu.Unlock()

	switch {
	case stopped:
		q.finishWith(protocol.SeverityError, causeShutdown.message())
	case full:
		q.fail(errors.New(errors.ErrCommand, fmt.Sprintf("too many codes queued on %s", channel)).
			SetOp("submit").SetChannel(channel.String()))
	default:
		s.loop.Wake()
	}
	return q.done
}

// RequestLock asks for the movement lock on channel. The handle resolves
// to true once the firmware reports standstill.
func (s *Scheduler) RequestLock(channel gcode.Channel) *reactor.Completion[bool] {
	return s.queueLock(channel, true)
}

// RequestUnlock releases every resource channel holds
func (s *Scheduler) RequestUnlock(channel gcode.Channel) *reactor.Completion[bool] {
	return s.queueLock(channel, false)
}

func (s *Scheduler) queueLock(channel gcode.Channel, lock bool) *reactor.Completion[bool] {
	r := newLockRequest(channel, lock)
	if !channel.Valid() {
		r.resolve(false)
		return r.done
	}
	ch := s.channels[channel]
	ch.mu.Lock()
	stopped := s.stopped.Load()
	if !stopped {
		ch.locks = append(ch.locks, r)
	}
	ch.mu.Unlock()

	if stopped {
		r.resolve(false)
	} else {
		s.loop.Wake()
	}
	return r.done
}

// RequestHeightMap asks the firmware for its height map
func (s *Scheduler) RequestHeightMap() *reactor.Completion[protocol.HeightMap] {
	c := reactor.NewCompletion[protocol.HeightMap]()
	s.hmMu.Lock()
	stopped := s.stopped.Load()
	if !stopped {
		s.heightMaps = append(s.heightMaps, c)
	}
	s.hmMu.Unlock()

	if stopped {
		c.Fail(errors.Cancelled(causeShutdown.message()))
	} else {
		s.loop.Wake()
	}
	return c
}

// NotifyEmergencyStop makes the next cycle send an emergency stop
func (s *Scheduler) NotifyEmergencyStop() {
	s.estopRequested.Store(true)
	s.loop.Wake()
}

// NotifyReset makes the next cycle ask the firmware to reset
func (s *Scheduler) NotifyReset() {
	s.resetRequested.Store(true)
	s.loop.Wake()
}

// NotifyPrintStarted queues a print-started notice
func (s *Scheduler) NotifyPrintStarted(info protocol.PrintStarted) {
	s.printStarted.Store(&info)
	s.loop.Wake()
}

// NotifyPrintStopped queues a print-stopped notice. A print whose start
// was never announced is dropped without telling the firmware.
func (s *Scheduler) NotifyPrintStopped(reason protocol.PrintStoppedReason) {
	if s.printStarted.Swap(nil) != nil {
		return
	}
	s.printStopped.Store(int32(reason))
	s.loop.Wake()
}

// ChannelStatus describes the queues of one channel
type ChannelStatus struct {
	Channel    string `json:"channel"`
	Busy       bool   `json:"busy"`
	Queued     int    `json:"queued"`
	Locks      int    `json:"pendingLocks"`
	MacroDepth int    `json:"macroDepth"`
}

// Status is a snapshot for diagnostics
type Status struct {
	Connected    bool            `json:"connected"`
	Cycles       uint64          `json:"cycles"`
	BusyChannels uint32          `json:"busyChannels"`
	Channels     []ChannelStatus `json:"channels"`
}

// Status returns a snapshot of the link and the channel queues
func (s *Scheduler) Status() Status {
	st := Status{
		Connected:    s.connected.Load(),
		Cycles:       s.loop.Cycles(),
		BusyChannels: s.model.BusyChannels(),
	}
	for _, ch := range s.channels {
		ch.mu.Lock()
		st.Channels = append(st.Channels, ChannelStatus{
			Channel:    ch.id.String(),
			Busy:       ch.busy.Load(),
			Queued:     len(ch.codes),
			Locks:      len(ch.locks),
			MacroDepth: len(ch.macros),
		})
		ch.mu.Unlock()
	}
	return st
}

// Run executes cycles until ctx is cancelled or the link fails for good.
// Work still pending when it returns is cancelled.
func (s *Scheduler) Run(ctx context.Context) (err error) {
	s.logger.Info("Scheduler started, polling every %v", s.pollDelay)
	defer func() {
		if r := recover(); r != nil {
			err = errors.FromPanic(r)
		}
		s.invalidateAll(causeShutdown)
		s.logger.Info("Scheduler stopped")
	}()

	err = s.loop.Run(ctx)
	if ctx.Err() != nil && stderrors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// Cycle performs one iteration of the loop. Only transport failures the
// link cannot recover from are returned, or the context error when ctx is
// cancelled during checksum retries.
func (s *Scheduler) Cycle(ctx context.Context) error {
	// Output left over from a failed transfer already asks for the state
	fresh := s.link.Pending() == 0
	s.processPackets()

	if s.estopRequested.Load() && s.link.WriteEmergencyStop() {
		s.estopRequested.Store(false)
		s.logger.Warn("Emergency stop")
		err := s.transfer(ctx)
		s.invalidateAll(causeEmergencyStop)
		return err
	}

	if s.resetRequested.Load() && s.link.WriteReset() {
		s.resetRequested.Store(false)
		s.logger.Warn("Resetting firmware")
		s.invalidateAll(causeReset)
	}

	s.flushDeferred()
	for _, ch := range s.channels {
		s.advance(ch)
		s.sendLocks(ch)
	}

	if fresh {
		s.link.WriteGetState()
		s.link.WriteGetObjectModel(s.bridge.NextModule())
	}
	s.requestHeightMap()
	s.sendPrintNotices()

	return s.transfer(ctx)
}

// transfer performs one full transfer and reacts to resets and to the
// connection coming and going
func (s *Scheduler) transfer(ctx context.Context) error {
	if err := s.link.PerformFullTransfer(ctx); err != nil {
		if ctx.Err() != nil && stderrors.Is(err, ctx.Err()) {
			return err
		}
		if errors.IsFatal(err) || errors.Is(err, errors.ErrTransportIO) {
			return err
		}
		s.logger.WithError(err).Warn("Transfer failed")
	}

	if s.link.HadReset() {
		s.logger.Warn("Firmware has been reset")
		s.invalidateAll(causeReset)
	}

	connected := s.link.Connected()
	if connected == s.connected.Load() {
		return nil
	}
	s.connected.Store(connected)
	if !connected {
		s.model.SetStatus(model.StatusOff)
		return nil
	}
	s.bridge.Reset()
	s.runConfig()
	return nil
}

// write performs a packet write now or, if the transfer is full, in a
// later cycle. Writes are kept in order.
func (s *Scheduler) write(fn func() bool) {
	if len(s.deferred) == 0 && fn() {
		return
	}
	s.deferred = append(s.deferred, fn)
}

func (s *Scheduler) flushDeferred() {
	n := 0
	for n < len(s.deferred) && s.deferred[n]() {
		n++
	}
	s.deferred = s.deferred[n:]
}

func (s *Scheduler) requestHeightMap() {
	if s.heightMapSent {
		return
	}
	s.hmMu.Lock()
	waiting := len(s.heightMaps) > 0
	s.hmMu.Unlock()
	if waiting && s.link.WriteGetHeightMap() {
		s.heightMapSent = true
	}
}

func (s *Scheduler) sendPrintNotices() {
	if reason := s.printStopped.Load(); reason != noPrintStop {
		if !s.link.WritePrintStopped(protocol.PrintStoppedReason(reason)) {
			return
		}
		s.printStopped.CompareAndSwap(reason, noPrintStop)
	}

	if info := s.printStarted.Load(); info != nil {
		ok, err := s.link.WritePrintStarted(*info)
		if err != nil {
			s.logger.WithError(err).Errorf("Cannot announce print of %s", info.Filename)
		}
		if ok || err != nil {
			s.printStarted.CompareAndSwap(info, nil)
		}
	}
}

// invalidateAll drops all pending work. Waiting codes resolve with an
// error reply naming the cause and lock requests resolve to false.
func (s *Scheduler) invalidateAll(c cause) {
	msg := c.message()
	if c == causeShutdown {
		s.stopped.Store(true)
	}

	cancelled := 0
	for _, ch := range s.channels {
		ch.mu.Lock()
		codes, locks, frames := ch.codes, ch.locks, ch.macros
		ch.codes, ch.locks, ch.macros = nil, nil, nil
		ch.mu.Unlock()

		for i := len(frames) - 1; i >= 0; i-- {
			f := frames[i]
			f.file.Close()
			if f.startCode != nil {
				s.cancelCode(ch, f.startCode, msg)
				cancelled++
			}
		}
		if ch.inflight != nil {
			s.cancelCode(ch, ch.inflight, msg)
			ch.inflight = nil
			cancelled++
		}
		for _, q := range codes {
			s.cancelCode(ch, q, msg)
			cancelled++
		}
		for _, r := range locks {
			r.resolve(false)
		}
		ch.jobNext = nil
		ch.busy.Store(false)
	}

	s.hmMu.Lock()
	waiters := s.heightMaps
	s.heightMaps = nil
	s.hmMu.Unlock()
	for _, w := range waiters {
		w.Fail(errors.Cancelled(msg))
	}
	s.heightMapSent = false

	s.deferred = nil
	s.partial = nil
	s.job.Invalidate()
	s.bridge.Reset()
	if c != causeShutdown {
		s.printStarted.Store(nil)
		s.printStopped.Store(noPrintStop)
	}

	if cancelled > 0 {
		s.logger.WithField("codes", cancelled).Warn(msg)
	}
}

func (s *Scheduler) cancelCode(ch *channelState, q *QueuedCode, msg string) {
	q.finishWith(protocol.SeverityError, msg)
	s.metrics.CodeCancelled(ch.id.String())
}
