package scheduler

import (
	"io"
	"sync"
	"sync/atomic"

	"dcs-spi-go/pkg/errors"
	"dcs-spi-go/pkg/gcode"
	"dcs-spi-go/pkg/macro"
	"dcs-spi-go/pkg/protocol"
)

// macroFrame is one open file on a channel's macro stack
type macroFrame struct {
	file *macro.File

	// fromFirmware frames are acknowledged with a macro-completed packet
	fromFirmware bool

	// startCode is the code that called the macro. It is suspended while
	// the macro runs and awaits its own reply afterwards.
	startCode *QueuedCode

	// next was read from the file but not yet written
	next *QueuedCode
}

// channelState holds the queues of one channel. codes, locks and macros
// are guarded by mu because producers append to them; the remaining
// fields belong to the loop.
type channelState struct {
	id gcode.Channel

	mu     sync.Mutex
	codes  []*QueuedCode
	locks  []*QueuedLockRequest
	macros []*macroFrame

	inflight *QueuedCode
	jobNext  *QueuedCode
	busy     atomic.Bool
}

// suspended reports whether a macro called by a code is running. Client
// codes queued on the channel wait until it returns, as they would behind
// the calling code itself. Called with mu held.
func (ch *channelState) suspended() bool {
	for _, f := range ch.macros {
		if f.startCode != nil {
			return true
		}
	}
	return false
}

func (ch *channelState) top() *macroFrame {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if n := len(ch.macros); n > 0 {
		return ch.macros[n-1]
	}
	return nil
}

func (ch *channelState) push(f *macroFrame) {
	ch.mu.Lock()
	ch.macros = append(ch.macros, f)
	ch.mu.Unlock()
}

// pop removes f if it is still the innermost frame
func (ch *channelState) pop(f *macroFrame) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	n := len(ch.macros)
	if n == 0 || ch.macros[n-1] != f {
		return false
	}
	ch.macros[n-1] = nil
	ch.macros = ch.macros[:n-1]
	return true
}

// takeCodes empties the client queue
func (ch *channelState) takeCodes() []*QueuedCode {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	codes := ch.codes
	ch.codes = nil
	return codes
}

// advance retires the code in flight once it has its reply and then
// writes codes until one is in flight or nothing is ready
func (s *Scheduler) advance(ch *channelState) {
	defer func() { ch.busy.Store(ch.inflight != nil) }()

	if q := ch.inflight; q != nil {
		if !q.CanFinish() {
			return
		}
		ch.inflight = nil
		s.retire(ch, q)
	}

	for ch.inflight == nil {
		q, take := s.next(ch)
		if q == nil {
			return
		}
		ok, err := s.link.WriteCode(q.Code)
		if err != nil {
			take()
			herr := errors.CommandError(ch.id.String(), err).SetOp("write code")
			if q.system {
				s.logger.WithError(herr).Errorf("Cannot send %s", q.Code)
			}
			q.fail(herr)
			continue
		}
		if !ok {
			return
		}
		take()
		q.state = CodeDispatched
		ch.inflight = q
		s.metrics.CodeDispatched(ch.id.String())
		s.logger.Debug("Sent %s on %s", q.Code, ch.id)
	}
}

// retire reports the outcome of codes nobody waits for
func (s *Scheduler) retire(ch *channelState, q *QueuedCode) {
	if !q.system || len(q.result) == 0 {
		return
	}
	entry := s.fwLogger.WithField("channel", ch.id.String()).WithField("code", q.Code.String())
	switch {
	case q.result.HasError():
		entry.Error(q.result.String())
	default:
		entry.Info(q.result.String())
	}
}

// next peeks the code to send on ch: client codes first, then the innermost
// macro, then the print job. take removes it once it has been written.
func (s *Scheduler) next(ch *channelState) (q *QueuedCode, take func()) {
	ch.mu.Lock()
	if !ch.suspended() && len(ch.codes) > 0 {
		q = ch.codes[0]
		ch.mu.Unlock()
		return q, func() {
			ch.mu.Lock()
			ch.codes[0] = nil
			ch.codes = ch.codes[1:]
			ch.mu.Unlock()
		}
	}
	ch.mu.Unlock()

	if f := ch.top(); f != nil {
		return s.nextMacroCode(ch, f)
	}
	if ch.id == gcode.File {
		return s.nextJobCode(ch)
	}
	return nil, nil
}

func (s *Scheduler) nextMacroCode(ch *channelState, f *macroFrame) (*QueuedCode, func()) {
	for f.next == nil {
		cmd, err := f.file.ReadCode()
		switch {
		case err == io.EOF:
			s.endMacro(ch, f)
			return nil, nil
		case errors.Is(err, errors.ErrCommand):
			s.logger.WithError(err).Warn("Skipping invalid code")
			continue
		case err != nil:
			s.logger.WithError(err).Errorf("Aborting macro %s", f.file.Name())
			f.file.Abort()
			continue
		}
		f.next = newQueuedCode(cmd, true)
	}
	return f.next, func() { f.next = nil }
}

func (s *Scheduler) nextJobCode(ch *channelState) (*QueuedCode, func()) {
	if !s.job.Printing() {
		ch.jobNext = nil
		return nil, nil
	}
	if ch.jobNext == nil {
		cmd, err := s.job.ReadCode()
		if err != nil {
			s.logger.WithError(err).Warn("Skipping invalid code in print file")
			return nil, nil
		}
		if cmd == nil {
			return nil, nil
		}
		ch.jobNext = newQueuedCode(cmd, true)
	}
	return ch.jobNext, func() { ch.jobNext = nil }
}

// endMacro acknowledges a finished firmware macro and pops its frame. If
// the transfer has no room for the acknowledgement it is retried in the
// next cycle. A code suspended by the macro is back in flight afterwards.
func (s *Scheduler) endMacro(ch *channelState, f *macroFrame) {
	if f.fromFirmware && !s.link.WriteMacroCompleted(ch.id, f.file.Aborted()) {
		return
	}
	if !ch.pop(f) {
		return
	}
	f.file.Close()
	s.logger.Debug("Finished macro %s on %s", f.file.Name(), ch.id)
	if q := f.startCode; q != nil {
		if q.state == CodeSuspended {
			q.state = CodeDispatched
		}
		ch.inflight = q
	}
}

// openMacro runs a macro file on a channel. A missing file is answered
// with a macro-completed packet straight away when the firmware asked for
// it; the channel's code in flight is not touched in that case.
func (s *Scheduler) openMacro(req protocol.MacroRequest, fromFirmware bool) {
	ch := s.channels[req.Channel]

	p, fallback, err := s.resolver.Macro(req.Filename)
	var f *macro.File
	if err == nil {
		f, err = macro.Open(p, req.Filename, req.Channel, true)
	}
	if err != nil {
		herr := errors.MacroMissingError(ch.id.String(), req.Filename)
		if req.ReportMissing {
			s.logger.WithError(err).WithField("channel", ch.id.String()).Errorf("Macro file %s not found", req.Filename)
			s.model.AddMessage(protocol.SeverityError.String(), herr.Message)
		} else {
			s.logger.Info("Optional macro %s not found on %s", req.Filename, ch.id)
		}
		if fromFirmware {
			failed := req.ReportMissing
			s.write(func() bool { return s.link.WriteMacroCompleted(ch.id, failed) })
		}
		return
	}
	if fallback {
		s.logger.Warn("Using %s because %s is missing", s.resolver.ConfigBackup, s.resolver.ConfigFile)
	}

	frame := &macroFrame{file: f, fromFirmware: fromFirmware}
	if req.FromCode && ch.inflight != nil {
		frame.startCode = ch.inflight
		if frame.startCode.state == CodeDispatched {
			frame.startCode.state = CodeSuspended
		}
		ch.inflight = nil
		ch.busy.Store(false)
	}
	ch.push(frame)
	s.metrics.MacroOpened(ch.id.String())
	s.logger.Debug("Started macro %s on %s", req.Filename, ch.id)
}

// runConfig executes the config file on the Daemon channel
func (s *Scheduler) runConfig() {
	if s.resolver.ConfigFile == "" {
		return
	}
	s.openMacro(protocol.MacroRequest{
		Channel:       gcode.Daemon,
		ReportMissing: true,
		Filename:      s.resolver.ConfigFile,
	}, false)
}

// abortFiles closes the innermost macro of a channel, or all of them.
// Codes suspended by the closed macros finish with what they got so far.
// Closing the last file of the File channel ends the print.
func (s *Scheduler) abortFiles(ch *channelState, all bool) {
	ch.mu.Lock()
	var frames []*macroFrame
	if n := len(ch.macros); all || n <= 1 {
		frames = ch.macros
		ch.macros = nil
	} else {
		frames = []*macroFrame{ch.macros[n-1]}
		ch.macros[n-1] = nil
		ch.macros = ch.macros[:n-1]
	}
	remaining := len(ch.macros)
	ch.mu.Unlock()

	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		f.file.Close()
		if f.startCode != nil {
			f.startCode.finish()
		}
		s.logger.Info("Aborted macro %s on %s", f.file.Name(), ch.id)
	}

	if ch.id == gcode.File && remaining == 0 && s.job.Printing() {
		ch.jobNext = nil
		s.job.Abort()
	}
}
