package scheduler

import (
	"dcs-spi-go/pkg/errors"
	"dcs-spi-go/pkg/gcode"
	"dcs-spi-go/pkg/link"
	"dcs-spi-go/pkg/macro"
	"dcs-spi-go/pkg/model"
	"dcs-spi-go/pkg/pool"
	"dcs-spi-go/pkg/protocol"
)

// pausedReply finishes the File channel's codes when the print pauses
const pausedReply = "Print paused"

// processPackets handles every packet of the last transfer
func (s *Scheduler) processPackets() {
	for {
		p, err := s.link.ReadPacket()
		if err != nil {
			s.logger.WithError(err).Error("Discarding the rest of the data region")
			return
		}
		if p == nil {
			return
		}
		s.handlePacket(p)
	}
}

// handlePacket dispatches one packet. A packet too short for its payload
// is logged and skipped.
func (s *Scheduler) handlePacket(p *link.Packet) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithError(errors.FromPanic(r)).
				WithField("request", p.Request().String()).
				WithField("id", p.Header.ID).
				Error("Malformed packet from firmware")
		}
	}()

	switch p.Request() {
	case protocol.FirmwareResendPacket:
		ok, err := s.link.ResendPacket(p)
		switch {
		case err != nil:
			s.logger.WithError(err).Warn("Ignoring resend request")
		case !ok:
			s.logger.Warn("No room to resend packet #%d", p.Header.ResendPacketID)
		}

	case protocol.FirmwareObjectModel:
		om, _ := protocol.ReadObjectModel(p.Data)
		halted, err := s.bridge.Apply(om)
		if err != nil {
			return
		}
		if halted && !s.halted {
			s.logger.Warn("Firmware halted")
			s.invalidateAll(causeEmergencyStop)
		}
		s.halted = halted

	case protocol.FirmwareReportState:
		rs, _ := protocol.ReadReportState(p.Data)
		s.model.SetBusyChannels(rs.BusyChannels)

	case protocol.FirmwareCodeReply:
		r, _ := protocol.ReadCodeReply(p.Data)
		s.handleReply(r)

	case protocol.FirmwareExecuteMacro:
		req, _ := protocol.ReadMacroRequest(p.Data)
		if s.validChannel(req.Channel, p) {
			s.openMacro(req, true)
		}

	case protocol.FirmwareAbortFile:
		req, _ := protocol.ReadAbortFile(p.Data)
		if s.validChannel(req.Channel, p) {
			s.abortFiles(s.channels[req.Channel], req.AbortAll)
		}

	case protocol.FirmwareStackEvent:
		e, _ := protocol.ReadStackEvent(p.Data)
		if s.validChannel(e.Channel, p) {
			s.model.SetChannel(e.Channel, model.ChannelState{
				StackDepth:          e.Depth,
				RelativeExtrusion:   e.Flags&protocol.StackDrivesRelative != 0,
				RelativePositioning: e.Flags&protocol.StackAxesRelative != 0,
				UsingInches:         e.Flags&protocol.StackUsingInches != 0,
				Feedrate:            e.Feedrate,
			})
		}

	case protocol.FirmwarePrintPaused:
		pp, _ := protocol.ReadPrintPaused(p.Data)
		s.printPaused(pp)

	case protocol.FirmwareHeightMap:
		hm, _ := protocol.ReadHeightMap(p.Data)
		s.hmMu.Lock()
		waiters := s.heightMaps
		s.heightMaps = nil
		s.hmMu.Unlock()
		s.heightMapSent = false
		for _, w := range waiters {
			w.Complete(hm)
		}

	case protocol.FirmwareLocked:
		req, _ := protocol.ReadChannelRequest(p.Data)
		if s.validChannel(req.Channel, p) {
			s.lockGranted(s.channels[req.Channel])
		}

	case protocol.FirmwareFileChunk:
		req, _ := protocol.ReadFileChunkRequest(p.Data)
		s.sendFileChunk(req)

	default:
		s.logger.Warn("Unsupported firmware request %s", p.Request())
	}
}

func (s *Scheduler) validChannel(c gcode.Channel, p *link.Packet) bool {
	if c.Valid() {
		return true
	}
	s.logger.WithField("request", p.Request().String()).Warnf("Invalid channel %d", c)
	return false
}

// handleReply delivers a message to the codes it answers. A code that has
// its full reply claims nothing more. Messages nobody claims are logged; a
// pushed one is held until its continuation arrives.
func (s *Scheduler) handleReply(r protocol.CodeReply) {
	targets, fallback := r.Flags.Route()
	claimed := len(targets) > 0
	for _, t := range targets {
		q := s.channels[t.Channel].inflight
		if q == nil || q.CanFinish() {
			claimed = false
			continue
		}
		q.HandleReply(r.Flags, r.Text)
	}
	if claimed {
		return
	}

	switch d := fallback.(type) {
	case protocol.PushDestination:
		if s.partial == nil {
			s.partial = &pendingFragment{}
		}
		s.partial.text += r.Text
	case protocol.SeverityDestination:
		text := r.Text
		if s.partial != nil {
			text = s.partial.text + text
			s.partial = nil
		}
		s.output(d.Severity, text)
	}
}

// output logs a firmware message and keeps it in the model
func (s *Scheduler) output(severity protocol.Severity, text string) {
	if text == "" {
		return
	}
	switch severity {
	case protocol.SeverityError:
		s.fwLogger.Error("%s", text)
	case protocol.SeverityWarning:
		s.fwLogger.Warn("%s", text)
	default:
		s.fwLogger.Info("%s", text)
	}
	s.model.AddMessage(severity.String(), text)
	s.metrics.FirmwareMessage(severity.String())
}

// printPaused rewinds the print and finishes the codes of the File channel,
// which the firmware has discarded
func (s *Scheduler) printPaused(pp protocol.PrintPaused) {
	s.logger.Info("Print paused at byte %d (reason %d)", pp.FilePosition, pp.Reason)
	s.model.SetStatus(model.StatusPaused)
	s.job.Pause(pp.FilePosition)

	ch := s.channels[gcode.File]
	ch.jobNext = nil
	if ch.inflight != nil {
		ch.inflight.finishWith(protocol.SeverityWarning, pausedReply)
		ch.inflight = nil
		ch.busy.Store(false)
	}
	for _, q := range ch.takeCodes() {
		q.finishWith(protocol.SeverityWarning, pausedReply)
	}
}

// lockGranted resolves the lock request the firmware just confirmed
func (s *Scheduler) lockGranted(ch *channelState) {
	ch.mu.Lock()
	var r *QueuedLockRequest
	if len(ch.locks) > 0 && ch.locks[0].Lock && ch.locks[0].sent {
		r = ch.locks[0]
		ch.locks[0] = nil
		ch.locks = ch.locks[1:]
	}
	ch.mu.Unlock()

	if r == nil {
		s.logger.Warn("Unexpected lock confirmation for %s", ch.id)
		return
	}
	r.resolve(true)
}

// sendLocks writes the head lock request of a channel. Unlocks need no
// confirmation and resolve as soon as they are written.
func (s *Scheduler) sendLocks(ch *channelState) {
	var done []*QueuedLockRequest
	ch.mu.Lock()
	for len(ch.locks) > 0 && !ch.locks[0].sent {
		r := ch.locks[0]
		if r.Lock {
			if s.link.WriteLockMovementAndWaitForStandstill(ch.id) {
				r.sent = true
			}
			break
		}
		if !s.link.WriteUnlock(ch.id) {
			break
		}
		ch.locks[0] = nil
		ch.locks = ch.locks[1:]
		done = append(done, r)
	}
	ch.mu.Unlock()

	for _, r := range done {
		r.resolve(true)
	}
}

// sendFileChunk answers a file chunk request. Files are looked up like
// macros; a missing file is answered as such.
func (s *Scheduler) sendFileChunk(req protocol.FileChunkRequest) {
	maxLength := min(int(req.MaxLength), protocol.BufferSize-protocol.PacketSize(4))
	buf := pool.GetBytes(maxLength)
	chunk := protocol.FileChunk{}
	data, err := macro.ReadChunk(s.resolver.System(req.Filename), int64(req.Offset), buf)
	if err != nil {
		s.logger.WithError(err).Warnf("Cannot serve %s to firmware", req.Filename)
		chunk.Missing = true
	} else {
		chunk.Data = data
	}

	s.write(func() bool {
		ok, err := s.link.WriteFileChunk(chunk)
		if err != nil {
			s.logger.WithError(err).Errorf("Cannot send chunk of %s", req.Filename)
			ok = true
		}
		if ok {
			pool.PutBytes(buf)
		}
		return ok
	})
}
