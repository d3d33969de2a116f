package simulator

import (
	"encoding/json"

	"dcs-spi-go/pkg/gcode"
	"dcs-spi-go/pkg/protocol"
)

// CodeHandler decides how the firmware answers a code. It returns the
// replies to queue and whether it handled the code; unhandled codes get the
// built-in behaviour. A handled code with no replies stays unanswered.
type CodeHandler func(cmd *gcode.Command) (replies []protocol.CodeReply, handled bool)

// firmwareState is what a reset wipes
type firmwareState struct {
	status       string
	macroDepth   [gcode.NumChannels]int
	waitingMacro [gcode.NumChannels][]*gcode.Command
	locked       [gcode.NumChannels]bool
	printing     bool
	printFile    string
	stopReason   protocol.PrintStoppedReason
	stopped      bool
}

func (s *firmwareState) reset() {
	*s = firmwareState{status: "idle"}
}

func (s *firmwareState) busyChannels() uint32 {
	var mask uint32
	for c := range s.macroDepth {
		if s.macroDepth[c] > 0 || len(s.waitingMacro[c]) > 0 {
			mask |= 1 << c
		}
	}
	return mask
}

// Reply builds the answer to a code on channel
func Reply(channel gcode.Channel, text string) protocol.CodeReply {
	return protocol.CodeReply{
		Flags: protocol.BinaryCodeReplyFlag | protocol.ChannelFlag(channel),
		Text:  text,
	}
}

// ErrorReply builds an error answer to a code on channel
func ErrorReply(channel gcode.Channel, text string) protocol.CodeReply {
	r := Reply(channel, text)
	r.Flags |= protocol.ErrorMessageFlag
	return r
}

// SetCodeHandler installs h in front of the built-in code behaviour
func (f *Firmware) SetCodeHandler(h CodeHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codeHandler = h
}

// handle runs with f.mu held
func (f *Firmware) handle(p HostPacket) {
	switch p.Request {
	case protocol.HostCode:
		cmd, _, err := protocol.ReadCode(p.Data)
		if err != nil {
			f.logger.Error("Cannot decode code packet #%d: %v", p.ID, err)
			return
		}
		f.handleCode(cmd)

	case protocol.HostGetObjectModel:
		req, _ := protocol.ReadGetObjectModel(p.Data)
		f.queueObjectModel(req.Module)

	case protocol.HostGetState:
		buf := make([]byte, 4)
		protocol.WriteReportState(buf, protocol.ReportState{BusyChannels: f.state.busyChannels()})
		f.enqueue(protocol.FirmwareReportState, buf)

	case protocol.HostEmergencyStop:
		f.logger.Warn("Emergency stop")
		f.emergencyStops++
		f.scheduleReset()

	case protocol.HostReset:
		f.logger.Info("Reset requested by host")
		f.scheduleReset()

	case protocol.HostLockMovementAndWaitForStandstill:
		req, _ := protocol.ReadChannelRequest(p.Data)
		f.state.locked[req.Channel] = true
		buf := make([]byte, 4)
		protocol.WriteChannelRequest(buf, req)
		f.enqueue(protocol.FirmwareLocked, buf)

	case protocol.HostUnlock:
		req, _ := protocol.ReadChannelRequest(p.Data)
		f.state.locked[req.Channel] = false

	case protocol.HostMacroCompleted:
		mc, _ := protocol.ReadMacroCompleted(p.Data)
		f.macroCompleted(mc)

	case protocol.HostPrintStarted:
		info, _ := protocol.ReadPrintStarted(p.Data)
		f.state.printing = true
		f.state.stopped = false
		f.state.printFile = info.Filename
		f.state.status = "processing"

	case protocol.HostPrintStopped:
		stop, _ := protocol.ReadPrintStopped(p.Data)
		f.state.printing = false
		f.state.stopped = true
		f.state.stopReason = stop.Reason
		f.state.status = "idle"

	case protocol.HostGetHeightMap:
		hm := protocol.HeightMap{
			XMin: 0, XMax: 200, XSpacing: 100,
			YMin: 0, YMax: 200, YSpacing: 100,
			NumX: 3, NumY: 3,
			Points: []float32{0, 0.01, 0.02, -0.01, 0, 0.01, -0.02, -0.01, 0},
		}
		buf := make([]byte, hm.Size())
		protocol.WriteHeightMap(buf, hm)
		f.enqueue(protocol.FirmwareHeightMap, buf)

	case protocol.HostFileChunk, protocol.HostSetObjectModel:
		// recorded only

	default:
		f.logger.Warn("Unsupported host request %s", p.Request)
	}
}

func (f *Firmware) handleCode(cmd *gcode.Command) {
	if f.codeHandler != nil {
		if replies, handled := f.codeHandler(cmd); handled {
			for _, r := range replies {
				f.queueReply(r)
			}
			return
		}
	}

	file, isMacro := cmd.MacroFile()
	switch {
	case isMacro:
		m := protocol.MacroRequest{
			Channel:       cmd.Channel,
			ReportMissing: true,
			FromCode:      true,
			Filename:      file,
		}
		buf := make([]byte, m.Size())
		protocol.WriteMacroRequest(buf, m)
		f.enqueue(protocol.FirmwareExecuteMacro, buf)
		f.state.macroDepth[cmd.Channel]++
		f.state.waitingMacro[cmd.Channel] = append(f.state.waitingMacro[cmd.Channel], cmd)
	case cmd.Is('M', 115):
		f.queueReply(Reply(cmd.Channel, "FIRMWARE_NAME: RepRapFirmware (simulated) FIRMWARE_VERSION: 3.0"))
	default:
		f.queueReply(Reply(cmd.Channel, ""))
	}
}

func (f *Firmware) macroCompleted(mc protocol.MacroCompleted) {
	c := mc.Channel
	if !c.Valid() {
		f.logger.Error("Macro completion for invalid channel %d", c)
		return
	}
	if f.state.macroDepth[c] > 0 {
		f.state.macroDepth[c]--
	}
	waiting := f.state.waitingMacro[c]
	if len(waiting) == 0 {
		return
	}
	cmd := waiting[len(waiting)-1]
	f.state.waitingMacro[c] = waiting[:len(waiting)-1]
	if mc.Error {
		file, _ := cmd.MacroFile()
		f.queueReply(ErrorReply(c, "Macro file "+file+" not found"))
	} else {
		f.queueReply(Reply(c, ""))
	}
}

func (f *Firmware) queueObjectModel(module uint8) {
	var doc interface{}
	switch module {
	case 2:
		doc = map[string]interface{}{
			"state": map[string]interface{}{"status": f.state.status},
			"job":   map[string]interface{}{"file": f.state.printFile},
		}
	case 3:
		doc = map[string]interface{}{
			"move": map[string]interface{}{"currentMove": map[string]interface{}{"requestedSpeed": 0}},
		}
	default:
		doc = map[string]interface{}{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		f.logger.Error("Cannot encode object model: %v", err)
		return
	}
	m := protocol.ObjectModel{Module: module, JSON: data}
	buf := make([]byte, m.Size())
	if _, err := protocol.WriteObjectModel(buf, m); err != nil {
		f.logger.Error("Cannot encode object model: %v", err)
		return
	}
	f.enqueue(protocol.FirmwareObjectModel, buf)
}

// EmergencyStops returns how often the host requested an emergency stop
func (f *Firmware) EmergencyStops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emergencyStops
}

// Resets returns how many resets were scheduled
func (f *Firmware) Resets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

// Locked reports whether channel holds the movement lock
func (f *Firmware) Locked(channel gcode.Channel) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.locked[channel]
}

// PrintState reports the print announced by the host
func (f *Firmware) PrintState() (printing bool, file string, stopped bool, reason protocol.PrintStoppedReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.printing, f.state.printFile, f.state.stopped, f.state.stopReason
}

// MacroCompletions returns every macro-completed notice received
func (f *Firmware) MacroCompletions() []protocol.MacroCompleted {
	var out []protocol.MacroCompleted
	for _, p := range f.ReceivedOf(protocol.HostMacroCompleted) {
		mc, _ := protocol.ReadMacroCompleted(p.Data)
		out = append(out, mc)
	}
	return out
}
