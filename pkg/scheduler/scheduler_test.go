package scheduler

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"dcs-spi-go/pkg/errors"
	"dcs-spi-go/pkg/gcode"
	"dcs-spi-go/pkg/link"
	"dcs-spi-go/pkg/log"
	"dcs-spi-go/pkg/macro"
	"dcs-spi-go/pkg/model"
	"dcs-spi-go/pkg/protocol"
	"dcs-spi-go/pkg/reactor"
	"dcs-spi-go/pkg/simulator"
)

type fixture struct {
	s    *Scheduler
	fw   *simulator.Firmware
	logs *bytes.Buffer
	root string
}

// newFixture wires a scheduler to a simulated firmware. files are written
// below the macro root; the config file only runs if files contains it.
func newFixture(t *testing.T, files map[string]string, cfg Config) *fixture {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	r := macro.DefaultResolver(root)
	if _, ok := files["sys/config.g"]; !ok {
		r.ConfigFile = ""
	}

	logs := &bytes.Buffer{}
	logger := log.New("scheduler")
	logger.SetWriter(logs)
	logger.SetColorize(false)
	cfg.Logger = logger

	fw := simulator.New()
	l := link.New(fw, fw, link.Config{ReadyTimeout: 20 * time.Millisecond})
	return &fixture{s: New(l, model.New(), r, cfg), fw: fw, logs: logs, root: root}
}

func (f *fixture) cycle(t *testing.T) {
	t.Helper()
	if err := f.s.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
}

func (f *fixture) cycleUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	for i := 0; i < 50; i++ {
		if cond() {
			return
		}
		f.cycle(t)
	}
	if !cond() {
		t.Fatalf("%s: not reached after 50 cycles", what)
	}
}

func (f *fixture) submit(t *testing.T, channel gcode.Channel, line string) *reactor.Completion[Result] {
	t.Helper()
	cmd, err := gcode.ParseCode(channel, line)
	if err != nil {
		t.Fatalf("parse %q: %v", line, err)
	}
	return f.s.Submit(channel, cmd)
}

// codesOn returns the codes the firmware received on channel
func (f *fixture) codesOn(channel gcode.Channel) []string {
	var out []string
	for _, c := range f.fw.Codes() {
		if c.Channel == channel {
			out = append(out, c.String())
		}
	}
	return out
}

// holdCodes makes the firmware leave the matching codes unanswered
func holdCodes(match func(*gcode.Command) bool) simulator.CodeHandler {
	return func(cmd *gcode.Command) ([]protocol.CodeReply, bool) {
		return nil, match(cmd)
	}
}

func result(t *testing.T, c *reactor.Completion[Result]) Result {
	t.Helper()
	r, err, ok := c.Result()
	if !ok {
		t.Fatal("completion still pending")
	}
	if err != nil {
		t.Fatalf("completion failed: %v", err)
	}
	return r
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSubmitResolvesWithReply(t *testing.T) {
	f := newFixture(t, nil, Config{})
	done := f.submit(t, gcode.HTTP, "M115")
	f.cycleUntil(t, "reply", done.Test)

	r := result(t, done)
	if len(r) != 1 || !strings.Contains(r[0].Content, "RepRapFirmware") || r.HasError() {
		t.Fatalf("result=%+v want firmware version", r)
	}
	if !f.s.Status().Connected {
		t.Error("not connected")
	}
}

func TestSubmitLeavesCommandUntouched(t *testing.T) {
	f := newFixture(t, nil, Config{})
	cmd, err := gcode.ParseCode(gcode.HTTP, "M115")
	if err != nil {
		t.Fatal(err)
	}
	done := f.s.Submit(gcode.Telnet, cmd)
	f.cycleUntil(t, "reply", done.Test)

	if cmd.Channel != gcode.HTTP {
		t.Errorf("command channel=%s want HTTP", cmd.Channel)
	}
	if got := f.codesOn(gcode.Telnet); len(got) != 1 || got[0] != "M115" {
		t.Errorf("Telnet codes=%v want [M115]", got)
	}
}

func TestPushedReplyIsJoined(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.fw.SetCodeHandler(func(cmd *gcode.Command) ([]protocol.CodeReply, bool) {
		if !cmd.Is('M', 122) {
			return nil, false
		}
		first := simulator.Reply(cmd.Channel, "line 1\n")
		first.Flags |= protocol.PushFlag
		return []protocol.CodeReply{first, simulator.Reply(cmd.Channel, "line 2\n")}, true
	})

	done := f.submit(t, gcode.HTTP, "M122")
	f.cycleUntil(t, "reply", done.Test)
	r := result(t, done)
	if len(r) != 1 || r[0].Content != "line 1\nline 2" {
		t.Fatalf("result=%+v want one joined message", r)
	}
}

func TestOneCodeInFlightPerChannel(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.fw.SetCodeHandler(holdCodes(func(cmd *gcode.Command) bool { return cmd.Is('G', 4) }))

	first := f.submit(t, gcode.HTTP, "G4 P5")
	second := f.submit(t, gcode.HTTP, "M400")
	other := f.submit(t, gcode.Aux, "M400")
	for i := 0; i < 6; i++ {
		f.cycle(t)
	}
	if got := f.codesOn(gcode.HTTP); !equal(got, []string{"G4 P5"}) {
		t.Fatalf("HTTP codes=%v want only G4 P5 while it runs", got)
	}
	if first.Test() || second.Test() {
		t.Fatal("HTTP codes resolved while G4 is unanswered")
	}
	if !other.Test() {
		t.Error("Aux code blocked by HTTP")
	}
	if !f.s.Status().Channels[gcode.HTTP].Busy {
		t.Error("HTTP not busy")
	}

	f.fw.QueueReply(protocol.BinaryCodeReplyFlag|protocol.ChannelFlag(gcode.HTTP), "")
	f.cycleUntil(t, "second code", second.Test)
	if !first.Test() {
		t.Error("first code unresolved")
	}
	if got := f.codesOn(gcode.HTTP); !equal(got, []string{"G4 P5", "M400"}) {
		t.Errorf("HTTP codes=%v want [G4 P5 M400]", got)
	}
}

func TestClientCodesBeforeMacroCodes(t *testing.T) {
	f := newFixture(t, map[string]string{"sys/pause.g": "G91\nG1 Z5\nG90\n"}, Config{})
	f.cycle(t)

	f.fw.QueueMacro(gcode.Aux, "pause.g", true)
	f.submit(t, gcode.Aux, "M115")
	last := f.submit(t, gcode.Aux, "M400")
	f.cycleUntil(t, "macro completion", func() bool { return len(f.fw.MacroCompletions()) == 1 })

	want := []string{"M115", "M400", "G91", "G1 Z5", "G90"}
	if got := f.codesOn(gcode.Aux); !equal(got, want) {
		t.Fatalf("Aux codes=%v want %v", got, want)
	}
	if !last.Test() {
		t.Error("client code unresolved")
	}
	mc := f.fw.MacroCompletions()[0]
	if mc.Channel != gcode.Aux || mc.Error {
		t.Errorf("macro completion=%+v want Aux without error", mc)
	}
	for _, c := range f.fw.Codes() {
		if c.String() != "M115" && c.String() != "M400" && c.Flags&gcode.FromMacro == 0 {
			t.Errorf("%s not flagged as macro code", c)
		}
	}
}

func TestMacroCalledByCode(t *testing.T) {
	f := newFixture(t, map[string]string{"sys/homeall.g": "G91\nG1 X5\n"}, Config{})
	call := f.submit(t, gcode.HTTP, `M98 P"homeall.g"`)
	after := f.submit(t, gcode.HTTP, "M400")
	f.cycleUntil(t, "code after macro call", after.Test)

	got := f.codesOn(gcode.HTTP)
	if len(got) != 4 || !strings.HasPrefix(got[0], "M98") || !equal(got[1:], []string{"G91", "G1 X5", "M400"}) {
		t.Fatalf("HTTP codes=%v want M98, G91, G1 X5, M400", got)
	}
	if r := result(t, call); r.HasError() {
		t.Errorf("macro call failed: %v", r)
	}
	if n := len(f.fw.MacroCompletions()); n != 1 {
		t.Errorf("macro completions=%d want 1", n)
	}
}

func TestMacroCallerIsSuspended(t *testing.T) {
	f := newFixture(t, map[string]string{"sys/homeall.g": "G91\nG1 X5\n"}, Config{})
	f.fw.SetCodeHandler(holdCodes(func(cmd *gcode.Command) bool { return cmd.Is('G', 1) }))
	call := f.submit(t, gcode.HTTP, `M98 P"homeall.g"`)
	f.cycleUntil(t, "macro code sent", func() bool {
		got := f.codesOn(gcode.HTTP)
		return len(got) > 0 && got[len(got)-1] == "G1 X5"
	})

	ch := f.s.channels[gcode.HTTP]
	frame := ch.top()
	if frame == nil || frame.startCode == nil {
		t.Fatal("no macro frame with a calling code")
	}
	if st := frame.startCode.State(); st != CodeSuspended {
		t.Errorf("calling code state=%s want suspended", st)
	}
	if ch.inflight == nil || ch.inflight.Code.String() != "G1 X5" || ch.inflight.State() != CodeDispatched {
		t.Fatalf("code in flight=%+v want dispatched G1 X5", ch.inflight)
	}
	dispatched := 0
	for _, q := range []*QueuedCode{frame.startCode, ch.inflight} {
		if q.State() == CodeDispatched {
			dispatched++
		}
	}
	if dispatched != 1 {
		t.Errorf("dispatched codes on HTTP=%d want 1", dispatched)
	}

	f.fw.QueueReply(protocol.BinaryCodeReplyFlag|protocol.ChannelFlag(gcode.HTTP), "")
	f.cycleUntil(t, "macro call answered", call.Test)
	if r := result(t, call); r.HasError() {
		t.Errorf("macro call failed: %v", r)
	}
	if frame.startCode.State() != CodeFinished {
		t.Errorf("calling code state=%s want finished", frame.startCode.State())
	}
}

func TestMissingMacro(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.fw.SetCodeHandler(holdCodes(func(cmd *gcode.Command) bool { return cmd.Is('G', 4) }))
	held := f.submit(t, gcode.Aux, "G4 S1")
	f.cycle(t)

	f.fw.QueueMacro(gcode.Aux, "missing.g", true)
	f.cycleUntil(t, "macro completion", func() bool { return len(f.fw.MacroCompletions()) == 1 })

	mc := f.fw.MacroCompletions()[0]
	if mc.Channel != gcode.Aux || !mc.Error {
		t.Fatalf("macro completion=%+v want Aux with error", mc)
	}
	if !strings.Contains(f.logs.String(), "Macro file missing.g not found") {
		t.Errorf("missing macro not logged:\n%s", f.logs.String())
	}
	st := f.s.Status().Channels[gcode.Aux]
	if st.MacroDepth != 0 || !st.Busy || held.Test() {
		t.Errorf("Aux status=%+v held resolved=%v want held code still in flight", st, held.Test())
	}
	msgs := f.s.Model().Messages()
	if len(msgs) == 0 || msgs[len(msgs)-1].Type != "error" {
		t.Errorf("model messages=%+v want an error", msgs)
	}
}

func TestOptionalMacroMissing(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.fw.QueueMacro(gcode.Daemon, "daemon.g", false)
	f.cycleUntil(t, "macro completion", func() bool { return len(f.fw.MacroCompletions()) == 1 })
	if mc := f.fw.MacroCompletions()[0]; mc.Error {
		t.Errorf("macro completion=%+v want no error", mc)
	}
	if strings.Contains(f.logs.String(), "ERROR") {
		t.Errorf("optional macro logged as error:\n%s", f.logs.String())
	}
}

func TestEmergencyStopCancelsDispatchedCode(t *testing.T) {
	f := newFixture(t, map[string]string{"sys/pause.g": "M400\n"}, Config{})
	f.fw.SetCodeHandler(holdCodes(func(cmd *gcode.Command) bool { return cmd.Is('G', 4) }))

	dispatched := f.submit(t, gcode.File, "G4 S10")
	queued := f.submit(t, gcode.File, "M400")
	f.fw.QueueMacro(gcode.File, "pause.g", true)
	f.cycleUntil(t, "macro opened", func() bool { return f.s.Status().Channels[gcode.File].MacroDepth == 1 })
	if len(f.codesOn(gcode.File)) != 1 {
		t.Fatalf("File codes=%v want one dispatched", f.codesOn(gcode.File))
	}

	lock := f.s.RequestLock(gcode.HTTP)
	f.s.NotifyEmergencyStop()
	f.cycle(t)

	if f.fw.EmergencyStops() != 1 {
		t.Fatalf("emergency stops=%d want 1", f.fw.EmergencyStops())
	}
	for name, c := range map[string]*reactor.Completion[Result]{"dispatched": dispatched, "queued": queued} {
		r := result(t, c)
		if !r.HasError() || !strings.Contains(r.String(), "emergency stop") {
			t.Errorf("%s code result=%q want emergency stop error", name, r)
		}
	}
	st := f.s.Status().Channels[gcode.File]
	if st.MacroDepth != 0 || st.Queued != 0 || st.Busy {
		t.Errorf("File status=%+v want empty", st)
	}
	if ok, err, _ := lock.Result(); ok || err != nil {
		t.Errorf("lock=%v, %v want false", ok, err)
	}
}

func TestResetRequestCancelsEverything(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.fw.SetCodeHandler(holdCodes(func(cmd *gcode.Command) bool { return cmd.Is('G', 4) }))

	var codes []*reactor.Completion[Result]
	for _, c := range []gcode.Channel{gcode.HTTP, gcode.HTTP, gcode.USB} {
		codes = append(codes, f.submit(t, c, "G4 S1"))
	}
	f.cycle(t)

	lock := f.s.RequestLock(gcode.Aux)
	hm := f.s.RequestHeightMap()
	f.s.NotifyReset()
	f.cycle(t)

	for i, c := range codes {
		r := result(t, c)
		if len(r) != 1 || r[0].Severity != protocol.SeverityError || !strings.Contains(r[0].Content, "controller reset") {
			t.Errorf("code %d result=%+v want one reset error", i, r)
		}
	}
	if granted, _, ok := lock.Result(); !ok || granted {
		t.Errorf("lock granted=%v resolved=%v want false", granted, ok)
	}
	if _, err, ok := hm.Result(); !ok || !errors.IsCancelled(err) {
		t.Errorf("height map err=%v resolved=%v want cancelled", err, ok)
	}
	if f.fw.Resets() != 1 {
		t.Errorf("firmware resets=%d want 1", f.fw.Resets())
	}

	// the firmware announces its reset in the following transfers
	for i := 0; i < 3; i++ {
		f.cycle(t)
	}
	after := f.submit(t, gcode.HTTP, "M115")
	f.cycleUntil(t, "code after reset", after.Test)
	if r := result(t, after); r.HasError() {
		t.Errorf("code after reset=%v", r)
	}
}

func TestFirmwareResetCancelsCodes(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.fw.SetCodeHandler(holdCodes(func(cmd *gcode.Command) bool { return cmd.Is('G', 4) }))
	held := f.submit(t, gcode.Telnet, "G4 S1")
	f.cycle(t)

	f.fw.RequestReset()
	f.cycleUntil(t, "cancellation", held.Test)
	if r := result(t, held); !strings.Contains(r.String(), "controller reset") {
		t.Errorf("result=%q want reset error", r)
	}
}

func TestHeaderChecksumRetryKeepsWork(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.cycle(t)
	f.fw.RejectHeaders(2)
	done := f.submit(t, gcode.HTTP, "M115")
	f.cycleUntil(t, "reply", done.Test)
	if r := result(t, done); r.HasError() {
		t.Fatalf("result=%v", r)
	}
	if strings.Contains(f.logs.String(), "cancelled") {
		t.Errorf("checksum retry invalidated work:\n%s", f.logs.String())
	}
}

func TestHaltedStatusInvalidates(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.fw.SetCodeHandler(holdCodes(func(cmd *gcode.Command) bool { return cmd.Is('G', 4) }))
	held := f.submit(t, gcode.HTTP, "G4 S1")
	f.cycle(t)

	f.fw.SetStatus("halted")
	f.cycleUntil(t, "cancellation", held.Test)
	if r := result(t, held); !strings.Contains(r.String(), "emergency stop") {
		t.Errorf("result=%q want emergency stop error", r)
	}
	if f.s.Model().Status() != model.StatusHalted {
		t.Errorf("status=%s want halted", f.s.Model().Status())
	}
}

func TestLockAndUnlock(t *testing.T) {
	f := newFixture(t, nil, Config{})
	lock := f.s.RequestLock(gcode.HTTP)
	f.cycleUntil(t, "lock", lock.Test)
	if granted, _, _ := lock.Result(); !granted || !f.fw.Locked(gcode.HTTP) {
		t.Fatalf("granted=%v firmware locked=%v", granted, f.fw.Locked(gcode.HTTP))
	}

	unlock := f.s.RequestUnlock(gcode.HTTP)
	f.cycle(t)
	if granted, _, ok := unlock.Result(); !ok || !granted {
		t.Fatalf("unlock=%v resolved=%v want true after one cycle", granted, ok)
	}
	if f.fw.Locked(gcode.HTTP) {
		t.Error("firmware still locked")
	}
}

func TestUnclaimedMessagesAreLogged(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.fw.QueueReply(protocol.WarningMessageFlag|protocol.PushFlag, "Heater 1 ")
	f.fw.QueueReply(protocol.WarningMessageFlag, "fault")
	f.cycleUntil(t, "message", func() bool { return len(f.s.Model().Messages()) > 0 })

	m := f.s.Model().Messages()[0]
	if m.Type != "warning" || m.Content != "Heater 1 fault" {
		t.Errorf("message=%+v want warning %q", m, "Heater 1 fault")
	}
	if !strings.Contains(f.logs.String(), "Heater 1 fault") {
		t.Errorf("message not logged:\n%s", f.logs.String())
	}
}

func TestReplyAfterFinishedCodeIsLogged(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.fw.SetCodeHandler(func(cmd *gcode.Command) ([]protocol.CodeReply, bool) {
		if !cmd.Is('M', 122) {
			return nil, false
		}
		return []protocol.CodeReply{
			simulator.Reply(cmd.Channel, "report"),
			simulator.Reply(cmd.Channel, "late notice"),
		}, true
	})

	done := f.submit(t, gcode.HTTP, "M122")
	f.cycleUntil(t, "late notice", func() bool { return strings.Contains(f.logs.String(), "late notice") })
	r := result(t, done)
	if len(r) != 1 || r[0].Content != "report" {
		t.Fatalf("result=%+v want only the first reply", r)
	}
	found := false
	for _, m := range f.s.Model().Messages() {
		found = found || m.Content == "late notice"
	}
	if !found {
		t.Errorf("late reply missing from messages: %+v", f.s.Model().Messages())
	}
}

func TestOversizedCodeFailsWithoutBlocking(t *testing.T) {
	f := newFixture(t, nil, Config{})
	big := &gcode.Command{
		Letter: 'M', Major: 117, HasMajor: true,
		Params: []gcode.Parameter{{Letter: 'S', Value: gcode.StringValue(strings.Repeat("x", protocol.BufferSize))}},
	}
	tooLarge := f.s.Submit(gcode.HTTP, big)
	next := f.submit(t, gcode.HTTP, "M115")
	f.cycleUntil(t, "next code", next.Test)

	if _, err, ok := tooLarge.Result(); !ok || !errors.Is(err, errors.ErrCommand) {
		t.Fatalf("oversized code err=%v resolved=%v want COMMAND error", err, ok)
	}
	if got := f.codesOn(gcode.HTTP); !equal(got, []string{"M115"}) {
		t.Errorf("HTTP codes=%v want [M115]", got)
	}
}

func TestSubmitCap(t *testing.T) {
	f := newFixture(t, nil, Config{MaxCodeBuffer: 2})
	f.submit(t, gcode.HTTP, "M115")
	f.submit(t, gcode.HTTP, "M115")
	over := f.submit(t, gcode.HTTP, "M115")
	if _, err, ok := over.Result(); !ok || !errors.Is(err, errors.ErrCommand) {
		t.Fatalf("err=%v resolved=%v want immediate COMMAND error", err, ok)
	}
	if other := f.submit(t, gcode.Aux, "M115"); other.Test() {
		t.Error("cap applied across channels")
	}
}

func TestPrintRunsAndPauses(t *testing.T) {
	f := newFixture(t, map[string]string{"gcodes/job.gcode": "G1 X1\nG1 X2\nG1 X3\n"}, Config{})
	f.fw.SetCodeHandler(holdCodes(func(cmd *gcode.Command) bool { return cmd.Is('G', 1) && cmd.String() == "G1 X2" }))

	if err := f.s.Job().Start("job.gcode"); err != nil {
		t.Fatal(err)
	}
	queued := f.submit(t, gcode.File, "M400")
	f.cycleUntil(t, "second print code", func() bool { return len(f.codesOn(gcode.File)) == 3 })
	if printing, file, _, _ := f.fw.PrintState(); !printing || file != "job.gcode" {
		t.Fatalf("firmware print=%v %q want job.gcode", printing, file)
	}
	if !queued.Test() {
		t.Error("client code on File not resolved")
	}

	// G1 X2 is held; the firmware pauses before executing it
	f.fw.QueuePrintPaused(6, protocol.PausedUser)
	f.cycleUntil(t, "pause", f.s.Job().Paused)
	f.cycle(t)
	if f.s.Status().Channels[gcode.File].Busy {
		t.Error("File channel busy after pause")
	}
	if f.s.Model().Status() != model.StatusPaused {
		t.Errorf("status=%s want paused", f.s.Model().Status())
	}

	f.fw.SetCodeHandler(nil)
	if err := f.s.Job().Resume(); err != nil {
		t.Fatal(err)
	}
	f.cycleUntil(t, "print end", func() bool { return !f.s.Job().Printing() })
	want := []string{"M400", "G1 X1", "G1 X2", "G1 X2", "G1 X3"}
	if got := f.codesOn(gcode.File); !equal(got, want) {
		t.Errorf("File codes=%v want %v", got, want)
	}
	f.cycleUntil(t, "print stopped notice", func() bool {
		_, _, stopped, _ := f.fw.PrintState()
		return stopped
	})
	if _, _, _, reason := f.fw.PrintState(); reason != protocol.PrintStoppedNormalCompletion {
		t.Errorf("stop reason=%s want normal completion", reason)
	}
}

func TestPrintPausedFinishesFileCodes(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.fw.SetCodeHandler(holdCodes(func(cmd *gcode.Command) bool { return cmd.Channel == gcode.File }))
	first := f.submit(t, gcode.File, "G1 X1")
	second := f.submit(t, gcode.File, "G1 X2")
	f.cycle(t)

	f.fw.QueuePrintPaused(0, protocol.PausedGCode)
	f.cycleUntil(t, "pause", first.Test)
	for _, c := range []*reactor.Completion[Result]{first, second} {
		r := result(t, c)
		if len(r) != 1 || r[0].Content != "Print paused" {
			t.Errorf("result=%+v want Print paused", r)
		}
	}
}

func TestAbortFile(t *testing.T) {
	files := map[string]string{
		"sys/a.g":          "G4 S1\n",
		"sys/b.g":          "G4 S1\n",
		"gcodes/job.gcode": "G1 X1\nG1 X2\n",
	}
	tests := []struct {
		name      string
		channel   gcode.Channel
		abortAll  bool
		wantDepth int
	}{
		{"innermost", gcode.Aux, false, 1},
		{"all", gcode.Aux, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, files, Config{})
			f.fw.SetCodeHandler(holdCodes(func(cmd *gcode.Command) bool { return cmd.Is('G', 4) }))
			f.fw.QueueMacro(tt.channel, "a.g", true)
			f.fw.QueueMacro(tt.channel, "b.g", true)
			f.cycleUntil(t, "macros", func() bool { return f.s.Status().Channels[tt.channel].MacroDepth == 2 })

			f.fw.QueueAbortFile(tt.channel, tt.abortAll)
			f.cycleUntil(t, "abort", func() bool { return f.s.Status().Channels[tt.channel].MacroDepth == tt.wantDepth })
		})
	}

	t.Run("print", func(t *testing.T) {
		f := newFixture(t, files, Config{})
		f.fw.SetCodeHandler(holdCodes(func(cmd *gcode.Command) bool { return cmd.Channel == gcode.File }))
		if err := f.s.Job().Start("job.gcode"); err != nil {
			t.Fatal(err)
		}
		f.cycle(t)
		f.fw.QueueAbortFile(gcode.File, true)
		f.cycleUntil(t, "print stopped notice", func() bool {
			_, _, stopped, _ := f.fw.PrintState()
			return stopped
		})
		if _, _, _, reason := f.fw.PrintState(); reason != protocol.PrintStoppedAbort {
			t.Errorf("stop reason=%s want abort", reason)
		}
	})
}

func TestConfigRunsOnConnect(t *testing.T) {
	f := newFixture(t, map[string]string{"sys/config.g": "M550 P\"sim\"\nM552 S1\n"}, Config{})
	f.cycleUntil(t, "config", func() bool { return len(f.codesOn(gcode.Daemon)) == 2 })
	for i := 0; i < 4; i++ {
		f.cycle(t)
	}
	if st := f.s.Status().Channels[gcode.Daemon]; st.MacroDepth != 0 {
		t.Errorf("Daemon status=%+v want config finished", st)
	}
	if n := len(f.fw.MacroCompletions()); n != 0 {
		t.Errorf("macro completions=%d want none for the config file", n)
	}
}

func TestConnectionLostAndRestored(t *testing.T) {
	f := newFixture(t, map[string]string{"sys/config.g": "M552 S1\n"}, Config{})
	f.cycle(t)
	f.fw.SetReady(false)
	f.cycle(t)
	if f.s.Status().Connected || f.s.Model().Status() != model.StatusOff {
		t.Fatalf("connected=%v status=%s want disconnected and off", f.s.Status().Connected, f.s.Model().Status())
	}

	f.fw.SetReady(true)
	f.cycleUntil(t, "config rerun", func() bool { return len(f.codesOn(gcode.Daemon)) == 2 })
	if !f.s.Status().Connected {
		t.Error("not reconnected")
	}
}

func TestFileChunkAndHeightMap(t *testing.T) {
	f := newFixture(t, map[string]string{"sys/filament.txt": "0123456789"}, Config{})
	f.fw.QueueFileChunkRequest("filament.txt", 2, 4)
	f.fw.QueueFileChunkRequest("nothing.txt", 0, 4)
	hm := f.s.RequestHeightMap()
	f.cycleUntil(t, "chunks", func() bool { return len(f.fw.ReceivedOf(protocol.HostFileChunk)) == 2 })

	chunks := f.fw.ReceivedOf(protocol.HostFileChunk)
	if c, _ := protocol.ReadFileChunk(chunks[0].Data); c.Missing || string(c.Data) != "2345" {
		t.Errorf("chunk=%+v want 2345", c)
	}
	if c, _ := protocol.ReadFileChunk(chunks[1].Data); !c.Missing {
		t.Errorf("chunk=%+v want missing", c)
	}

	f.cycleUntil(t, "height map", hm.Test)
	if m, err, _ := hm.Result(); err != nil || m.NumX != 3 || len(m.Points) != 9 {
		t.Errorf("height map=%+v, %v", m, err)
	}
}

func TestRunConcurrentSubmitAndShutdown(t *testing.T) {
	f := newFixture(t, nil, Config{PollDelay: time.Millisecond, MaxCodeBuffer: 0})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- f.s.Run(ctx) }()

	channels := []gcode.Channel{gcode.HTTP, gcode.Telnet, gcode.USB, gcode.Aux}
	const perChannel = 10
	var wg sync.WaitGroup
	for _, c := range channels {
		wg.Add(1)
		go func(c gcode.Channel) {
			defer wg.Done()
			var pending []*reactor.Completion[Result]
			for i := 0; i < perChannel; i++ {
				cmd, _ := gcode.ParseCode(c, "G4 P"+strconv.Itoa(i))
				pending = append(pending, f.s.Submit(c, cmd))
			}
			for _, p := range pending {
				if _, err := p.WaitTimeout(10 * time.Second); err != nil {
					t.Errorf("%s: %v", c, err)
				}
			}
		}(c)
	}
	wg.Wait()

	for _, c := range channels {
		got := f.codesOn(c)
		if len(got) != perChannel {
			t.Fatalf("%s codes=%v want %d", c, got, perChannel)
		}
		for i, code := range got {
			if want := "G4 P" + strconv.Itoa(i); code != want {
				t.Errorf("%s code %d=%q want %q", c, i, code, want)
			}
		}
	}

	f.fw.SetCodeHandler(holdCodes(func(cmd *gcode.Command) bool { return true }))
	held := f.submit(t, gcode.HTTP, "G4 S60")
	cancel()
	if err := <-stopped; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r := result(t, held); !strings.Contains(r.String(), "shutdown") {
		t.Errorf("held code=%q want shutdown error", r)
	}
	if r := result(t, f.submit(t, gcode.HTTP, "M115")); !strings.Contains(r.String(), "shutdown") {
		t.Errorf("late code=%q want shutdown error", r)
	}
}

func TestRunStopsWhileHeadersAreRejected(t *testing.T) {
	f := newFixture(t, nil, Config{PollDelay: time.Millisecond})
	f.fw.RejectHeaders(1 << 30)
	pending := f.submit(t, gcode.HTTP, "M115")

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- f.s.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run still running after cancellation (header exchanges=%d)", len(f.fw.HeaderSequences()))
	}
	if r := result(t, pending); !strings.Contains(r.String(), "shutdown") {
		t.Errorf("pending code=%q want shutdown error", r)
	}
}
