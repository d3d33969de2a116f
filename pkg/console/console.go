// Package console runs a line console on one channel. Each line is either
// a code, which is submitted and answered with the firmware's reply, or a
// host command starting with '!'.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/shlex"

	"dcs-spi-go/pkg/errors"
	"dcs-spi-go/pkg/gcode"
	"dcs-spi-go/pkg/job"
	"dcs-spi-go/pkg/log"
	"dcs-spi-go/pkg/reactor"
	"dcs-spi-go/pkg/scheduler"
)

// maxLine bounds one console line
const maxLine = 64 * 1024

// Machine is what the console drives. *scheduler.Scheduler implements it.
type Machine interface {
	Submit(channel gcode.Channel, cmd *gcode.Command) *reactor.Completion[scheduler.Result]
	RequestLock(channel gcode.Channel) *reactor.Completion[bool]
	RequestUnlock(channel gcode.Channel) *reactor.Completion[bool]
	NotifyEmergencyStop()
	NotifyReset()
	Status() scheduler.Status
	Job() *job.Job
}

// Console reads lines from in and writes replies to out
type Console struct {
	machine Machine
	channel gcode.Channel
	in      io.Reader
	out     io.Writer
	prompt  string
	closer  io.Closer
	logger  *log.Logger

	outMu sync.Mutex
}

// New creates a console on channel. A non-empty prompt is printed before
// every line is read.
func New(m Machine, channel gcode.Channel, in io.Reader, out io.Writer, prompt string) *Console {
	return &Console{
		machine: m,
		channel: channel,
		in:      in,
		out:     out,
		prompt:  prompt,
		logger:  log.GetLogger("console"),
	}
}

// Close releases the underlying device, if the console owns one
func (c *Console) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Run handles lines until the input ends or ctx is cancelled. A line is
// answered before the next one is read.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 4096), maxLine)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
		close(lines)
	}()

	c.logger.Info("Console running on channel %s", c.channel)
	for {
		if c.prompt != "" {
			c.printf("%s", c.prompt)
		}
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					return errors.Wrap(err, errors.ErrTransportIO, "console read failed")
				}
				return nil
			}
			c.handleLine(ctx, line)
		}
	}
}

func (c *Console) handleLine(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if strings.HasPrefix(line, "!") {
		if err := c.hostCommand(ctx, line[1:]); err != nil {
			c.printf("Error: %v\n", err)
		}
		return
	}

	cmd, err := gcode.ParseCode(c.channel, line)
	if err != nil {
		c.printf("Error: %v\n", err)
		return
	}
	if cmd == nil {
		return
	}
	result, err := c.machine.Submit(c.channel, cmd).Wait(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.printf("Error: %v\n", err)
		}
		return
	}
	if text := result.String(); text != "" {
		c.printf("%s\n", text)
	} else {
		c.printf("ok\n")
	}
}

// hostCommand runs one '!' command. Arguments are split the way a shell
// would, so file names with spaces are quoted.
func (c *Console) hostCommand(ctx context.Context, line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return errors.Wrap(err, errors.ErrCommand, "invalid host command")
	}
	if len(args) == 0 {
		return errors.New(errors.ErrCommand, "empty host command")
	}

	switch strings.ToLower(args[0]) {
	case "lock":
		acquired, err := c.machine.RequestLock(c.channel).Wait(ctx)
		if err != nil {
			return err
		}
		if !acquired {
			return errors.New(errors.ErrCommand, "lock not acquired").SetChannel(c.channel.String())
		}
		c.printf("locked\n")

	case "unlock":
		if _, err := c.machine.RequestUnlock(c.channel).Wait(ctx); err != nil {
			return err
		}
		c.printf("unlocked\n")

	case "estop":
		c.logger.Warn("Emergency stop requested from the console")
		c.machine.NotifyEmergencyStop()
		c.printf("emergency stop sent\n")

	case "reset":
		c.logger.Warn("Reset requested from the console")
		c.machine.NotifyReset()
		c.printf("reset sent\n")

	case "status":
		c.printStatus()

	case "print":
		if len(args) != 2 {
			return errors.New(errors.ErrCommand, `usage: !print "file"`)
		}
		if err := c.machine.Job().Start(args[1]); err != nil {
			return err
		}
		c.printf("printing %s\n", args[1])

	case "resume":
		if err := c.machine.Job().Resume(); err != nil {
			return err
		}
		c.printf("resumed\n")

	case "cancel":
		if err := c.machine.Job().Cancel(); err != nil {
			return err
		}
		c.printf("cancelled\n")

	case "help":
		c.printf("!lock !unlock !estop !reset !status !print \"file\" !resume !cancel\n")

	default:
		return errors.New(errors.ErrCommand, fmt.Sprintf("unknown host command %q", args[0]))
	}
	return nil
}

func (c *Console) printStatus() {
	st := c.machine.Status()
	var sb strings.Builder
	fmt.Fprintf(&sb, "connected=%v cycles=%d busy=%#x\n", st.Connected, st.Cycles, st.BusyChannels)
	for _, ch := range st.Channels {
		if !ch.Busy && ch.Queued == 0 && ch.Locks == 0 && ch.MacroDepth == 0 {
			continue
		}
		fmt.Fprintf(&sb, "  %-8s busy=%v queued=%d locks=%d macros=%d\n",
			ch.Channel, ch.Busy, ch.Queued, ch.Locks, ch.MacroDepth)
	}
	if j := c.machine.Job(); j.Printing() {
		state := "printing"
		if j.Paused() {
			state = "paused"
		}
		fmt.Fprintf(&sb, "  job: %s\n", state)
	}
	c.printf("%s", sb.String())
}
