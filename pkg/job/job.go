// Package job tracks the file being printed. The scheduler pulls the
// print's codes on the File channel; the firmware pauses it and the user
// resumes or cancels it.
package job

import (
	"fmt"
	"io"
	"os"
	"sync"

	"dcs-spi-go/pkg/errors"
	"dcs-spi-go/pkg/gcode"
	"dcs-spi-go/pkg/log"
	"dcs-spi-go/pkg/macro"
	"dcs-spi-go/pkg/model"
	"dcs-spi-go/pkg/protocol"
)

// StartMacro runs on the File channel before every print when it exists
const StartMacro = "start.g"

// Notifier receives the print notices the firmware must be told about
type Notifier interface {
	NotifyPrintStarted(info protocol.PrintStarted)
	NotifyPrintStopped(reason protocol.PrintStoppedReason)
}

// Job is the print job. All methods are safe for concurrent use.
type Job struct {
	mu       sync.Mutex
	notifier Notifier
	resolver *macro.Resolver
	model    *model.Model
	logger   *log.Logger

	start    *macro.File
	file     *macro.File
	paused   bool
	pausePos int64
}

// New creates an idle job
func New(n Notifier, r *macro.Resolver, m *model.Model) *Job {
	return &Job{
		notifier: n,
		resolver: r,
		model:    m,
		logger:   log.GetLogger("job"),
	}
}

// Start begins printing name, a file in the print directory
func (j *Job) Start(name string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		return errors.New(errors.ErrCommand, "a file is already being printed").SetOp("start print")
	}

	p := j.resolver.Job(name)
	st, err := os.Stat(p)
	if err != nil {
		return errors.Wrap(err, errors.ErrCommand, fmt.Sprintf("cannot print %s", name)).SetOp("start print")
	}
	f, err := macro.Open(p, name, gcode.File, false)
	if err != nil {
		return errors.Wrap(err, errors.ErrCommand, fmt.Sprintf("cannot print %s", name)).SetOp("start print")
	}

	if sp, _, err := j.resolver.Macro(StartMacro); err == nil {
		if j.start, err = macro.Open(sp, StartMacro, gcode.File, true); err != nil {
			j.logger.Warn("Cannot open %s: %v", StartMacro, err)
		}
	}

	j.file = f
	j.paused = false
	info := model.FileInfo{Path: name, Size: st.Size(), LastModified: st.ModTime()}
	j.model.UpdateJob(func(job *model.Job) {
		job.File = &info
		job.FilePosition = 0
		job.Paused = false
	})
	j.logger.Info("Started printing %s", name)
	j.notifier.NotifyPrintStarted(protocol.PrintStarted{
		Filename:     name,
		FileSize:     uint32(st.Size()),
		LastModified: uint64(st.ModTime().Unix()),
	})
	return nil
}

// Printing reports whether a file is being printed
func (j *Job) Printing() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file != nil
}

// Paused reports whether the print is paused
func (j *Job) Paused() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.paused
}

// ReadCode returns the next code to print. It returns nil without error
// when there is nothing to do: no print, a paused print, or the print just
// ended. A parse error of one line is returned and reading continues with
// the next line on the following call.
func (j *Job) ReadCode() (*gcode.Command, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil || j.paused {
		return nil, nil
	}

	if j.start != nil {
		cmd, err := j.start.ReadCode()
		if err != io.EOF {
			return cmd, err
		}
		j.start.Close()
		j.start = nil
	}

	cmd, err := j.file.ReadCode()
	switch {
	case err == io.EOF:
		reason := protocol.PrintStoppedNormalCompletion
		if j.file.Aborted() {
			reason = protocol.PrintStoppedAbort
		}
		j.finish(reason)
		return nil, nil
	case err != nil:
		return nil, err
	}
	pos := cmd.FilePosition
	j.model.UpdateJob(func(job *model.Job) { job.FilePosition = pos })
	return cmd, nil
}

// Pause stops feeding codes and rewinds to the position the firmware
// reported, so the first code not executed is read again on resume
func (j *Job) Pause(position uint32) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return
	}
	j.paused = true
	j.pausePos = int64(position)
	if err := j.file.Seek(j.pausePos); err != nil {
		j.logger.Error("Cannot rewind print: %v", err)
	}
	j.model.UpdateJob(func(job *model.Job) {
		job.Paused = true
		job.FilePosition = position
	})
	j.logger.Info("Print paused at byte %d", position)
}

// Resume continues a paused print
func (j *Job) Resume() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil || !j.paused {
		return errors.New(errors.ErrCommand, "print is not paused").SetOp("resume print")
	}
	j.paused = false
	j.model.UpdateJob(func(job *model.Job) { job.Paused = false })
	j.logger.Info("Print resumed")
	return nil
}

// Cancel stops the print on behalf of the user
func (j *Job) Cancel() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return errors.New(errors.ErrCommand, "not printing").SetOp("cancel print")
	}
	j.finish(protocol.PrintStoppedUserCancelled)
	return nil
}

// Abort stops the print because the firmware closed its file. A paused
// print counts as cancelled by the user.
func (j *Job) Abort() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return
	}
	reason := protocol.PrintStoppedAbort
	if j.paused {
		reason = protocol.PrintStoppedUserCancelled
	}
	j.finish(reason)
}

// Invalidate drops the print without telling the firmware, which has
// already forgotten it after a reset
func (j *Job) Invalidate() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return
	}
	j.close()
	j.model.UpdateJob(func(job *model.Job) {
		job.File = nil
		job.Paused = false
	})
	j.logger.Warn("Print abandoned")
}

func (j *Job) finish(reason protocol.PrintStoppedReason) {
	name := j.file.Name()
	j.close()
	j.model.UpdateJob(func(job *model.Job) {
		job.File = nil
		job.Paused = false
	})
	j.logger.Info("Finished printing %s (%s)", name, reason)
	j.notifier.NotifyPrintStopped(reason)
}

func (j *Job) close() {
	if j.start != nil {
		j.start.Close()
		j.start = nil
	}
	j.file.Close()
	j.file = nil
	j.paused = false
}
