// Package macro reads G-code files line by line for the scheduler. The same
// reader serves firmware-requested macros, the startup config file and the
// file being printed.
package macro

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"dcs-spi-go/pkg/errors"
	"dcs-spi-go/pkg/gcode"
)

// File is an open G-code file on one channel. It is not safe for concurrent
// use; the scheduler loop or the print job owns it.
type File struct {
	name    string
	path    string
	channel gcode.Channel
	flags   gcode.Flags

	file     *os.File
	reader   *bufio.Reader
	position int64
	line     int
	aborted  bool
}

// Open opens path for channel. name is the file name as requested and is
// used in log messages. Codes of a macro carry the FromMacro flag.
func Open(path, name string, channel gcode.Channel, isMacro bool) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	m := &File{
		name:    name,
		path:    path,
		channel: channel,
		file:    f,
		reader:  bufio.NewReader(f),
	}
	if isMacro {
		m.flags = gcode.FromMacro
	}
	return m, nil
}

// Name returns the requested file name
func (m *File) Name() string { return m.name }

// Path returns the resolved file path
func (m *File) Path() string { return m.path }

// Channel returns the channel the file runs on
func (m *File) Channel() gcode.Channel { return m.channel }

// Position returns the offset of the next line to be read
func (m *File) Position() int64 { return m.position }

// Line returns the number of the last line read
func (m *File) Line() int { return m.line }

// Aborted reports whether Abort was called
func (m *File) Aborted() bool { return m.aborted }

// ReadCode returns the next code of the file. Blank and comment-only lines
// are skipped. At the end of the file, or once aborted, it returns io.EOF.
// A line that cannot be parsed yields a COMMAND error; reading may continue
// with the next line.
func (m *File) ReadCode() (*gcode.Command, error) {
	for {
		if m.aborted {
			return nil, io.EOF
		}
		start := m.position
		text, err := m.reader.ReadString('\n')
		m.position += int64(len(text))
		if text == "" && err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read %s: %w", m.name, err)
		}
		m.line++

		cmd, perr := gcode.ParseCode(m.channel, strings.TrimRight(text, "\r\n"))
		if perr != nil {
			return nil, errors.CommandError(m.channel.String(), perr).
				SetContext("file", m.name).
				SetContext("line", m.line)
		}
		if cmd == nil {
			continue
		}
		cmd.FilePosition = uint32(start)
		cmd.HasFilePosition = true
		cmd.Flags |= m.flags
		return cmd, nil
	}
}

// Seek moves the reader to an absolute file offset
func (m *File) Seek(position int64) error {
	if m.file == nil {
		return fmt.Errorf("seek %s: file closed", m.name)
	}
	if _, err := m.file.Seek(position, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w", m.name, err)
	}
	m.reader.Reset(m.file)
	m.position = position
	return nil
}

// Abort makes every further read report the end of the file
func (m *File) Abort() {
	m.aborted = true
}

// Close aborts the file and releases its handle
func (m *File) Close() error {
	m.aborted = true
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}
