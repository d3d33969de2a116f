// Package model holds the machine object model shared between the SPI
// connector and its clients.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"dcs-spi-go/pkg/gcode"
)

// Status is the machine status reported under state.status
type Status string

const (
	StatusOff        Status = "off"
	StatusStarting   Status = "starting"
	StatusIdle       Status = "idle"
	StatusBusy       Status = "busy"
	StatusProcessing Status = "processing"
	StatusPausing    Status = "pausing"
	StatusPaused     Status = "paused"
	StatusResuming   Status = "resuming"
	StatusCancelling Status = "cancelling"
	StatusSimulating Status = "simulating"
	StatusHalted     Status = "halted"
	StatusUpdating   Status = "updating"
)

// ChannelState mirrors the firmware's G-code stack of one channel
type ChannelState struct {
	StackDepth          uint8   `json:"stackDepth"`
	RelativeExtrusion   bool    `json:"relativeExtrusion"`
	RelativePositioning bool    `json:"relativePositioning"`
	UsingInches         bool    `json:"usingInches"`
	Feedrate            float32 `json:"feedrate"`
}

// FileInfo describes the file being printed
type FileInfo struct {
	Path             string    `json:"fileName"`
	Size             int64     `json:"size"`
	LastModified     time.Time `json:"lastModified"`
	FirstLayerHeight float32   `json:"firstLayerHeight"`
	LayerHeight      float32   `json:"layerHeight"`
	Height           float32   `json:"height"`
	Filament         []float32 `json:"filament"`
	GeneratedBy      string    `json:"generatedBy"`
	PrintTime        uint32    `json:"printTime"`
	SimulatedTime    uint32    `json:"simulatedTime"`
}

// Job is the print job state
type Job struct {
	File         *FileInfo `json:"file"`
	FilePosition uint32    `json:"filePosition"`
	Paused       bool      `json:"paused"`
}

// Message is a firmware or host message not bound to a single code
type Message struct {
	Type    string    `json:"type"`
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
}

const maxMessages = 64

// Model is the shared object model document. Fragments from the firmware
// are merged into a generic JSON tree; the fields the connector itself
// writes are kept typed and rendered into the tree on demand.
type Model struct {
	mu       sync.RWMutex
	doc      map[string]interface{}
	status   Status
	channels [gcode.NumChannels]ChannelState
	job      Job
	busy     uint32
	messages []Message

	subMu       sync.Mutex
	subscribers map[chan []byte]struct{}
}

// New returns an empty model with status off
func New() *Model {
	return &Model{
		doc:         make(map[string]interface{}),
		status:      StatusOff,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Status returns the machine status
func (m *Model) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// SetStatus overrides the machine status
func (m *Model) SetStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
	m.publish(map[string]interface{}{"state": map[string]interface{}{"status": string(s)}})
}

// Merge applies a JSON object fragment. Objects are merged recursively,
// any other value replaces what was there. It returns the status after
// the merge.
func (m *Model) Merge(fragment []byte) (Status, error) {
	var patch map[string]interface{}
	if err := json.Unmarshal(fragment, &patch); err != nil {
		return m.Status(), fmt.Errorf("invalid object model fragment: %w", err)
	}

	m.mu.Lock()
	mergeInto(m.doc, patch)
	if st, ok := lookupString(m.doc, "state", "status"); ok {
		m.status = Status(strings.ToLower(st))
	}
	status := m.status
	m.mu.Unlock()

	m.publish(patch)
	return status, nil
}

func mergeInto(dst, src map[string]interface{}) {
	for k, v := range src {
		if sub, ok := v.(map[string]interface{}); ok {
			if existing, ok := dst[k].(map[string]interface{}); ok {
				mergeInto(existing, sub)
				continue
			}
			copied := make(map[string]interface{}, len(sub))
			mergeInto(copied, sub)
			dst[k] = copied
			continue
		}
		dst[k] = v
	}
}

func lookupString(doc map[string]interface{}, path ...string) (string, bool) {
	var cur interface{} = doc
	for _, p := range path {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return "", false
		}
		cur = obj[p]
	}
	s, ok := cur.(string)
	return s, ok
}

// Channel returns the stack state of a channel
func (m *Model) Channel(c gcode.Channel) ChannelState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[c]
}

// SetChannel stores the stack state of a channel
func (m *Model) SetChannel(c gcode.Channel, st ChannelState) {
	m.mu.Lock()
	m.channels[c] = st
	m.mu.Unlock()
	m.publish(map[string]interface{}{"channels": map[string]interface{}{c.String(): st}})
}

// BusyChannels returns the last busy mask reported by the firmware
func (m *Model) BusyChannels() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.busy
}

// SetBusyChannels records the busy mask reported by the firmware
func (m *Model) SetBusyChannels(mask uint32) {
	m.mu.Lock()
	m.busy = mask
	m.mu.Unlock()
}

// Job returns a copy of the job state
func (m *Model) Job() Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.job
}

// UpdateJob mutates the job state under the write lock
func (m *Model) UpdateJob(fn func(j *Job)) {
	m.mu.Lock()
	fn(&m.job)
	job := m.job
	m.mu.Unlock()
	m.publish(map[string]interface{}{"job": job})
}

// AddMessage appends a generic message, dropping the oldest beyond a limit
func (m *Model) AddMessage(typ, content string) {
	msg := Message{Type: typ, Content: content, Time: time.Now()}
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	if len(m.messages) > maxMessages {
		m.messages = append([]Message(nil), m.messages[len(m.messages)-maxMessages:]...)
	}
	m.mu.Unlock()
	m.publish(map[string]interface{}{"messages": []Message{msg}})
}

// Messages returns the buffered generic messages
func (m *Model) Messages() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Message(nil), m.messages...)
}

// MarshalJSON renders the full document including the typed fields
func (m *Model) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]interface{}, len(m.doc)+4)
	for k, v := range m.doc {
		out[k] = v
	}
	state := map[string]interface{}{}
	if existing, ok := m.doc["state"].(map[string]interface{}); ok {
		for k, v := range existing {
			state[k] = v
		}
	}
	state["status"] = string(m.status)
	state["busyChannels"] = m.busy
	out["state"] = state

	channels := make(map[string]ChannelState, gcode.NumChannels)
	for _, c := range gcode.Channels() {
		channels[c.String()] = m.channels[c]
	}
	out["channels"] = channels
	out["job"] = m.job
	out["messages"] = m.messages
	return json.Marshal(out)
}

// Subscribe returns a channel receiving the JSON of every applied patch.
// Slow subscribers miss patches rather than block writers.
func (m *Model) Subscribe(buffer int) (<-chan []byte, func()) {
	ch := make(chan []byte, buffer)
	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subscribers, ch)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

func (m *Model) publish(patch interface{}) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if len(m.subscribers) == 0 {
		return
	}
	data, err := json.Marshal(patch)
	if err != nil {
		return
	}
	for ch := range m.subscribers {
		select {
		case ch <- data:
		default:
		}
	}
}
