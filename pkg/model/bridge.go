package model

import (
	"dcs-spi-go/pkg/log"
	"dcs-spi-go/pkg/protocol"
)

const (
	// BaseModule is requested whenever nothing more specific is needed
	BaseModule uint8 = 2
	// DetailModule is requested after a base module update while printing
	DetailModule uint8 = 3
)

// Bridge applies object model fragments from the firmware and decides
// which module to request next. It is only used from the scheduler loop.
type Bridge struct {
	model  *Model
	next   uint8
	logger *log.Logger
}

// NewBridge creates a bridge writing to m
func NewBridge(m *Model) *Bridge {
	return &Bridge{
		model:  m,
		next:   BaseModule,
		logger: log.GetLogger("model"),
	}
}

// Model returns the document the bridge writes to
func (b *Bridge) Model() *Model {
	return b.model
}

// Apply merges a fragment. halted is true when the firmware now reports
// the halted status, in which case all pending work must be invalidated.
func (b *Bridge) Apply(fragment protocol.ObjectModel) (halted bool, err error) {
	status, err := b.model.Merge(fragment.JSON)
	if err != nil {
		b.logger.WithField("module", fragment.Module).WithError(err).Warn("Discarding object model fragment")
		b.next = BaseModule
		return false, err
	}

	switch {
	case status == StatusHalted:
		b.next = BaseModule
		return true, nil
	case fragment.Module == BaseModule && status == StatusProcessing:
		b.next = DetailModule
	default:
		b.next = BaseModule
	}
	return false, nil
}

// NextModule is the module to request in the next transfer
func (b *Bridge) NextModule() uint8 {
	return b.next
}

// Reset makes the next request ask for the base module again
func (b *Bridge) Reset() {
	b.next = BaseModule
}
