package spi

import "unsafe"

// Linux ioctl request encoding
const (
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

// spiIocTransfer mirrors struct spi_ioc_transfer
type spiIocTransfer struct {
	txBuf          uint64
	rxBuf          uint64
	length         uint32
	speedHz        uint32
	delayUsecs     uint16
	bitsPerWord    uint8
	csChange       uint8
	txNbits        uint8
	rxNbits        uint8
	wordDelayUsecs uint8
	pad            uint8
}

// gpioEventRequest mirrors struct gpioevent_request
type gpioEventRequest struct {
	lineOffset    uint32
	handleFlags   uint32
	eventFlags    uint32
	consumerLabel [32]byte
	fd            int32
}

// gpioHandleData mirrors struct gpiohandle_data
type gpioHandleData struct {
	values [64]uint8
}

// gpioEventDataSize is sizeof(struct gpioevent_data) on 64-bit kernels
const gpioEventDataSize = 16

const (
	spiIocMagic  = 'k'
	gpioIocMagic = 0xB4

	gpioHandleRequestInput = 1 << 0
	gpioEventRequestRising = 1 << 0
	gpioConsumerLabel      = "dcs-spi transfer ready"
)

var (
	spiIocMessage1      = ioc(iocWrite, spiIocMagic, 0, unsafe.Sizeof(spiIocTransfer{}))
	spiIocWrMode        = ioc(iocWrite, spiIocMagic, 1, 1)
	spiIocWrBitsPerWord = ioc(iocWrite, spiIocMagic, 3, 1)
	spiIocWrMaxSpeedHz  = ioc(iocWrite, spiIocMagic, 4, 4)
	gpioGetLineEvent    = ioc(iocRead|iocWrite, gpioIocMagic, 0x04, unsafe.Sizeof(gpioEventRequest{}))
	gpioHandleGetValues = ioc(iocRead|iocWrite, gpioIocMagic, 0x08, unsafe.Sizeof(gpioHandleData{}))
)
