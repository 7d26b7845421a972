// Package serial emulates the transmit side of a 16550 UART at COM1, enough
// for a kernel to print over polled I/O.
package serial

import (
	"io"
	"sync"
)

const (
	COM1Addr = 0x03f8

	// lsrTHRE|lsrTEMT: the transmitter is always ready.
	lsrTHRE = 0x20
	lsrTEMT = 0x40
)

type Serial struct {
	IER byte
	LCR byte
	MCR byte
	SCR byte

	out       chan byte
	closeOnce sync.Once
}

func New() *Serial {
	return &Serial{
		out: make(chan byte, 4096),
	}
}

func (s *Serial) dlab() bool {
	return s.LCR&0x80 != 0
}

func (s *Serial) In(port uint64, values []byte) error {
	port -= COM1Addr

	switch {
	case port == 0 && !s.dlab():
		// RBR, nothing is ever received
		values[0] = 0
	case port == 0 && s.dlab():
		// DLL
		values[0] = 0xc // baud rate 9600
	case port == 1 && !s.dlab():
		values[0] = s.IER
	case port == 1 && s.dlab():
		// DLM
		values[0] = 0x0
	case port == 2:
		// IIR, no interrupt pending
		values[0] = 0x1
	case port == 3:
		values[0] = s.LCR
	case port == 4:
		values[0] = s.MCR
	case port == 5:
		// LSR
		values[0] = lsrTHRE | lsrTEMT
	case port == 6:
		// MSR
		values[0] = 0
	case port == 7:
		values[0] = s.SCR
	}

	return nil
}

func (s *Serial) Out(port uint64, values []byte) error {
	port -= COM1Addr

	switch {
	case port == 0 && !s.dlab():
		// THR
		s.out <- values[0]
	case port == 1 && !s.dlab():
		s.IER = values[0]
	case port == 3:
		s.LCR = values[0]
	case port == 4:
		s.MCR = values[0]
	case port == 7:
		s.SCR = values[0]
	}

	// DLL, DLM and FCR writes are accepted and ignored

	return nil
}

// Pump copies transmitted bytes to w until Close is called and the buffer is
// drained. After a write error the rest is discarded, so the UART never
// blocks the vCPU.
func (s *Serial) Pump(w io.Writer) error {
	var err error

	for b := range s.out {
		if err != nil {
			continue
		}

		_, err = w.Write([]byte{b})
	}

	return err
}

// Close ends Pump. Out must not be called afterwards.
func (s *Serial) Close() {
	s.closeOnce.Do(func() { close(s.out) })
}
