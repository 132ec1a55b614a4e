package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

const defaultSerialReadTimeout = 300 * time.Millisecond

var openPort = func(name string, mode *serial.Mode) (serial.Port, error) {
	return serial.Open(name, mode)
}

// SerialSource reads scans from a serial (USB CDC) barcode scanner that
// terminates each code with CR or LF.
type SerialSource struct {
	portName string
	baudRate int

	mu     sync.Mutex
	port   serial.Port
	reader *chunkReader
}

func NewSerialSource(portName string, baudRate int) *SerialSource {
	return &SerialSource{
		portName: portName,
		baudRate: baudRate,
	}
}

func (s *SerialSource) Name() string {
	return "serial:" + s.portName
}

func (s *SerialSource) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

func (s *SerialSource) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.portName == "" {
		return errors.New("serial port is empty")
	}
	if s.baudRate <= 0 {
		return fmt.Errorf("invalid serial baud rate: %d", s.baudRate)
	}

	port, err := openPort(s.portName, &serial.Mode{BaudRate: s.baudRate})
	if err != nil {
		return fmt.Errorf("open serial port %q: %w", s.portName, err)
	}
	if err := port.SetReadTimeout(defaultSerialReadTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("set serial read timeout: %w", err)
	}
	s.port = port
	s.reader = newChunkReader(port, 1024)

	return nil
}

func (s *SerialSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.reader = nil
	return err
}

func (s *SerialSource) ReadScan(ctx context.Context) (string, error) {
	reader, err := s.currentReader()
	if err != nil {
		return "", err
	}

	return reader.readLine(ctx, MaxLineLen)
}

func (s *SerialSource) currentReader() (*chunkReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		return nil, errors.New("scanner is not connected")
	}
	return s.reader, nil
}

// ListPorts returns the serial ports present on this machine.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}
