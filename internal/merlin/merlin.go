// Package merlin speaks the Medipix3 detector's TCP command API as exposed
// by the Merlin software. Every exchange is one request packet and one
// response packet on a persistent connection:
//
//	MPX,<10-digit length>,<TYPE>,<NAME>[,<args...>]
//
// where TYPE is GET, SET or CMD and the length field counts the bytes after
// its trailing comma plus one. Responses echo the command and append a
// status code.
package merlin

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	preamble = "MPX"

	// Responses fit comfortably in one packet; the command API never
	// streams on this socket.
	responseBuffer = 1000
)

// Status codes appended to every response.
var (
	// ErrBusy means the detector rejected the command because an
	// acquisition is in progress.
	ErrBusy = errors.New("merlin: system is busy")

	// ErrNotRecognised means the detector did not understand the command
	// name, usually a client-side bug.
	ErrNotRecognised = errors.New("merlin: command not recognised")

	// ErrOutOfRange means a SET argument fell outside the permitted range.
	ErrOutOfRange = errors.New("merlin: parameter out of range")
)

// Dialer opens the command connection. Swappable so tests can hand the
// client one end of an in-memory pipe.
type Dialer func(addr string) (net.Conn, error)

// Client is a connection to the Merlin command API. Not safe for concurrent
// use; the API itself serialises one command at a time.
type Client struct {
	addr string
	dial Dialer
	conn net.Conn
	buf  []byte
}

// Dial connects to the command API at addr (host:port).
func Dial(addr string) (*Client, error) {
	c := NewClient(addr, func(addr string) (net.Conn, error) {
		return net.DialTimeout("tcp", addr, 5*time.Second)
	})
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewClient creates a client that connects lazily through the given dialer.
func NewClient(addr string, dial Dialer) *Client {
	return &Client{
		addr: addr,
		dial: dial,
		buf:  make([]byte, responseBuffer),
	}
}

// Close tears down the command connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) connect() error {
	conn, err := c.dial(c.addr)
	if err != nil {
		return fmt.Errorf("merlin: connecting to %s: %w", c.addr, err)
	}
	c.conn = conn
	return nil
}

// encode builds the wire form of one command. The length field counts the
// joined TYPE,NAME,args body plus one, zero-padded to ten digits.
func encode(typ, name string, args ...string) string {
	body := typ + "," + name
	for _, a := range args {
		body += "," + a
	}
	return fmt.Sprintf("%s,%010d,%s", preamble, len(body)+1, body)
}

// roundTrip sends one command and reads its response, reconnecting and
// resending once if the connection has gone away underneath us.
func (c *Client) roundTrip(packet string) (string, error) {
	if c.conn == nil {
		if err := c.connect(); err != nil {
			return "", err
		}
	}

	n, err := c.exchange(packet)
	if err != nil {
		// One reconnect attempt covers the common case of the Merlin
		// software having been restarted between commands.
		c.Close()
		if err := c.connect(); err != nil {
			return "", err
		}
		if n, err = c.exchange(packet); err != nil {
			return "", fmt.Errorf("merlin: resend after reconnect: %w", err)
		}
	}
	return string(c.buf[:n]), nil
}

func (c *Client) exchange(packet string) (int, error) {
	if _, err := c.conn.Write([]byte(packet)); err != nil {
		return 0, err
	}
	return c.conn.Read(c.buf)
}

// checkResponse validates that a response echoes the command it answers and
// converts its trailing status code into an error.
func checkResponse(name, response string) error {
	if !strings.Contains(response, name) {
		return fmt.Errorf("merlin: response %q does not echo command %s", response, name)
	}
	switch response[len(response)-1] {
	case '0':
		return nil
	case '1':
		return fmt.Errorf("merlin: %s: %w", name, ErrBusy)
	case '2':
		return fmt.Errorf("merlin: %s: %w", name, ErrNotRecognised)
	case '3':
		return fmt.Errorf("merlin: %s: %w", name, ErrOutOfRange)
	default:
		return fmt.Errorf("merlin: %s: unexpected response %q", name, response)
	}
}

// Get reads a named variable and returns its value as a string.
func (c *Client) Get(name string) (string, error) {
	response, err := c.roundTrip(encode("GET", name))
	if err != nil {
		return "", err
	}
	if err := checkResponse(name, response); err != nil {
		return "", err
	}
	// MPX,<len>,GET,<NAME>,<value>,<status>
	parts := strings.Split(response, ",")
	if len(parts) < 6 {
		return "", fmt.Errorf("merlin: malformed GET response %q", response)
	}
	return strings.Join(parts[4:len(parts)-1], ","), nil
}

// Set writes a named variable.
func (c *Client) Set(name string, value interface{}) error {
	response, err := c.roundTrip(encode("SET", name, fmt.Sprint(value)))
	if err != nil {
		return err
	}
	return checkResponse(name, response)
}

// Cmd executes a named command.
func (c *Client) Cmd(name string) error {
	response, err := c.roundTrip(encode("CMD", name))
	if err != nil {
		return err
	}
	return checkResponse(name, response)
}

// SoftwareVersion reports the Merlin software version string.
func (c *Client) SoftwareVersion() (string, error) {
	return c.Get("SOFTWAREVERSION")
}

// StartAcquisition arms the detector; with an external start trigger it
// waits for the scan engine, with an internal trigger it begins immediately.
func (c *Client) StartAcquisition() error {
	return c.Cmd("STARTACQUISITION")
}

// StopAcquisition stops a running acquisition after flushing frame buffers.
func (c *Client) StopAcquisition() error {
	return c.Cmd("STOPACQUISITION")
}

// Abort stops a running acquisition and discards buffered frames.
func (c *Client) Abort() error {
	return c.Cmd("ABORT")
}

// SoftTrigger fires a software trigger into an armed acquisition.
func (c *Client) SoftTrigger() error {
	return c.Cmd("SOFTTRIGGER")
}

// SetupParams collects the detector settings applied before a synchronised
// scan.
type SetupParams struct {
	// Threshold0 is the first energy threshold in keV-equivalent DAC units.
	Threshold0 int

	// CounterDepth is the per-pixel counter bit depth (1, 6, 12 or 24).
	CounterDepth int

	// DwellTime is the per-pixel dwell time; the detector frame time is
	// matched to it so one detector frame lands per scan pixel.
	DwellTime time.Duration

	// ImageSize is the scan edge length in pixels. The detector acquires
	// one row of frames per trigger and ImageSize^2 frames in total.
	ImageSize int

	// FileDirectory and FileName choose where the Merlin software streams
	// the frame data.
	FileDirectory string
	FileName      string
}

// Setup configures the detector for a pixel-synchronised scan: headless
// continuous read-write at the scan's dwell time, rising-edge TTL start
// trigger from the scan engine, frames streamed straight to file. One
// detector frame lands per scan pixel, one trigger per scan row.
func (c *Client) Setup(p SetupParams) error {
	steps := []func() error{
		func() error { return c.SetThreshold0(p.Threshold0) },
		func() error { return c.SetRunHeadless(true) },
		func() error { return c.SetFileDirectory(p.FileDirectory) },
		func() error { return c.SetFileEnable(true) },
		func() error { return c.SetSaveAllToFile(true) },
		func() error { return c.SetFileName(p.FileName) },
		func() error { return c.SetCounterDepth(p.CounterDepth) },
		func() error { return c.SetContinuousRW(true) },
		func() error { return c.SetAcquisitionTime(p.DwellTime) },
		func() error { return c.SetTriggerStart(TriggerRisingTTL) },
		func() error { return c.SetTriggerStop(TriggerInternal) },
		func() error { return c.SetNumFramesPerTrigger(p.ImageSize) },
		func() error { return c.SetNumFramesToAcquire(p.ImageSize * p.ImageSize) },
		func() error { return c.SetTriggerOutTTL(0) },
		func() error { return c.SetTriggerOutLVDS(0) },
		func() error { return c.SetAcquisitionPeriod(1.5) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("merlin: setup: %w", err)
		}
	}
	return nil
}
