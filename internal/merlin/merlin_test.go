package merlin

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		typ  string
		cmd  string
		args []string
		want string
	}{
		{"get", "GET", "SOFTWAREVERSION", nil, "MPX,0000000020,GET,SOFTWAREVERSION"},
		{"set", "SET", "COUNTERDEPTH", []string{"6"}, "MPX,0000000019,SET,COUNTERDEPTH,6"},
		{"cmd", "CMD", "STARTACQUISITION", nil, "MPX,0000000021,CMD,STARTACQUISITION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := encode(tt.typ, tt.cmd, tt.args...); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

// serve runs a scripted command API on one end of a pipe: for every request
// it calls respond with the request text and writes back the result.
func serve(conn net.Conn, respond func(req string) string) {
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if _, err := conn.Write([]byte(respond(string(buf[:n])))); err != nil {
				return
			}
		}
	}()
}

// okResponder echoes any command back with status 0, inserting a value for
// GETs.
func okResponder(values map[string]string) func(string) string {
	return func(req string) string {
		parts := strings.Split(req, ",")
		typ, name := parts[2], parts[3]
		if typ == "GET" {
			return fmt.Sprintf("MPX,0000000000,GET,%s,%s,0", name, values[name])
		}
		return fmt.Sprintf("MPX,0000000000,%s,%s,0", typ, name)
	}
}

// pipeClient builds a client whose dialer hands out fresh pipe ends served
// by the given responder.
func pipeClient(respond func(string) string) *Client {
	return NewClient("sim", func(addr string) (net.Conn, error) {
		client, server := net.Pipe()
		serve(server, respond)
		return client, nil
	})
}

func TestGetReturnsValue(t *testing.T) {
	c := pipeClient(okResponder(map[string]string{"COUNTERDEPTH": "6"}))
	defer c.Close()

	got, err := c.Get("COUNTERDEPTH")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got != "6" {
		t.Errorf("expected value 6, got %q", got)
	}
}

func TestTypedGettersParseValues(t *testing.T) {
	c := pipeClient(okResponder(map[string]string{
		"THRESHOLD0":   "40",
		"COUNTERDEPTH": "6",
	}))
	defer c.Close()

	if got, err := c.Threshold0(); err != nil || got != 40 {
		t.Errorf("Threshold0: expected 40, got %d (err %v)", got, err)
	}
	if got, err := c.CounterDepth(); err != nil || got != 6 {
		t.Errorf("CounterDepth: expected 6, got %d (err %v)", got, err)
	}
}

func TestTypedGetterRejectsGarbage(t *testing.T) {
	c := pipeClient(okResponder(map[string]string{"THRESHOLD0": "soon"}))
	defer c.Close()

	if _, err := c.Threshold0(); err == nil {
		t.Error("expected a parse error for a non-numeric value")
	}
}

func TestStatusCodes(t *testing.T) {
	tests := []struct {
		status  string
		wantErr error
	}{
		{"1", ErrBusy},
		{"2", ErrNotRecognised},
		{"3", ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run("status "+tt.status, func(t *testing.T) {
			c := pipeClient(func(req string) string {
				return "MPX,0000000000,CMD,STARTACQUISITION," + tt.status
			})
			defer c.Close()

			if err := c.StartAcquisition(); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestResponseMustEchoCommand(t *testing.T) {
	c := pipeClient(func(req string) string {
		return "MPX,0000000000,CMD,SOMETHINGELSE,0"
	})
	defer c.Close()

	if err := c.Abort(); err == nil {
		t.Fatal("expected an error for a response answering a different command")
	}
}

func TestReconnectResendsOnce(t *testing.T) {
	var mu sync.Mutex
	dials := 0

	c := NewClient("sim", func(addr string) (net.Conn, error) {
		mu.Lock()
		dials++
		first := dials == 1
		mu.Unlock()

		client, server := net.Pipe()
		if first {
			// The first connection dies before it answers anything,
			// as if the Merlin software restarted.
			client.Close()
			server.Close()
			return client, nil
		}
		serve(server, okResponder(nil))
		return client, nil
	})
	defer c.Close()

	if err := c.Cmd("STOPACQUISITION"); err != nil {
		t.Fatalf("expected the retry to succeed, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if dials != 2 {
		t.Errorf("expected exactly 2 dials, got %d", dials)
	}
}

func TestSetupAppliesAllSettings(t *testing.T) {
	var mu sync.Mutex
	var names []string

	c := pipeClient(func(req string) string {
		parts := strings.Split(req, ",")
		mu.Lock()
		names = append(names, parts[3])
		mu.Unlock()
		return fmt.Sprintf("MPX,0000000000,%s,%s,0", parts[2], parts[3])
	})
	defer c.Close()

	err := c.Setup(SetupParams{
		Threshold0:    40,
		CounterDepth:  6,
		DwellTime:     500 * 1000, // 500 us
		ImageSize:     256,
		FileDirectory: "/data",
		FileName:      "default",
	})
	if err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(names) != 16 {
		t.Fatalf("expected 16 settings applied, got %d", len(names))
	}
	if names[0] != "THRESHOLD0" {
		t.Errorf("expected THRESHOLD0 first, got %s", names[0])
	}
	want := map[string]bool{
		"COUNTERDEPTH": true, "CONTINUOUSRW": true, "ACQUISITIONTIME": true,
		"TRIGGERSTART": true, "NUMFRAMESTOACQUIRE": true, "FILEDIRECTORY": true,
	}
	for _, n := range names {
		delete(want, n)
	}
	if len(want) != 0 {
		t.Errorf("settings never applied: %v", want)
	}
}

func TestSetupStopsOnFirstFailure(t *testing.T) {
	c := pipeClient(func(req string) string {
		parts := strings.Split(req, ",")
		if parts[3] == "COUNTERDEPTH" {
			return fmt.Sprintf("MPX,0000000000,%s,%s,3", parts[2], parts[3])
		}
		return fmt.Sprintf("MPX,0000000000,%s,%s,0", parts[2], parts[3])
	})
	defer c.Close()

	err := c.Setup(SetupParams{Threshold0: 40, CounterDepth: 99, ImageSize: 256})
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}
