package merlin

import (
	"fmt"
	"strconv"
	"time"
)

// Typed accessors for the detector variables the acquisition workflow
// touches. Each is a thin wrapper over Get/Set with the API's spelling of
// the variable name and its unit conventions.

// Trigger source selectors for TRIGGERSTART and TRIGGERSTOP.
const (
	TriggerInternal   = 0
	TriggerRisingTTL  = 1
	TriggerFallingTTL = 2
)

func (c *Client) getInt(name string) (int, error) {
	s, err := c.Get(name)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("merlin: %s value %q: %w", name, s, err)
	}
	return v, nil
}

// Threshold0 reads the first energy threshold.
func (c *Client) Threshold0() (int, error) { return c.getInt("THRESHOLD0") }

// SetThreshold0 sets the first energy threshold.
func (c *Client) SetThreshold0(v int) error { return c.Set("THRESHOLD0", v) }

// CounterDepth reads the per-pixel counter bit depth.
func (c *Client) CounterDepth() (int, error) { return c.getInt("COUNTERDEPTH") }

// SetCounterDepth sets the per-pixel counter bit depth (1, 6, 12 or 24).
func (c *Client) SetCounterDepth(v int) error { return c.Set("COUNTERDEPTH", v) }

// SetAcquisitionTime sets the per-frame exposure. The API takes
// milliseconds.
func (c *Client) SetAcquisitionTime(d time.Duration) error {
	return c.Set("ACQUISITIONTIME", float64(d.Microseconds())/1000)
}

// SetAcquisitionPeriod sets the frame-to-frame period in milliseconds.
func (c *Client) SetAcquisitionPeriod(ms float64) error {
	return c.Set("ACQUISITIONPERIOD", ms)
}

// SetContinuousRW switches continuous read-write mode, which removes the
// readout dead time between frames.
func (c *Client) SetContinuousRW(on bool) error { return c.Set("CONTINUOUSRW", boolInt(on)) }

// SetRunHeadless disables the live image display for faster file writing.
func (c *Client) SetRunHeadless(on bool) error { return c.Set("RUNHEADLESS", boolInt(on)) }

// SetTriggerStart selects the acquisition start trigger source.
func (c *Client) SetTriggerStart(mode int) error { return c.Set("TRIGGERSTART", mode) }

// SetTriggerStop selects the acquisition stop trigger source.
func (c *Client) SetTriggerStop(mode int) error { return c.Set("TRIGGERSTOP", mode) }

// SetNumFramesToAcquire sets the total frame count for one acquisition.
func (c *Client) SetNumFramesToAcquire(n int) error { return c.Set("NUMFRAMESTOACQUIRE", n) }

// SetNumFramesPerTrigger sets how many frames each trigger edge produces.
func (c *Client) SetNumFramesPerTrigger(n int) error { return c.Set("NUMFRAMESPERTRIGGER", n) }

// SetFileDirectory points the frame-data file sink at a directory.
func (c *Client) SetFileDirectory(dir string) error { return c.Set("FILEDIRECTORY", dir) }

// SetFileName sets the base name for written frame data.
func (c *Client) SetFileName(name string) error { return c.Set("FILENAME", name) }

// SetFileEnable switches writing frame data to file.
func (c *Client) SetFileEnable(on bool) error { return c.Set("FILEENABLE", boolInt(on)) }

// SetSaveAllToFile writes every counter to file rather than the displayed
// one.
func (c *Client) SetSaveAllToFile(on bool) error { return c.Set("SAVEALLTOFILE", boolInt(on)) }

// SetTriggerOutTTL and SetTriggerOutLVDS select the outgoing trigger line
// modes.
func (c *Client) SetTriggerOutTTL(mode int) error  { return c.Set("TriggerOutTTL", mode) }
func (c *Client) SetTriggerOutLVDS(mode int) error { return c.Set("TriggerOutLVDS", mode) }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
