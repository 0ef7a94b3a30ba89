// Package automation is the host-side half of the browser automation
// capability spec.md §1 lists among the Web-platform capabilities a guest
// can be granted, and which §1's Non-goals explicitly scope down to just
// its interface: "the individual Playwright action verbs" are deliberately
// out of scope. What IS in scope, and what this package provides, is the
// collaborator boundary: a Driver a guest action call forwards to, and a
// Profile describing the synthetic browser identity a new automation
// Context presents (so a driven browser looks like an ordinary desktop
// Chrome session rather than an obviously-headless one).
//
// Profile generation is adapted from the teacher's fingerprint/sensor.go,
// which already solved "produce a randomised but statistically plausible
// screen/navigator fingerprint" for a different purpose (Akamai sensor
// payloads). The mouse-path/canvas-hash/sequence-counter machinery that was
// specific to that purpose is dropped; the screen-resolution and
// navigator-property generation survives, repurposed as the profile a
// browser automation context launches with.
package automation

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Screen is a device screen/viewport geometry, adapted from
// fingerprint.ScreenInfo.
type Screen struct {
	Width       int
	Height      int
	AvailWidth  int
	AvailHeight int
	ColorDepth  int
	PixelDepth  int
}

// Navigator is the subset of navigator properties a launched browser context
// reports, adapted from fingerprint.NavigatorInfo.
type Navigator struct {
	Platform            string
	Language            string
	Languages           string
	HardwareConcurrency int
	MaxTouchPoints      int
}

// Profile is the synthetic browser identity a new automation Context
// presents to whatever it navigates to.
type Profile struct {
	Screen         Screen
	Navigator      Navigator
	TimezoneOffset int // minutes behind UTC, JS Date.getTimezoneOffset() convention
}

var commonScreens = []Screen{
	{1920, 1080, 1920, 1040, 24, 24},
	{1366, 768, 1366, 728, 24, 24},
	{1536, 864, 1536, 824, 24, 24},
	{1440, 900, 1440, 860, 24, 24},
	{1280, 720, 1280, 680, 24, 24},
}

var commonTimezoneOffsets = []int{0, -60, 300, 360, 420, 480}

var hwConcurrencyChoices = []int{4, 4, 8, 8, 12, 16}

// GenerateProfile produces a plausible desktop-Chrome profile. rng may be
// nil, in which case a source seeded from the current time is used.
func GenerateProfile(rng *rand.Rand) *Profile {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec G404
	}
	screen := commonScreens[rng.Intn(len(commonScreens))]
	return &Profile{
		Screen: screen,
		Navigator: Navigator{
			Platform:            "Win32",
			Language:            "en-US",
			Languages:           "en-US,en",
			HardwareConcurrency: hwConcurrencyChoices[rng.Intn(len(hwConcurrencyChoices))],
			MaxTouchPoints:      0,
		},
		TimezoneOffset: commonTimezoneOffsets[rng.Intn(len(commonTimezoneOffsets))],
	}
}

// Driver is the external collaborator spec.md §1/§2 describes only at its
// interface: whatever actually drives a browser (a real Playwright/CDP
// client, a remote automation farm, a test double) implements Do, receiving
// an opaque verb name and argument map and returning an opaque result. The
// verb vocabulary itself is out of scope.
type Driver interface {
	Do(ctx context.Context, verb string, args map[string]any) (any, error)
}

// ErrContextClosed is returned by Action once a Context's Close has run.
var ErrContextClosed = fmt.Errorf("automation: context closed")

// Context is one launched browser automation session: a Profile plus the
// Driver actions are forwarded to.
type Context struct {
	ID      uint64
	Profile *Profile

	mu     sync.Mutex
	driver Driver
	closed bool
}

// NewContext launches a Context bound to driver, presenting profile.
func NewContext(id uint64, profile *Profile, driver Driver) *Context {
	return &Context{ID: id, Profile: profile, driver: driver}
}

// Action forwards verb/args to the underlying Driver, matching the
// sync-wait-on-Promise discipline (spec.md §4.3) every other async
// capability in this bridge uses: the call blocks the calling goroutine
// until the driver answers.
func (c *Context) Action(ctx context.Context, verb string, args map[string]any) (any, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrContextClosed
	}
	driver := c.driver
	c.mu.Unlock()

	result, err := driver.Do(ctx, verb, args)
	if err != nil {
		return nil, fmt.Errorf("automation: action %q: %w", verb, err)
	}
	return result, nil
}

// Close marks the context closed. Idempotent; further Action calls fail
// with ErrContextClosed.
func (c *Context) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
