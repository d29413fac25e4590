// Package client is included in a program to provide secure, automated
// checks for package updates. It uses the tuf package to drive The Update
// Framework's check-for-updates protocol against a repository mirror, and
// hands verified package bytes to the caller.
//
// See TUF Spec https://theupdateframework.io/
package client

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/tuftrust/client/tuf"
)

// EventType classifies entries pushed to Events during a refresh cycle.
type EventType int

const (
	// InfoType indicates an event is routine.
	InfoType EventType = iota
	ErrorType
)

// Event describes one occurrence during a refresh cycle.
type Event struct {
	Time        time.Time
	Description string
	Type        EventType
}

// Events collects everything that happened during one refresh cycle.
type Events struct {
	History []Event
}

func (evts *Events) push(now time.Time, evtType EventType, format string, args ...interface{}) {
	evts.History = append(evts.History, Event{now, fmt.Sprintf(format, args...), evtType})
}

// NotificationHandler is invoked after every refresh cycle with the
// events collected during it.
type NotificationHandler func(evts Events)

const defaultCheckFrequency = 1 * time.Hour
const minimumCheckFrequency = 10 * time.Minute

// ErrCheckFrequency is returned by New when the supplied check frequency
// is too small.
var ErrCheckFrequency = fmt.Errorf("Frequency value must be %q or greater", minimumCheckFrequency)

// Client periodically refreshes trust in a remote repository and serves
// verified package downloads. Update/install of the downloaded bytes is
// the caller's responsibility — this package delivers verified bytes and
// stops there.
type Client struct {
	engine              *tuf.Engine
	ticker              *time.Ticker
	done                chan struct{}
	checkFrequency      time.Duration
	notificationHandler NotificationHandler
}

type updateDuration time.Duration

// Frequency changes how often the client checks for updates. Pass it to
// New. The minimum is 10 minutes.
func Frequency(duration time.Duration) func() interface{} {
	return func() interface{} { return updateDuration(duration) }
}

// WantNotifications registers a callback that collects information about
// each refresh cycle. Pass it to New.
func WantNotifications(hnd NotificationHandler) func() interface{} {
	return func() interface{} { return hnd }
}

// New creates a Client driving engine. By default it checks for updates
// every hour; pass Frequency to change that, and WantNotifications to
// receive logging information about refresh cycles.
func New(engine *tuf.Engine, opts ...func() interface{}) (*Client, error) {
	if engine == nil {
		return nil, errors.New("creating client: engine must not be nil")
	}
	c := Client{
		engine:         engine,
		checkFrequency: defaultCheckFrequency,
	}
	for _, opt := range opts {
		switch t := opt().(type) {
		case updateDuration:
			c.checkFrequency = time.Duration(t)
		case NotificationHandler:
			c.notificationHandler = t
		}
	}
	if c.checkFrequency < minimumCheckFrequency {
		return nil, ErrCheckFrequency
	}
	return &c, nil
}

// Start begins periodic background refresh checks.
func (c *Client) Start() {
	c.ticker = time.NewTicker(c.checkFrequency)
	c.done = make(chan struct{})
	go c.run(c.ticker.C, c.done)
}

// Stop disables periodic refresh checks.
func (c *Client) Stop() {
	if c.ticker != nil {
		c.ticker.Stop()
	}
	if c.done != nil {
		c.done <- struct{}{}
	}
}

func (c *Client) run(ticker <-chan time.Time, done <-chan struct{}) {
	for {
		select {
		case now := <-ticker:
			c.refreshOnce(now)
		case <-done:
			return
		}
	}
}

func (c *Client) refreshOnce(now time.Time) {
	var events Events
	defer func() {
		if c.notificationHandler != nil {
			c.notificationHandler(events)
		}
	}()

	events.push(now, InfoType, "start check for updates")
	if err := c.engine.Refresh(context.Background()); err != nil {
		events.push(now, ErrorType, "refresh failed: %q", err)
		return
	}
	events.push(now, InfoType, "refresh complete")
}

// Download verifies name/version's per-package metadata against the root
// trusted by the most recent refresh, locates the named target within it,
// fetches the bytes the transport mirrors, verifies them against the
// binding file-info, and streams them to dst. Refresh must have completed
// successfully at least once before Download is called.
func (c *Client) Download(ctx context.Context, name, version string, dst io.Writer) error {
	root, err := c.engine.ReadTargets(name, version)
	if err != nil {
		return errors.Wrap(err, "reading package targets")
	}

	targetPath := fmt.Sprintf("%s-%s.tar.gz", name, version)
	fi, ok := root.Lookup(targetPath)
	if !ok {
		return errors.Errorf("no target named %q for %s/%s", targetPath, name, version)
	}

	return c.engine.DownloadTarget(ctx, tuf.RemotePkgTarGz{
		Name:    name,
		Version: version,
		Length:  fi.Length,
	}, fi, dst)
}
