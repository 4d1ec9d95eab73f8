// Package mpris publishes the playback session on the session bus as an
// MPRIS media player, so media keys and desktop widgets can drive the feed.
package mpris

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/genricoloni/reeld/internal/domain"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"go.uber.org/zap"
)

const (
	BusName     = "org.mpris.MediaPlayer2.reeld"
	objectPath  = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	rootIface   = "org.mpris.MediaPlayer2"
	playerIface = "org.mpris.MediaPlayer2.Player"

	noTrack     = dbus.ObjectPath("/org/mpris/MediaPlayer2/TrackList/NoTrack")
	trackPrefix = "/org/genricoloni/reeld/item/"

	_callTimeout = 3 * time.Second
)

var errNameTaken = errors.New("bus name already owned")

// Session is the playback state the publisher mirrors
type Session interface {
	Watch() (<-chan domain.Snapshot, func())
	Snapshot() domain.Snapshot
	ToggleMute(ctx context.Context) error
}

// Connector opens the bus connection on Start
type Connector func() (Bus, error)

// Option configures a Publisher
type Option func(*Publisher)

// WithConnector replaces the session bus connection, mainly for tests
func WithConnector(c Connector) Option {
	return func(p *Publisher) {
		p.connect = c
	}
}

// published tracks the last values written to the bus
type published struct {
	status string
	volume float64
	item   string
	art    string
}

// Publisher exports org.mpris.MediaPlayer2.reeld and keeps its properties in
// step with the playback session
type Publisher struct {
	logger  *zap.Logger
	session Session
	nav     domain.Navigator
	catalog domain.Catalog
	connect Connector

	mu      sync.Mutex
	bus     Bus
	props   PropertySetter
	cancel  context.CancelFunc
	done    chan struct{}
	current published
}

// NewPublisher creates a publisher; nothing touches the bus until Start
func NewPublisher(logger *zap.Logger, session Session, nav domain.Navigator, catalog domain.Catalog, opts ...Option) *Publisher {
	p := &Publisher{
		logger:  logger,
		session: session,
		nav:     nav,
		catalog: catalog,
		connect: ConnectSessionBus,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start connects, exports the player and begins mirroring session state.
// A missing session bus is logged and tolerated: the daemon plays without
// desktop integration.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.bus != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	bus, err := p.connect()
	if err != nil {
		p.logger.Warn("MPRIS disabled", zap.Error(err))
		return nil
	}

	props, err := p.export(bus)
	if err == nil {
		err = claim(bus)
	}
	if err != nil {
		if cerr := bus.Close(); cerr != nil {
			p.logger.Warn("Failed to close D-Bus connection", zap.Error(cerr))
		}
		if errors.Is(err, errNameTaken) {
			p.logger.Warn("MPRIS disabled, another reeld instance owns the name", zap.String("name", BusName))
			return nil
		}
		return fmt.Errorf("failed to publish MPRIS player: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.bus = bus
	p.props = props
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	updates, unwatch := p.session.Watch()
	go p.mirror(loopCtx, updates, unwatch)

	p.logger.Info("MPRIS player published", zap.String("name", BusName))
	return nil
}

// Stop stops mirroring and releases the bus connection
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	bus, cancel, done := p.bus, p.cancel, p.done
	p.bus = nil
	p.mu.Unlock()
	if bus == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := bus.Close(); err != nil {
		return fmt.Errorf("failed to close D-Bus connection: %w", err)
	}
	p.logger.Info("MPRIS player withdrawn")
	return nil
}

func claim(bus Bus) error {
	reply, err := bus.RequestName(BusName)
	if err != nil {
		return fmt.Errorf("failed to request %s: %w", BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errNameTaken
	}
	return nil
}

func (p *Publisher) export(bus Bus) (PropertySetter, error) {
	if err := bus.Export(root{}, objectPath, rootIface); err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", rootIface, err)
	}
	if err := bus.Export(&player{p: p}, objectPath, playerIface); err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", playerIface, err)
	}

	p.current = published{status: "Stopped", volume: 1}
	props, err := bus.ExportProperties(objectPath, prop.Map{
		rootIface: {
			"CanQuit":             {Value: false, Emit: prop.EmitFalse},
			"CanRaise":            {Value: false, Emit: prop.EmitFalse},
			"HasTrackList":        {Value: false, Emit: prop.EmitFalse},
			"Identity":            {Value: "reeld", Emit: prop.EmitFalse},
			"SupportedUriSchemes": {Value: []string{}, Emit: prop.EmitFalse},
			"SupportedMimeTypes":  {Value: []string{}, Emit: prop.EmitFalse},
		},
		playerIface: {
			"PlaybackStatus": {Value: p.current.status, Emit: prop.EmitTrue},
			"Metadata":       {Value: map[string]dbus.Variant{"mpris:trackid": dbus.MakeVariant(noTrack)}, Emit: prop.EmitTrue},
			"Volume":         {Value: p.current.volume, Writable: true, Emit: prop.EmitTrue, Callback: p.onVolume},
			"Position":       {Value: int64(0), Emit: prop.EmitFalse},
			"Rate":           {Value: 1.0, Emit: prop.EmitFalse},
			"MinimumRate":    {Value: 1.0, Emit: prop.EmitFalse},
			"MaximumRate":    {Value: 1.0, Emit: prop.EmitFalse},
			"CanGoNext":      {Value: true, Emit: prop.EmitFalse},
			"CanGoPrevious":  {Value: true, Emit: prop.EmitFalse},
			"CanPlay":        {Value: true, Emit: prop.EmitFalse},
			"CanPause":       {Value: true, Emit: prop.EmitFalse},
			"CanSeek":        {Value: false, Emit: prop.EmitFalse},
			"CanControl":     {Value: true, Emit: prop.EmitFalse},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to export properties: %w", err)
	}
	return props, nil
}

func (p *Publisher) mirror(ctx context.Context, updates <-chan domain.Snapshot, unwatch func()) {
	defer close(p.done)
	defer unwatch()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			p.apply(snap)
		}
	}
}

// apply writes the properties that changed since the last snapshot
func (p *Publisher) apply(snap domain.Snapshot) {
	p.mu.Lock()
	props := p.props
	p.mu.Unlock()
	if props == nil {
		return
	}

	if status := playbackStatus(snap.Phase); status != p.current.status {
		props.SetMust(playerIface, "PlaybackStatus", status)
		p.current.status = status
	}

	volume := 1.0
	if snap.Muted {
		volume = 0
	}
	if volume != p.current.volume {
		props.SetMust(playerIface, "Volume", volume)
		p.current.volume = volume
	}

	md, art := p.metadata(snap.ActiveItemID)
	if snap.ActiveItemID != p.current.item || art != p.current.art {
		props.SetMust(playerIface, "Metadata", md)
		p.current.item = snap.ActiveItemID
		p.current.art = art
	}
}

func (p *Publisher) metadata(itemID string) (map[string]dbus.Variant, string) {
	if itemID == "" {
		return map[string]dbus.Variant{"mpris:trackid": dbus.MakeVariant(noTrack)}, ""
	}

	md := map[string]dbus.Variant{
		"mpris:trackid": dbus.MakeVariant(trackPath(itemID)),
		"xesam:title":   dbus.MakeVariant(itemID),
	}
	item, ok := p.catalog.Item(itemID)
	if !ok {
		return md, ""
	}
	md["xesam:url"] = dbus.MakeVariant(item.SourceURL)
	if item.Duration > 0 {
		md["mpris:length"] = dbus.MakeVariant(item.Duration.Microseconds())
	}

	art := item.ThumbnailURL
	if poster := p.catalog.Poster(itemID); poster != "" {
		art = "file://" + poster
	}
	if art != "" {
		md["mpris:artUrl"] = dbus.MakeVariant(art)
	}
	return md, art
}

// onVolume maps a volume write to the session's mute toggle
func (p *Publisher) onVolume(c *prop.Change) *dbus.Error {
	v, ok := c.Value.(float64)
	if !ok {
		return dbus.MakeFailedError(fmt.Errorf("volume must be a double, got %T", c.Value))
	}
	wantMuted := v <= 0
	if p.session.Snapshot().Muted == wantMuted {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), _callTimeout)
	defer cancel()
	if err := p.session.ToggleMute(ctx); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

func playbackStatus(phase domain.Phase) string {
	switch phase {
	case domain.PhasePlaying, domain.PhaseLoading:
		return "Playing"
	case domain.PhasePaused, domain.PhaseEnded:
		return "Paused"
	default:
		return "Stopped"
	}
}

// trackPath builds a valid object path element from an opaque item id
func trackPath(itemID string) dbus.ObjectPath {
	elem := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, itemID)
	return dbus.ObjectPath(trackPrefix + elem)
}

// root implements org.mpris.MediaPlayer2; reeld can neither raise nor quit
type root struct{}

func (root) Raise() *dbus.Error { return nil }
func (root) Quit() *dbus.Error  { return nil }

// player implements org.mpris.MediaPlayer2.Player by forwarding to the pager
type player struct {
	p *Publisher
}

func (pl *player) call(name string, fn func(context.Context) error) *dbus.Error {
	ctx, cancel := context.WithTimeout(context.Background(), _callTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		pl.p.logger.Warn("MPRIS call failed", zap.String("method", name), zap.Error(err))
		return dbus.MakeFailedError(err)
	}
	pl.p.logger.Debug("MPRIS call", zap.String("method", name))
	return nil
}

func (pl *player) Next() *dbus.Error      { return pl.call("Next", pl.p.nav.Next) }
func (pl *player) Previous() *dbus.Error  { return pl.call("Previous", pl.p.nav.Previous) }
func (pl *player) Pause() *dbus.Error     { return pl.call("Pause", pl.p.nav.Pause) }
func (pl *player) PlayPause() *dbus.Error { return pl.call("PlayPause", pl.p.nav.TogglePlay) }
func (pl *player) Stop() *dbus.Error      { return pl.call("Stop", pl.p.nav.Stop) }
func (pl *player) Play() *dbus.Error      { return pl.call("Play", pl.p.nav.Play) }

// Seek and SetPosition are accepted and ignored since CanSeek is false
func (pl *player) Seek(int64) *dbus.Error                         { return nil }
func (pl *player) SetPosition(dbus.ObjectPath, int64) *dbus.Error { return nil }

func (pl *player) OpenUri(string) *dbus.Error {
	return dbus.MakeFailedError(errors.New("opening URIs is not supported"))
}
