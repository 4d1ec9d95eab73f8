package mpris

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
)

// Bus is the subset of a D-Bus connection the publisher needs.
// This abstraction allows D-Bus interactions to be mocked in tests.
//
//go:generate mockgen -destination=mocks/bus_mock.go -package=mocks github.com/genricoloni/reeld/internal/mpris Bus
type Bus interface {
	// Export publishes the exported methods of v at path under iface
	Export(v any, path dbus.ObjectPath, iface string) error

	// ExportProperties publishes the org.freedesktop.DBus.Properties
	// interface for props at path
	ExportProperties(path dbus.ObjectPath, props prop.Map) (PropertySetter, error)

	// RequestName claims a well-known bus name
	RequestName(name string) (dbus.RequestNameReply, error)

	// Close closes the connection
	Close() error
}

// PropertySetter updates exported properties and emits PropertiesChanged
type PropertySetter interface {
	SetMust(iface, property string, v any)
}

// SessionBus is the real Bus backed by the user's session bus
type SessionBus struct {
	conn *dbus.Conn
}

// ConnectSessionBus opens a private connection to the session bus
func ConnectSessionBus() (Bus, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("session bus connection failed: %w", err)
	}
	return &SessionBus{conn: conn}, nil
}

func (b *SessionBus) Export(v any, path dbus.ObjectPath, iface string) error {
	return b.conn.Export(v, path, iface)
}

func (b *SessionBus) ExportProperties(path dbus.ObjectPath, props prop.Map) (PropertySetter, error) {
	exported, err := prop.Export(b.conn, path, props)
	if err != nil {
		return nil, err
	}
	return exported, nil
}

// RequestName fails instead of queueing when the name is taken
func (b *SessionBus) RequestName(name string) (dbus.RequestNameReply, error) {
	return b.conn.RequestName(name, dbus.NameFlagDoNotQueue)
}

func (b *SessionBus) Close() error {
	return b.conn.Close()
}
