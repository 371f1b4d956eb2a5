package network

import (
	"context"
	"fmt"
	"net"
	"time"

	nm "github.com/Wifx/gonetworkmanager/v2"
)

// NMConnector implements Connector against the system NetworkManager
// over D-Bus, the production path on the target single-board computer.
type NMConnector struct {
	manager  nm.NetworkManager
	settings nm.Settings
	iface    string
}

// NewNMConnector connects to the system NetworkManager D-Bus service
// and binds to the named wireless interface (e.g. "wlan0").
func NewNMConnector(iface string) (*NMConnector, error) {
	manager, err := nm.NewNetworkManager()
	if err != nil {
		return nil, fmt.Errorf("network: connect to NetworkManager: %w", err)
	}
	settings, err := nm.NewSettings()
	if err != nil {
		return nil, fmt.Errorf("network: connect to NetworkManager settings: %w", err)
	}
	return &NMConnector{manager: manager, settings: settings, iface: iface}, nil
}

func (c *NMConnector) wirelessDevice() (nm.DeviceWireless, error) {
	devices, err := c.manager.GetPropertyAllDevices()
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		devType, err := dev.GetPropertyDeviceType()
		if err != nil || devType != nm.NmDeviceTypeWifi {
			continue
		}
		ifaceName, err := dev.GetPropertyInterface()
		if err != nil {
			continue
		}
		if c.iface == "" || ifaceName == c.iface {
			wireless, ok := dev.(nm.DeviceWireless)
			if !ok {
				continue
			}
			return wireless, nil
		}
	}
	return nil, fmt.Errorf("network: no wireless device found for interface %q", c.iface)
}

// Scan triggers a fresh AP scan and returns the visible networks.
func (c *NMConnector) Scan(ctx context.Context) ([]NetworkInfo, error) {
	dev, err := c.wirelessDevice()
	if err != nil {
		return nil, err
	}
	if err := dev.RequestScan(); err != nil {
		return nil, err
	}

	select {
	case <-time.After(3 * time.Second):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	aps, err := dev.GetAccessPoints()
	if err != nil {
		return nil, err
	}

	out := make([]NetworkInfo, 0, len(aps))
	for _, ap := range aps {
		ssid, err := ap.GetPropertySSID()
		if err != nil || ssid == "" {
			continue
		}
		strength, _ := ap.GetPropertyStrength()
		bssid, _ := ap.GetPropertyHWAddress()
		wpaFlags, _ := ap.GetPropertyWPAFlags()
		rsnFlags, _ := ap.GetPropertyRSNFlags()

		sec := SecurityOpen
		switch {
		case rsnFlags != 0:
			sec = SecurityWPA2
		case wpaFlags != 0:
			sec = SecurityWPA2
		}

		out = append(out, NetworkInfo{
			SSID:         ssid,
			Signal:       int(strength),
			SecurityType: sec,
			BSSID:        bssid,
		})
	}
	return out, nil
}

// Connect activates a new wireless connection profile for ssid,
// persisting it via NetworkManager's own connection store so it
// survives reboot (spec.md's "persisted auto-connect").
func (c *NMConnector) Connect(ctx context.Context, ssid, password string, sec SecurityType) error {
	dev, err := c.wirelessDevice()
	if err != nil {
		return &ConnectError{Kind: FailureNoSuchNetwork, Err: err}
	}

	connSettings := map[string]map[string]interface{}{
		"connection": {
			"id":          ssid,
			"type":        "802-11-wireless",
			"autoconnect": true,
		},
		"802-11-wireless": {
			"ssid": []byte(ssid),
			"mode": "infrastructure",
		},
		"ipv4": {"method": "auto"},
		"ipv6": {"method": "auto"},
	}

	if sec != SecurityOpen {
		connSettings["802-11-wireless-security"] = map[string]interface{}{
			"key-mgmt": "wpa-psk",
			"psk":      password,
		}
		connSettings["802-11-wireless"]["security"] = "802-11-wireless-security"
	}

	_, activeConn, err := c.manager.AddAndActivateWirelessConnection(connSettings, dev, nil)
	if err != nil {
		return &ConnectError{Kind: FailureAuthFailed, Err: err}
	}

	deadline, _ := ctx.Deadline()
	for {
		state, err := activeConn.GetPropertyState()
		if err == nil && state == nm.ActiveConnectionStateActivated {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return &ConnectError{Kind: FailureTimeout, Err: fmt.Errorf("activation timed out")}
		}
		select {
		case <-time.After(250 * time.Millisecond):
		case <-ctx.Done():
			return &ConnectError{Kind: FailureTimeout, Err: ctx.Err()}
		}
	}
	return nil
}

// Disconnect deactivates the active wireless connection.
func (c *NMConnector) Disconnect(ctx context.Context) error {
	dev, err := c.wirelessDevice()
	if err != nil {
		return err
	}
	return c.manager.DeactivateConnection(mustActiveConnection(dev))
}

func mustActiveConnection(dev nm.DeviceWireless) nm.ActiveConnection {
	ac, _ := dev.GetPropertyActiveConnection()
	return ac
}

// IsLinkUp reports whether the wireless device reports an activated
// state.
func (c *NMConnector) IsLinkUp() (bool, error) {
	dev, err := c.wirelessDevice()
	if err != nil {
		return false, err
	}
	state, err := dev.GetPropertyState()
	if err != nil {
		return false, err
	}
	return state == nm.NmDeviceStateActivated, nil
}

// Probe performs a DNS resolve + TCP connect liveness check against
// endpoint (host:port).
func (c *NMConnector) Probe(ctx context.Context, endpoint string) error {
	if endpoint == "" {
		endpoint = "connectivitycheck.gstatic.com:80"
	}
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return &ConnectError{Kind: FailureProbeFailed, Err: err}
	}
	return conn.Close()
}

// Quality reports RSSI from the active access point.
func (c *NMConnector) Quality() (Quality, error) {
	dev, err := c.wirelessDevice()
	if err != nil {
		return Quality{}, err
	}
	ap, err := dev.GetPropertyActiveAccessPoint()
	if err != nil || ap == nil {
		return Quality{}, err
	}
	strength, err := ap.GetPropertyStrength()
	if err != nil {
		return Quality{}, err
	}
	return Quality{RSSI: int(strength)}, nil
}
