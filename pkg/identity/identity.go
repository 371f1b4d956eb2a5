// Package identity resolves the device's stable identifier and the
// non-secret QR payload advertised during provisioning.
package identity

import (
	"crypto/sha256"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/google/uuid"
)

const (
	machineIDPath  = "/etc/machine-id"
	dmiProductPath = "/sys/class/dmi/id/product_uuid"
)

// Identity is the immutable device identity, resolved once at startup.
type Identity struct {
	DeviceID   string
	MACAddress string
	QRPayload  string
}

// Resolve builds the device Identity. deviceIDFile is the on-disk
// fallback location used only when no machine-id, DMI product UUID or
// MAC address is available; in that case a random UUID is generated
// once and persisted there for subsequent boots. A device with no MAC
// address gets an empty MACAddress and an empty MAC part in QRPayload.
func Resolve(deviceIDFile string) (*Identity, error) {
	mac, err := primaryMAC()
	if err != nil {
		mac = ""
	}

	id, err := resolveDeviceID(deviceIDFile, mac)
	if err != nil {
		return nil, fmt.Errorf("identity: resolve device id: %w", err)
	}

	return &Identity{
		DeviceID:   id,
		MACAddress: mac,
		QRPayload:  fmt.Sprintf("ROCKPI:%s:%s", id, strings.ReplaceAll(mac, ":", "")),
	}, nil
}

// resolveDeviceID follows the priority order from the data model:
// machine-id -> DMI product UUID -> SHA-256(MAC) -> persisted random UUID.
func resolveDeviceID(deviceIDFile, mac string) (string, error) {
	if id, ok := readTrimmed(machineIDPath); ok && id != "" {
		return id, nil
	}
	if id, ok := readTrimmed(dmiProductPath); ok && id != "" {
		return strings.ToLower(id), nil
	}
	if mac != "" {
		sum := sha256.Sum256([]byte(mac))
		return fmt.Sprintf("%x", sum[:16]), nil
	}
	return persistedRandomID(deviceIDFile)
}

func persistedRandomID(path string) (string, error) {
	if id, ok := readTrimmed(path); ok && id != "" {
		return id, nil
	}
	id := uuid.NewString()
	if path != "" {
		if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
			return "", err
		}
	}
	return id, nil
}

func readTrimmed(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

// primaryMAC returns the canonical MAC address of the first non-loopback
// hardware interface with a non-zero address.
func primaryMAC() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return strings.ToUpper(iface.HardwareAddr.String()), nil
	}
	return "", fmt.Errorf("no hardware interface with a MAC address found")
}
