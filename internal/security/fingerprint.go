// Package security derives the device identity submitted to the license
// server for device-limit enforcement.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
)

// machineIDPaths are read in order on Linux; the first non-empty one wins
var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// Sources supplies the raw machine facts. Tests replace it.
type Sources struct {
	MachineID func() (string, error)
	Hostname  func() (string, error)
	MAC       func() (string, error)
}

// SystemSources reads facts from the running host
func SystemSources() Sources {
	return Sources{
		MachineID: readMachineID,
		Hostname:  readHostname,
		MAC:       readMAC,
	}
}

// Fingerprinter computes the device fingerprint once per process
type Fingerprinter struct {
	sources Sources
	logger  *slog.Logger

	once        sync.Once
	fingerprint string
}

// NewFingerprinter creates a fingerprinter over sources
func NewFingerprinter(sources Sources, logger *slog.Logger) *Fingerprinter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fingerprinter{
		sources: sources,
		logger:  logger.With(slog.String("component", "fingerprint")),
	}
}

// Fingerprint returns the hex SHA-256 of the stable machine factors.
// The OS machine id is preferred; hostname and MAC are the fallback.
func (f *Fingerprinter) Fingerprint() string {
	f.once.Do(func() {
		factors := []string{runtime.GOOS, runtime.GOARCH}

		if id, err := call(f.sources.MachineID); err == nil && id != "" {
			factors = append(factors, "machine-id", id)
		} else {
			host, herr := call(f.sources.Hostname)
			if herr != nil {
				host = "unknown-host"
			}
			mac, merr := call(f.sources.MAC)
			if merr != nil {
				mac = "unknown-mac"
			}
			factors = append(factors, host, mac)
			f.logger.Warn("Machine id unavailable, using hostname and MAC",
				slog.Bool("hostname_ok", herr == nil),
				slog.Bool("mac_ok", merr == nil),
			)
		}

		sum := sha256.Sum256([]byte(strings.Join(factors, "|")))
		f.fingerprint = hex.EncodeToString(sum[:])
		f.logger.Debug("Device fingerprint generated",
			slog.String("machine_id", f.fingerprint[:16]),
		)
	})
	return f.fingerprint
}

// MachineID is the short form sent with deactivation requests
func (f *Fingerprinter) MachineID() string {
	return f.Fingerprint()[:16]
}

// StoreSecret derives a local encryption secret bound to this device
func (f *Fingerprinter) StoreSecret(appName string) string {
	sum := sha256.Sum256([]byte(appName + "|" + f.Fingerprint()))
	return hex.EncodeToString(sum[:])
}

func call(fn func() (string, error)) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("source not available")
	}
	v, err := fn()
	return strings.ToLower(strings.TrimSpace(v)), err
}

func readMachineID() (string, error) {
	if runtime.GOOS != "linux" {
		return "", fmt.Errorf("machine id not supported on %s", runtime.GOOS)
	}
	for _, p := range machineIDPaths {
		if data, err := os.ReadFile(p); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("no machine id found")
}

func readHostname() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	if strings.TrimSpace(hostname) == "" {
		return "", fmt.Errorf("hostname is empty")
	}
	return hostname, nil
}

// readMAC returns the first up, non-loopback interface with a hardware address
func readMAC() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}
	return "", fmt.Errorf("no valid MAC address found")
}
