package discovery

import (
	"errors"
	"net"
	"strconv"
	"time"
)

// Service type constants for mDNS.
const (
	// ServiceType is the DNS-SD service type of SMP over UDP.
	ServiceType = "_mcumgr._udp"

	// Domain is the mDNS domain.
	Domain = "local"

	// DefaultPort is the default SMP over UDP port.
	DefaultPort = 1337

	// MaxInstanceNameLen is the DNS label limit for instance names.
	MaxInstanceNameLen = 63
)

// TXT record keys.
const (
	TXTKeyBoard    = "board" // Board name (optional)
	TXTKeyFirmware = "fw"    // Running image version (optional)
	TXTKeyID       = "id"    // Device identifier (optional)
)

// BrowseTimeout is the default timeout for FindAll and Find.
const BrowseTimeout = 5 * time.Second

// Errors.
var (
	ErrInvalidInstanceName = errors.New("invalid instance name")
	ErrInvalidPort         = errors.New("invalid port")
	ErrNotFound            = errors.New("service not found")
)

// DeviceInfo is what a device advertises about itself.
type DeviceInfo struct {
	// Name is the instance name.
	Name string

	// Port is the UDP port. Zero selects DefaultPort.
	Port uint16

	Board    string
	Firmware string
	ID       string
}

// Validate checks that info can be advertised.
func (d *DeviceInfo) Validate() error {
	return ValidateInstanceName(d.Name)
}

// Service is a discovered SMP endpoint.
type Service struct {
	InstanceName string
	Host         string
	Port         uint16
	Addresses    []string

	Board    string
	Firmware string
	ID       string
}

// Address returns host:port for the first known address, or "" when none
// is known. IPv4 addresses are preferred.
func (s *Service) Address() string {
	if len(s.Addresses) == 0 {
		return ""
	}
	pick := s.Addresses[0]
	for _, a := range s.Addresses {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			pick = a
			break
		}
	}
	return net.JoinHostPort(pick, strconv.Itoa(int(s.Port)))
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return ErrInvalidInstanceName
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInvalidInstanceName
	}
	return nil
}
