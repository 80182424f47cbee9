// Package discovery finds SMP over UDP endpoints with mDNS/DNS-SD.
//
// Devices (and the simulator) advertise the service type _mcumgr._udp.
// The instance name is the device name. TXT records are optional and
// describe the device:
//   - board: hardware or board name
//   - fw: version of the running image
//   - id: stable device identifier
//
// Browsing aggregates entries by instance name: addresses seen on several
// interfaces are merged into one Service.
package discovery
