// Package transport carries SMP packets between the engine and a device.
//
// The engine only needs a Writer for outgoing packets and a notification
// callback for incoming fragments. Implementations here:
//   - UDPTransport: SMP over UDP, one datagram per notification
//   - Server: the device side of SMP over UDP, used by the simulator
//   - Loopback: an in-process device behind a PacketHandler
//
// Fragment and FragmentHandler split responses into MTU-sized pieces to
// reproduce the notification sizes of a BLE link.
//
// # Delivery
//
// Notifications are delivered from a transport-owned goroutine, one at a
// time and in arrival order. Write never calls the notification handler
// itself, so a caller may hold its own lock across Write.
package transport
