// Command server runs the device streaming and control relay: it exposes
// attached mobile device screens to browser viewers over WebSocket and
// relays viewer input back to the devices.
package main
