// Package mqtt maintains the node's broker session. It wraps Eclipse
// Paho v2's [autopaho] connection manager, which reconnects on its own;
// this package turns the manager's callbacks into the BrokerConnected
// flag and publishes batches on behalf of the telemetry publisher.
//
// On every (re-)connect the session publishes a retained birth message
// ("online") to the availability topic and a retained info document
// describing the node. A will message flips the availability topic to
// "offline" when the session dies without a clean disconnect.
package mqtt
