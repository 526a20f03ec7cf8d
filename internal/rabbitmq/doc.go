// Package rabbitmq provides the AMQP plumbing shared by the bridge and the ground client.
//
// This package includes:
//   - ConnectionManager: owns one AMQP connection and reports its loss
//   - Publisher: publishes on a dedicated channel, optionally with confirms
//   - Consumer: opens manual-ack, prefetch-limited subscriptions
//   - TopologyManager: declares the telemetry fan-out exchange and the telecommand queue
//
// Connections are never shared between the downlink and uplink paths; each
// path builds its own ConnectionManager so a failure on one does not stall
// the other.
package rabbitmq
