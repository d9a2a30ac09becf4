// Package rabbitmq wraps amqp091-go with the connection handling the RPC
// transport needs.
//
//   - ConnectionManager: one named connection, reconnected with backoff
//   - ChannelPool: reusable channels, optionally in publisher confirm mode
//   - Publisher: confirmed, mandatory publishes
//   - Consumer: subscriptions that report when their delivery stream ends
//   - TopologyManager: exchange, queue and binding declarations
package rabbitmq
