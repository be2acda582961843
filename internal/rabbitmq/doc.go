// Package rabbitmq provides the RabbitMQ reliability layer for order events.
//
// This package includes:
//   - ConnectionManager: Owns one connection and one channel, rebuilt lazily when either closes
//   - Topology helpers: Declare the order_events fanout exchange and the queues bound to it
//   - Publisher: Publishes persistent JSON events and rebuilds the connection after failures
//   - Consumer: Runs the subscribe/ack/nack loop with bounded reconnection and dead-lettering
//
// Connections are reached through the Connection and Channel interfaces, which
// *amqp.Connection and *amqp.Channel satisfy, so the loop can be exercised
// without a live broker.
package rabbitmq
