/*
Package rabbitmq provides a RabbitMQ adapter for the binder event relay.
It publishes relayed events to a topic exchange, includes an auto-reconnect
connection that also restores consumers, and supports optional header
propagation via a binder.HeaderPropagator.
*/
package rabbitmq
