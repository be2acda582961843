package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Wire-visible names shared by every order-event producer and consumer.
const (
	OrderEventsExchange = "order_events"
	OrderConsumerQueue  = "order_consumer_queue"
	OrderCreatedQueue   = "order_created"

	deadLetterSuffix = ".dlq"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of entities declared together, exchanges first, then
// queues, then bindings.
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// DeadLetterQueueName returns the dead-letter queue paired with queue
func DeadLetterQueueName(queue string) string {
	return queue + deadLetterSuffix
}

func orderEventsExchange() ExchangeDeclaration {
	return ExchangeDeclaration{
		Name:    OrderEventsExchange,
		Type:    amqp.ExchangeFanout,
		Durable: true,
	}
}

// EventBusTopology declares only the fanout exchange the publisher sends to.
func EventBusTopology() Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{orderEventsExchange()},
	}
}

// PublisherTopology is the legacy direct-queue topology: a single durable
// order_created queue reached through the default exchange.
func PublisherTopology() Topology {
	return Topology{
		Queues: []QueueDeclaration{
			{Name: OrderCreatedQueue, Durable: true},
		},
	}
}

// ConsumerTopologyFor binds a durable queue to order_events with an empty
// routing key and declares its dead-letter queue.
func ConsumerTopologyFor(queue string) Topology {
	return Topology{
		Exchanges: []ExchangeDeclaration{orderEventsExchange()},
		Queues: []QueueDeclaration{
			{Name: queue, Durable: true},
			{Name: DeadLetterQueueName(queue), Durable: true},
		},
		Bindings: []Binding{
			{Queue: queue, Exchange: OrderEventsExchange},
		},
	}
}

// ConsumerTopology is ConsumerTopologyFor(OrderConsumerQueue).
func ConsumerTopology() Topology {
	return ConsumerTopologyFor(OrderConsumerQueue)
}

// DeclarePublisherTopology declares the legacy order_created queue.
func DeclarePublisherTopology(ch Channel) error {
	return DeclareTopology(ch, PublisherTopology())
}

// DeclareEventBusTopology declares the order_events exchange.
func DeclareEventBusTopology(ch Channel) error {
	return DeclareTopology(ch, EventBusTopology())
}

// DeclareConsumerTopology declares order_events, order_consumer_queue, the
// binding between them and the queue's dead-letter queue.
func DeclareConsumerTopology(ch Channel) error {
	return DeclareTopology(ch, ConsumerTopology())
}

// DeclareTopology declares every entity in topology on ch. Repeating an
// identical declaration is a no-op on the broker; an inequivalent one comes
// back as a *TopologyError matching ErrTopologyConflict.
func DeclareTopology(ch Channel, topology Topology) error {
	for _, exchange := range topology.Exchanges {
		err := ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments,
		)
		if err != nil {
			return topologyError("exchange", exchange.Name, "declare", err)
		}
	}

	for _, queue := range topology.Queues {
		_, err := ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // no-wait
			queue.Arguments,
		)
		if err != nil {
			return topologyError("queue", queue.Name, "declare", err)
		}
	}

	for _, binding := range topology.Bindings {
		err := ch.QueueBind(
			binding.Queue,
			binding.RoutingKey,
			binding.Exchange,
			false, // no-wait
			binding.Arguments,
		)
		if err != nil {
			return topologyError("binding", binding.Queue+"->"+binding.Exchange, "bind", err)
		}
	}

	return nil
}

func topologyError(component, name, op string, err error) *TopologyError {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Conflict:  isPreconditionFailed(err),
		Err:       err,
		Timestamp: time.Now(),
	}
}
