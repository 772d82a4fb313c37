/*
Package bus provides Talus's durable messaging abstraction: typed
declare/bind/publish/consume operations, manual ack, a per-queue depth
probe, and a broadcast fan-out exchange, backed by NATS JetStream.

# Architecture

	┌─────────────────────── BUS ───────────────────────────────┐
	│                                                             │
	│   declare_exchange("slaves", fanout)                       │
	│   declare_queue("jobs", durable=true)                      │
	│   declare_queue("slaves_<uuid>", durable=true)             │
	│   bind_queue("slaves", "slaves_<uuid>")                    │
	│                                                             │
	│        controller                         worker           │
	│            │                                  │            │
	│   publish("jobs", drop) ──────────▶ consume("jobs", h)      │
	│   consume("job_status", h) ◀────── publish("job_status",…) │
	│   publish("slaves", cancel) ─────▶ every slaves_<uuid>     │
	│            │                                  │            │
	│   depth("jobs") (drip-feed probe)              │            │
	└─────────────────────────────────────────────────────────┘

Each declared queue is a JetStream stream with work-queue retention; a
bound exchange adds its broadcast subject to the queue's stream so
messages published to the exchange are also delivered to every bound
queue, matching the fanout semantics a slave's personal queue needs for
cluster-wide cancel/config commands.

# Reconnection

A JetStreamBus reconnects transparently on connection loss and replays
every declaration, binding, and Consume subscription made before the
disconnect, so callers never re-declare state themselves after a
reconnect.

# Usage

	b, err := bus.NewJetStreamBus("nats://localhost:4222")
	if err != nil { ... }
	defer b.Stop()

	b.DeclareQueue(ctx, "jobs", bus.QueueOptions{Durable: true})
	b.Consume(ctx, "jobs", func(d bus.Delivery) {
		handleDrop(d.Body)
		d.Ack()
	})

# See Also

  - NATS JetStream documentation: https://docs.nats.io/nats-concepts/jetstream
*/
package bus
