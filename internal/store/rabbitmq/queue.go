// Package rabbitmq carries queued chat jobs from the API to the worker.
package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// JobMessage is the body of a queued job delivery.
type JobMessage struct {
	JobID string `json:"job_id"`
}

// DeadLetterQueue is where rejected deliveries for queue end up.
func DeadLetterQueue(queue string) string { return queue + ".dlq" }

// declareTopology declares the job queue and its dead-letter queue. Publisher
// and consumer must declare identical arguments or the broker refuses the
// second declaration.
func declareTopology(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(
		DeadLetterQueue(queue),
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	_, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": DeadLetterQueue(queue),
		},
	)
	return err
}

func dial(url, queue string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := declareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}
