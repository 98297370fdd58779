package events

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher forwards outbox envelopes to the notification queue.
type SQSPublisher struct {
	client   sqsAPI
	queueURL string
}

func NewSQSPublisher(client sqsAPI, queueURL string) *SQSPublisher {
	if client == nil {
		panic("events: SQS client cannot be nil")
	}
	if queueURL == "" {
		panic("events: SQS queueURL cannot be empty")
	}
	return &SQSPublisher{client: client, queueURL: queueURL}
}

func (p *SQSPublisher) Handle(ctx context.Context, entry OutboxEntry) error {
	_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(entry.Payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(entry.Type)},
			"aggregate":  {DataType: aws.String("String"), StringValue: aws.String(entry.Aggregate)},
		},
	})
	if err != nil {
		return fmt.Errorf("events: publish %s to sqs: %w", entry.ID, err)
	}
	return nil
}
