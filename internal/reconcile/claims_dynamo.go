package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// claimRetention is the DynamoDB TTL on claimed and failed rows. Complete
// removes it, so completed claims never expire.
const claimRetention = 30 * 24 * time.Hour

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

type claimRecord struct {
	Key           string `dynamodbav:"claimKey"`
	State         string `dynamodbav:"state"`
	Owner         string `dynamodbav:"owner"`
	AppointmentID string `dynamodbav:"appointmentId,omitempty"`
	Reason        string `dynamodbav:"reason,omitempty"`
	ExpiresAtNano int64  `dynamodbav:"claimExpiresAt"`
	UpdatedAt     string `dynamodbav:"updatedAt"`
	TTL           int64  `dynamodbav:"ttl"`
}

func (r claimRecord) claim() Claim {
	c := Claim{
		Key:       r.Key,
		State:     ClaimState(r.State),
		Owner:     r.Owner,
		Reason:    r.Reason,
		ExpiresAt: time.Unix(0, r.ExpiresAtNano).UTC(),
	}
	if id, err := uuid.Parse(r.AppointmentID); err == nil {
		c.AppointmentID = id
	}
	if t, err := time.Parse(time.RFC3339Nano, r.UpdatedAt); err == nil {
		c.UpdatedAt = t
	}
	return c
}

// DynamoClaimStore keeps claims in a DynamoDB table keyed by claimKey. The
// takeover rule is a conditional PutItem.
type DynamoClaimStore struct {
	client    dynamoAPI
	tableName string
}

func NewDynamoClaimStore(client dynamoAPI, tableName string) *DynamoClaimStore {
	if client == nil {
		panic("reconcile: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("reconcile: table name cannot be empty")
	}
	return &DynamoClaimStore{client: client, tableName: tableName}
}

func (s *DynamoClaimStore) TryClaim(ctx context.Context, key, owner string, ttl time.Duration, now time.Time) (Claim, bool, error) {
	rec := claimRecord{
		Key:           key,
		State:         string(ClaimClaimed),
		Owner:         owner,
		ExpiresAtNano: now.Add(ttl).UnixNano(),
		UpdatedAt:     now.UTC().Format(time.RFC3339Nano),
		TTL:           now.Add(claimRetention).Unix(),
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return Claim{}, false, fmt.Errorf("reconcile: failed to marshal claim: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(claimKey) OR #state = :failed OR (#state = :claimed AND claimExpiresAt <= :now)"),
		ExpressionAttributeNames: map[string]string{
			"#state": "state",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed":  &types.AttributeValueMemberS{Value: string(ClaimFailed)},
			":claimed": &types.AttributeValueMemberS{Value: string(ClaimClaimed)},
			":now":     &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixNano(), 10)},
		},
	})
	if err == nil {
		return rec.claim(), true, nil
	}
	var condFailed *types.ConditionalCheckFailedException
	if !errors.As(err, &condFailed) {
		return Claim{}, false, fmt.Errorf("reconcile: failed to put claim: %w", err)
	}

	current, err := s.get(ctx, key)
	if err != nil {
		return Claim{}, false, err
	}
	return current, false, nil
}

func (s *DynamoClaimStore) Complete(ctx context.Context, key, owner string, appointmentID uuid.UUID) error {
	return s.settle(ctx, key, owner, "SET #state = :next, appointmentId = :appointment, updatedAt = :updated REMOVE #ttl", map[string]types.AttributeValue{
		":next":        &types.AttributeValueMemberS{Value: string(ClaimCompleted)},
		":appointment": &types.AttributeValueMemberS{Value: appointmentID.String()},
	}, map[string]string{"#ttl": "ttl"})
}

func (s *DynamoClaimStore) Fail(ctx context.Context, key, owner, reason string) error {
	return s.settle(ctx, key, owner, "SET #state = :next, reason = :reason, updatedAt = :updated", map[string]types.AttributeValue{
		":next":   &types.AttributeValueMemberS{Value: string(ClaimFailed)},
		":reason": &types.AttributeValueMemberS{Value: reason},
	}, nil)
}

func (s *DynamoClaimStore) settle(ctx context.Context, key, owner, update string, values map[string]types.AttributeValue, extraNames map[string]string) error {
	values[":owner"] = &types.AttributeValueMemberS{Value: owner}
	values[":claimed"] = &types.AttributeValueMemberS{Value: string(ClaimClaimed)}
	values[":updated"] = &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)}
	names := map[string]string{"#state": "state", "#owner": "owner"}
	for k, v := range extraNames {
		names[k] = v
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"claimKey": &types.AttributeValueMemberS{Value: key},
		},
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String("#owner = :owner AND #state = :claimed"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return ErrClaimLost
		}
		return fmt.Errorf("reconcile: failed to update claim: %w", err)
	}
	return nil
}

func (s *DynamoClaimStore) get(ctx context.Context, key string) (Claim, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		ConsistentRead: aws.Bool(true),
		Key: map[string]types.AttributeValue{
			"claimKey": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return Claim{}, fmt.Errorf("reconcile: failed to fetch claim: %w", err)
	}
	if out.Item == nil {
		return Claim{}, fmt.Errorf("reconcile: claim %s vanished after conditional check", key)
	}
	var rec claimRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return Claim{}, fmt.Errorf("reconcile: failed to decode claim: %w", err)
	}
	return rec.claim(), nil
}
