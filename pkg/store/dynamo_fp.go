package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/MultiplicityFoundation/phase-mirror/pkg/contracts"
)

// FindingIndex is the GSI projecting FP events by finding id.
const FindingIndex = "finding-index"

// fpItem is the DynamoDB row layout for one FP event. The table's TTL
// attribute is expires_at (epoch seconds).
type fpItem struct {
	PK        string `dynamodbav:"pk"` // "rule#" + ruleId
	SK        string `dynamodbav:"sk"` // "event#" + ISO + "#" + eventId
	FindingID string `dynamodbav:"finding_id"`
	ExpiresAt int64  `dynamodbav:"expires_at"`

	Event contracts.FPEvent `dynamodbav:"event"`
}

func fpPK(ruleID string) string { return "rule#" + ruleID }

func fpSK(e contracts.FPEvent) string {
	return "event#" + e.Timestamp.UTC().Format(time.RFC3339) + "#" + e.EventID
}

// DynamoFPStore is the cloud FPStore on a DynamoDB table.
type DynamoFPStore struct {
	client *dynamodb.Client
	table  string
	clock  Clock
}

// NewDynamoFPStore wraps an existing DynamoDB client.
func NewDynamoFPStore(client *dynamodb.Client, table string, clock Clock) *DynamoFPStore {
	if clock == nil {
		clock = WallClock()
	}
	return &DynamoFPStore{client: client, table: table, clock: clock}
}

// RecordEvent inserts the event with a conditional put so retries with the
// same event id do not produce duplicates.
func (s *DynamoFPStore) RecordEvent(ctx context.Context, e contracts.FPEvent) error {
	item, err := attributevalue.MarshalMap(fpItem{
		PK:        fpPK(e.RuleID),
		SK:        fpSK(e),
		FindingID: e.FindingID,
		ExpiresAt: e.Timestamp.Add(FPEventTTL).Unix(),
		Event:     e,
	})
	if err != nil {
		return fmt.Errorf("marshal fp event: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk) AND attribute_not_exists(sk)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("put fp event: %w", err)
	}
	return nil
}

// GetWindowByCount returns up to n live events for the rule, newest first.
func (s *DynamoFPStore) GetWindowByCount(ctx context.Context, ruleID string, n int) ([]contracts.FPEvent, error) {
	return s.query(ctx, ruleID, "event#", int32(n))
}

// GetWindowBySince returns live events at or after since, newest first.
func (s *DynamoFPStore) GetWindowBySince(ctx context.Context, ruleID string, since time.Time) ([]contracts.FPEvent, error) {
	return s.query(ctx, ruleID, "event#"+since.UTC().Format(time.RFC3339), 0)
}

func (s *DynamoFPStore) query(ctx context.Context, ruleID, skFloor string, limit int32) ([]contracts.FPEvent, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("pk = :pk AND sk >= :sk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: fpPK(ruleID)},
			":sk": &types.AttributeValueMemberS{Value: skFloor},
		},
		ScanIndexForward: aws.Bool(false), // newest first
	}
	if limit > 0 {
		input.Limit = aws.Int32(limit)
	}
	out, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("query fp events: %w", err)
	}
	now := s.clock.Now().Unix()
	events := make([]contracts.FPEvent, 0, len(out.Items))
	for _, raw := range out.Items {
		var item fpItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("unmarshal fp event: %w", err)
		}
		// DynamoDB TTL eviction is lazy; treat past-expiry rows as gone.
		if item.ExpiresAt <= now {
			continue
		}
		events = append(events, item.Event)
	}
	return events, nil
}

// MarkFalsePositive transitions the finding's event to false-positive.
func (s *DynamoFPStore) MarkFalsePositive(ctx context.Context, findingID, reviewedBy, ticket string) error {
	item, err := s.findByFinding(ctx, findingID)
	if err != nil {
		return err
	}
	if item.Event.IsFalsePositive {
		return ErrAlreadyReviewed
	}
	now := s.clock.Now().UTC()
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: item.PK},
			"sk": &types.AttributeValueMemberS{Value: item.SK},
		},
		UpdateExpression: aws.String(
			"SET #e.is_false_positive = :t, #e.reviewed_by = :by, #e.reviewed_at = :at, #e.suppression_ticket = :tk"),
		ConditionExpression: aws.String("#e.is_false_positive = :f"),
		ExpressionAttributeNames: map[string]string{
			"#e": "event",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t":  &types.AttributeValueMemberBOOL{Value: true},
			":f":  &types.AttributeValueMemberBOOL{Value: false},
			":by": &types.AttributeValueMemberS{Value: reviewedBy},
			":at": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			":tk": &types.AttributeValueMemberS{Value: ticket},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrAlreadyReviewed
		}
		return fmt.Errorf("mark false positive: %w", err)
	}
	return nil
}

// IsFalsePositive reports whether the finding was marked false-positive.
func (s *DynamoFPStore) IsFalsePositive(ctx context.Context, ruleID, findingID string) (bool, error) {
	item, err := s.findByFinding(ctx, findingID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if item.PK != fpPK(ruleID) {
		return false, nil
	}
	if item.ExpiresAt <= s.clock.Now().Unix() {
		return false, nil
	}
	return item.Event.IsFalsePositive, nil
}

func (s *DynamoFPStore) findByFinding(ctx context.Context, findingID string) (fpItem, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(FindingIndex),
		KeyConditionExpression: aws.String("finding_id = :f"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":f": &types.AttributeValueMemberS{Value: findingID},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return fpItem{}, fmt.Errorf("query finding index: %w", err)
	}
	if len(out.Items) == 0 {
		return fpItem{}, ErrNotFound
	}
	var item fpItem
	if err := attributevalue.UnmarshalMap(out.Items[0], &item); err != nil {
		return fpItem{}, fmt.Errorf("unmarshal fp event: %w", err)
	}
	return item, nil
}

var _ FPStore = (*DynamoFPStore)(nil)
