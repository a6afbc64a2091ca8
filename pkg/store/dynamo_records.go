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

// DynamoRecordStore implements IdentityStore, ReputationStore and
// ConsentStore on a single-table DynamoDB layout. Row kinds are partitioned
// by pk prefix:
//
//	identity#<orgId>   / sk "identity"
//	binding#<orgId>    / sk "current"        (current binding, CAS on version)
//	binding-nonce#<n>  / sk "binding"        (historical bindings by nonce)
//	reputation#<orgId> / sk "reputation"
//	stake#<orgId>      / sk "stake"
//	contrib#<orgId>    / sk "contrib#"+ISO+"#"+ruleId
//	consent#<hash>     / sk "scope#"+scope
type DynamoRecordStore struct {
	client *dynamodb.Client
	table  string
	clock  Clock
}

// NewDynamoRecordStore wraps an existing DynamoDB client.
func NewDynamoRecordStore(client *dynamodb.Client, table string, clock Clock) *DynamoRecordStore {
	if clock == nil {
		clock = WallClock()
	}
	return &DynamoRecordStore{client: client, table: table, clock: clock}
}

func (s *DynamoRecordStore) put(ctx context.Context, pk, sk string, body any, condition *string, values map[string]types.AttributeValue) error {
	item, err := attributevalue.MarshalMap(map[string]any{"body": body})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	item["pk"] = &types.AttributeValueMemberS{Value: pk}
	item["sk"] = &types.AttributeValueMemberS{Value: sk}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.table),
		Item:                      item,
		ConditionExpression:       condition,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrConflict
		}
		return fmt.Errorf("put record %s: %w", pk, err)
	}
	return nil
}

func (s *DynamoRecordStore) get(ctx context.Context, pk, sk string, out any) error {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: pk},
			"sk": &types.AttributeValueMemberS{Value: sk},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("get record %s: %w", pk, err)
	}
	if resp.Item == nil {
		return ErrNotFound
	}
	body, ok := resp.Item["body"]
	if !ok {
		return ErrNotFound
	}
	if err := attributevalue.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal record %s: %w", pk, err)
	}
	return nil
}

// --- IdentityStore ---

func (s *DynamoRecordStore) PutIdentity(ctx context.Context, id contracts.OrganizationIdentity) error {
	return s.put(ctx, "identity#"+id.OrgID, "identity", id, nil, nil)
}

func (s *DynamoRecordStore) GetIdentity(ctx context.Context, orgID string) (contracts.OrganizationIdentity, error) {
	var id contracts.OrganizationIdentity
	err := s.get(ctx, "identity#"+orgID, "identity", &id)
	return id, err
}

// PutBinding writes the current binding under compare-and-set on version,
// and mirrors it into the nonce-keyed history row for rotation walks.
func (s *DynamoRecordStore) PutBinding(ctx context.Context, b contracts.NonceBinding, expectedVersion int64) error {
	b.Version = expectedVersion + 1
	var condition *string
	var values map[string]types.AttributeValue
	if expectedVersion == 0 {
		condition = aws.String("attribute_not_exists(pk)")
	} else {
		condition = aws.String("body.version = :v")
		values = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expectedVersion)},
		}
	}
	if err := s.put(ctx, "binding#"+b.OrgID, "current", b, condition, values); err != nil {
		return err
	}
	return s.put(ctx, "binding-nonce#"+b.Nonce, "binding", b, nil, nil)
}

func (s *DynamoRecordStore) GetBinding(ctx context.Context, orgID string) (contracts.NonceBinding, error) {
	var b contracts.NonceBinding
	err := s.get(ctx, "binding#"+orgID, "current", &b)
	return b, err
}

func (s *DynamoRecordStore) GetBindingByNonce(ctx context.Context, nonce string) (contracts.NonceBinding, error) {
	var b contracts.NonceBinding
	err := s.get(ctx, "binding-nonce#"+nonce, "binding", &b)
	return b, err
}

// --- ReputationStore ---

func (s *DynamoRecordStore) GetReputation(ctx context.Context, orgID string) (contracts.OrganizationReputation, error) {
	var rep contracts.OrganizationReputation
	err := s.get(ctx, "reputation#"+orgID, "reputation", &rep)
	return rep, err
}

func (s *DynamoRecordStore) PutReputation(ctx context.Context, rep contracts.OrganizationReputation) error {
	return s.put(ctx, "reputation#"+rep.OrgID, "reputation", rep, nil, nil)
}

func (s *DynamoRecordStore) GetStake(ctx context.Context, orgID string) (contracts.StakePledge, error) {
	var p contracts.StakePledge
	err := s.get(ctx, "stake#"+orgID, "stake", &p)
	return p, err
}

func (s *DynamoRecordStore) PutStake(ctx context.Context, pledge contracts.StakePledge) error {
	return s.put(ctx, "stake#"+pledge.OrgID, "stake", pledge, nil, nil)
}

func (s *DynamoRecordStore) AddContribution(ctx context.Context, rec contracts.ContributionRecord) error {
	sk := "contrib#" + rec.Timestamp.UTC().Format(time.RFC3339) + "#" + rec.RuleID
	return s.put(ctx, "contrib#"+rec.OrgID, sk, rec, nil, nil)
}

func (s *DynamoRecordStore) ListContributions(ctx context.Context, orgID string, since time.Time) ([]contracts.ContributionRecord, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("pk = :pk AND sk >= :sk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: "contrib#" + orgID},
			":sk": &types.AttributeValueMemberS{Value: "contrib#" + since.UTC().Format(time.RFC3339)},
		},
		ScanIndexForward: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("query contributions: %w", err)
	}
	records := make([]contracts.ContributionRecord, 0, len(out.Items))
	for _, raw := range out.Items {
		var rec contracts.ContributionRecord
		if err := attributevalue.Unmarshal(raw["body"], &rec); err != nil {
			return nil, fmt.Errorf("unmarshal contribution: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// ListReputationsByScore scans reputation rows; audit-path only, so a scan
// is acceptable.
func (s *DynamoRecordStore) ListReputationsByScore(ctx context.Context, minScore float64) ([]contracts.OrganizationReputation, error) {
	out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(s.table),
		FilterExpression: aws.String("begins_with(pk, :p) AND body.reputation_score >= :s"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberS{Value: "reputation#"},
			":s": &types.AttributeValueMemberN{Value: fmt.Sprintf("%g", minScore)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("scan reputations: %w", err)
	}
	reps := make([]contracts.OrganizationReputation, 0, len(out.Items))
	for _, raw := range out.Items {
		var rep contracts.OrganizationReputation
		if err := attributevalue.Unmarshal(raw["body"], &rep); err != nil {
			return nil, fmt.Errorf("unmarshal reputation: %w", err)
		}
		reps = append(reps, rep)
	}
	return reps, nil
}

// --- ConsentStore ---

func (s *DynamoRecordStore) Grant(ctx context.Context, rec contracts.ConsentRecord) error {
	return s.put(ctx, "consent#"+rec.OrgIDHash, "scope#"+rec.Scope, rec, nil, nil)
}

func (s *DynamoRecordStore) Revoke(ctx context.Context, orgIDHash, scope string) error {
	var rec contracts.ConsentRecord
	if err := s.get(ctx, "consent#"+orgIDHash, "scope#"+scope, &rec); err != nil {
		return err
	}
	rec.Revoked = true
	return s.Grant(ctx, rec)
}

func (s *DynamoRecordStore) HasValidConsent(ctx context.Context, orgIDHash, scope string) (bool, error) {
	var rec contracts.ConsentRecord
	err := s.get(ctx, "consent#"+orgIDHash, "scope#"+scope, &rec)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		// Fail closed: adapter errors deny consent.
		return false, err
	}
	return rec.Valid(s.clock.Now()), nil
}

var (
	_ IdentityStore   = (*DynamoRecordStore)(nil)
	_ ReputationStore = (*DynamoRecordStore)(nil)
	_ ConsentStore    = (*DynamoRecordStore)(nil)
)
