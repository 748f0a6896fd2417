package email

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/harbormail/jmap-backend/internal/canonical"
	"github.com/harbormail/jmap-backend/internal/dynamo"
)

// Token key prefix for address search tokens.
const PrefixTok = "TOK#"

// TokenField identifies which address field a token belongs to.
type TokenField string

const (
	TokenFieldFrom TokenField = "FROM"
	TokenFieldTo   TokenField = "TO"
	TokenFieldCC   TokenField = "CC"
	TokenFieldBcc  TokenField = "BCC"
)

// TokenEntry represents a single address search token in DynamoDB.
type TokenEntry struct {
	AccountID  string
	Field      TokenField
	Token      string
	ReceivedAt time.Time
	EmailID    string
}

// SK returns the DynamoDB sort key for a token entry.
// Format: TOK#FROM#john#RCVD#2024-01-20T10:30:45Z#email-456
func (t *TokenEntry) SK() string {
	return fmt.Sprintf("%s%s#%s#%s%s#%s",
		PrefixTok, t.Field, t.Token, PrefixRcvd,
		t.ReceivedAt.UTC().Format(time.RFC3339), t.EmailID)
}

// TokenRepository handles address token operations.
type TokenRepository struct {
	client    dynamo.Client
	tableName string
}

// NewTokenRepository creates a new TokenRepository.
func NewTokenRepository(client dynamo.Client, tableName string) *TokenRepository {
	return &TokenRepository{
		client:    client,
		tableName: tableName,
	}
}

// WriteTokens writes address token entries for an email. Token writes run
// outside the main transaction; they are derived data and safe to replay.
func (r *TokenRepository) WriteTokens(ctx context.Context, accountID, emailID string, receivedAt time.Time, msg *canonical.Message) error {
	for _, entry := range buildTokenEntries(accountID, emailID, receivedAt, msg) {
		_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(r.tableName),
			Item: map[string]types.AttributeValue{
				dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.PrefixAccount + entry.AccountID},
				dynamo.AttrSK: &types.AttributeValueMemberS{Value: entry.SK()},
				AttrEmailID:   &types.AttributeValueMemberS{Value: entry.EmailID},
			},
		})
		if err != nil {
			return fmt.Errorf("put token %s: %w", entry.SK(), err)
		}
	}
	return nil
}

// DeleteTokens deletes all address token entries for an email.
// Re-tokenizes from the canonical message to determine which tokens to delete.
func (r *TokenRepository) DeleteTokens(ctx context.Context, accountID, emailID string, receivedAt time.Time, msg *canonical.Message) error {
	for _, entry := range buildTokenEntries(accountID, emailID, receivedAt, msg) {
		_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(r.tableName),
			Key: map[string]types.AttributeValue{
				dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.PrefixAccount + entry.AccountID},
				dynamo.AttrSK: &types.AttributeValueMemberS{Value: entry.SK()},
			},
		})
		if err != nil {
			return fmt.Errorf("delete token %s: %w", entry.SK(), err)
		}
	}
	return nil
}

// QueryTokens queries token entries matching a field + prefix combination.
// Returns matching email IDs sorted by receivedAt.
func (r *TokenRepository) QueryTokens(ctx context.Context, accountID string, field TokenField, tokenPrefix string, limit int32, scanForward bool) ([]string, error) {
	skPrefix := fmt.Sprintf("%s%s#%s", PrefixTok, field, tokenPrefix)

	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String(dynamo.AttrPK + " = :pk AND begins_with(" + dynamo.AttrSK + ", :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: dynamo.PrefixAccount + accountID},
			":skPrefix": &types.AttributeValueMemberS{Value: skPrefix},
		},
		ScanIndexForward: aws.Bool(scanForward),
		Limit:            aws.Int32(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}

	ids := make([]string, 0, len(output.Items))
	for _, item := range output.Items {
		if v, ok := item[AttrEmailID].(*types.AttributeValueMemberS); ok {
			ids = append(ids, v.Value)
		}
	}
	return ids, nil
}

// buildTokenEntries creates token entries for all address fields of a
// canonical message.
func buildTokenEntries(accountID, emailID string, receivedAt time.Time, msg *canonical.Message) []TokenEntry {
	var entries []TokenEntry

	addField := func(field TokenField, addrs []canonical.Address) {
		for _, tok := range TokenizeAddresses(addrs) {
			entries = append(entries, TokenEntry{
				AccountID:  accountID,
				Field:      field,
				Token:      tok,
				ReceivedAt: receivedAt,
				EmailID:    emailID,
			})
		}
	}

	addField(TokenFieldFrom, msg.From)
	addField(TokenFieldTo, msg.To)
	addField(TokenFieldCC, msg.CC)
	addField(TokenFieldBcc, msg.BCC)

	return entries
}
