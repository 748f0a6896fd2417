package canonical

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/harbormail/jmap-backend/internal/dynamo"
)

// Error types for repository operations.
var (
	ErrMessageNotFound = errors.New("canonical message not found")
)

// Repository handles canonical message storage in DynamoDB.
type Repository struct {
	client    dynamo.Client
	tableName string
}

// NewRepository creates a new Repository.
func NewRepository(client dynamo.Client, tableName string) *Repository {
	return &Repository{
		client:    client,
		tableName: tableName,
	}
}

// GetMessage retrieves a canonical message by ingest ID.
func (r *Repository) GetMessage(ctx context.Context, ingestID string) (*Message, error) {
	msg := &Message{IngestID: ingestID}

	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: msg.PK()},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: msg.SK()},
		},
	})
	if err != nil {
		return nil, err
	}
	if output.Item == nil {
		return nil, ErrMessageNotFound
	}

	return unmarshalMessage(output.Item), nil
}

// MessageExists reports whether a canonical message row exists for the
// ingest ID, without fetching the full item.
func (r *Repository) MessageExists(ctx context.Context, ingestID string) (bool, error) {
	msg := &Message{IngestID: ingestID}

	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: msg.PK()},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: msg.SK()},
		},
		ProjectionExpression: aws.String(dynamo.AttrPK),
	})
	if err != nil {
		return false, err
	}
	return output.Item != nil, nil
}

// BuildUpsertItem returns the transaction item writing the metadata row.
// The write is unconditional: the ingest ID is a content hash, so a second
// ingestion of identical bytes overwrites the row with identical values.
func (r *Repository) BuildUpsertItem(msg *Message) types.TransactWriteItem {
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(r.tableName),
			Item:      marshalMessage(msg),
		},
	}
}

// BuildPutReferenceItem returns the transaction item recording that an
// AccountMessage uses this canonical message.
func (r *Repository) BuildPutReferenceItem(ref *Reference) types.TransactWriteItem {
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(r.tableName),
			Item: map[string]types.AttributeValue{
				dynamo.AttrPK: &types.AttributeValueMemberS{Value: ref.PK()},
				dynamo.AttrSK: &types.AttributeValueMemberS{Value: ref.SK()},
				AttrIngestID:  &types.AttributeValueMemberS{Value: ref.IngestID},
				AttrAccountID: &types.AttributeValueMemberS{Value: ref.AccountID},
				AttrEmailID:   &types.AttributeValueMemberS{Value: ref.EmailID},
			},
		},
	}
}

// BuildDeleteReferenceItem returns the transaction item removing a reference.
func (r *Repository) BuildDeleteReferenceItem(ref *Reference) types.TransactWriteItem {
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(r.tableName),
			Key: map[string]types.AttributeValue{
				dynamo.AttrPK: &types.AttributeValueMemberS{Value: ref.PK()},
				dynamo.AttrSK: &types.AttributeValueMemberS{Value: ref.SK()},
			},
		},
	}
}

// BuildDeleteMessageItem returns the transaction item removing the metadata
// row. Only issued by cleanup once HasReferences reports none remain.
func (r *Repository) BuildDeleteMessageItem(ingestID string) types.TransactWriteItem {
	msg := &Message{IngestID: ingestID}
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: aws.String(r.tableName),
			Key: map[string]types.AttributeValue{
				dynamo.AttrPK: &types.AttributeValueMemberS{Value: msg.PK()},
				dynamo.AttrSK: &types.AttributeValueMemberS{Value: msg.SK()},
			},
		},
	}
}

// HasReferences reports whether any AccountMessage still references the
// canonical message. The exclude reference (the one being destroyed) is not
// counted.
func (r *Repository) HasReferences(ctx context.Context, ingestID string, exclude *Reference) (bool, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String(dynamo.AttrPK + " = :pk AND begins_with(" + dynamo.AttrSK + ", :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: dynamo.PrefixMessage + ingestID},
			":prefix": &types.AttributeValueMemberS{Value: PrefixRef},
		},
		Limit: aws.Int32(2),
	})
	if err != nil {
		return false, err
	}

	for _, item := range output.Items {
		if exclude != nil {
			if sk, ok := item[dynamo.AttrSK].(*types.AttributeValueMemberS); ok && sk.Value == exclude.SK() {
				continue
			}
		}
		return true, nil
	}
	return false, nil
}

func marshalMessage(msg *Message) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		dynamo.AttrPK:     &types.AttributeValueMemberS{Value: msg.PK()},
		dynamo.AttrSK:     &types.AttributeValueMemberS{Value: msg.SK()},
		AttrIngestID:      &types.AttributeValueMemberS{Value: msg.IngestID},
		AttrRawBlobID:     &types.AttributeValueMemberS{Value: msg.RawBlobID},
		AttrSize:          &types.AttributeValueMemberN{Value: strconv.FormatInt(msg.Size, 10)},
		AttrHasAttachment: &types.AttributeValueMemberBOOL{Value: msg.HasAttachment},
		AttrSubject:       &types.AttributeValueMemberS{Value: msg.Subject},
		AttrPreview:       &types.AttributeValueMemberS{Value: msg.Preview},
		AttrCreatedAt:     &types.AttributeValueMemberS{Value: msg.CreatedAt.UTC().Format(time.RFC3339)},
	}

	if len(msg.From) > 0 {
		item[AttrFrom] = marshalAddressList(msg.From)
	}
	if len(msg.Sender) > 0 {
		item[AttrSender] = marshalAddressList(msg.Sender)
	}
	if len(msg.To) > 0 {
		item[AttrTo] = marshalAddressList(msg.To)
	}
	if len(msg.CC) > 0 {
		item[AttrCC] = marshalAddressList(msg.CC)
	}
	if len(msg.BCC) > 0 {
		item[AttrBcc] = marshalAddressList(msg.BCC)
	}
	if len(msg.ReplyTo) > 0 {
		item[AttrReplyTo] = marshalAddressList(msg.ReplyTo)
	}
	if !msg.SentAt.IsZero() {
		item[AttrSentAt] = &types.AttributeValueMemberS{Value: msg.SentAt.UTC().Format(time.RFC3339)}
	}
	if len(msg.MessageID) > 0 {
		item[AttrMessageID] = marshalStringList(msg.MessageID)
	}
	if len(msg.InReplyTo) > 0 {
		item[AttrInReplyTo] = marshalStringList(msg.InReplyTo)
	}
	if len(msg.References) > 0 {
		item[AttrReferences] = marshalStringList(msg.References)
	}
	if len(msg.TextBody) > 0 {
		item[AttrTextBody] = marshalStringList(msg.TextBody)
	}
	if len(msg.HTMLBody) > 0 {
		item[AttrHTMLBody] = marshalStringList(msg.HTMLBody)
	}

	// Structured fields serialize as JSON strings.
	if msg.BodyStructure.PartID != "" {
		b, _ := json.Marshal(msg.BodyStructure)
		item[AttrBodyStructure] = &types.AttributeValueMemberS{Value: string(b)}
	}
	if len(msg.Attachments) > 0 {
		b, _ := json.Marshal(msg.Attachments)
		item[AttrAttachments] = &types.AttributeValueMemberS{Value: string(b)}
	}

	return item
}

func unmarshalMessage(item map[string]types.AttributeValue) *Message {
	msg := &Message{}

	if v, ok := item[AttrIngestID].(*types.AttributeValueMemberS); ok {
		msg.IngestID = v.Value
	}
	if v, ok := item[AttrRawBlobID].(*types.AttributeValueMemberS); ok {
		msg.RawBlobID = v.Value
	}
	if v, ok := item[AttrSize].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			msg.Size = n
		}
	}
	if v, ok := item[AttrHasAttachment].(*types.AttributeValueMemberBOOL); ok {
		msg.HasAttachment = v.Value
	}
	if v, ok := item[AttrSubject].(*types.AttributeValueMemberS); ok {
		msg.Subject = v.Value
	}
	if v, ok := item[AttrPreview].(*types.AttributeValueMemberS); ok {
		msg.Preview = v.Value
	}
	if v, ok := item[AttrFrom].(*types.AttributeValueMemberL); ok {
		msg.From = unmarshalAddressList(v.Value)
	}
	if v, ok := item[AttrSender].(*types.AttributeValueMemberL); ok {
		msg.Sender = unmarshalAddressList(v.Value)
	}
	if v, ok := item[AttrTo].(*types.AttributeValueMemberL); ok {
		msg.To = unmarshalAddressList(v.Value)
	}
	if v, ok := item[AttrCC].(*types.AttributeValueMemberL); ok {
		msg.CC = unmarshalAddressList(v.Value)
	}
	if v, ok := item[AttrBcc].(*types.AttributeValueMemberL); ok {
		msg.BCC = unmarshalAddressList(v.Value)
	}
	if v, ok := item[AttrReplyTo].(*types.AttributeValueMemberL); ok {
		msg.ReplyTo = unmarshalAddressList(v.Value)
	}
	if v, ok := item[AttrSentAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			msg.SentAt = t
		}
	}
	if v, ok := item[AttrMessageID].(*types.AttributeValueMemberL); ok {
		msg.MessageID = unmarshalStringList(v.Value)
	}
	if v, ok := item[AttrInReplyTo].(*types.AttributeValueMemberL); ok {
		msg.InReplyTo = unmarshalStringList(v.Value)
	}
	if v, ok := item[AttrReferences].(*types.AttributeValueMemberL); ok {
		msg.References = unmarshalStringList(v.Value)
	}
	if v, ok := item[AttrTextBody].(*types.AttributeValueMemberL); ok {
		msg.TextBody = unmarshalStringList(v.Value)
	}
	if v, ok := item[AttrHTMLBody].(*types.AttributeValueMemberL); ok {
		msg.HTMLBody = unmarshalStringList(v.Value)
	}
	if v, ok := item[AttrBodyStructure].(*types.AttributeValueMemberS); ok {
		_ = json.Unmarshal([]byte(v.Value), &msg.BodyStructure)
	}
	if v, ok := item[AttrAttachments].(*types.AttributeValueMemberS); ok {
		_ = json.Unmarshal([]byte(v.Value), &msg.Attachments)
	}
	if v, ok := item[AttrCreatedAt].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			msg.CreatedAt = t
		}
	}

	return msg
}

func marshalAddressList(addrs []Address) types.AttributeValue {
	list := make([]types.AttributeValue, len(addrs))
	for i, addr := range addrs {
		list[i] = &types.AttributeValueMemberM{
			Value: map[string]types.AttributeValue{
				"name":  &types.AttributeValueMemberS{Value: addr.Name},
				"email": &types.AttributeValueMemberS{Value: addr.Email},
			},
		}
	}
	return &types.AttributeValueMemberL{Value: list}
}

func unmarshalAddressList(list []types.AttributeValue) []Address {
	addrs := make([]Address, 0, len(list))
	for _, item := range list {
		if m, ok := item.(*types.AttributeValueMemberM); ok {
			addr := Address{}
			if v, ok := m.Value["name"].(*types.AttributeValueMemberS); ok {
				addr.Name = v.Value
			}
			if v, ok := m.Value["email"].(*types.AttributeValueMemberS); ok {
				addr.Email = v.Value
			}
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

func marshalStringList(strs []string) types.AttributeValue {
	list := make([]types.AttributeValue, len(strs))
	for i, s := range strs {
		list[i] = &types.AttributeValueMemberS{Value: s}
	}
	return &types.AttributeValueMemberL{Value: list}
}

func unmarshalStringList(list []types.AttributeValue) []string {
	strs := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(*types.AttributeValueMemberS); ok {
			strs = append(strs, s.Value)
		}
	}
	return strs
}
