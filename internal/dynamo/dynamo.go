// Package dynamo provides shared DynamoDB constants and client interfaces.
package dynamo

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

const (
	// Primary key attributes.
	AttrPK = "pk"
	AttrSK = "sk"

	// Partition key prefixes.
	PrefixAccount = "ACCOUNT#"
	PrefixMessage = "MSG#"
	PrefixBlob    = "BLOB#"

	// LSI sort key attributes.
	AttrLSI1SK = "lsi1sk"
	AttrLSI2SK = "lsi2sk"

	// Index names.
	IndexLSI1 = "lsi1"
	IndexLSI2 = "lsi2"
)

// Client defines the DynamoDB operations used by the repositories.
type Client interface {
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// TransactWriter is the narrow interface for executing composed transactions.
type TransactWriter interface {
	TransactWriteItems(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}
