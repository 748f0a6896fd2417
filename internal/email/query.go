package email

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/harbormail/jmap-backend/internal/dynamo"
)

// QueryRequest describes an Email/query call after filter flattening.
type QueryRequest struct {
	InMailbox string
	Sort      []SortComparator
	Position  int
	Limit     int
}

// SortComparator is one sort key of a query. Only receivedAt ordering is
// supported by the storage layout.
type SortComparator struct {
	Property    string
	IsAscending bool
}

// QueryResult holds the ids matching a query.
type QueryResult struct {
	IDs      []string
	Position int
}

// QueryEmails returns email IDs matching the request. A mailbox filter
// queries membership rows; an unfiltered query lists by received date on
// the LSI.
func (r *Repository) QueryEmails(ctx context.Context, accountID string, req *QueryRequest) (*QueryResult, error) {
	pk := dynamo.PrefixAccount + accountID

	var queryInput *dynamodb.QueryInput
	if req.InMailbox != "" {
		queryInput = &dynamodb.QueryInput{
			TableName:              aws.String(r.tableName),
			KeyConditionExpression: aws.String(dynamo.AttrPK + " = :pk AND begins_with(" + dynamo.AttrSK + ", :skPrefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":       &types.AttributeValueMemberS{Value: pk},
				":skPrefix": &types.AttributeValueMemberS{Value: membershipPrefix(req.InMailbox)},
			},
		}
	} else {
		queryInput = &dynamodb.QueryInput{
			TableName:              aws.String(r.tableName),
			IndexName:              aws.String(dynamo.IndexLSI1),
			KeyConditionExpression: aws.String(dynamo.AttrPK + " = :pk AND begins_with(" + dynamo.AttrLSI1SK + ", :lsiPrefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":        &types.AttributeValueMemberS{Value: pk},
				":lsiPrefix": &types.AttributeValueMemberS{Value: PrefixRcvd},
			},
		}
	}

	// Default newest-first.
	scanForward := false
	if len(req.Sort) > 0 && req.Sort[0].IsAscending {
		scanForward = true
	}
	queryInput.ScanIndexForward = aws.Bool(scanForward)

	limit := req.Limit
	if limit <= 0 {
		limit = 25
	}
	// Fetch through the requested position to support offset pagination.
	queryInput.Limit = aws.Int32(int32(req.Position + limit))

	output, err := r.client.Query(ctx, queryInput)
	if err != nil {
		return nil, fmt.Errorf("failed to query emails: %w", err)
	}

	allIDs := make([]string, 0, len(output.Items))
	for _, item := range output.Items {
		if emailID, ok := item[AttrEmailID].(*types.AttributeValueMemberS); ok {
			allIDs = append(allIDs, emailID.Value)
		}
	}

	startIdx := min(req.Position, len(allIDs))
	endIdx := min(startIdx+limit, len(allIDs))

	return &QueryResult{
		IDs:      allIDs[startIdx:endIdx],
		Position: req.Position,
	}, nil
}
