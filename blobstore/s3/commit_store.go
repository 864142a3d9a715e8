package s3

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/quiverdb/quiver/blobstore"
)

// DDBClient is the subset of the DynamoDB API the commit store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// CommitStore wraps an S3 Store and routes PutIfAbsent through DynamoDB
// conditional writes. Use it when the endpoint does not honor S3
// If-None-Match (older S3-compatible object stores).
//
// DynamoDB acts as a claim registry: a conditional PutItem atomically decides
// the winner for a key, after which the winner writes the bytes to S3. A
// crash between claim and write leaves a claimed key with no object; readers
// of the manifest log tolerate this and resolve the previous version.
//
// Table schema:
//   - Partition key: base_uri (string) - the S3 bucket/prefix
//   - Sort key: name (string) - the blob name
//
// Create with:
//
//	aws dynamodb create-table \
//	  --table-name quiver-commits \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=name,AttributeType=S \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=name,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type CommitStore struct {
	inner     *Store
	ddb       DDBClient
	tableName string
	baseURI   string
}

// NewCommitStore creates a CommitStore over an S3 store.
// baseURI should be the "s3://bucket/prefix" form used as the partition key.
func NewCommitStore(inner *Store, ddb DDBClient, tableName, baseURI string) *CommitStore {
	return &CommitStore{inner: inner, ddb: ddb, tableName: tableName, baseURI: baseURI}
}

// Open opens a blob for reading.
func (s *CommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	return s.inner.Open(ctx, name)
}

// Put writes through to S3.
func (s *CommitStore) Put(ctx context.Context, name string, data []byte) error {
	return s.inner.Put(ctx, name, data)
}

// PutIfAbsent claims the name in DynamoDB, then writes the bytes to S3.
// A lost claim returns blobstore.ErrAlreadyExists.
func (s *CommitStore) PutIfAbsent(ctx context.Context, name string, data []byte) error {
	_, err := s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"base_uri": &types.AttributeValueMemberS{Value: s.baseURI},
			"name":     &types.AttributeValueMemberS{Value: name},
		},
		ConditionExpression: aws.String("attribute_not_exists(#n)"),
		ExpressionAttributeNames: map[string]string{
			"#n": "name",
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return blobstore.ErrAlreadyExists
		}
		return err
	}

	return s.inner.Put(ctx, name, data)
}

// Delete removes the blob from S3 and releases the claim.
func (s *CommitStore) Delete(ctx context.Context, name string) error {
	if err := s.inner.Delete(ctx, name); err != nil {
		return err
	}
	_, err := s.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"base_uri": &types.AttributeValueMemberS{Value: s.baseURI},
			"name":     &types.AttributeValueMemberS{Value: name},
		},
	})
	return err
}

// List passes through to S3.
func (s *CommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}
