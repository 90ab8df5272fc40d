package callback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/guregu/dynamo/v2"
)

// RecordRow is the DynamoDB item of a callback record.
type RecordRow struct {
	SubmissionID string    `dynamo:"submission_id,hash"` // partition key
	State        string    `dynamo:"state"`
	LastCallback string    `dynamo:"last_callback"`
	ResultRef    string    `dynamo:"result_ref"`
	ErrorMsg     string    `dynamo:"error_msg"`
	CreatedAt    time.Time `dynamo:"created_at"`
	UpdatedAt    time.Time `dynamo:"updated_at"`
	Version      int64     `dynamo:"version"` // For optimistic locking
}

type DynamoDbRepo struct {
	table dynamo.Table
}

func NewDynamoDbRepo(ddbClient *dynamodb.Client, tableName string) *DynamoDbRepo {
	db := dynamo.NewFromIface(ddbClient)
	return &DynamoDbRepo{table: db.Table(tableName)}
}

func toRow(rec Record) RecordRow {
	return RecordRow{
		SubmissionID: rec.SubmissionID,
		State:        string(rec.State),
		LastCallback: string(rec.LastCallback),
		ResultRef:    rec.ResultRef,
		ErrorMsg:     rec.ErrorMsg,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
		Version:      rec.Version,
	}
}

func (row RecordRow) record() Record {
	return Record{
		SubmissionID: row.SubmissionID,
		State:        State(row.State),
		LastCallback: Type(row.LastCallback),
		ResultRef:    row.ResultRef,
		ErrorMsg:     row.ErrorMsg,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
		Version:      row.Version,
	}
}

func (r *DynamoDbRepo) Create(ctx context.Context, rec Record) error {
	err := r.table.Put(toRow(rec)).If("attribute_not_exists(submission_id)").Run(ctx)
	if err != nil {
		if dynamo.IsCondCheckFailed(err) {
			return ErrAlreadyRegistered().SetDebug(err)
		}
		return fmt.Errorf("failed to put callback record: %w", err)
	}
	return nil
}

func (r *DynamoDbRepo) Get(ctx context.Context, id string) (Record, error) {
	var row RecordRow
	err := r.table.Get("submission_id", id).One(ctx, &row)
	if err != nil {
		if errors.Is(err, dynamo.ErrNotFound) {
			return Record{}, ErrSubmissionNotFound().SetDebug(err)
		}
		return Record{}, fmt.Errorf("failed to get callback record: %w", err)
	}
	return row.record(), nil
}

func (r *DynamoDbRepo) Update(ctx context.Context, rec Record) error {
	err := r.table.Put(toRow(rec)).If("version = ?", rec.Version-1).Run(ctx)
	if err != nil {
		if dynamo.IsCondCheckFailed(err) {
			return fmt.Errorf("%w: %v", ErrVersionConflict, err)
		}
		return fmt.Errorf("failed to put callback record: %w", err)
	}
	return nil
}
