package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/evbridge/circulator/src/record"
)

// s3API is the subset of the S3 client the sink needs, so tests can supply
// a fake rather than pulling in aws-sdk-go-v2's full client surface.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3BatchSink archives one batch as one JSON object per Put call — a
// durable, replayable downstream distinct from the Redis sink's
// fire-and-forget list push.
type S3BatchSink struct {
	client s3API
	bucket string
	prefix string
}

// NewS3BatchSink wraps an existing s3.Client (or any s3API implementation).
func NewS3BatchSink(client s3API, bucket, prefix string) *S3BatchSink {
	return &S3BatchSink{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3BatchSink) Put(ctx context.Context, records []*record.ConnectRecord) error {
	if len(records) == 0 {
		return nil
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("s3 sink: encode batch: %w", err)
	}
	runner := records[0].Runner
	key := fmt.Sprintf("%s/%s/%d-%s.json", s.prefix, runner, time.Now().UnixNano(), uuid.NewString())
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return fmt.Errorf("s3 sink: put object %s: %w", key, err)
	}
	return nil
}
