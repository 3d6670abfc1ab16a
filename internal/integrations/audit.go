package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ronappleton/mitigation-orchestrator/internal/workflow"
)

// WriterAuditSink writes one JSON document per record.
type WriterAuditSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterAuditSink(w io.Writer) *WriterAuditSink {
	if w == nil {
		w = os.Stdout
	}
	return &WriterAuditSink{w: w}
}

func (s *WriterAuditSink) Record(_ context.Context, rec workflow.AuditRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(raw, '\n'))
	return err
}

// PutObjectAPI is the part of the S3 client the audit sink needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3AuditSink archives records as objects keyed by execution and record id.
type S3AuditSink struct {
	client PutObjectAPI
	bucket string
	prefix string
}

func NewS3AuditSink(client PutObjectAPI, bucket, prefix string) *S3AuditSink {
	return &S3AuditSink{client: client, bucket: bucket, prefix: prefix}
}

func NewS3AuditSinkFromEnv(ctx context.Context, region, bucket, prefix string) (*S3AuditSink, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3AuditSink(s3.NewFromConfig(awsCfg), bucket, prefix), nil
}

func (s *S3AuditSink) Key(rec workflow.AuditRecord) string {
	return s.prefix + rec.ExecutionID + "/" + rec.ID + ".json"
}

func (s *S3AuditSink) Record(ctx context.Context, rec workflow.AuditRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.Key(rec)),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put failed: %w", err)
	}
	return nil
}
