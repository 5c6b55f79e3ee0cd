// Package s3store reads and writes job snapshots as JSON objects in an S3 or
// S3-compatible bucket.
//
// Object layout:
//
//	<prefix><job_id>.json
//
// S3 has no change-event transport reachable from the watcher, so this store
// is observed through polling only.
package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/evalwatch/pkg/jobstate"
	"github.com/3leaps/evalwatch/pkg/jobstore"
)

const backendName = "s3"

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Compile-time interface checks.
var (
	_ jobstore.Reader = (*Store)(nil)
	_ jobstore.Writer = (*Store)(nil)
	_ jobstore.Lister = (*Store)(nil)
)

// Config configures an S3-backed store.
//
// Credentials follow the AWS SDK v2 default chain unless AccessKeyID and
// SecretAccessKey are both set.
type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// ConfigError reports an invalid configuration field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("s3 store config: %s: %s", e.Field, e.Message)
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// objectAPI is the subset of the S3 client the store uses.
type objectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type Store struct {
	client objectAPI
	bucket string
	prefix string
	now    func() time.Time
}

// New creates a store using AWS SDK v2 configuration resolution.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &jobstore.StoreError{Op: "New", Backend: backendName, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newWithClient(client, cfg), nil
}

func newWithClient(client objectAPI, cfg Config) *Store {
	return &Store{
		client: client,
		bucket: strings.TrimSpace(cfg.Bucket),
		prefix: normalizePrefix(cfg.Prefix),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Region, cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// resolveRegion defaults AWS (non-custom endpoint) stores to us-east-1.
func resolveRegion(configured, endpoint, resolved string) string {
	if configured != "" {
		return configured
	}
	if resolved != "" {
		return resolved
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimLeft(strings.TrimSpace(prefix), "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

// Key returns the object key for jobID.
func (s *Store) Key(jobID string) string {
	return s.prefix + jobID + ".json"
}

// FetchJob reads the job object.
func (s *Store) FetchJob(ctx context.Context, jobID string) (jobstate.Job, error) {
	jobID = strings.TrimSpace(jobID)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.Key(jobID)),
	})
	if err != nil {
		return jobstate.Job{}, s.wrapError("Fetch", jobID, err)
	}
	defer func() { _ = out.Body.Close() }()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return jobstate.Job{}, s.wrapError("Fetch", jobID, err)
	}
	var job jobstate.Job
	if err := json.Unmarshal(b, &job); err != nil {
		return jobstate.Job{}, fmt.Errorf("parse job object %s: %w", s.Key(jobID), err)
	}
	return job, nil
}

// PutJob writes the job object after checking the status transition against
// the stored object. S3 offers no compare-and-swap here, so concurrent
// writers can race; job producers are expected to be single-writer per id.
func (s *Store) PutJob(ctx context.Context, job jobstate.Job) error {
	job.ID = strings.TrimSpace(job.ID)

	var current *jobstate.Job
	existing, err := s.FetchJob(ctx, job.ID)
	switch {
	case err == nil:
		current = &existing
	case !jobstore.IsNotFound(err):
		return err
	}
	jobstore.StampUpdatedAt(&job, current, s.now())
	if err := jobstore.CheckTransition(current, job); err != nil {
		return err
	}

	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.Key(job.ID)),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return s.wrapError("Put", job.ID, err)
	}
	return nil
}

// ListJobs reads every job object under the prefix, newest first.
// Objects that fail to load are skipped.
func (s *Store) ListJobs(ctx context.Context) ([]jobstate.Job, error) {
	var (
		out   []jobstate.Job
		token *string
	)
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, s.wrapError("List", "", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			name := strings.TrimPrefix(key, s.prefix)
			if strings.Contains(name, "/") || !strings.HasSuffix(name, ".json") {
				continue
			}
			job, err := s.FetchJob(ctx, strings.TrimSuffix(name, ".json"))
			if err != nil {
				continue
			}
			out = append(out, job)
		}
		if !aws.ToBool(page.IsTruncated) || page.NextContinuationToken == nil {
			break
		}
		token = page.NextContinuationToken
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// wrapError maps S3 errors onto jobstore sentinels.
func (s *Store) wrapError(op, jobID string, err error) error {
	wrapped := &jobstore.StoreError{Op: op, Backend: backendName, JobID: jobID, Detail: s.bucket, Err: err}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		wrapped.Err = jobstore.ErrNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			wrapped.Err = jobstore.ErrNotFound
		}
	}
	return wrapped
}
