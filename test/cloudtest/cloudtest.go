// Package cloudtest runs job store tests against a local S3-compatible
// endpoint (moto), so no real AWS credentials are needed. Tests using this
// package should be tagged with //go:build cloudintegration.
//
// Usage:
//
//	func TestS3Store(t *testing.T) {
//	    cloudtest.SkipIfUnavailable(t)
//	    bucket := cloudtest.CreateBucket(t, ctx)
//	    store := cloudtest.NewStore(t, ctx, bucket, "jobs/evaluation")
//	    // ... test code ...
//	}
package cloudtest

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/3leaps/evalwatch/pkg/jobstore/s3store"
)

const (
	// DefaultEndpoint is the default moto server endpoint.
	// Port 5555 avoids conflict with macOS AirTunes on 5000.
	DefaultEndpoint = "http://localhost:5555"

	DefaultRegion = "us-east-1"

	// moto accepts any credentials.
	TestAccessKeyID     = "testing"
	TestSecretAccessKey = "testing"
)

var (
	// Endpoint is overridable via MOTO_ENDPOINT.
	Endpoint = getEnvOrDefault("MOTO_ENDPOINT", DefaultEndpoint)

	// Region is overridable via MOTO_REGION.
	Region = getEnvOrDefault("MOTO_REGION", DefaultRegion)

	client     *s3.Client
	clientOnce sync.Once
	clientErr  error
)

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// Available reports whether the moto server answers.
func Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// SkipIfUnavailable skips the test if moto is not running.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	if !Available() {
		t.Skipf("moto server not available at %s (start with: moto_server -p 5555)", Endpoint)
	}
}

// Client returns a shared S3 client configured for moto.
func Client() (*s3.Client, error) {
	clientOnce.Do(func() {
		cfg, err := config.LoadDefaultConfig(context.Background(),
			config.WithRegion(Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				TestAccessKeyID,
				TestSecretAccessKey,
				"",
			)),
		)
		if err != nil {
			clientErr = fmt.Errorf("load config: %w", err)
			return
		}
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(Endpoint)
			o.UsePathStyle = true
		})
	})
	return client, clientErr
}

// ClientT returns the S3 client, failing the test on error.
func ClientT(t *testing.T) *s3.Client {
	t.Helper()
	c, err := Client()
	if err != nil {
		t.Fatalf("failed to create S3 client: %v", err)
	}
	return c
}

// StoreConfig returns an s3store configuration pointing at moto.
func StoreConfig(bucket, prefix string) s3store.Config {
	return s3store.Config{
		Bucket:          bucket,
		Prefix:          prefix,
		Region:          Region,
		Endpoint:        Endpoint,
		AccessKeyID:     TestAccessKeyID,
		SecretAccessKey: TestSecretAccessKey,
		ForcePathStyle:  true,
	}
}

// NewStore opens a job store over bucket, failing the test on error.
func NewStore(t *testing.T, ctx context.Context, bucket, prefix string) *s3store.Store {
	t.Helper()
	st, err := s3store.New(ctx, StoreConfig(bucket, prefix))
	if err != nil {
		t.Fatalf("failed to open s3 job store: %v", err)
	}
	return st
}

// CreateBucket creates a uniquely named bucket and deletes it on cleanup.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()
	c := ClientT(t)

	name := strings.ToLower(t.Name())
	name = strings.NewReplacer("/", "-", "_", "-").Replace(name)
	// S3 bucket names max out at 63 characters.
	if len(name) > 50 {
		name = name[:50]
	}
	name = fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%100000)

	if _, err := c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("failed to create bucket %s: %v", name, err)
	}
	t.Cleanup(func() {
		DeleteBucket(t, context.Background(), name)
	})
	return name
}

// DeleteBucket deletes a bucket and all job records in it.
func DeleteBucket(t *testing.T, ctx context.Context, bucket string) {
	t.Helper()
	c := ClientT(t)

	paginator := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			t.Logf("warning: failed to list objects in bucket %s: %v", bucket, err)
			return
		}
		for _, obj := range page.Contents {
			if _, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: obj.Key}); err != nil {
				t.Logf("warning: failed to delete object %s: %v", aws.ToString(obj.Key), err)
			}
		}
	}

	if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Logf("warning: failed to delete bucket %s: %v", bucket, err)
	}
}

// PutRaw writes an object directly, bypassing the store's transition checks.
func PutRaw(t *testing.T, ctx context.Context, bucket, key string, content []byte) {
	t.Helper()
	_, err := ClientT(t).PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(string(content)),
	})
	if err != nil {
		t.Fatalf("failed to put object %s/%s: %v", bucket, key, err)
	}
}
