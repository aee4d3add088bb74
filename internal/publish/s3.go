package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/david/hazard-ingest/internal/ingest"
	"github.com/david/hazard-ingest/internal/models"
)

type S3Config struct {
	Bucket          string
	Region          string
	Prefix          string
	RoleARN         string // assumed via STS when set
	AccessKeyID     string // static credentials, used when both keys are set
	SecretAccessKey string
	Endpoint        string // S3-compatible endpoint; enables path-style addressing
	MaxAttempts     int
}

// S3Publisher archives each envelope as one object. A successful PutObject is
// the acknowledgement.
type S3Publisher struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Publisher(ctx context.Context, cfg S3Config) (*S3Publisher, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	if cfg.MaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.MaxAttempts))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	if cfg.RoleARN != "" {
		stsClient := sts.NewFromConfig(awsCfg)
		awsCfg.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, cfg.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = ServiceName
		}))
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Publisher{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// objectKey lays objects out as prefix/platform/yyyy/mm/dd/id.json.
func (p *S3Publisher) objectKey(env models.Envelope) string {
	return path.Join(
		p.prefix,
		url.PathEscape(env.Record.Platform),
		env.PublishedAt.Format("2006/01/02"),
		url.PathEscape(env.Record.ID)+".json",
	)
}

func (p *S3Publisher) Publish(ctx context.Context, rec models.NormalizedRecord) error {
	env, body, err := encode(rec)
	if err != nil {
		return err
	}

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(p.objectKey(env)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"message-id": env.MessageID.String(),
			"platform":   rec.Platform,
		},
	})
	if err != nil {
		return classifyS3Error(rec, err)
	}
	return nil
}

// classifyS3Error treats client errors as rejections (bad bucket, denied) and
// everything else, including throttling, as transport failures.
func classifyS3Error(rec models.NormalizedRecord, err error) error {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		status := re.HTTPStatusCode()
		if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
			return fmt.Errorf("%w: put %s: %v", ingest.ErrPublishRejected, rec.Key(), err)
		}
	}
	return fmt.Errorf("%w: put %s: %v", ingest.ErrPublishTransport, rec.Key(), err)
}

// Check verifies the bucket is reachable with the configured credentials.
func (p *S3Publisher) Check(ctx context.Context) error {
	if _, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)}); err != nil {
		return fmt.Errorf("%w: head bucket %s: %v", ingest.ErrPublishTransport, p.bucket, err)
	}
	return nil
}

func (p *S3Publisher) Close() error { return nil }
