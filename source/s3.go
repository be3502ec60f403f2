package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/v2/log"
)

// ErrNotFound is returned when the S3 object does not exist.
var ErrNotFound = errors.New("object not found in s3 bucket")

// S3Params ...
type S3Params struct {
	Region          string
	Bucket          string
	Key             string
	AccessKeyID     string
	SecretAccessKey string
}

type s3Client interface {
	manager.DownloadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3 is a Source reading an object of an S3 bucket with ranged GET requests,
// so a chunk is fetched only when it is about to be sent.
type S3 struct {
	ctx         context.Context
	downloader  *manager.Downloader
	bucket      string
	key         string
	size        int64
	contentType string
}

// OpenS3 looks up the object described by params. Reads are bound to ctx.
func OpenS3(ctx context.Context, params S3Params, logger log.Logger) (*S3, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}
	if params.Key == "" {
		return nil, fmt.Errorf("key must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return openS3WithClient(ctx, s3.NewFromConfig(*cfg), params.Bucket, params.Key)
}

func openS3WithClient(ctx context.Context, client s3Client, bucket, key string) (*S3, error) {
	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiError smithy.APIError
		if errors.As(err, &apiError) {
			switch apiError.(type) {
			case *types.NotFound:
				return nil, fmt.Errorf("s3://%s/%s: %w", bucket, key, ErrNotFound)
			default:
				return nil, fmt.Errorf("aws api error: %w", err)
			}
		}
		return nil, fmt.Errorf("generic aws error: %w", err)
	}

	return &S3{
		ctx: ctx,
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.Concurrency = 1
		}),
		bucket:      bucket,
		key:         key,
		size:        aws.ToInt64(head.ContentLength),
		contentType: aws.ToString(head.ContentType),
	}, nil
}

func (o *S3) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= o.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	end := off + int64(len(p))
	if end > o.size {
		end = o.size
	}

	buf := manager.NewWriteAtBuffer(make([]byte, 0, end-off))
	n, err := o.downloader.Download(o.ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end-1)),
	})
	if err != nil {
		return 0, fmt.Errorf("download range of s3://%s/%s: %w", o.bucket, o.key, err)
	}

	copied := copy(p, buf.Bytes()[:n])
	if copied < len(p) {
		return copied, io.EOF
	}
	return copied, nil
}

// Name returns the last path segment of the object key.
func (o *S3) Name() string {
	return path.Base(o.key)
}

func (o *S3) Size() int64 {
	return o.size
}

func (o *S3) ContentType() string {
	return o.contentType
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("Using static aws credentials")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	} else {
		logger.Debugf("aws credentials not defined, loading credentials from environment...")
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
