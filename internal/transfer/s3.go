package transfer

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kebairia/sitebackup/internal/logger"
)

const defaultStorageClass = "STANDARD_IA"

// s3Method puts objects into an S3-compatible bucket. Uploads are not
// throttled: the SDK needs a seekable body to sign the payload.
type s3Method struct {
	log logger.Logger
}

func s3Client(srv Server) *s3.Client {
	region := srv.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := s3.Options{
		Region:                     region,
		Credentials:                credentials.NewStaticCredentialsProvider(srv.AccessKey, srv.SecretKey, ""),
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	}
	if srv.Endpoint != "" {
		opts.BaseEndpoint = aws.String(srv.Endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts)
}

func objectKey(srv Server, file string) string {
	return strings.TrimPrefix(remotePath(srv, file), "/")
}

func (m *s3Method) Upload(ctx context.Context, file string, srv Server) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	class := srv.StorageClass
	if class == "" {
		class = defaultStorageClass
	}
	_, err = s3Client(srv).PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(srv.Bucket),
		Key:           aws.String(objectKey(srv, file)),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		StorageClass:  s3types.StorageClass(class),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// Verify compares the object's ETag with the local MD5. A multipart ETag
// (one containing "-") is not a content hash and is accepted as is.
func (m *s3Method) Verify(ctx context.Context, file string, srv Server) error {
	out, err := s3Client(srv).HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(srv.Bucket),
		Key:    aws.String(objectKey(srv, file)),
	})
	if err != nil {
		return fmt.Errorf("head object: %w", err)
	}
	etag := strings.Trim(aws.ToString(out.ETag), `"`)
	if strings.Contains(etag, "-") {
		if m.log != nil {
			m.log.Warn("multipart etag cannot be verified, assuming success", "file", path.Base(file), "etag", etag)
		}
		return nil
	}
	local, err := MD5File(file)
	if err != nil {
		return err
	}
	return compareHash(local, etag)
}

func (m *s3Method) Test(ctx context.Context, srv Server) error {
	prefix := strings.TrimPrefix(srv.Path, "/")
	_, err := s3Client(srv).ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(srv.Bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("list objects: %w", err)
	}
	return nil
}

// Cleanup is left to the bucket's lifecycle policy.
func (m *s3Method) Cleanup(ctx context.Context, srv Server, days int) error {
	if m.log != nil {
		m.log.Info("s3 cleanup is deferred to bucket lifecycle policies", "server", srv.ID, "bucket", srv.Bucket)
	}
	return nil
}
