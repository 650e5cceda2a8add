package delivery

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/chainseal/chainseal/internal/ledger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Archiver uploads an entry's canonical envelope to immutable storage
// and returns the object key it was stored under.
type Archiver interface {
	Archive(ctx context.Context, e *ledger.Entry, envelope []byte) (objectKey string, err error)
}

// S3ArchiverConfig configures the S3 archiver.
type S3ArchiverConfig struct {
	Bucket string
	Prefix string

	// RetentionDays, when > 0, applies a write-once object-lock
	// retention of that many days to every archived object. The bucket
	// must have object lock enabled.
	RetentionDays int
}

// S3Archiver writes canonical envelopes to
// <prefix>/<stream>/<yyyy>/<mm>/<dd>/<entryID>.json.
type S3Archiver struct {
	cfg      S3ArchiverConfig
	uploader *manager.Uploader
}

// NewS3Archiver builds an S3Archiver using the default AWS credential
// chain.
func NewS3Archiver(ctx context.Context, cfg S3ArchiverConfig) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3Archiver{cfg: cfg, uploader: manager.NewUploader(client)}, nil
}

// ObjectKey returns the date-partitioned key for an entry, using the
// entry's own timestamp so the key is stable across delivery retries.
func (a *S3Archiver) ObjectKey(e *ledger.Entry) string {
	ts := e.CreatedAt.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.Date()
	return path.Join(a.cfg.Prefix, e.StreamID,
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		e.ID+".json",
	)
}

// Archive implements Archiver.
func (a *S3Archiver) Archive(ctx context.Context, e *ledger.Entry, envelope []byte) (string, error) {
	key := a.ObjectKey(e)

	in := &s3.PutObjectInput{
		Bucket:               aws.String(a.cfg.Bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(envelope),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	}
	if a.cfg.RetentionDays > 0 {
		until := time.Now().UTC().AddDate(0, 0, a.cfg.RetentionDays)
		in.ObjectLockMode = s3types.ObjectLockModeGovernance
		in.ObjectLockRetainUntilDate = aws.Time(until)
	}

	if _, err := a.uploader.Upload(ctx, in); err != nil {
		return "", fmt.Errorf("s3 upload %s: %w", key, err)
	}
	return key, nil
}
