package storage

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nijaru/scribe/config"
	apperrors "github.com/nijaru/scribe/errors"
	"github.com/nijaru/scribe/ledger"
)

// ObjectAPI is the subset of the S3 client the archiver needs.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Archiver copies ledgers to an S3 compatible bucket so a session can be
// resumed on another machine.
type Archiver struct {
	client ObjectAPI
	bucket string
	prefix string
}

func New(ctx context.Context, cfg config.StorageConfig) (*Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load SDK config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func NewWithClient(client ObjectAPI, bucket, prefix string) *Archiver {
	return &Archiver{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key derives the object key for a ledger from its absolute path, so two
// ledgers with the same name in different directories do not collide.
func (a *Archiver) Key(ledgerPath string) string {
	abs, err := filepath.Abs(ledgerPath)
	if err != nil {
		abs = ledgerPath
	}
	abs = filepath.ToSlash(filepath.Clean(abs))
	if vol := filepath.VolumeName(abs); vol != "" {
		abs = strings.TrimPrefix(abs, vol)
	}
	abs = strings.TrimLeft(abs, "/")
	if a.prefix == "" {
		return abs
	}
	return a.prefix + "/" + abs
}

// Upload stores the ledger at path and returns its key.
func (a *Archiver) Upload(ctx context.Context, path string) (string, error) {
	const op = "storage.Upload"

	f, err := os.Open(path)
	if err != nil {
		return "", apperrors.Internal(op, err, "failed to open ledger")
	}
	defer f.Close()

	key := a.Key(path)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("text/csv; charset=utf-8"),
		Metadata: map[string]string{
			"cursor": strconv.FormatFloat(ledger.ReadCursor(path), 'f', -1, 64),
		},
	})
	if err != nil {
		return "", apperrors.Unavailable(op, err, "failed to upload ledger")
	}

	logrus.WithFields(logrus.Fields{
		"bucket": a.bucket,
		"key":    key,
	}).Info("Ledger archived")
	return key, nil
}

// Restore downloads the archived copy of the ledger at path. A missing
// object yields a NotFound error and leaves path untouched.
func (a *Archiver) Restore(ctx context.Context, path string) error {
	const op = "storage.Restore"

	key := a.Key(path)
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if stderrors.As(err, &noKey) {
			return apperrors.NotFound(op, err, "no archived ledger")
		}
		return apperrors.Unavailable(op, err, "failed to download ledger")
	}
	defer out.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".restore-*.csv")
	if err != nil {
		return apperrors.Persist(op, err, "failed to create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, out.Body); err != nil {
		tmp.Close()
		return apperrors.Persist(op, err, "failed to write restored ledger")
	}
	if err := tmp.Close(); err != nil {
		return apperrors.Persist(op, err, "failed to close restored ledger")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return apperrors.Persist(op, err, "failed to move restored ledger into place")
	}

	logrus.WithFields(logrus.Fields{
		"bucket": a.bucket,
		"key":    key,
		"path":   path,
	}).Info("Ledger restored")
	return nil
}
