package clients

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"golang.org/x/sync/singleflight"

	xerrors "github.com/EvolutionIT/wtw-transcoder/errors"
	"github.com/EvolutionIT/wtw-transcoder/log"
	"github.com/EvolutionIT/wtw-transcoder/metrics"
)

// Bucket names the two object-store namespaces the transcoder talks to.
type Bucket string

const (
	SourceBucket Bucket = "source"
	OutputBucket Bucket = "output"
)

// ObjectInfo describes a stored object, as returned by Head and List.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// UploadResult is returned by Upload once the object is durably stored.
type UploadResult struct {
	Size       int64
	ETag       string
	UploadedAt time.Time
}

// ObjectStoreConfig carries the B2 credentials and the two bucket names.
type ObjectStoreConfig struct {
	Endpoint     string
	Region       string
	KeyID        string
	AppKey       string
	SourceBucket string
	OutputBucket string
}

// ObjectStore is a client for Backblaze B2 through its S3-compatible API.
// Authorization is lazy: the underlying session is only built on first use and
// concurrent first users share a single in-flight authorization.
type ObjectStore struct {
	cfg ObjectStoreConfig

	mu    sync.Mutex
	svc   *s3.S3 // nil until authorized; reset on auth expiry
	group singleflight.Group
}

func NewObjectStore(cfg ObjectStoreConfig) *ObjectStore {
	return &ObjectStore{cfg: cfg}
}

func (o *ObjectStore) bucketName(bucket Bucket) string {
	if bucket == SourceBucket {
		return o.cfg.SourceBucket
	}
	return o.cfg.OutputBucket
}

// client returns the authorized S3 handle, performing at most one
// authorization regardless of how many goroutines arrive at once.
func (o *ObjectStore) client() (*s3.S3, error) {
	o.mu.Lock()
	svc := o.svc
	o.mu.Unlock()
	if svc != nil {
		return svc, nil
	}

	v, err, _ := o.group.Do("auth", func() (any, error) {
		sess, err := session.NewSession(&aws.Config{
			Endpoint:         aws.String(o.cfg.Endpoint),
			Region:           aws.String(o.cfg.Region),
			Credentials:      credentials.NewStaticCredentials(o.cfg.KeyID, o.cfg.AppKey, ""),
			S3ForcePathStyle: aws.Bool(true),
		})
		if err != nil {
			return nil, xerrors.NewObjectStoreError(xerrors.OpAuth, true, err)
		}
		svc := s3.New(sess)
		o.mu.Lock()
		o.svc = svc
		o.mu.Unlock()
		return svc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*s3.S3), nil
}

// invalidate drops the cached authorization so the next call re-authorizes.
func (o *ObjectStore) invalidate() {
	o.mu.Lock()
	o.svc = nil
	o.mu.Unlock()
}

// Download fetches an object to localPath, creating parent directories.
func (o *ObjectStore) Download(ctx context.Context, key, localPath string, bucket Bucket) error {
	svc, err := o.client()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return xerrors.NewObjectStoreError(xerrors.OpDownload, false, err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return xerrors.NewObjectStoreError(xerrors.OpDownload, false, err)
	}
	defer f.Close()

	downloader := s3manager.NewDownloaderWithClient(svc)
	_, err = downloader.DownloadWithContext(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(o.bucketName(bucket)),
		Key:    aws.String(key),
	})
	if err != nil {
		os.Remove(localPath)
		return o.classify(xerrors.OpDownload, fmt.Errorf("Download failed for %q: %w", key, err))
	}
	return nil
}

// Upload stores a local file under key with the given content type.
func (o *ObjectStore) Upload(ctx context.Context, localPath, key, contentType string, bucket Bucket) (UploadResult, error) {
	svc, err := o.client()
	if err != nil {
		return UploadResult{}, err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return UploadResult{}, xerrors.NewObjectStoreError(xerrors.OpUpload, false, err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return UploadResult{}, xerrors.NewObjectStoreError(xerrors.OpUpload, false, err)
	}

	uploader := s3manager.NewUploaderWithClient(svc)
	out, err := uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(o.bucketName(bucket)),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return UploadResult{}, o.classify(xerrors.OpUpload, fmt.Errorf("Upload failed for %q: %w", key, err))
	}
	etag := ""
	if out.ETag != nil {
		etag = strings.Trim(*out.ETag, `"`)
	}
	return UploadResult{Size: stat.Size(), ETag: etag, UploadedAt: time.Now().UTC()}, nil
}

// Head returns object metadata, or nil if the object does not exist.
func (o *ObjectStore) Head(ctx context.Context, key string, bucket Bucket) (*ObjectInfo, error) {
	svc, err := o.client()
	if err != nil {
		return nil, err
	}
	out, err := svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.bucketName(bucket)),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, o.classify(xerrors.OpList, fmt.Errorf("Head failed for %q: %w", key, err))
	}
	info := &ObjectInfo{Key: key}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.ETag != nil {
		info.ETag = strings.Trim(*out.ETag, `"`)
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

// List returns up to max objects under prefix.
func (o *ObjectStore) List(ctx context.Context, prefix string, max int64, bucket Bucket) ([]ObjectInfo, error) {
	svc, err := o.client()
	if err != nil {
		return nil, err
	}
	out, err := svc.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(o.bucketName(bucket)),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int64(max),
	})
	if err != nil {
		return nil, o.classify(xerrors.OpList, fmt.Errorf("List failed for prefix %q: %w", prefix, err))
	}
	infos := make([]ObjectInfo, 0, len(out.Contents))
	for _, obj := range out.Contents {
		info := ObjectInfo{}
		if obj.Key != nil {
			info.Key = *obj.Key
		}
		if obj.Size != nil {
			info.Size = *obj.Size
		}
		if obj.ETag != nil {
			info.ETag = strings.Trim(*obj.ETag, `"`)
		}
		if obj.LastModified != nil {
			info.LastModified = *obj.LastModified
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Delete removes an object. Deleting a missing key is not an error.
func (o *ObjectStore) Delete(ctx context.Context, key string, bucket Bucket) error {
	svc, err := o.client()
	if err != nil {
		return err
	}
	_, err = svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.bucketName(bucket)),
		Key:    aws.String(key),
	})
	if err != nil {
		return o.classify(xerrors.OpDelete, fmt.Errorf("Delete failed for %q: %w", key, err))
	}
	return nil
}

// PublicURL returns the friendly download URL for an object.
func (o *ObjectStore) PublicURL(key string, bucket Bucket) string {
	u := url.URL{
		Scheme: "https",
		Host:   strings.TrimPrefix(strings.TrimPrefix(o.cfg.Endpoint, "https://"), "http://"),
		Path:   "/" + o.bucketName(bucket) + "/" + key,
	}
	return u.String()
}

// classify maps an AWS error onto the ObjectStoreError taxonomy. Expired auth
// additionally drops the cached session so the next call re-authorizes.
func (o *ObjectStore) classify(op xerrors.ObjectStoreOp, err error) error {
	if reqErr, ok := unwrapRequestFailure(err); ok {
		code := reqErr.StatusCode()
		switch {
		case code == 401:
			log.LogNoJobID("object store authorization expired, re-authorizing")
			o.invalidate()
			metrics.Metrics.ObjectStoreRetryCount.WithLabelValues(string(xerrors.OpAuth)).Inc()
			return xerrors.NewObjectStoreError(xerrors.OpAuth, true, err)
		case code >= 500:
			metrics.Metrics.ObjectStoreRetryCount.WithLabelValues(string(op)).Inc()
			return xerrors.NewObjectStoreError(op, true, err)
		case code >= 400:
			return xerrors.NewObjectStoreError(op, false, err)
		}
	}
	// no HTTP response at all: network-level failure, retriable
	metrics.Metrics.ObjectStoreRetryCount.WithLabelValues(string(op)).Inc()
	return xerrors.NewObjectStoreError(op, true, err)
}

func unwrapRequestFailure(err error) (awserr.RequestFailure, bool) {
	for err != nil {
		if reqErr, ok := err.(awserr.RequestFailure); ok {
			return reqErr, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

func isNotFound(err error) bool {
	if reqErr, ok := unwrapRequestFailure(err); ok {
		return reqErr.StatusCode() == 404
	}
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}
