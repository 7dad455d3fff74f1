package results

import (
	"bytes"
	"io"
	"path"
	"path/filepath"

	"github.com/minio/minio-go"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// ObjectStore is the part of *minio.Client used to upload reports.
type ObjectStore interface {
	BucketExists(bucket string) (bool, error)
	MakeBucket(bucket, location string) error
	PutObject(bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (int64, error)
}

// NewObjectStore connects to an S3 compatible object store.
func NewObjectStore(host, accessKeyID, accessKeySecret string) (*minio.Client, error) {
	client, err := minio.New(host, accessKeyID, accessKeySecret, false)
	return client, errors.Wrapf(err, "connect to object store %s", host)
}

// UploadReports copies the playbook reports written to dir into bucket under
// the build number.
func UploadReports(fs afero.Fs, store ObjectStore, bucket, buildNumber, dir string) error {
	exists, err := store.BucketExists(bucket)
	if err != nil {
		return errors.Wrapf(err, "check if bucket %q exists", bucket)
	}
	if !exists {
		if err := store.MakeBucket(bucket, ""); err != nil {
			return errors.Wrapf(err, "make bucket %q", bucket)
		}
	}

	for name, contentType := range map[string]string{
		ReportJSONFile: "application/json",
		ReportXMLFile:  "application/xml",
	} {
		b, err := afero.ReadFile(fs, filepath.Join(dir, name))
		if err != nil {
			return errors.Wrapf(err, "read %s", name)
		}
		key := path.Join(buildNumber, name)
		_, err = store.PutObject(bucket, key, bytes.NewReader(b), int64(len(b)), minio.PutObjectOptions{
			ContentType: contentType,
		})
		if err != nil {
			return errors.Wrapf(err, "upload %s", key)
		}
	}
	return nil
}
