package assets

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config locates an S3-compatible store for s3:// references.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Enabled reports whether an endpoint is configured.
func (c S3Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

func (c S3Config) validate() error {
	if !c.Enabled() {
		return errors.New("s3 endpoint is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("s3 access key and secret key are required")
	}
	return nil
}

// NewS3Client builds a minio client for cfg.
func NewS3Client(cfg S3Config) (*minio.Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
