// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const (
	mebibyte = 1024 * 1024
	// maxUploadParts é o teto de partes de um upload multipart S3.
	maxUploadParts = 10000
)

var errUploadAborted = errors.New("storage: upload aborted")

// PartSize escolhe o tamanho de parte do upload multipart a partir do tamanho total
// do objeto, de forma que o upload nunca ultrapasse maxUploadParts partes.
// Tamanho desconhecido (<= 0) usa o tier de 50MiB, com teto de ~488GiB.
func PartSize(total int64) int64 {
	switch {
	case total <= 0:
		return 50 * mebibyte
	case total <= 5*mebibyte*maxUploadParts:
		return 5 * mebibyte
	case total <= 50*mebibyte*maxUploadParts:
		return 50 * mebibyte
	default:
		return 500 * mebibyte
	}
}

// S3Config descreve um bucket S3 ou S3-compatível (MinIO, Ceph RGW...).
type S3Config struct {
	Endpoint        string
	Bucket          string
	Prefix          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// Validate verifica os campos obrigatórios.
func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("s3 storage: bucket is required")
	}
	if c.AccessKeyID == "" {
		return errors.New("s3 storage: access_key_id is required")
	}
	if c.SecretAccessKey == "" {
		return errors.New("s3 storage: secret_access_key is required")
	}
	return nil
}

// endpointURL normaliza o endpoint customizado com o scheme de UseSSL.
func (c S3Config) endpointURL() string {
	if c.Endpoint == "" {
		return ""
	}
	scheme := "http"
	if c.UseSSL {
		scheme = "https"
	}
	endpoint := strings.TrimPrefix(c.Endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return fmt.Sprintf("%s://%s", scheme, strings.TrimSuffix(endpoint, "/"))
}

// S3Store grava objetos em um bucket, opcionalmente abaixo de um prefixo.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store cria o client a partir de credenciais estáticas.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("s3 storage: loading aws config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if endpointURL := cfg.endpointURL(); endpointURL != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpointURL)
			o.UsePathStyle = true
		})
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Create inicia um upload multipart alimentado por um io.Pipe; os bytes
// fluem para o S3 à medida que são escritos, sem buffer do objeto inteiro.
func (s *S3Store) Create(ctx context.Context, key string, sizeHint int64) (Writer, error) {
	pr, pw := io.Pipe()
	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = PartSize(sizeHint)
	})

	w := &s3Writer{pw: pw, done: make(chan error, 1)}
	go func() {
		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(key)),
			Body:   pr,
		})
		// Desbloqueia escritores pendentes caso o upload falhe no meio.
		pr.CloseWithError(err)
		w.done <- err
	}()
	return w, nil
}

// Open faz o download em streaming de key.
func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, notExist(key)
		}
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	return out.Body, nil
}

// ReadFile lê o objeto inteiro.
func (s *S3Store) ReadFile(ctx context.Context, key string) ([]byte, error) {
	return readAll(ctx, s, key)
}

// WriteFile grava o objeto inteiro.
func (s *S3Store) WriteFile(ctx context.Context, key string, data []byte) error {
	return writeAll(ctx, s, key, data)
}

// Stat retorna o tamanho de key via HeadObject.
func (s *S3Store) Stat(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return 0, notExist(key)
		}
		return 0, fmt.Errorf("s3 head %s: %w", key, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Delete remove key. O S3 não reporta erro para chaves inexistentes.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("s3 delete %s: %w", key, err)
	}
	return nil
}

// List pagina ListObjectsV2 abaixo de dir e devolve as chaves sem o prefixo do store.
func (s *S3Store) List(ctx context.Context, dir string) ([]string, error) {
	listPrefix := s.objectKey(strings.Trim(dir, "/"))
	if listPrefix != "" {
		listPrefix += "/"
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(listPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %s: %w", dir, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if s.prefix != "" {
				key = strings.TrimPrefix(key, s.prefix+"/")
			}
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)
	return keys, nil
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// s3Writer alimenta o upload em andamento. Close espera o upload terminar.
type s3Writer struct {
	pw   *io.PipeWriter
	done chan error

	once sync.Once
	err  error
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *s3Writer) Close() error {
	w.once.Do(func() {
		w.pw.Close()
		w.err = <-w.done
	})
	return w.err
}

// Abort faz o uploader falhar, o que aborta o multipart upload no bucket.
func (w *s3Writer) Abort() error {
	w.once.Do(func() {
		w.pw.CloseWithError(errUploadAborted)
		<-w.done
	})
	return nil
}
