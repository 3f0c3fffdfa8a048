// Package storage guarda copias de los XML de archivo (nfeProc / procEventoNFe) en S3 o compatible.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/jhoicas/nfe-api/internal/application/fiscal"
	"github.com/jhoicas/nfe-api/internal/domain"
	"github.com/jhoicas/nfe-api/pkg/config"
)

var _ fiscal.ArchiveStore = (*S3ArchiveStore)(nil)

const xmlContentType = "application/xml; charset=utf-8"

// objectAPI subconjunto del cliente S3 que usa el store.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3ArchiveStore escribe cada composite bajo {prefix}/{chave}/{nombre}.xml.
type S3ArchiveStore struct {
	client objectAPI
	bucket string
	prefix string
	log    zerolog.Logger
}

// S3ArchiveOption opción funcional del store.
type S3ArchiveOption func(*S3ArchiveStore)

// WithLogger fija el logger del store.
func WithLogger(log zerolog.Logger) S3ArchiveOption {
	return func(s *S3ArchiveStore) { s.log = log }
}

// WithClient reemplaza el cliente S3 (pruebas o clientes ya configurados).
func WithClient(client objectAPI) S3ArchiveOption {
	return func(s *S3ArchiveStore) { s.client = client }
}

// NewS3ArchiveStore construye el store desde la configuración. Sin credenciales explícitas
// usa la cadena por defecto del SDK (variables de entorno, perfil, rol de la instancia).
func NewS3ArchiveStore(ctx context.Context, cfg config.ArchiveConfig, opts ...S3ArchiveOption) (*S3ArchiveStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: ARCHIVE_S3_BUCKET obligatorio", domain.ErrConfiguration)
	}
	store := &S3ArchiveStore{
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(store)
	}
	if store.client != nil {
		return store, nil
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: configuración AWS: %v", domain.ErrConfiguration, err)
	}
	store.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return store, nil
}

// Put guarda el XML tal cual; la base de datos sigue siendo la copia canónica.
func (s *S3ArchiveStore) Put(ctx context.Context, accessKey, name, xml string) error {
	key := s.objectKey(accessKey, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(xml),
		ContentType: aws.String(xmlContentType),
		Metadata:    map[string]string{"chave": accessKey},
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	s.log.Debug().Str("bucket", s.bucket).Str("key", key).Int("bytes", len(xml)).Msg("archivo nfe guardado")
	return nil
}

// Get lee un composite guardado; domain.ErrNotFound si no existe.
func (s *S3ArchiveStore) Get(ctx context.Context, accessKey, name string) (string, error) {
	key := s.objectKey(accessKey, name)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return "", fmt.Errorf("s3 %s: %w", key, domain.ErrNotFound)
		}
		return "", fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return "", fmt.Errorf("s3 leer %s: %w", key, err)
	}
	return string(b), nil
}

func (s *S3ArchiveStore) objectKey(accessKey, name string) string {
	return path.Join(s.prefix, accessKey, name+".xml")
}
