package storage

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"upc-tracker/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ObjectClient ist der Teil des S3-Clients, den Archiv und Backup benötigen.
type ObjectClient interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// NewS3Client erstellt einen S3-Client für einen S3-kompatiblen Endpunkt.
func NewS3Client(ctx context.Context, endpoint, region, key, secret string) (*s3.Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, r string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               endpoint,
				SigningRegion:     region,
				HostnameImmutable: true,
			}, nil
		},
	)
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(key, secret, "")),
		awsconfig.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg), nil
}

// Archive legt Quelldokumente in einem Bucket ab.
type Archive struct {
	client   ObjectClient
	bucket   string
	endpoint string
}

// NewArchive erstellt das PDF-Archiv aus der Konfiguration.
func NewArchive(ctx context.Context, cfg *config.Config) (*Archive, error) {
	client, err := NewS3Client(ctx, cfg.S3URL, cfg.S3Region, cfg.S3Key, cfg.S3Secret)
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return NewArchiveWithClient(client, cfg.S3Bucket, cfg.S3URL), nil
}

// NewArchiveWithClient erstellt ein Archiv über einem beliebigen ObjectClient.
func NewArchiveWithClient(client ObjectClient, bucket, endpoint string) *Archive {
	return &Archive{client: client, bucket: bucket, endpoint: endpoint}
}

// DocumentKey bildet aus einer Registernummer einen stabilen Objekt-Key.
func DocumentKey(number string) string {
	return "decisions/" + strings.Trim(unsafeKeyChars.ReplaceAllString(number, "_"), "_") + ".pdf"
}

// StoreDocument lädt die PDF-Bytes einer Entscheidung hoch und gibt den Link zurück.
func (a *Archive) StoreDocument(ctx context.Context, number string, data []byte) (string, error) {
	key := DocumentKey(number)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/pdf"),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return fmt.Sprintf("%s/%s/%s", a.endpoint, a.bucket, key), nil
}

// RotateObjects behält die keep neuesten Objekte unter prefix und löscht den Rest.
// Gibt die gelöschten Keys zurück; einzelne Löschfehler brechen nicht ab.
func RotateObjects(ctx context.Context, client ObjectClient, bucket, prefix string, keep int) ([]string, error) {
	out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Contents) <= keep {
		return nil, nil
	}

	objects := append([]types.Object(nil), out.Contents...)
	sort.Slice(objects, func(i, j int) bool {
		return aws.ToTime(objects[i].LastModified).After(aws.ToTime(objects[j].LastModified))
	})

	var deleted []string
	var firstErr error
	for _, obj := range objects[keep:] {
		_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    obj.Key,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("delete %s: %w", aws.ToString(obj.Key), err)
			}
			continue
		}
		deleted = append(deleted, aws.ToString(obj.Key))
	}
	return deleted, firstErr
}
