package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

func (c S3Config) IsConfigured() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads chat files to an S3 compatible bucket.
type Archiver struct {
	client objectPutter
	bucket string
	prefix string
	store  *FileStore
}

func NewArchiver(cfg S3Config, store *FileStore) (*Archiver, error) {
	if !cfg.IsConfigured() {
		return nil, fmt.Errorf("s3 archive is not configured")
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")

	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = region
		},
	}
	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &Archiver{
		client: s3.New(s3.Options{}, options...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		store:  store,
	}, nil
}

// Key is the object key a chat is stored under.
func (a *Archiver) Key(chatID string) string {
	return path.Join(a.prefix, "chats", chatID+".jsonl")
}

// ArchiveChat uploads the current contents of chatID, replacing any earlier copy.
func (a *Archiver) ArchiveChat(ctx context.Context, chatID string) error {
	file, err := a.store.ChatPath(chatID)
	if err != nil {
		return err
	}

	a.store.mutex.Lock()
	data, err := os.ReadFile(file)
	a.store.mutex.Unlock()
	if err != nil {
		return fmt.Errorf("failed to read chat file: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	key := a.Key(chatID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload chat archive: %w", err)
	}

	log.Info().
		Str("chat_id", chatID).
		Str("bucket", a.bucket).
		Str("key", key).
		Int("size", len(data)).
		Msg("Archived chat")

	return nil
}
