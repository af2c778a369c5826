package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"time"

	"upc-tracker/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

const backupPrefix = "backup-"

type BackupConfig struct {
	PostgresHost     string `envconfig:"DB_HOST" required:"true"`
	PostgresPort     int    `envconfig:"DB_PORT" default:"5432"`
	PostgresUser     string `envconfig:"DB_USER" required:"true"`
	PostgresPassword string `envconfig:"DB_PASSWORD" required:"true"`
	PostgresDB       string `envconfig:"DB_NAME" default:"upc_decisions"`
	BackupBucket     string `envconfig:"BACKUP_S3_BUCKET" required:"true"`
	BackupEndpoint   string `envconfig:"BACKUP_S3_ENDPOINT" required:"true"`
	BackupAccessKey  string `envconfig:"BACKUP_S3_ACCESS_KEY" required:"true"`
	BackupSecretKey  string `envconfig:"BACKUP_S3_SECRET_KEY" required:"true"`
	BackupRegion     string `envconfig:"BACKUP_S3_REGION" required:"true"`
	KeepBackups      int    `envconfig:"KEEP_BACKUPS" default:"4"`
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	logging.Info("Starte Backup-Prozess...")

	_ = godotenv.Load()
	var cfg BackupConfig
	if err := envconfig.Process("", &cfg); err != nil {
		logging.Fatal("Fehler beim Laden der Konfiguration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	// 1. Datenbank-Dump erstellen
	dumpData, err := createDump(ctx, cfg)
	if err != nil {
		logging.Fatal("Fehler beim Erstellen des DB-Dumps", zap.Error(err))
	}

	// 2. S3-Client erstellen
	s3Client, err := storage.NewS3Client(ctx, cfg.BackupEndpoint, cfg.BackupRegion, cfg.BackupAccessKey, cfg.BackupSecretKey)
	if err != nil {
		logging.Fatal("Fehler beim Erstellen des S3-Clients", zap.Error(err))
	}

	// 3. Backup nach S3 hochladen
	fileName := fmt.Sprintf("%s%s.sql.gz", backupPrefix, time.Now().UTC().Format("2006-01-02T15-04-05Z"))
	if err := uploadToS3(ctx, s3Client, cfg.BackupBucket, fileName, dumpData); err != nil {
		logging.Fatal("Fehler beim Hochladen nach S3", zap.Error(err))
	}
	logging.Info("Backup hochgeladen", zap.String("bucket", cfg.BackupBucket), zap.String("key", fileName), zap.Int("bytes", len(dumpData)))

	// 4. Alte Backups rotieren
	deleted, err := storage.RotateObjects(ctx, s3Client, cfg.BackupBucket, backupPrefix, cfg.KeepBackups)
	for _, key := range deleted {
		logging.Info("Altes Backup gelöscht", zap.String("key", key))
	}
	if err != nil {
		logging.Fatal("Fehler bei der Rotation alter Backups", zap.Error(err))
	}

	logging.Info("Backup-Prozess erfolgreich abgeschlossen.")
}

func createDump(ctx context.Context, cfg BackupConfig) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "pg_dump",
		"-h", cfg.PostgresHost,
		"-p", fmt.Sprint(cfg.PostgresPort),
		"-U", cfg.PostgresUser,
		"-d", cfg.PostgresDB,
		"-w", // Passwort wird über PGPASSWORD bereitgestellt
	)
	cmd.Env = append(os.Environ(), fmt.Sprintf("PGPASSWORD=%s", cfg.PostgresPassword))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	if _, err := io.Copy(gzipWriter, stdout); err != nil {
		return nil, err
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}
	if err := cmd.Wait(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func uploadToS3(ctx context.Context, client storage.ObjectClient, bucket, key string, data []byte) error {
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/gzip"),
	})
	return err
}
