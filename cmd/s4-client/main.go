package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// EnsureBucket creates the bucket if it does not already exist.
func EnsureBucket(ctx context.Context, client *minio.Client, bucketName string) error {
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if exists {
		log.Printf("Bucket %s already exists", bucketName)
		return nil
	}

	if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}

	log.Printf("Successfully created bucket %s", bucketName)
	return nil
}

// UploadObject stores the payload under objectName in the given bucket.
func UploadObject(ctx context.Context, client *minio.Client, bucketName string, objectName string, payload []byte) error {
	info, err := client.PutObject(ctx, bucketName, objectName, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "text/plain",
	})
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}

	log.Printf("Successfully uploaded %s of size %d, etag %s", objectName, info.Size, info.ETag)
	return nil
}

// DownloadObject fetches objectName from the bucket and returns its contents.
func DownloadObject(ctx context.Context, client *minio.Client, bucketName string, objectName string) ([]byte, error) {
	object, err := client.GetObject(ctx, bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}

	log.Printf("Successfully downloaded %s (%d bytes)", objectName, len(data))
	return data, nil
}

// ListBucketObjects logs every object in the bucket.
func ListBucketObjects(ctx context.Context, client *minio.Client, bucketName string) error {
	for object := range client.ListObjects(ctx, bucketName, minio.ListObjectsOptions{}) {
		if object.Err != nil {
			return fmt.Errorf("failed to list objects: %w", object.Err)
		}
		log.Printf("Object: %s, size %d", object.Key, object.Size)
	}

	return nil
}

func Run(ctx context.Context, client *minio.Client) error {

	const bucketName = "smoke-test"
	const objectName = "hello.txt"

	payload := []byte("hello from the s4 smoke client\n")

	if err := EnsureBucket(ctx, client, bucketName); err != nil {
		return err
	}

	buckets, err := client.ListBuckets(ctx)
	if err != nil {
		return fmt.Errorf("failed to list buckets: %w", err)
	}

	for _, bucket := range buckets {
		log.Printf("Bucket: %s", bucket.Name)
	}

	if err := UploadObject(ctx, client, bucketName, objectName, payload); err != nil {
		return err
	}

	if err := ListBucketObjects(ctx, client, bucketName); err != nil {
		return err
	}

	data, err := DownloadObject(ctx, client, bucketName, objectName)
	if err != nil {
		return err
	}

	if !bytes.Equal(data, payload) {
		return fmt.Errorf("downloaded object does not match uploaded payload")
	}

	if err := client.RemoveObject(ctx, bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove object: %w", err)
	}

	log.Printf("Successfully removed %s", objectName)
	return nil
}

func main() {
	endpoint := getenv("S4_ENDPOINT", "localhost:7000")
	accessKey := getenv("S4_ACCESS_KEY_ID", "s4admin")
	secretKey := getenv("S4_SECRET_ACCESS_KEY", "s4admin")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: false,
	})
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}

	if err := Run(context.Background(), client); err != nil {
		log.Fatalf("Smoke test failed: %v", err)
	}

	log.Println("Smoke test passed")
}
