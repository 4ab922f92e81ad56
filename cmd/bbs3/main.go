// Command bbs3 is a small command line for the barebones S3 client:
// put, get, stat, rm, and ls against a single bucket.
//
// Credentials come from the environment (AWS_ACCESS_KEY_ID,
// AWS_SECRET_ACCESS_KEY, optional AWS_SESSION_TOKEN); bucket, region, and
// an optional endpoint override are flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/diafygi/barebones-s3/s3"
	"github.com/diafygi/barebones-s3/sigv4"

	"github.com/charmbracelet/log"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: bbs3 [flags] <command> [args]

commands:
  put <key> <file>    upload a file (multipart above the threshold)
  get <key> [file]    download an object (stdout by default)
  stat <key>          print object metadata
  rm <key>            delete an object
  ls [prefix]         list a directory level

flags:
`)
	flag.PrintDefaults()
}

func Run(ctx context.Context) error {
	bucket := flag.String("bucket", getenv("S3_BUCKET", ""), "target bucket")
	region := flag.String("region", getenv("AWS_REGION", "us-east-1"), "bucket region")
	endpoint := flag.String("endpoint", getenv("S3_ENDPOINT", ""), "endpoint override, e.g. http://localhost:9000")
	verbose := flag.Bool("v", false, "debug logging")

	flag.Usage = usage
	flag.Parse()

	level := log.InfoLevel
	if *verbose {
		level = log.DebugLevel
	}
	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
	})
	slog.SetDefault(slog.New(handler))

	if flag.NArg() < 1 {
		usage()
		return fmt.Errorf("missing command")
	}

	var opts []s3.Option
	if *endpoint != "" {
		opts = append(opts, s3.WithEndpoint(*endpoint))
	}

	client, err := s3.New(s3.Config{
		Bucket: *bucket,
		Credentials: sigv4.Credentials{
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			Region:          *region,
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		},
	}, opts...)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	args := flag.Args()
	switch args[0] {
	case "put":
		if len(args) != 3 {
			return fmt.Errorf("usage: bbs3 put <key> <file>")
		}
		return put(ctx, client, args[1], args[2])
	case "get":
		if len(args) != 2 && len(args) != 3 {
			return fmt.Errorf("usage: bbs3 get <key> [file]")
		}
		dest := ""
		if len(args) == 3 {
			dest = args[2]
		}
		return get(ctx, client, args[1], dest)
	case "stat":
		if len(args) != 2 {
			return fmt.Errorf("usage: bbs3 stat <key>")
		}
		return stat(ctx, client, args[1])
	case "rm":
		if len(args) != 2 {
			return fmt.Errorf("usage: bbs3 rm <key>")
		}
		if err := client.DeleteObject(ctx, args[1]); err != nil {
			return err
		}
		slog.Info("Deleted object", "key", args[1])
		return nil
	case "ls":
		prefix := ""
		if len(args) == 2 {
			prefix = args[1]
		}
		return ls(ctx, client, prefix)
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func put(ctx context.Context, client *s3.Client, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if err := client.PutObject(ctx, key, f, info.Size(), s3.PutOptions{}); err != nil {
		return err
	}
	slog.Info("Uploaded object", "key", key, "size", info.Size())
	return nil
}

func get(ctx context.Context, client *s3.Client, key, dest string) error {
	resp, err := client.GetObject(ctx, key)
	if err != nil {
		return err
	}
	defer resp.Close()

	body, err := resp.Body()
	if err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	if dest != "" {
		f, err := os.Create(dest)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", dest, err)
		}
		defer f.Close()
		out = f
	}

	n, err := io.Copy(out, body)
	if err != nil {
		return fmt.Errorf("failed to read object body: %w", err)
	}
	if dest != "" {
		slog.Info("Downloaded object", "key", key, "path", dest, "size", n)
	}
	return nil
}

func stat(ctx context.Context, client *s3.Client, key string) error {
	info, err := client.StatObject(ctx, key)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%d\t%s\t%s\n", info.Key, info.Size, info.ETag, info.LastModified.Format(time.RFC3339))
	return nil
}

func ls(ctx context.Context, client *s3.Client, prefix string) error {
	dirs, files, err := client.ListDir(ctx, prefix)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		fmt.Println(d + "/")
	}
	for _, f := range files {
		fmt.Println(f)
	}
	return nil
}

func main() {
	if err := Run(context.Background()); err != nil {
		slog.Error("bbs3 exited with error", "error", err)
		os.Exit(1)
	}
}
