// Command blob-sidecar tails an RTMP recorder's output directory and
// archives completed segments to Azure Blob Storage, so a Storage Source
// backed by this container can answer history queries over intervals that
// outlive the recorder's local disk.
//
// It is intentionally a separate module from the core transport plane: the
// core never depends on a concrete Storage Source implementation (only on
// the StorageSource interface), and this sidecar is one example of filling
// that role out of process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/fsnotify/fsnotify"
)

// segmentIdleTimeout is how long a recording file must go without a write
// before the sidecar considers it closed and safe to upload. The recorder
// (internal/rtmp/media.Recorder) has no "done" signal of its own — it just
// stops writing when the publisher disconnects — so idleness is the only
// observable proxy for "finished".
const segmentIdleTimeout = 10 * time.Second

func main() {
	recordDir := flag.String("record-dir", "recordings", "directory the RTMP recorder writes segments into")
	containerURL := flag.String("container-url", "", "Azure Blob container URL, e.g. https://<account>.blob.core.windows.net/<container>")
	uploadedDir := flag.String("uploaded-dir", "", "directory to move segments into after a successful upload (default: <record-dir>/uploaded)")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("component", "blob-sidecar")

	if *containerURL == "" {
		log.Error("missing required -container-url")
		os.Exit(2)
	}
	if *uploadedDir == "" {
		*uploadedDir = filepath.Join(*recordDir, "uploaded")
	}
	if err := os.MkdirAll(*uploadedDir, 0o755); err != nil {
		log.Error("create uploaded-dir", "error", err)
		os.Exit(1)
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		log.Error("azure credential chain", "error", err)
		os.Exit(1)
	}
	client, err := azblob.NewClient(*containerURL, cred, nil)
	if err != nil {
		log.Error("azblob client", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	arc := &archiver{
		client:      client,
		recordDir:   *recordDir,
		uploadedDir: *uploadedDir,
		log:         log,
		lastWrite:   make(map[string]time.Time),
	}
	if err := arc.run(ctx); err != nil {
		log.Error("archiver stopped", "error", err)
		os.Exit(1)
	}
}

// archiver watches recordDir for completed FLV segments and uploads them to
// blob storage, mirroring the recorder's own filename convention
// (`<safeKey>_<20060102_150405>.flv`, internal/rtmp/server/command_integration.go)
// to recover both the stream key and the interval's begin timestamp from the
// blob name alone.
type archiver struct {
	client      *azblob.Client
	recordDir   string
	uploadedDir string
	log         *slog.Logger

	mu        sync.Mutex
	lastWrite map[string]time.Time
}

func (a *archiver) run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(a.recordDir, 0o755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}
	if err := watcher.Add(a.recordDir); err != nil {
		return fmt.Errorf("watch record dir: %w", err)
	}
	a.log.Info("watching record directory", "dir", a.recordDir)

	ticker := time.NewTicker(segmentIdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 && strings.HasSuffix(ev.Name, ".flv") {
				a.mu.Lock()
				a.lastWrite[ev.Name] = time.Now()
				a.mu.Unlock()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.log.Warn("watcher error", "error", err)
		case <-ticker.C:
			a.uploadIdleSegments(ctx)
		}
	}
}

// uploadIdleSegments uploads every tracked file that has gone quiet for at
// least segmentIdleTimeout, then moves it into uploadedDir so a restart
// never re-archives it.
func (a *archiver) uploadIdleSegments(ctx context.Context) {
	now := time.Now()
	a.mu.Lock()
	var idle []string
	for name, last := range a.lastWrite {
		if now.Sub(last) >= segmentIdleTimeout {
			idle = append(idle, name)
		}
	}
	for _, name := range idle {
		delete(a.lastWrite, name)
	}
	a.mu.Unlock()

	for _, path := range idle {
		if err := a.uploadSegment(ctx, path); err != nil {
			a.log.Error("upload segment", "path", path, "error", err)
			continue
		}
	}
}

func (a *archiver) uploadSegment(ctx context.Context, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	blobName := filepath.Base(path)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := a.client.UploadFile(ctx, blobName, blobName, f, nil); err != nil {
		return fmt.Errorf("upload %s: %w", blobName, err)
	}

	dest := filepath.Join(a.uploadedDir, blobName)
	if err := os.Rename(path, dest); err != nil {
		a.log.Warn("move uploaded segment", "path", path, "error", err)
	}
	a.log.Info("segment archived", "blob", blobName)
	return nil
}

// interval is a half-open timestamp range recovered from a blob name,
// shaped like rpcendpoint.Interval in the core module — duplicated rather
// than imported since this sidecar is intentionally a separate module the
// core never depends on.
type interval struct {
	StreamKey string
	Begin     time.Time
	End       time.Time
}

// segmentNameLayout matches initRecorder's filename format:
// "<safeKey>_<20060102_150405>.flv".
const segmentNameLayout = "20060102_150405"

// listIntervals lists every archived segment for streamKey, in ascending
// begin-time order, deriving Begin from the blob name and End from the
// blob's last-modified time (the moment the upload finished writing it).
// This is the sidecar-side counterpart a StorageSource.GetHistory
// implementation would call into.
func listIntervals(ctx context.Context, client *azblob.Client, containerName, streamKey string) ([]interval, error) {
	prefix := streamKey + "_"
	var out []interval

	pager := client.NewListBlobsFlatPager(containerName, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list blobs: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			begin, ok := parseSegmentBegin(*item.Name, streamKey)
			if !ok {
				continue
			}
			end := begin
			if item.Properties != nil && item.Properties.LastModified != nil {
				end = *item.Properties.LastModified
			}
			out = append(out, interval{StreamKey: streamKey, Begin: begin, End: end})
		}
	}
	return out, nil
}

func parseSegmentBegin(blobName, streamKey string) (time.Time, bool) {
	name := strings.TrimSuffix(blobName, ".flv")
	prefix := streamKey + "_"
	if !strings.HasPrefix(name, prefix) {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation(segmentNameLayout, strings.TrimPrefix(name, prefix), time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
