package ytdlp_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chorus/internal/services/ytdlp"
)

func TestResolveSingleVideo(t *testing.T) {
	service := ytdlp.NewService(ytdlp.Config{})
	service.WithCommandRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if name != ytdlp.DefaultBinary {
			t.Errorf("unexpected binary %q", name)
		}
		joined := strings.Join(args, " ")
		if !strings.Contains(joined, "-J") || !strings.Contains(joined, "--flat-playlist") {
			t.Errorf("unexpected args: %v", args)
		}
		return []byte(`{"title":"One Talk","webpage_url":"https://example.com/v/1","duration":930.5}`), nil
	})

	entries, err := service.Resolve(context.Background(), "https://example.com/v/1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Title != "One Talk" || entry.Duration != 930.5 || entry.PlaylistIndex != 0 {
		t.Fatalf("unexpected entry: %#v", entry)
	}
}

func TestResolvePlaylistFansOutAndCaps(t *testing.T) {
	service := ytdlp.NewService(ytdlp.Config{MaxPlaylistItems: 2})
	service.WithCommandRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(`{
			"_type": "playlist",
			"title": "Season",
			"entries": [
				{"title": "Ep 1", "webpage_url": "https://example.com/v/1", "duration": 60},
				{"title": "Ep 2", "webpage_url": "https://example.com/v/2", "duration": 61},
				{"title": "Ep 3", "webpage_url": "https://example.com/v/3", "duration": 62}
			]
		}`), nil
	})

	entries, err := service.Resolve(context.Background(), "https://example.com/playlist")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("playlist cap not applied, got %d entries", len(entries))
	}
	for i, entry := range entries {
		if entry.PlaylistIndex != i+1 {
			t.Fatalf("expected 1-based playlist index, got %#v", entry)
		}
	}
	if entries[1].Title != "Ep 2" {
		t.Fatalf("entries out of order: %#v", entries)
	}
}

func TestResolveRejectsEmptyURL(t *testing.T) {
	service := ytdlp.NewService(ytdlp.Config{})
	if _, err := service.Resolve(context.Background(), "   "); err == nil {
		t.Fatal("expected an error for an empty url")
	}
}

func TestResolvePropagatesUnavailable(t *testing.T) {
	service := ytdlp.NewService(ytdlp.Config{})
	service.WithCommandRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.Join(ytdlp.ErrUnavailable, errors.New("Private video"))
	})
	if _, err := service.Resolve(context.Background(), "https://example.com/v/private"); !errors.Is(err, ytdlp.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestDownloadReturnsPrintedPath(t *testing.T) {
	destDir := t.TempDir()
	downloaded := filepath.Join(destDir, "abc123.opus")
	if err := os.WriteFile(downloaded, []byte("audio"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	service := ytdlp.NewService(ytdlp.Config{})
	service.WithCommandRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		joined := strings.Join(args, " ")
		for _, want := range []string{"--no-playlist", "bestaudio/best", "after_move:filepath"} {
			if !strings.Contains(joined, want) {
				t.Errorf("args missing %q: %v", want, args)
			}
		}
		return []byte("[download] noise\n" + downloaded + "\n"), nil
	})

	path, err := service.Download(context.Background(), "https://example.com/v/1", destDir)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if path != downloaded {
		t.Fatalf("unexpected path: %s", path)
	}
}

func TestDownloadFailsWhenFileMissing(t *testing.T) {
	destDir := t.TempDir()
	service := ytdlp.NewService(ytdlp.Config{})
	service.WithCommandRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(filepath.Join(destDir, "never-written.opus")), nil
	})
	if _, err := service.Download(context.Background(), "https://example.com/v/1", destDir); err == nil {
		t.Fatal("expected an error when the printed file does not exist")
	}
}
