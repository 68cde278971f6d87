package daemon_test

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"chorus/internal/daemon"
	"chorus/internal/services/ytdlp"
	"chorus/internal/store"
	"chorus/internal/testsupport"
)

func newSubmitter(t *testing.T, downloader *ytdlp.Service) (*daemon.Submitter, *store.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	return daemon.NewSubmitter(cfg, st, downloader, nil, testsupport.NewLogger(t)), st
}

func TestSubmitRequiresExactlyOneSource(t *testing.T) {
	submitter, _ := newSubmitter(t, ytdlp.NewService(ytdlp.Config{}))
	if _, err := submitter.Submit(context.Background(), daemon.SubmitRequest{}); err == nil {
		t.Fatal("expected an error without a source")
	}
	if _, err := submitter.Submit(context.Background(), daemon.SubmitRequest{
		Path: "/tmp/a.mkv", URL: "https://example.com/v",
	}); err == nil {
		t.Fatal("expected an error with both sources")
	}
}

func TestSubmitFileQueuesJobWithFingerprint(t *testing.T) {
	submitter, st := newSubmitter(t, ytdlp.NewService(ytdlp.Config{}))
	path := filepath.Join(t.TempDir(), "weekly-team_standup.mkv")
	testsupport.WriteFile(t, path, 4096)

	results, err := submitter.Submit(context.Background(), daemon.SubmitRequest{
		Path:          path,
		Language:      "en",
		SummaryPrompt: "decisions only",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(results) != 1 || results[0].Duplicate {
		t.Fatalf("unexpected results: %#v", results)
	}

	job, err := st.GetJob(context.Background(), results[0].Job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != store.StatusPending || job.Stage != store.StageIngestValidate {
		t.Fatalf("job not queued at the first stage: %s/%s", job.Status, job.Stage)
	}
	if job.Title != "Weekly Team Standup" {
		t.Fatalf("title should be cleaned and title-cased, got %q", job.Title)
	}
	if job.Fingerprint == "" {
		t.Fatal("file submission must carry a content fingerprint")
	}
	if job.Config.Language != "en" || job.Config.SummaryPrompt != "decisions only" {
		t.Fatalf("per-job config lost: %#v", job.Config)
	}
}

func TestSubmitFileDeduplicatesActiveJob(t *testing.T) {
	submitter, _ := newSubmitter(t, ytdlp.NewService(ytdlp.Config{}))
	path := filepath.Join(t.TempDir(), "standup.mkv")
	testsupport.WriteFile(t, path, 4096)

	first, err := submitter.Submit(context.Background(), daemon.SubmitRequest{Path: path})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	second, err := submitter.Submit(context.Background(), daemon.SubmitRequest{Path: path})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !second[0].Duplicate {
		t.Fatal("second submission of the same content must report a duplicate")
	}
	if second[0].Job.ID != first[0].Job.ID {
		t.Fatalf("duplicate must return the active job: %s vs %s", second[0].Job.ID, first[0].Job.ID)
	}
}

func TestSubmitFileRequeuesAfterTerminalJob(t *testing.T) {
	submitter, st := newSubmitter(t, ytdlp.NewService(ytdlp.Config{}))
	path := filepath.Join(t.TempDir(), "standup.mkv")
	testsupport.WriteFile(t, path, 4096)

	first, err := submitter.Submit(context.Background(), daemon.SubmitRequest{Path: path})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := st.CancelJob(context.Background(), first[0].Job.ID); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}

	second, err := submitter.Submit(context.Background(), daemon.SubmitRequest{Path: path})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if second[0].Duplicate {
		t.Fatal("terminal jobs must not block a resubmission")
	}
	if second[0].Job.ID == first[0].Job.ID {
		t.Fatal("resubmission should create a fresh job")
	}
}

func TestSubmitURLFansOutPlaylist(t *testing.T) {
	downloader := ytdlp.NewService(ytdlp.Config{MaxPlaylistItems: 10})
	downloader.WithCommandRunner(func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(`{
			"_type": "playlist",
			"title": "Season",
			"entries": [
				{"title": "Ep 1", "webpage_url": "https://example.com/v/1", "duration": 60},
				{"title": "Ep 2", "webpage_url": "https://example.com/v/2", "duration": 61}
			]
		}`), nil
	})
	submitter, st := newSubmitter(t, downloader)

	results, err := submitter.Submit(context.Background(), daemon.SubmitRequest{
		URL: "https://example.com/playlist",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected one job per playlist item, got %d", len(results))
	}
	for i, result := range results {
		job, err := st.GetJob(context.Background(), result.Job.ID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if !job.NeedsDownload() {
			t.Fatalf("url job must route through download-resolve: %#v", job.Config)
		}
		if job.Config.PlaylistIndex != i+1 {
			t.Fatalf("playlist index lost: %#v", job.Config)
		}
		if job.Fingerprint == "" {
			t.Fatal("url job must carry a provisional fingerprint")
		}
	}
	if results[0].Job.Fingerprint == results[1].Job.Fingerprint {
		t.Fatal("distinct items must not share a fingerprint")
	}

	// Resubmitting the same playlist dedupes every still-active item.
	again, err := submitter.Submit(context.Background(), daemon.SubmitRequest{
		URL: "https://example.com/playlist",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	for _, result := range again {
		if !result.Duplicate {
			t.Fatalf("expected duplicate, got %#v", result)
		}
	}
}

func TestSubmitWakesCoordinator(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	submitter := daemon.NewSubmitter(cfg, st, ytdlp.NewService(ytdlp.Config{}), nil, testsupport.NewLogger(t))

	var woken atomic.Int32
	submitter.OnSubmit(func() { woken.Add(1) })

	path := filepath.Join(t.TempDir(), "clip.mkv")
	testsupport.WriteFile(t, path, 1024)
	if _, err := submitter.Submit(context.Background(), daemon.SubmitRequest{Path: path}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if woken.Load() != 1 {
		t.Fatalf("expected the submit hook to fire once, got %d", woken.Load())
	}
}
