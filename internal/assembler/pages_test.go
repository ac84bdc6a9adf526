package assembler

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/lamim/storyforge/internal/gateway"
	"github.com/lamim/storyforge/internal/storage"
	"github.com/lamim/storyforge/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newPages(t *testing.T, n int) (*Pages, storage.Store) {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return NewPages(n, store, Options{MaxTextRunes: 100}), store
}

func encode(t *testing.T, format string) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	img.Set(2, 2, color.RGBA{G: 200, A: 255})
	var buf bytes.Buffer
	var err error
	switch format {
	case "png":
		err = png.Encode(&buf, img)
	case "jpeg":
		err = jpeg.Encode(&buf, img, nil)
	case "gif":
		err = gif.Encode(&buf, img, nil)
	}
	if err != nil {
		t.Fatalf("Failed to encode %s: %v", format, err)
	}
	return buf.Bytes()
}

func textResult(s string) *gateway.Result {
	return &gateway.Result{Kind: models.KindPageText, Text: s, Attempts: 1}
}

func imageResult(data []byte) *gateway.Result {
	return &gateway.Result{Kind: models.KindPageImage, Image: data, Attempts: 2}
}

func TestAccept_TextThenImage(t *testing.T) {
	pages, store := newPages(t, 2)
	ctx := context.Background()

	rec, err := pages.Accept(ctx, 0, models.KindPageText, textResult("  Ava flew to the moon.  "))
	if err != nil {
		t.Fatalf("Accept text failed: %v", err)
	}
	if rec.Status != models.PageStatusTextReady || rec.Text != "Ava flew to the moon." {
		t.Errorf("Unexpected record after text: %+v", rec)
	}

	pngData := encode(t, "png")
	rec, err = pages.Accept(ctx, 0, models.KindPageImage, imageResult(pngData))
	if err != nil {
		t.Fatalf("Accept image failed: %v", err)
	}
	if rec.Status != models.PageStatusComplete {
		t.Errorf("Expected complete, got %s", rec.Status)
	}
	if rec.ImageFormat != "png" || !rec.ImageRef.Valid() {
		t.Errorf("Unexpected image fields: %+v", rec)
	}
	if rec.Attempts[models.KindPageText] != 1 || rec.Attempts[models.KindPageImage] != 2 {
		t.Errorf("Unexpected attempts: %v", rec.Attempts)
	}

	stored, err := store.Get(ctx, rec.ImageRef)
	if err != nil || !bytes.Equal(stored, pngData) {
		t.Errorf("Expected image in store, got %v", err)
	}

	other, _ := pages.Get(1)
	if other.Status != models.PageStatusPending {
		t.Errorf("Expected page 1 untouched, got %s", other.Status)
	}
}

func TestAccept_Rejections(t *testing.T) {
	ctx := context.Background()
	pngData := encode(t, "png")

	tests := []struct {
		name      string
		setup     func(p *Pages)
		index     int
		kind      models.PromptKind
		res       *gateway.Result
		reason    Reason
		retryable bool
	}{
		{
			name: "empty text", index: 0, kind: models.KindPageText,
			res: textResult("   \n "), reason: ReasonEmptyText, retryable: true,
		},
		{
			name: "quotes only", index: 0, kind: models.KindPageText,
			res: textResult(`""`), reason: ReasonEmptyText, retryable: true,
		},
		{
			name: "text too long", index: 0, kind: models.KindPageText,
			res: textResult(strings.Repeat("a", 101)), reason: ReasonTextTooLong, retryable: true,
		},
		{
			name: "image before text", index: 0, kind: models.KindPageImage,
			res: imageResult(pngData), reason: ReasonDependencyViolation,
		},
		{
			name:  "empty image",
			setup: func(p *Pages) { _, _ = p.Accept(ctx, 0, models.KindPageText, textResult("ok")) },
			index: 0, kind: models.KindPageImage,
			res: imageResult(nil), reason: ReasonEmptyImage, retryable: true,
		},
		{
			name:  "garbage image",
			setup: func(p *Pages) { _, _ = p.Accept(ctx, 0, models.KindPageText, textResult("ok")) },
			index: 0, kind: models.KindPageImage,
			res: imageResult([]byte("<html>not an image</html>")), reason: ReasonUnrecognizedImage, retryable: true,
		},
		{
			name:  "truncated png",
			setup: func(p *Pages) { _, _ = p.Accept(ctx, 0, models.KindPageText, textResult("ok")) },
			index: 0, kind: models.KindPageImage,
			res: imageResult(pngData[:12]), reason: ReasonUnrecognizedImage, retryable: true,
		},
		{
			name:  "text twice",
			setup: func(p *Pages) { _, _ = p.Accept(ctx, 0, models.KindPageText, textResult("ok")) },
			index: 0, kind: models.KindPageText,
			res: textResult("again"), reason: ReasonAlreadyComplete,
		},
		{
			name: "already complete",
			setup: func(p *Pages) {
				_, _ = p.Accept(ctx, 0, models.KindPageText, textResult("ok"))
				_, _ = p.Accept(ctx, 0, models.KindPageImage, imageResult(pngData))
			},
			index: 0, kind: models.KindPageImage,
			res: imageResult(pngData), reason: ReasonAlreadyComplete,
		},
		{
			name:  "failed page",
			setup: func(p *Pages) { p.MarkFailed(0) },
			index: 0, kind: models.KindPageText,
			res: textResult("ok"), reason: ReasonPageFailed,
		},
		{
			name: "outline kind", index: 0, kind: models.KindOutline,
			res: textResult("ok"), reason: ReasonWrongKind,
		},
		{
			name: "index out of range", index: 5, kind: models.KindPageText,
			res: textResult("ok"), reason: ReasonIndexOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pages, _ := newPages(t, 1)
			if tt.setup != nil {
				tt.setup(pages)
			}
			before, _ := pages.Get(0)

			_, err := pages.Accept(ctx, tt.index, tt.kind, tt.res)
			var rej *Rejection
			if !errors.As(err, &rej) {
				t.Fatalf("Expected *Rejection, got %v", err)
			}
			if rej.Reason != tt.reason {
				t.Errorf("Expected reason %s, got %s", tt.reason, rej.Reason)
			}
			if rej.Retryable() != tt.retryable || IsRetryableRejection(err) != tt.retryable {
				t.Errorf("Expected retryable=%v", tt.retryable)
			}

			after, _ := pages.Get(0)
			if after.Status != before.Status || after.Text != before.Text || after.ImageRef != before.ImageRef {
				t.Errorf("Rejection mutated page: before %+v, after %+v", before, after)
			}
		})
	}
}

func TestAccept_StripsWrappingQuotes(t *testing.T) {
	pages, _ := newPages(t, 1)
	rec, err := pages.Accept(context.Background(), 0, models.KindPageText, textResult("“Hello, moon!” "))
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if rec.Text != "Hello, moon!" {
		t.Errorf("Expected quotes stripped, got %q", rec.Text)
	}
}

func TestMarkFailed(t *testing.T) {
	pages, _ := newPages(t, 2)
	ctx := context.Background()
	_, _ = pages.Accept(ctx, 0, models.KindPageText, textResult("ok"))
	_, _ = pages.Accept(ctx, 0, models.KindPageImage, imageResult(encode(t, "png")))

	if pages.MarkFailed(0) {
		t.Error("Expected complete page not to be marked failed")
	}
	if !pages.MarkFailed(1) {
		t.Error("Expected pending page to be marked failed")
	}
	if pages.MarkFailed(7) {
		t.Error("Expected out of range index to be ignored")
	}

	snap := pages.Snapshot()
	if snap[0].Status != models.PageStatusComplete || snap[1].Status != models.PageStatusFailed {
		t.Errorf("Unexpected snapshot statuses: %s, %s", snap[0].Status, snap[1].Status)
	}
}

func TestAccept_ConcurrentPages(t *testing.T) {
	const n = 12
	pages, _ := newPages(t, n)
	ctx := context.Background()
	pngData := encode(t, "png")

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := pages.Accept(ctx, i, models.KindPageText, textResult("page text")); err != nil {
				t.Errorf("page %d text: %v", i, err)
				return
			}
			if _, err := pages.Accept(ctx, i, models.KindPageImage, imageResult(pngData)); err != nil {
				t.Errorf("page %d image: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	for i, rec := range pages.Snapshot() {
		if rec.Index != i || rec.Status != models.PageStatusComplete {
			t.Errorf("Page %d: unexpected record %+v", i, rec)
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	pages, _ := newPages(t, 1)
	_, _ = pages.Accept(context.Background(), 0, models.KindPageText, textResult("ok"))

	snap := pages.Snapshot()
	snap[0].Text = "changed"
	snap[0].Attempts[models.KindPageText] = 99

	rec, _ := pages.Get(0)
	if rec.Text != "ok" || rec.Attempts[models.KindPageText] != 1 {
		t.Errorf("Snapshot shares state with the page table: %+v", rec)
	}
}

func TestDecodeImageHeader(t *testing.T) {
	for _, format := range []string{"png", "jpeg", "gif"} {
		got, cfg, err := DecodeImageHeader(encode(t, format))
		if err != nil {
			t.Errorf("%s: unexpected error %v", format, err)
			continue
		}
		if got != format {
			t.Errorf("Expected format %s, got %s", format, got)
		}
		if cfg.Width != 8 || cfg.Height != 6 {
			t.Errorf("%s: unexpected size %dx%d", format, cfg.Width, cfg.Height)
		}
	}

	// RIFF container with a WEBP tag but no valid chunks
	fakeWebP := append([]byte("RIFF\x10\x00\x00\x00WEBP"), bytes.Repeat([]byte{0}, 8)...)
	if _, _, err := DecodeImageHeader(fakeWebP); !errors.Is(err, errUnrecognizedImage) {
		t.Errorf("Expected broken webp to be unrecognized, got %v", err)
	}
	if _, _, err := DecodeImageHeader(nil); !errors.Is(err, errEmptyImage) {
		t.Errorf("Expected empty image error, got %v", err)
	}
}
