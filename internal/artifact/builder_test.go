package artifact

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"log/slog"
	"os"
	"testing"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/lamim/storyforge/internal/storage"
	"github.com/lamim/storyforge/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testImage(t *testing.T, shade uint8, encode func(*bytes.Buffer, image.Image) error) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for x := 0; x < 64; x++ {
		for y := 0; y < 64; y++ {
			img.Set(x, y, color.RGBA{R: shade, G: 120, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode image: %v", err)
	}
	return buf.Bytes()
}

func encodePNG(buf *bytes.Buffer, img image.Image) error { return png.Encode(buf, img) }
func encodeGIF(buf *bytes.Buffer, img image.Image) error { return gif.Encode(buf, img, nil) }

func setup(t *testing.T, texts ...string) (*Builder, storage.Store, Book) {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	book := Book{Title: "Ava and the Friendly Comet"}
	for i, text := range texts {
		ref, err := storage.PutContent(context.Background(), store, testImage(t, uint8(40*i), encodePNG))
		if err != nil {
			t.Fatalf("PutContent failed: %v", err)
		}
		book.Pages = append(book.Pages, models.PageRecord{
			Index:       i,
			Text:        text,
			ImageRef:    ref,
			ImageFormat: "png",
			Status:      models.PageStatusComplete,
		})
	}
	return NewBuilder(store, testLogger(), Options{}), store, book
}

func TestAssemble(t *testing.T) {
	builder, store, book := setup(t,
		"Ava looked up and saw a comet waving at her.",
		"The comet asked Ava to help it find its way home.",
		"Together they followed the brightest star and said goodnight.",
	)
	ctx := context.Background()

	art, err := builder.Assemble(ctx, book)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if !art.Ref.Valid() {
		t.Errorf("Expected valid ref, got %s", art.Ref)
	}
	if art.Pages != 3 || art.Title != book.Title || art.Size <= 0 {
		t.Errorf("Unexpected artifact: %+v", art)
	}

	pdf, err := store.Get(ctx, art.Ref)
	if err != nil {
		t.Fatalf("Stored book missing: %v", err)
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF")) {
		t.Errorf("Stored artifact is not a PDF")
	}
	n, err := api.PageCount(bytes.NewReader(pdf), nil)
	if err != nil {
		t.Fatalf("PageCount failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 pages, got %d", n)
	}

	again, err := builder.Assemble(ctx, book)
	if err != nil {
		t.Fatalf("Second Assemble failed: %v", err)
	}
	if again.Ref != art.Ref || again.Size != art.Size {
		t.Errorf("Expected identical artifact on reassembly, got %+v vs %+v", again, art)
	}
}

func TestAssemble_ConvertsGIF(t *testing.T) {
	builder, store, book := setup(t, "One page only.")
	ref, err := storage.PutContent(context.Background(), store, testImage(t, 10, encodeGIF))
	if err != nil {
		t.Fatalf("PutContent failed: %v", err)
	}
	book.Pages[0].ImageRef = ref
	book.Pages[0].ImageFormat = "gif"

	if _, err := builder.Assemble(context.Background(), book); err != nil {
		t.Fatalf("Expected gif page to assemble, got: %v", err)
	}
}

func TestIdentity(t *testing.T) {
	_, _, book := setup(t, "first page", "second page")

	a, err := Identity(book)
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	b, _ := Identity(book)
	if a != b {
		t.Error("Expected identity to be deterministic")
	}

	changedText := Book{Title: book.Title, Pages: append([]models.PageRecord(nil), book.Pages...)}
	changedText.Pages[1].Text = "a different second page"
	if c, _ := Identity(changedText); c == a {
		t.Error("Expected different text to change identity")
	}

	changedImage := Book{Title: book.Title, Pages: append([]models.PageRecord(nil), book.Pages...)}
	changedImage.Pages[0].ImageRef = book.Pages[1].ImageRef
	if c, _ := Identity(changedImage); c == a {
		t.Error("Expected different image to change identity")
	}

	changedTitle := Book{Title: "Another title", Pages: book.Pages}
	if c, _ := Identity(changedTitle); c == a {
		t.Error("Expected different title to change identity")
	}
}

func TestAssemble_Errors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(t *testing.T, store storage.Store, book *Book)
	}{
		{"no pages", func(t *testing.T, _ storage.Store, book *Book) { book.Pages = nil }},
		{"gap in indices", func(t *testing.T, _ storage.Store, book *Book) { book.Pages[1].Index = 2 }},
		{"incomplete page", func(t *testing.T, _ storage.Store, book *Book) {
			book.Pages[0].Status = models.PageStatusTextReady
		}},
		{"missing text", func(t *testing.T, _ storage.Store, book *Book) { book.Pages[1].Text = "  " }},
		{"missing image ref", func(t *testing.T, _ storage.Store, book *Book) { book.Pages[0].ImageRef = "" }},
		{"image not stored", func(t *testing.T, _ storage.Store, book *Book) {
			book.Pages[0].ImageRef = storage.RefFor([]byte("never stored"))
		}},
		{"corrupt image", func(t *testing.T, store storage.Store, book *Book) {
			ref, err := storage.PutContent(ctx, store, []byte("\x89PNG\r\n\x1a\ngarbage"))
			if err != nil {
				t.Fatalf("PutContent failed: %v", err)
			}
			book.Pages[1].ImageRef = ref
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			builder, store, book := setup(t, "page one", "page two")
			tt.mutate(t, store, &book)

			_, err := builder.Assemble(ctx, book)
			if !IsAssemblyError(err) {
				t.Fatalf("Expected assembly error, got %v", err)
			}
			var ae *AssemblyError
			if errors.As(err, &ae) && ae.Error() == "" {
				t.Error("Expected a descriptive error message")
			}
		})
	}
}

func TestStampText(t *testing.T) {
	if got := stampText("  100%  sure\n\tof it "); got != "100 percent sure of it" {
		t.Errorf("Unexpected stamp text %q", got)
	}
}
