// Package artifact renders completed pages into a PDF picture book and stores
// it under a content identity derived from the page contents.
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"golang.org/x/image/webp"

	"github.com/lamim/storyforge/internal/assembler"
	"github.com/lamim/storyforge/internal/storage"
	"github.com/lamim/storyforge/internal/util"
	"github.com/lamim/storyforge/pkg/models"
)

// ManifestVersion is mixed into every content identity
const ManifestVersion = "storyforge-book/v1"

const (
	pageTextDesc = "fontname:Helvetica, points:14, position:bc, offset:0 24, scalefactor:0.9 rel, rotation:0, aligntext:center, fillcolor:#202020, backgroundcolor:#FFFFFF, margins:8"
	titleDesc    = "fontname:Helvetica-Bold, points:24, position:tc, offset:0 -24, scalefactor:0.8 rel, rotation:0, aligntext:center, fillcolor:#1A1A40, backgroundcolor:#FFFFFF, margins:10"
)

var disableConfigDir sync.Once

// AssemblyError is returned when pages cannot be turned into a book
type AssemblyError struct {
	Page   int // -1 when not tied to one page
	Reason string
	Err    error
}

func (e *AssemblyError) Error() string {
	msg := e.Reason
	if e.Page >= 0 {
		msg = fmt.Sprintf("page %d: %s", e.Page, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("assembly failed: %s: %v", msg, e.Err)
	}
	return "assembly failed: " + msg
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// Book is the input of one assembly
type Book struct {
	Title string
	Pages []models.PageRecord
}

// Artifact is a stored, finished book
type Artifact struct {
	Ref   models.ArtifactRef
	Size  int64
	Pages int
	Title string
}

// Info converts the artifact to its status form
func (a *Artifact) Info() *models.ArtifactInfo {
	return &models.ArtifactInfo{Ref: a.Ref, Size: a.Size, Pages: a.Pages, Title: a.Title}
}

// Options tunes page layout
type Options struct {
	WrapWidth int // Characters per text line on a page
}

// Builder assembles books
type Builder struct {
	store  storage.Store
	logger *slog.Logger
	opts   Options
}

// NewBuilder creates an artifact builder
func NewBuilder(store storage.Store, logger *slog.Logger, opts Options) *Builder {
	disableConfigDir.Do(api.DisableConfigDir)
	if opts.WrapWidth <= 0 {
		opts.WrapWidth = 48
	}
	return &Builder{store: store, logger: logger, opts: opts}
}

type manifestPage struct {
	Index      int                `json:"index"`
	TextSHA256 string             `json:"text_sha256"`
	Image      models.ArtifactRef `json:"image"`
}

type manifest struct {
	Version string         `json:"version"`
	Title   string         `json:"title"`
	Pages   []manifestPage `json:"pages"`
}

// Identity returns the content identity of a book. It depends only on the title
// and on each page's text and image bytes, in index order.
func Identity(book Book) (models.ArtifactRef, error) {
	if err := checkPages(book.Pages); err != nil {
		return "", err
	}
	m := manifest{Version: ManifestVersion, Title: book.Title}
	for _, p := range book.Pages {
		sum := sha256.Sum256([]byte(p.Text))
		m.Pages = append(m.Pages, manifestPage{
			Index:      p.Index,
			TextSHA256: hex.EncodeToString(sum[:]),
			Image:      p.ImageRef,
		})
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}
	return storage.RefFor(data), nil
}

// Assemble renders and stores the book. Assembling the same page content
// again returns the stored artifact without re-rendering.
func (b *Builder) Assemble(ctx context.Context, book Book) (*Artifact, error) {
	start := time.Now()
	ref, err := Identity(book)
	if err != nil {
		return nil, err
	}
	logger := b.logger.With("artifact", ref, "pages", len(book.Pages))

	if exists, err := b.store.Exists(ctx, ref); err == nil && exists {
		data, err := b.store.Get(ctx, ref)
		if err == nil {
			logger.Info("Book already assembled")
			return &Artifact{Ref: ref, Size: int64(len(data)), Pages: len(book.Pages), Title: book.Title}, nil
		}
		logger.Warn("Stored book unreadable, re-assembling", "error", err)
	}

	images := make([]io.Reader, len(book.Pages))
	for i, p := range book.Pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := b.store.Get(ctx, p.ImageRef)
		if err != nil {
			return nil, &AssemblyError{Page: i, Reason: "image unavailable", Err: err}
		}
		if storage.RefFor(data) != p.ImageRef {
			return nil, &AssemblyError{Page: i, Reason: "image does not match its reference"}
		}
		ready, err := pdfReady(data)
		if err != nil {
			return nil, &AssemblyError{Page: i, Reason: "corrupt image", Err: err}
		}
		images[i] = bytes.NewReader(ready)
	}

	pdf, err := b.render(book, images)
	if err != nil {
		return nil, err
	}

	if err := b.store.Put(ctx, ref, pdf); err != nil {
		return nil, fmt.Errorf("failed to store book: %w", err)
	}

	logger.Info("Book assembled", "bytes", len(pdf), "duration", time.Since(start))
	return &Artifact{Ref: ref, Size: int64(len(pdf)), Pages: len(book.Pages), Title: book.Title}, nil
}

func (b *Builder) render(book Book, images []io.Reader) ([]byte, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	var out bytes.Buffer
	if err := api.ImportImages(nil, &out, images, pdfcpu.DefaultImportConfig(), conf); err != nil {
		return nil, &AssemblyError{Page: -1, Reason: "failed to import images", Err: err}
	}
	pdf := out.Bytes()

	for _, p := range book.Pages {
		text := strings.Join(util.WrapText(stampText(p.Text), b.opts.WrapWidth), "\n")
		stamped, err := stamp(pdf, p.Index+1, text, pageTextDesc, conf)
		if err != nil {
			return nil, &AssemblyError{Page: p.Index, Reason: "failed to stamp page text", Err: err}
		}
		pdf = stamped
	}

	if title := stampText(book.Title); title != "" {
		stamped, err := stamp(pdf, 1, strings.Join(util.WrapText(title, b.opts.WrapWidth/2+8), "\n"), titleDesc, conf)
		if err != nil {
			return nil, &AssemblyError{Page: 0, Reason: "failed to stamp title", Err: err}
		}
		pdf = stamped
	}

	n, err := api.PageCount(bytes.NewReader(pdf), conf)
	if err != nil {
		return nil, &AssemblyError{Page: -1, Reason: "rendered document is invalid", Err: err}
	}
	if n != len(book.Pages) {
		return nil, &AssemblyError{Page: -1, Reason: fmt.Sprintf("rendered %d pages, expected %d", n, len(book.Pages))}
	}
	return pdf, nil
}

func stamp(pdf []byte, page int, text, desc string, conf *model.Configuration) ([]byte, error) {
	wm, err := api.TextWatermark(text, desc, true, false, types.POINTS)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := api.AddWatermarks(bytes.NewReader(pdf), &out, []string{fmt.Sprintf("%d", page)}, wm, conf); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// checkPages enforces contiguous, complete pages
func checkPages(pages []models.PageRecord) error {
	if len(pages) == 0 {
		return &AssemblyError{Page: -1, Reason: "book has no pages"}
	}
	for i, p := range pages {
		switch {
		case p.Index != i:
			return &AssemblyError{Page: i, Reason: fmt.Sprintf("found page index %d, pages must be contiguous", p.Index)}
		case p.Status != models.PageStatusComplete:
			return &AssemblyError{Page: i, Reason: fmt.Sprintf("page is %s", p.Status)}
		case strings.TrimSpace(p.Text) == "":
			return &AssemblyError{Page: i, Reason: "missing text"}
		case !p.ImageRef.Valid():
			return &AssemblyError{Page: i, Reason: "missing image"}
		}
	}
	return nil
}

// pdfReady verifies an image and converts formats the PDF importer does not take to PNG
func pdfReady(data []byte) ([]byte, error) {
	format, _, err := assembler.DecodeImageHeader(data)
	if err != nil {
		return nil, err
	}

	var img image.Image
	switch format {
	case "png", "jpeg":
		if _, _, err := image.Decode(bytes.NewReader(data)); err != nil {
			return nil, err
		}
		return data, nil
	case "webp":
		img, err = webp.Decode(bytes.NewReader(data))
	default:
		img, _, err = image.Decode(bytes.NewReader(data))
	}
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to convert %s to png: %w", format, err)
	}
	return buf.Bytes(), nil
}

// stampText removes characters the watermark renderer treats specially
func stampText(s string) string {
	s = strings.ReplaceAll(s, "%", " percent")
	return strings.Join(strings.Fields(s), " ")
}

// IsAssemblyError reports whether err came from page validation or rendering
func IsAssemblyError(err error) bool {
	var ae *AssemblyError
	return errors.As(err, &ae)
}
