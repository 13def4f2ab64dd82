package job

import (
	"bytes"
	"cmp"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/go-pdf/fpdf"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"

	"github.com/mzyy94/esclbridge/internal/capture"
)

// Document formats produced by WriteDocumentTo.
const (
	FormatJPEG = "image/jpeg"
	FormatPNG  = "image/png"
	FormatPDF  = "application/pdf"
	formatTIFF = "image/tiff"
)

// normalizeFormat falls back to JPEG for formats this package cannot produce.
func normalizeFormat(f string) string {
	switch f {
	case FormatPDF, FormatPNG, FormatJPEG:
		return f
	}
	return FormatJPEG
}

// writeJPEG passes JPEG pages through unchanged and encodes everything else.
func writeJPEG(w io.Writer, p *capture.Page, quality int) error {
	if p.Encoded() && p.Format == FormatJPEG {
		_, err := w.Write(p.Data)
		return err
	}
	img, err := decodePage(p)
	if err != nil {
		return err
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

func writePNG(w io.Writer, p *capture.Page) error {
	if p.Encoded() && p.Format == FormatPNG {
		_, err := w.Write(p.Data)
		return err
	}
	img, err := decodePage(p)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

// pdfOptions controls how a page is embedded into a PDF.
type pdfOptions struct {
	// DPI sizes the page when the image carries no resolution.
	DPI int
	// Bitonal embeds the page as 1-bit PNG, black below Threshold.
	Bitonal   bool
	Threshold uint8
	Quality   int
}

// writePDF embeds one page into a single-page PDF sized from the image
// resolution.
func writePDF(w io.Writer, p *capture.Page, opts pdfOptions) error {
	data, imageType, size, err := pdfImage(p, opts)
	if err != nil {
		return err
	}

	dpi := cmp.Or(p.Resolution(), opts.DPI, 300)
	mm := func(px int) float64 { return float64(px) / float64(dpi) * 25.4 }
	widthMM, heightMM := mm(size.X), mm(size.Y)

	pdf := fpdf.New("P", "mm", "", "")
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPageFormat("P", fpdf.SizeType{Wd: widthMM, Ht: heightMM})
	pdf.RegisterImageOptionsReader("page", fpdf.ImageOptions{ImageType: imageType}, bytes.NewReader(data))
	pdf.ImageOptions("page", 0, 0, widthMM, heightMM, false, fpdf.ImageOptions{}, 0, "")
	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("generate PDF: %w", err)
	}
	return nil
}

// pdfImage returns the encoded image fpdf embeds and its pixel size.
// JPEG pages are embedded as they are.
func pdfImage(p *capture.Page, opts pdfOptions) ([]byte, string, image.Point, error) {
	if !opts.Bitonal && p.Encoded() && p.Format == FormatJPEG {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(p.Data))
		if err != nil {
			return nil, "", image.Point{}, fmt.Errorf("decode page image config: %w", err)
		}
		return p.Data, "JPEG", image.Pt(cfg.Width, cfg.Height), nil
	}

	img, err := decodePage(p)
	if err != nil {
		return nil, "", image.Point{}, err
	}
	var buf bytes.Buffer
	if opts.Bitonal {
		if err := png.Encode(&buf, bitonal(img, opts.Threshold)); err != nil {
			return nil, "", image.Point{}, fmt.Errorf("encode bitonal page: %w", err)
		}
		return buf.Bytes(), "PNG", img.Bounds().Size(), nil
	}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: opts.Quality}); err != nil {
		return nil, "", image.Point{}, fmt.Errorf("encode page: %w", err)
	}
	return buf.Bytes(), "JPEG", img.Bounds().Size(), nil
}

// decodePage returns the page as an image, decoding pre-encoded data.
func decodePage(p *capture.Page) (image.Image, error) {
	if p.Image != nil {
		return p.Image, nil
	}
	if !p.Encoded() {
		return nil, ErrNoDocument
	}
	if p.Format == formatTIFF {
		img, err := tiff.Decode(bytes.NewReader(p.Data))
		if err != nil {
			return nil, fmt.Errorf("decode TIFF page: %w", err)
		}
		return img, nil
	}
	img, _, err := image.Decode(bytes.NewReader(p.Data))
	if err != nil {
		return nil, fmt.Errorf("decode %s page: %w", p.Format, err)
	}
	return img, nil
}

// bitonal maps img to white and black by luminance. Pixels darker than
// threshold become black.
func bitonal(img image.Image, threshold uint8) *image.Paletted {
	b := img.Bounds()
	gray, ok := img.(*image.Gray)
	if !ok {
		gray = image.NewGray(b)
		draw.Draw(gray, b, img, b.Min, draw.Src)
	}
	dst := image.NewPaletted(b, color.Palette{color.White, color.Black})
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if gray.GrayAt(x, y).Y < threshold {
				dst.SetColorIndex(x, y, 1)
			}
		}
	}
	return dst
}
