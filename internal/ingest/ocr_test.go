package ingest

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
)

// fakeRunner stands in for pdftoppm and tesseract: rendering writes blank
// page images, recognition returns canned text per call.
type fakeRunner struct {
	pages    int
	texts    []string
	calls    []string
	ocrCalls int
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	switch name {
	case "pdftoppm":
		prefix := args[len(args)-1]
		for i := 1; i <= f.pages; i++ {
			img := image.NewGray(image.Rect(0, 0, 8, 8))
			for j := range img.Pix {
				img.Pix[j] = 255
			}
			img.SetGray(3, 3, color.Gray{Y: 0})
			if err := imaging.Save(img, fmt.Sprintf("%s-%d.png", prefix, i)); err != nil {
				return nil, err
			}
		}
		return nil, nil
	case "tesseract":
		text := f.texts[f.ocrCalls]
		f.ocrCalls++
		return []byte(text), nil
	}
	return nil, fmt.Errorf("unexpected command %s", name)
}

func TestOCRExtractor_Pages(t *testing.T) {
	r := &fakeRunner{pages: 2, texts: []string{"Bonjour\r\n", "ﬁn du document"}}
	o := NewOCRExtractor(0, "")
	o.Run = r.run

	pages, err := o.Extract(context.Background(), "scan.pdf")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("got %d pages, want 2", len(pages))
	}
	if pages[0].Number != 1 || pages[0].Text != "Bonjour\n" {
		t.Errorf("page 1 = %+v", pages[0])
	}
	if pages[1].Text != "fin du document" {
		t.Errorf("page 2 text = %q, want normalized ligature", pages[1].Text)
	}

	if !strings.Contains(r.calls[0], "-r 300") {
		t.Errorf("pdftoppm call %q should render at 300 DPI", r.calls[0])
	}
	if !strings.Contains(r.calls[1], "-l fra+eng --oem 3 --psm 6") {
		t.Errorf("tesseract call %q missing language or mode flags", r.calls[1])
	}
}

func TestOCRExtractor_NoText(t *testing.T) {
	r := &fakeRunner{pages: 1, texts: []string{"  \n"}}
	o := NewOCRExtractor(0, "")
	o.Run = r.run

	if _, err := o.Extract(context.Background(), "blank.pdf"); err != ErrNoText {
		t.Errorf("Extract error = %v, want ErrNoText", err)
	}
}

func TestOCRExtractor_RenderFailure(t *testing.T) {
	o := NewOCRExtractor(0, "")
	o.Run = func(context.Context, string, ...string) ([]byte, error) {
		return nil, fmt.Errorf("pdftoppm: exit status 1")
	}
	if _, err := o.Extract(context.Background(), "bad.pdf"); err == nil {
		t.Error("expected error when rendering fails")
	}
}
