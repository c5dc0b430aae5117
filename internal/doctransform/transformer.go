// Package doctransform orchestrates asynchronous document format
// conversion jobs.
package doctransform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/taskforge/internal/provider"
)

// Format is a supported document format.
type Format string

const (
	FormatPDF      Format = "pdf"
	FormatText     Format = "txt"
	FormatMarkdown Format = "md"
)

// Transformer converts one document into a new artifact. Implementations
// must never mutate the source; every attempt writes a fresh output, which
// is what makes bounded retries safe.
type Transformer interface {
	Transform(ctx context.Context, sourcePath, outputPath string) error
}

// formatPair keys the registry.
type formatPair struct {
	source Format
	target Format
}

// Registry holds the closed set of supported conversions, assembled at
// startup.
type Registry struct {
	transformers map[formatPair]Transformer
}

// NewRegistry returns a Registry with the built-in conversions bound.
func NewRegistry() *Registry {
	r := &Registry{transformers: make(map[formatPair]Transformer)}
	r.register(FormatPDF, FormatText, &pdfContentTransformer{})
	r.register(FormatPDF, FormatMarkdown, &pdfContentTransformer{markdown: true})
	return r
}

func (r *Registry) register(source, target Format, t Transformer) {
	r.transformers[formatPair{source, target}] = t
}

// Resolve returns the transformer for a conversion, or an error when the
// pair is unsupported.
func (r *Registry) Resolve(source, target Format) (Transformer, error) {
	t, ok := r.transformers[formatPair{source, target}]
	if !ok {
		return nil, fmt.Errorf("unsupported conversion %s -> %s", source, target)
	}
	return t, nil
}

// Supports reports whether the conversion is available.
func (r *Registry) Supports(source, target Format) bool {
	_, ok := r.transformers[formatPair{source, target}]
	return ok
}

// FormatFromFilename derives the format from a file extension.
func FormatFromFilename(name string) Format {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	return Format(ext)
}

// pdfContentTransformer extracts page content from a PDF into a text or
// markdown artifact.
type pdfContentTransformer struct {
	markdown bool
}

// Transform reads the source PDF and writes the extracted content to
// outputPath. The source file is only ever opened for reading.
func (t *pdfContentTransformer) Transform(ctx context.Context, sourcePath, outputPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := api.ValidateFile(sourcePath, nil); err != nil {
		return provider.NewError(provider.KindPermanent, "doc_transform", "source is not a valid PDF", err)
	}

	workDir, err := os.MkdirTemp("", "taskforge-extract-*")
	if err != nil {
		return provider.NewError(provider.KindTransient, "doc_transform", "create work dir", err)
	}
	defer os.RemoveAll(workDir)

	if err := api.ExtractContentFile(sourcePath, workDir, nil, nil); err != nil {
		return provider.NewError(provider.KindPermanent, "doc_transform", "extract PDF content", err)
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		return provider.NewError(provider.KindTransient, "doc_transform", "read extracted content", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var out strings.Builder
	if t.markdown {
		title := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
		fmt.Fprintf(&out, "# %s\n\n", title)
	}
	for i, name := range names {
		data, err := os.ReadFile(filepath.Join(workDir, name))
		if err != nil {
			return provider.NewError(provider.KindTransient, "doc_transform", "read page content", err)
		}
		if t.markdown {
			fmt.Fprintf(&out, "## Page %d\n\n", i+1)
		}
		out.Write(data)
		out.WriteString("\n")
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return provider.NewError(provider.KindTransient, "doc_transform", "create output dir", err)
	}
	if err := os.WriteFile(outputPath, []byte(out.String()), 0o640); err != nil {
		return provider.NewError(provider.KindTransient, "doc_transform", "write output artifact", err)
	}
	return nil
}
