// -- internal/reporting/reporter.go --
package reporting

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xkilldash9x/compliance-swarm/api/schemas"
)

// Supported output formats.
const (
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
)

// Renderer writes a compliance report in one output format.
type Renderer interface {
	Render(w io.Writer, report *schemas.Report) error
	// Extension is the conventional file extension, without the dot.
	Extension() string
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New returns the renderer for format. "md" is accepted for markdown.
func New(format string) (Renderer, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatMarkdown, "md", "":
		return &MarkdownRenderer{}, nil
	case FormatJSON:
		return &JSONRenderer{Indent: "  "}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// WriteFile renders the report to outputPath, or to stdout when the path is
// empty or "stdout".
func WriteFile(outputPath, format string, report *schemas.Report) (err error) {
	if report == nil {
		return fmt.Errorf("no report to write")
	}
	r, err := New(format)
	if err != nil {
		return err
	}

	var writer io.WriteCloser
	if outputPath == "" || outputPath == "stdout" {
		// Wrap Stdout so Close() is a no-op.
		writer = &nopWriteCloser{os.Stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}
	defer func() {
		if cerr := writer.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close output file %s: %w", outputPath, cerr)
		}
	}()

	if err := r.Render(writer, report); err != nil {
		return fmt.Errorf("failed to render %s report: %w", format, err)
	}
	return nil
}
