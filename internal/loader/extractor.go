package loader

import (
	"regexp"
	"strings"
	"sync"
)

// Extractor turns the raw bytes of one file format into plain text. The
// returned text is normalized by the loader before chunking.
type Extractor interface {
	Extract(path string, data []byte) (string, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(path string, data []byte) (string, error)

func (f ExtractorFunc) Extract(path string, data []byte) (string, error) {
	return f(path, data)
}

// Registry maps file extensions to extractors. Adding a format means
// registering a new extractor, not branching in the scan loop.
type Registry struct {
	mu    sync.RWMutex
	byExt map[string]Extractor
}

// NewRegistry returns a Registry with the built-in extractors registered:
// .txt, .md, .html, .pdf, and .docx.
func NewRegistry() *Registry {
	r := &Registry{byExt: make(map[string]Extractor)}
	r.Register(".txt", ExtractorFunc(extractText))
	r.Register(".md", ExtractorFunc(extractMarkdown))
	r.Register(".html", ExtractorFunc(extractHTML))
	r.Register(".pdf", ExtractorFunc(extractPDF))
	r.Register(".docx", ExtractorFunc(extractDOCX))
	return r
}

// Register binds an extension (".ext" form, case-insensitive) to an extractor.
func (r *Registry) Register(ext string, e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byExt[strings.ToLower(ext)] = e
}

// Lookup returns the extractor for an extension.
func (r *Registry) Lookup(ext string) (Extractor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byExt[strings.ToLower(ext)]
	return e, ok
}

func extractText(_ string, data []byte) (string, error) {
	return string(data), nil
}

var (
	headingRe = regexp.MustCompile(`^#{1,6}\s+`)
	fenceRe   = regexp.MustCompile("^```")
)

// extractMarkdown keeps the document text but drops structural markers that
// add retrieval noise: heading hashes and code-fence delimiter lines.
func extractMarkdown(_ string, data []byte) (string, error) {
	lines := strings.Split(string(data), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if fenceRe.MatchString(strings.TrimSpace(line)) {
			continue
		}
		out = append(out, headingRe.ReplaceAllString(line, ""))
	}
	return strings.Join(out, "\n"), nil
}

var multiBlankRe = regexp.MustCompile(`\n{3,}`)

// Normalize canonicalizes extracted text: LF line endings, no trailing
// whitespace per line, runs of blank lines collapsed to one, and no
// surrounding whitespace. Chunk offsets refer to this normalized form.
func Normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = strings.Join(lines, "\n")
	s = multiBlankRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
