// Package chunk splits markdown documents into indexable spans.
//
// The splitter is header-aware: ATX headers (levels 1-4) open a new section
// and become context prepended to every chunk flushed from that section.
// Within a section, blank-line paragraphs accumulate into a buffer that is
// flushed when it would exceed the size limit, carrying a character overlap
// into the next chunk so sentences cut at a boundary stay searchable.
package chunk

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// DefaultMaxChunkSize is the flush threshold in characters.
	DefaultMaxChunkSize = 1500

	// DefaultOverlap is how many trailing characters carry into the next chunk.
	DefaultOverlap = 200

	// minParagraphLen drops trivial paragraphs (list bullets, separators).
	minParagraphLen = 20

	// minChunkLen drops flushed buffers too short to be worth indexing.
	minChunkLen = 30
)

// headerPattern matches ATX headers up to level 4. Deeper headers are
// treated as ordinary text.
var headerPattern = regexp.MustCompile(`^#{1,4}\s+`)

// Chunk is one indexable span of a source document.
type Chunk struct {
	// Text is the chunk content, section header included.
	Text string
	// Source is the origin name suffixed with ":chunk_<index>".
	Source string
}

// Options configures the splitter. Zero values take the defaults.
type Options struct {
	MaxChunkSize int
	Overlap      int
}

// Markdown splits content into chunks attributed to source.
func Markdown(content, source string, opts Options) []Chunk {
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = DefaultMaxChunkSize
	}
	if opts.Overlap <= 0 {
		opts.Overlap = DefaultOverlap
	}

	s := splitter{source: source, opts: opts}

	var para []string
	endParagraph := func() {
		if len(para) == 0 {
			return
		}
		s.addParagraph(strings.TrimSpace(strings.Join(para, "\n")))
		para = para[:0]
	}

	for _, line := range strings.Split(content, "\n") {
		switch {
		case headerPattern.MatchString(line):
			// New section: finish the old one before switching context.
			endParagraph()
			s.flush()
			s.header = strings.TrimSpace(line)
		case strings.TrimSpace(line) == "":
			endParagraph()
		default:
			para = append(para, line)
		}
	}
	endParagraph()
	s.flush()

	return s.chunks
}

// splitter carries the accumulation state across paragraphs.
type splitter struct {
	source string
	opts   Options

	header string
	buf    string
	chunks []Chunk
}

// addParagraph folds one paragraph into the buffer, flushing when the
// prospective buffer would exceed the size limit.
func (s *splitter) addParagraph(p string) {
	if runeLen(p) < minParagraphLen {
		return
	}
	if s.buf == "" {
		s.buf = p
		return
	}
	if runeLen(s.buf)+2+runeLen(p) > s.opts.MaxChunkSize {
		tail := overlapTail(s.buf, s.opts.Overlap)
		s.flush()
		if tail != "" {
			s.buf = tail + "\n\n" + p
		} else {
			s.buf = p
		}
		return
	}
	s.buf += "\n\n" + p
}

// flush emits the buffer as a chunk, prepending the section header.
// Buffers below the minimum length are discarded.
func (s *splitter) flush() {
	buf := s.buf
	s.buf = ""
	if runeLen(buf) < minChunkLen {
		return
	}
	text := buf
	if s.header != "" {
		text = s.header + "\n" + buf
	}
	s.chunks = append(s.chunks, Chunk{
		Text:   text,
		Source: fmt.Sprintf("%s:chunk_%d", s.source, len(s.chunks)),
	})
}

// overlapTail returns the last n characters of s, never splitting a rune.
func overlapTail(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}

func runeLen(s string) int {
	return len([]rune(s))
}
