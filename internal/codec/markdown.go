package codec

import (
	"fmt"
	"regexp"
	"strings"
)

// ProviderErrorSentinel is the literal text providers return in place of a reply when
// they fail internally.
const ProviderErrorSentinel = "Error processing response."

const errorMarkerOpen = `<span class="error-marker">`

var (
	boldPattern       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicPattern     = regexp.MustCompile(`\*([^*]+)\*`)
	fencePattern      = regexp.MustCompile("(?s)```(?:[\\w+#.-]+\\n)?(.*?)```")
	inlineCodePattern = regexp.MustCompile("`([^`]+)`")
	latexPattern      = regexp.MustCompile(`(?s)\\\(.*?\\\)|\\\[.*?\\\]`)
	headingPattern    = regexp.MustCompile(`(?m)(^|<br>)###[ \t]*(.*?)(<br>|$)`)
)

// placeholder delimiters never produced by providers.
const (
	maskOpen  = "\x00m"
	maskClose = "\x00"
)

// ToDisplay applies the fixed, ordered display rules to provider text:
//
//  1. double newline → paragraph break
//  2. **bold**
//  3. *italic*
//  4. fenced code block (language tag dropped)
//  5. `inline code`
//  6. \( … \) and \[ … \] kept verbatim
//  7. ### heading at the start of a line or paragraph
//  8. provider error sentinel → error marker
//
// Math spans are masked from rules 2–5 and restored at step 6 so emphasis and code
// markers inside formulas survive. The output of ToDisplay contains no markers the
// rules recognize, so applying it twice yields the same text.
func ToDisplay(text string) string {
	out := strings.ReplaceAll(text, "\n\n", "<br><br>")

	var math []string
	out = latexPattern.ReplaceAllStringFunc(out, func(m string) string {
		math = append(math, m)
		return fmt.Sprintf("%s%d%s", maskOpen, len(math)-1, maskClose)
	})

	out = boldPattern.ReplaceAllString(out, "<strong>$1</strong>")
	out = italicPattern.ReplaceAllString(out, "<em>$1</em>")
	out = fencePattern.ReplaceAllString(out, "<pre><code>$1</code></pre>")
	out = inlineCodePattern.ReplaceAllString(out, "<code>$1</code>")

	for i, m := range math {
		out = strings.Replace(out, fmt.Sprintf("%s%d%s", maskOpen, i, maskClose), m, 1)
	}

	out = headingPattern.ReplaceAllString(out, "${1}<h3>${2}</h3>")
	return markSentinel(out)
}

// markSentinel wraps each bare sentinel occurrence, skipping ones already wrapped.
func markSentinel(s string) string {
	if !strings.Contains(s, ProviderErrorSentinel) {
		return s
	}

	var b strings.Builder
	for {
		i := strings.Index(s, ProviderErrorSentinel)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := i + len(ProviderErrorSentinel)
		b.WriteString(s[:i])
		if strings.HasSuffix(s[:i], errorMarkerOpen) {
			b.WriteString(s[i:end])
		} else {
			b.WriteString(errorMarkerOpen + ProviderErrorSentinel + "</span>")
		}
		s = s[end:]
	}
}
