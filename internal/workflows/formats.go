package workflows

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ZanzyTHEbar/layerbridge"
)

// Format names accepted by BuildConversion.
const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
	FormatJSON     = "json"
	FormatYAML     = "yaml"
	FormatCSV      = "csv"
	FormatPDF      = "pdf"
	FormatDOCX     = "docx"
	FormatImage    = "image"
	FormatAudio    = "audio"
	FormatVideo    = "video"
)

var formatAliases = map[string]string{
	"txt": FormatText, "plain": FormatText, "md": FormatMarkdown, "htm": FormatHTML,
	"yml": FormatYAML, "doc": FormatDOCX, "word": FormatDOCX,
	"png": FormatImage, "jpg": FormatImage, "jpeg": FormatImage, "gif": FormatImage, "webp": FormatImage,
	"mp3": FormatAudio, "wav": FormatAudio, "flac": FormatAudio, "ogg": FormatAudio, "m4a": FormatAudio,
	"mp4": FormatVideo, "mov": FormatVideo, "mkv": FormatVideo, "webm": FormatVideo,
}

// conversions lists the targets reachable from each source format.
var conversions = map[string][]string{
	FormatText:     {FormatMarkdown, FormatHTML, FormatJSON},
	FormatMarkdown: {FormatText, FormatHTML, FormatDOCX, FormatPDF},
	FormatHTML:     {FormatText, FormatMarkdown},
	FormatJSON:     {FormatYAML, FormatCSV, FormatMarkdown},
	FormatYAML:     {FormatJSON, FormatMarkdown},
	FormatCSV:      {FormatJSON, FormatMarkdown, FormatYAML},
	FormatPDF:      {FormatText, FormatMarkdown, FormatHTML},
	FormatDOCX:     {FormatText, FormatMarkdown, FormatPDF},
	FormatImage:    {FormatText, FormatMarkdown, FormatJSON},
	FormatAudio:    {FormatText, FormatMarkdown},
	FormatVideo:    {FormatText, FormatMarkdown},
}

// NormalizeFormat lower-cases f and resolves extension aliases.
func NormalizeFormat(f string) string {
	f = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(f)), ".")
	if alias, ok := formatAliases[f]; ok {
		return alias
	}
	return f
}

// FormatOf derives a format from a file extension.
func FormatOf(path string) string {
	return NormalizeFormat(filepath.Ext(path))
}

// SupportsConversion reports whether from can be converted to to.
func SupportsConversion(from, to string) bool {
	for _, t := range conversions[NormalizeFormat(from)] {
		if t == NormalizeFormat(to) {
			return true
		}
	}
	return false
}

// Conversions returns a copy of the supported conversion table.
func Conversions() map[string][]string {
	out := make(map[string][]string, len(conversions))
	for from, targets := range conversions {
		out[from] = append([]string(nil), targets...)
	}
	return out
}

func checkConversion(from, to string) error {
	if _, ok := conversions[from]; !ok {
		return layerbridge.NewValidationError("build", fmt.Sprintf("unsupported source format %q", from), nil)
	}
	if !SupportsConversion(from, to) {
		targets := append([]string(nil), conversions[from]...)
		sort.Strings(targets)
		return layerbridge.NewValidationError("build",
			fmt.Sprintf("cannot convert %s to %s (supported: %s)", from, to, strings.Join(targets, ", ")), nil)
	}
	return nil
}

// needsExtraction reports whether the source must pass through the
// multimodal backend before a text conversion.
func needsExtraction(from string) bool {
	switch from {
	case FormatPDF, FormatDOCX, FormatImage, FormatAudio, FormatVideo:
		return true
	}
	return false
}
