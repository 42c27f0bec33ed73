// Package layerbridge holds the shared data model for routing tasks to AI backends
// and composing them into workflows.
package layerbridge

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// LayerName identifies one backend layer.
type LayerName string

const (
	// LayerReasoning is the general reasoning backend.
	LayerReasoning LayerName = "reasoning"
	// LayerSearch is the search and grounding backend.
	LayerSearch LayerName = "search"
	// LayerMultimodal is the file processing and media generation backend.
	LayerMultimodal LayerName = "multimodal"
)

// KnownLayers lists every layer in priority-neutral order.
var KnownLayers = []LayerName{LayerReasoning, LayerSearch, LayerMultimodal}

// Valid reports whether the layer is one of the known layers.
func (l LayerName) Valid() bool {
	switch l {
	case LayerReasoning, LayerSearch, LayerMultimodal:
		return true
	}
	return false
}

// TaskKind is the closed set of operations a task can request.
type TaskKind string

const (
	KindQuery         TaskKind = "query"
	KindSearch        TaskKind = "search"
	KindAnalyze       TaskKind = "analyze"
	KindExtract       TaskKind = "extract"
	KindTranscribe    TaskKind = "transcribe"
	KindConvert       TaskKind = "convert"
	KindSummarize     TaskKind = "summarize"
	KindGenerateImage TaskKind = "generate_image"
	KindGenerateAudio TaskKind = "generate_audio"
	KindGenerateVideo TaskKind = "generate_video"
)

// TaskKinds returns every valid task kind.
func TaskKinds() []TaskKind {
	return []TaskKind{
		KindQuery, KindSearch, KindAnalyze, KindExtract, KindTranscribe,
		KindConvert, KindSummarize, KindGenerateImage, KindGenerateAudio, KindGenerateVideo,
	}
}

// Valid reports whether k is a member of the closed task kind set.
func (k TaskKind) Valid() bool {
	switch k {
	case KindQuery, KindSearch, KindAnalyze, KindExtract, KindTranscribe,
		KindConvert, KindSummarize, KindGenerateImage, KindGenerateAudio, KindGenerateVideo:
		return true
	}
	return false
}

// IsGeneration reports whether the kind produces a media artifact.
func (k TaskKind) IsGeneration() bool {
	switch k {
	case KindGenerateImage, KindGenerateAudio, KindGenerateVideo:
		return true
	}
	return false
}

// RequiresFiles reports whether the kind operates on input files.
func (k TaskKind) RequiresFiles() bool {
	switch k {
	case KindAnalyze, KindExtract, KindTranscribe:
		return true
	}
	return false
}

// Cacheable reports whether results of this kind are idempotent text answers.
func (k TaskKind) Cacheable() bool {
	switch k {
	case KindQuery, KindSearch, KindSummarize:
		return true
	}
	return false
}

// MediaKind returns "image", "audio" or "video" for generation kinds, "" otherwise.
func (k TaskKind) MediaKind() string {
	switch k {
	case KindGenerateImage:
		return "image"
	case KindGenerateAudio:
		return "audio"
	case KindGenerateVideo:
		return "video"
	}
	return ""
}

// GenerationKindFor maps "image", "audio" or "video" to its generation kind.
// Any other media kind yields "".
func GenerationKindFor(media string) TaskKind {
	switch media {
	case "image":
		return KindGenerateImage
	case "audio":
		return KindGenerateAudio
	case "video":
		return KindGenerateVideo
	}
	return ""
}

// ParseTaskKind converts a string into a TaskKind, rejecting unknown values.
func ParseTaskKind(s string) (TaskKind, error) {
	k := TaskKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", NewValidationError("parse", fmt.Sprintf("unknown task kind %q", s), nil)
	}
	return k, nil
}

// FileType classifies an input file.
type FileType string

const (
	FileText     FileType = "text"
	FileImage    FileType = "image"
	FileAudio    FileType = "audio"
	FileVideo    FileType = "video"
	FileDocument FileType = "document"
)

var extensionTypes = map[string]FileType{
	".txt": FileText, ".md": FileText, ".csv": FileText, ".json": FileText, ".yaml": FileText,
	".yml": FileText, ".xml": FileText, ".html": FileText, ".go": FileText, ".py": FileText,
	".js": FileText, ".ts": FileText, ".log": FileText,
	".png": FileImage, ".jpg": FileImage, ".jpeg": FileImage, ".gif": FileImage, ".webp": FileImage,
	".bmp": FileImage, ".svg": FileImage,
	".mp3": FileAudio, ".wav": FileAudio, ".flac": FileAudio, ".ogg": FileAudio, ".m4a": FileAudio,
	".mp4": FileVideo, ".mov": FileVideo, ".avi": FileVideo, ".mkv": FileVideo, ".webm": FileVideo,
	".pdf": FileDocument, ".doc": FileDocument, ".docx": FileDocument, ".ppt": FileDocument,
	".pptx": FileDocument, ".xls": FileDocument, ".xlsx": FileDocument,
}

// DetectFileType guesses the file type from the path extension. Unknown
// extensions are treated as text.
func DetectFileType(path string) FileType {
	if ft, ok := extensionTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return ft
	}
	return FileText
}

// FileReference points at an input file.
type FileReference struct {
	Path     string   `json:"path" yaml:"path"`
	Type     FileType `json:"type,omitempty" yaml:"type,omitempty"`
	Size     int64    `json:"size,omitempty" yaml:"size,omitempty"`
	Encoding string   `json:"encoding,omitempty" yaml:"encoding,omitempty"`
}

// NewFileReference builds a reference with its type detected from the path.
func NewFileReference(path string, size int64) FileReference {
	return FileReference{Path: path, Type: DetectFileType(path), Size: size}
}

// ResolvedType returns the declared type, or the detected one when unset.
func (f FileReference) ResolvedType() FileType {
	if f.Type != "" {
		return f.Type
	}
	return DetectFileType(f.Path)
}

// IsText reports whether the file can be inlined as plain text.
func (f FileReference) IsText() bool {
	return f.ResolvedType() == FileText
}

// Task is a single request for one backend.
type Task struct {
	Kind    TaskKind               `json:"kind"`
	Prompt  string                 `json:"prompt"`
	Files   []FileReference        `json:"files,omitempty"`
	Options map[string]interface{} `json:"options,omitempty"`
	// Layer forces a specific backend when set.
	Layer   LayerName     `json:"layer,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Validate checks the task for problems that no backend could recover from.
func (t Task) Validate() error {
	if !t.Kind.Valid() {
		return NewValidationError("validation", fmt.Sprintf("unknown task kind %q", t.Kind), nil)
	}
	if t.Layer != "" && !t.Layer.Valid() {
		return NewValidationError("validation", fmt.Sprintf("unknown layer %q", t.Layer), nil)
	}
	if t.Kind.RequiresFiles() && len(t.Files) == 0 {
		return NewValidationError("validation", fmt.Sprintf("task kind %q requires at least one file", t.Kind), nil)
	}
	if strings.TrimSpace(t.Prompt) == "" && !t.Kind.RequiresFiles() && t.Kind != KindConvert {
		return NewValidationError("validation", fmt.Sprintf("task kind %q requires a prompt", t.Kind), nil)
	}
	if t.Kind == KindConvert && strings.TrimSpace(t.Prompt) == "" && len(t.Files) == 0 {
		return NewValidationError("validation", "convert requires a prompt or at least one file", nil)
	}
	for _, f := range t.Files {
		if strings.TrimSpace(f.Path) == "" {
			return NewValidationError("validation", "file reference with empty path", nil)
		}
	}
	if t.Timeout < 0 {
		return NewValidationError("validation", "timeout must not be negative", nil)
	}
	return nil
}

// HasFiles reports whether the task carries any input file.
func (t Task) HasFiles() bool {
	return len(t.Files) > 0
}

// HasBinaryFiles reports whether any input file is not plain text.
func (t Task) HasBinaryFiles() bool {
	for _, f := range t.Files {
		if !f.IsText() {
			return true
		}
	}
	return false
}

// TotalFileSize sums the declared sizes of all input files.
func (t Task) TotalFileSize() int64 {
	var total int64
	for _, f := range t.Files {
		total += f.Size
	}
	return total
}

// StringOption returns a string option or "".
func (t Task) StringOption(key string) string {
	if v, ok := t.Options[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return Stringify(v)
	}
	return ""
}

// BoolOption returns a boolean option, false when absent or not a bool.
func (t Task) BoolOption(key string) bool {
	v, ok := t.Options[key].(bool)
	return ok && v
}

// CacheHit records how a result was served from the result cache.
type CacheHit string

const (
	CacheMiss     CacheHit = ""
	CacheHitExact CacheHit = "exact"
	CacheHitSoft  CacheHit = "soft"
)

// ResultMetadata describes how a LayerResult was produced.
type ResultMetadata struct {
	Layer      LayerName     `json:"layer,omitempty"`
	Model      string        `json:"model,omitempty"`
	Duration   time.Duration `json:"duration"`
	TokensUsed int           `json:"tokens_used,omitempty"`
	Cost       float64       `json:"cost,omitempty"`
	CacheHit   CacheHit      `json:"cache_hit,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
	// Fallbacks lists layers tried and abandoned before Layer served the task.
	Fallbacks []LayerName `json:"fallbacks,omitempty"`
	Errors    []string    `json:"errors,omitempty"`
	Sources   []string    `json:"sources,omitempty"`
	Grounded  bool        `json:"grounded,omitempty"`
	MediaPath string      `json:"media_path,omitempty"`
}

// LayerResult is the uniform outcome of executing a task.
type LayerResult struct {
	Success     bool           `json:"success"`
	Data        interface{}    `json:"data,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Remediation string         `json:"remediation,omitempty"`
	Metadata    ResultMetadata `json:"metadata"`
}

// Text returns Data serialized as text.
func (r LayerResult) Text() string {
	return Stringify(r.Data)
}

// FailureResult converts an error into an unsuccessful LayerResult.
func FailureResult(layer LayerName, err error) LayerResult {
	return LayerResult{
		Success:     false,
		Error:       err.Error(),
		ErrorCode:   CodeOf(err),
		Remediation: RemediationOf(err),
		Metadata:    ResultMetadata{Layer: layer},
	}
}

// Stringify renders an arbitrary output value as text. Strings pass through,
// everything else is JSON encoded.
func Stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	case error:
		return val.Error()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// AuthStatus is the outcome of a credential check for one service.
type AuthStatus struct {
	Service            LayerName `json:"service"`
	Success            bool      `json:"success"`
	Method             string    `json:"method,omitempty"`
	UserInfo           string    `json:"user_info,omitempty"`
	Error              string    `json:"error,omitempty"`
	ActionInstructions string    `json:"action_instructions,omitempty"`
	CachedAt           time.Time `json:"cached_at,omitempty"`
}
