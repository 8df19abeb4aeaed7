package validation

import (
	"encoding/json"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/rendis/intake/pkg/schema"
)

// fileInfo is the part of an upload or stored reference the file rules look at.
type fileInfo struct {
	name     string
	size     int64
	mimeType string
	ref      *schema.FileReference
}

func validateFile(step *schema.WorkflowStep, raw any) Result {
	info, present, ok := readFile(raw)
	if !ok {
		return Reject(ReasonWrongShape, "expected a file, got %T", raw)
	}
	if !present {
		if step.Required {
			return Reject(ReasonRequired, "please choose a file")
		}
		return Accept(nil)
	}

	if step.MaxSize > 0 && info.size > step.MaxSize {
		return Reject(ReasonSizeExceeded, "%s is %s; the limit is %s",
			info.name, humanSize(info.size), humanSize(step.MaxSize))
	}
	if len(step.AcceptedTypes) > 0 && !acceptsType(step.AcceptedTypes, info.name, info.mimeType) {
		return Reject(ReasonTypeNotAccepted, "%s is not an accepted file type (%s)",
			info.name, strings.Join(step.AcceptedTypes, ", "))
	}

	if info.ref != nil {
		return Accept(*info.ref)
	}
	// A raw upload passed validation; the engine stores it and commits the reference.
	return Accept(nil)
}

// readFile understands raw uploads, stored references and their decoded-JSON form.
func readFile(raw any) (info fileInfo, present bool, ok bool) {
	switch v := raw.(type) {
	case nil:
		return info, false, true
	case schema.FileUpload:
		return fileInfo{name: v.Name, size: int64(len(v.Data)), mimeType: v.MIMEType}, v.Name != "" || len(v.Data) > 0, true
	case *schema.FileUpload:
		if v == nil {
			return info, false, true
		}
		return readFile(*v)
	case schema.FileReference:
		ref := v
		return fileInfo{name: v.Name, size: v.Size, mimeType: v.MIMEType, ref: &ref}, v.URLOrID != "", true
	case *schema.FileReference:
		if v == nil {
			return info, false, true
		}
		return readFile(*v)
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return info, false, false
		}
		var ref schema.FileReference
		if err := json.Unmarshal(b, &ref); err != nil {
			return info, false, false
		}
		if ref.Type == "" {
			ref.Type = schema.FileReferenceType
		}
		return readFile(ref)
	default:
		return info, false, false
	}
}

// acceptsType matches exact MIME types, "type/*" wildcards and ".ext" suffixes.
func acceptsType(accepted []string, name, mimeType string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if mimeType == "" && ext != "" {
		mimeType = mime.TypeByExtension(ext)
	}
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))

	for _, a := range accepted {
		a = strings.ToLower(strings.TrimSpace(a))
		switch {
		case strings.HasPrefix(a, "."):
			if ext == a {
				return true
			}
		case strings.HasSuffix(a, "/*"):
			if mimeType != "" && strings.HasPrefix(mimeType, strings.TrimSuffix(a, "*")) {
				return true
			}
		case a == mimeType && a != "":
			return true
		}
	}
	return false
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
