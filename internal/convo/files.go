package convo

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// sendFilePattern matches "[send_file: PATH]" attachment tokens.
var sendFilePattern = regexp.MustCompile(`\[send_file:\s*([^\]]+)\]`)

// longResponseNote is appended to a truncated body.
const longResponseNote = "\n\n[Response truncated; full text attached]"

// ExtractSendFiles strips attachment tokens from the text and returns the
// referenced paths that exist on disk.
func ExtractSendFiles(text string) (string, []string) {
	matches := sendFilePattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text, nil
	}
	var files []string
	seen := make(map[string]bool)
	for _, match := range matches {
		path := strings.TrimSpace(match[1])
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			files = append(files, path)
		}
	}
	clean := strings.TrimSpace(sendFilePattern.ReplaceAllString(text, ""))
	return clean, files
}

// ApplyLongResponse persists text that exceeds the threshold to a file under
// the workspace and returns the truncated body plus the saved path ("" when
// the text fits).
func ApplyLongResponse(workspace, id, text string, threshold int) (string, string) {
	if threshold <= 0 || len(text) <= threshold {
		return text, ""
	}
	dir := filepath.Join(workspace, "responses")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return text[:threshold] + longResponseNote, ""
	}
	path := filepath.Join(dir, fmt.Sprintf("response_%s.txt", id))
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return text[:threshold] + longResponseNote, ""
	}
	return text[:threshold] + longResponseNote, path
}
