package compiler

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
)

// ParseIncludes lists the files named by the line markers of preprocessor
// output, in first-seen order. Pseudo files such as <built-in> are skipped.
func ParseIncludes(preprocessed []byte) []string {
	seen := make(map[string]bool)
	var files []string

	scanner := bufio.NewScanner(bytes.NewReader(preprocessed))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "#") {
			continue
		}
		name, ok := lineMarkerFile(line)
		if !ok || strings.HasPrefix(name, "<") || seen[name] {
			continue
		}
		seen[name] = true
		files = append(files, name)
	}
	return files
}

// lineMarkerFile handles both `# 12 "file" 1 3` and `#line 12 "file"`.
func lineMarkerFile(line string) (string, bool) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "#"))
	rest = strings.TrimPrefix(rest, "line")
	rest = strings.TrimSpace(rest)

	i := strings.IndexByte(rest, ' ')
	if i <= 0 {
		return "", false
	}
	if _, err := strconv.Atoi(rest[:i]); err != nil {
		return "", false
	}
	rest = strings.TrimSpace(rest[i+1:])
	if !strings.HasPrefix(rest, `"`) {
		return "", false
	}

	end := strings.LastIndexByte(rest, '"')
	if end <= 0 {
		return "", false
	}
	name, err := strconv.Unquote(rest[:end+1])
	if err != nil {
		return "", false
	}
	return name, true
}
