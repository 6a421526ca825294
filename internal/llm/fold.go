package llm

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/normanking/athena/internal/repair"
)

// FoldStream reads newline-delimited JSON or server-sent events and returns
// the last line that decodes to a JSON object. A "data:" prefix is stripped
// and non-JSON lines are ignored. When no line decodes, the final non-empty
// line is salvaged; an empty object is returned if that fails too.
func FoldStream(r io.Reader) (map[string]interface{}, error) {
	scanner := bufio.NewScanner(io.LimitReader(r, MaxStreamedResponseSize))
	scanner.Buffer(make([]byte, 0, 64*1024), MaxStreamedResponseSize)

	var last map[string]interface{}
	var tail string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(line[len("data:"):])
		}
		if obj, ok := decodeObject(line); ok {
			last = obj
			tail = ""
			continue
		}
		tail = line
	}
	if err := scanner.Err(); err != nil {
		if last != nil {
			return last, nil
		}
		return nil, err
	}

	if last != nil {
		return last, nil
	}
	if obj, ok := repair.SalvageObject(tail); ok {
		return obj, nil
	}
	return map[string]interface{}{}, nil
}

// FoldValues keeps the last JSON object found in a sequence of text chunks.
// Chunks that are not objects are joined as plain text and returned under
// response.text when nothing decodes.
func FoldValues(chunks []string) map[string]interface{} {
	var last map[string]interface{}
	var text []string
	for _, c := range chunks {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if obj, ok := decodeObject(c); ok {
			last = obj
			continue
		}
		text = append(text, c)
	}
	if last != nil {
		return last
	}
	joined := strings.Join(text, "\n")
	if obj, ok := repair.SalvageObject(joined); ok {
		return obj
	}
	if joined == "" {
		return map[string]interface{}{}
	}
	return map[string]interface{}{"response": map[string]interface{}{"text": joined}}
}

func decodeObject(s string) (map[string]interface{}, bool) {
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}
