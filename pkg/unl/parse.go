package unl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ParseList decodes validator list content. Two formats are accepted: a JSON
// array of key strings (what remote endpoints typically serve) and a plain
// text file with one key per line, where blank lines and #-comments are
// ignored. Any bad entry makes the whole list malformed; duplicates collapse
// while preserving first-seen order.
func ParseList(data []byte) ([]Identity, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var entries []string
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	} else {
		scanner := bufio.NewScanner(bytes.NewReader(trimmed))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			// Allow trailing comments after the key.
			if i := strings.Index(line, "#"); i > 0 {
				line = strings.TrimSpace(line[:i])
			}
			entries = append(entries, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	seen := make(map[Identity]struct{}, len(entries))
	out := make([]Identity, 0, len(entries))
	for _, e := range entries {
		id, err := ParseIdentity(e)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
