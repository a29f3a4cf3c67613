package rollout

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/codex-core/session-engine/internal/protocol"
)

// ReadAll loads every RolloutRecord from a thread's transcript, in
// file order, for resume/fork reconstruction (spec §4.4, §4.9).
func ReadAll(path string) ([]protocol.RolloutRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rollout: open %s: %w", path, err)
	}
	defer f.Close()

	var records []protocol.RolloutRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec protocol.RolloutRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("rollout: decode record: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("rollout: scan %s: %w", path, err)
	}
	return records, nil
}
