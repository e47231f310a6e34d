package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/runnerr0/dwell/internal/tabstate"
)

const maxLineBytes = 1 << 20

// decodeEvents reads one BrowserEventData per line and passes it to fn.
// Blank lines are ignored. Lines that are not valid JSON, and events fn
// rejects as malformed, are logged and skipped. Any other error from fn
// stops decoding. The count of events fn accepted is returned.
func decodeEvents(r io.Reader, fn func(tabstate.BrowserEventData) error) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	accepted, lineNo := 0, 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var ev tabstate.BrowserEventData
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			log.Warn().Err(err).Int("line", lineNo).Msg("skipping undecodable event")
			continue
		}

		if err := fn(ev); err != nil {
			if errors.Is(err, tabstate.ErrMalformedEvent) {
				log.Warn().Err(err).Int("line", lineNo).Msg("skipping malformed event")
				continue
			}
			return accepted, fmt.Errorf("line %d: %w", lineNo, err)
		}
		accepted++
	}
	if err := scanner.Err(); err != nil {
		return accepted, fmt.Errorf("read events: %w", err)
	}
	return accepted, nil
}
