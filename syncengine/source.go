package syncengine

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"github.com/sirupsen/logrus"
)

// JSONLinesSource reads one JSON-encoded Fix per line, as emitted by
// `gpspipe`-style wrappers or a replay file. Undecodable lines are logged and
// skipped.
type JSONLinesSource struct {
	r   io.Reader
	log logrus.FieldLogger
}

func NewJSONLinesSource(r io.Reader, log logrus.FieldLogger) *JSONLinesSource {
	return &JSONLinesSource{r: r, log: log}
}

func (s *JSONLinesSource) Positions(ctx context.Context) (<-chan Fix, error) {
	out := make(chan Fix)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(s.r)
		line := 0
		for sc.Scan() {
			line++
			if len(sc.Bytes()) == 0 {
				continue
			}
			var fix Fix
			if err := json.Unmarshal(sc.Bytes(), &fix); err != nil {
				s.log.WithError(err).WithField("line", line).Warn("skipping undecodable fix")
				continue
			}
			select {
			case out <- fix:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			s.log.WithError(err).Error("position source read failed")
		}
	}()
	return out, nil
}
